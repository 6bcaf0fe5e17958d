package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Image      string
	Name       string
	Command    []string
	Env        []string
	Labels     map[string]string
	WorkingDir string
}

// CreateContainer creates a new container and returns its engine-assigned id.
func (c *Client) CreateContainer(ctx context.Context, config ContainerConfig) (string, error) {
	containerConfig := &container.Config{
		Image:      config.Image,
		Cmd:        config.Command,
		Env:        config.Env,
		Labels:     config.Labels,
		WorkingDir: config.WorkingDir,
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, config.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer stops a container, waiting up to timeout before the engine
// kills it. A nil timeout uses a 2 second grace.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var timeoutSecs *int
	if timeout != nil {
		secs := int(timeout.Seconds())
		timeoutSecs = &secs
	} else {
		defaultSecs := 2
		timeoutSecs = &defaultSecs
	}
	return c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: timeoutSecs})
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
}

// RenameContainer renames a container.
func (c *Client) RenameContainer(ctx context.Context, containerID, newName string) error {
	return c.cli.ContainerRename(ctx, containerID, newName)
}

// ContainerStatus is the inspected state of a container.
type ContainerStatus struct {
	ID         string            // Full container ID
	Name       string            // Container name, without the leading slash
	Image      string            // Image reference the container was created from
	Status     string            // "created", "running", "exited", etc.
	Running    bool              // Whether the container is currently running
	ExitCode   int               // Exit code if stopped
	CreatedAt  *time.Time        // When the container was created
	StartedAt  *time.Time        // When the container started
	FinishedAt *time.Time        // When the container finished
	Labels     map[string]string // Container labels
}

// GetContainerStatus inspects a container by id or name.
func (c *Client) GetContainerStatus(ctx context.Context, containerID string) (*ContainerStatus, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	name := info.Name
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}

	status := &ContainerStatus{
		ID:       info.ID,
		Name:     name,
		Image:    info.Config.Image,
		Status:   string(info.State.Status),
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
		Labels:   info.Config.Labels,
	}

	if info.Created != "" {
		if createdAt, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
			status.CreatedAt = &createdAt
		}
	}
	if info.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			status.StartedAt = &startedAt
		}
	}
	if info.State.FinishedAt != "" {
		if finishedAt, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
			status.FinishedAt = &finishedAt
		}
	}

	return status, nil
}

// ListContainers lists containers matching the given label filters,
// regardless of running state.
func (c *Client) ListContainers(ctx context.Context, labelFilters map[string]string) ([]ContainerStatus, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labelFilters {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	statuses := make([]ContainerStatus, 0, len(containers))
	for _, cnt := range containers {
		name := ""
		if len(cnt.Names) > 0 {
			name = cnt.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		createdAt := time.Unix(cnt.Created, 0).UTC()
		statuses = append(statuses, ContainerStatus{
			ID:        cnt.ID,
			Name:      name,
			Image:     cnt.Image,
			Status:    string(cnt.State),
			Running:   string(cnt.State) == "running",
			CreatedAt: &createdAt,
			Labels:    cnt.Labels,
		})
	}

	return statuses, nil
}

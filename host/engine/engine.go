// Package engine adapts the generic Docker client to the sandbox host's
// managed-container policy: naming, labels, the keepalive command, and the
// classification of engine failures into core error kinds. Engine client
// types never escape this package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/libs/go/docker"
	"github.com/whale-net/sandman/libs/go/logging"
)

// Options configures the managed-container policy.
type Options struct {
	// Image is the engine reference every managed container runs.
	Image string
	// NamePrefix prefixes generated container names.
	NamePrefix string
	// LabelPrefix namespaces the managed-container labels.
	LabelPrefix string
	// WorkDir is the default working directory for commands.
	WorkDir string
	// Owner is recorded in the owner label, typically the host user.
	Owner string
}

// Engine implements core.Engine over a Docker client.
type Engine struct {
	docker *docker.Client
	opts   Options
	log    *slog.Logger
}

var _ core.Engine = (*Engine)(nil)

// New wraps a Docker client with the managed-container policy.
func New(dockerClient *docker.Client, opts Options) *Engine {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "sandbox"
	}
	if opts.LabelPrefix == "" {
		opts.LabelPrefix = "sandman"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/workspace"
	}
	return &Engine{
		docker: dockerClient,
		opts:   opts,
		log:    logging.Get("engine"),
	}
}

func (e *Engine) managedLabel() string { return e.opts.LabelPrefix + ".managed" }
func (e *Engine) sessionLabel() string { return e.opts.LabelPrefix + ".session" }
func (e *Engine) ownerLabel() string   { return e.opts.LabelPrefix + ".owner" }

// EnsureImage inspects the configured image and pulls it when missing.
func (e *Engine) EnsureImage(ctx context.Context) error {
	if err := e.docker.EnsureImage(ctx, e.opts.Image); err != nil {
		return classify(err, core.KindEngineError, "failed to ensure image %s", e.opts.Image)
	}
	return nil
}

// CreateManaged creates and starts one managed container running a
// sleep-forever command. If the engine allocated a container but a later
// step fails, the container is removed before the error is returned.
func (e *Engine) CreateManaged(ctx context.Context, sessionID string) (*core.Container, error) {
	name := fmt.Sprintf("%s-%s", e.opts.NamePrefix, uuid.NewString()[:8])

	labels := map[string]string{
		e.managedLabel(): "true",
		e.ownerLabel():   e.opts.Owner,
	}
	if sessionID != "" {
		labels[e.sessionLabel()] = sessionID
	}

	id, err := e.docker.CreateContainer(ctx, docker.ContainerConfig{
		Image:      e.opts.Image,
		Name:       name,
		Command:    []string{"sleep", "infinity"},
		Labels:     labels,
		WorkingDir: e.opts.WorkDir,
	})
	if err != nil {
		return nil, classify(err, core.KindEngineError, "failed to create container %s", name)
	}

	if err := e.docker.StartContainer(ctx, id); err != nil {
		e.removeQuietly(id)
		return nil, classify(err, core.KindEngineError, "failed to start container %s", name)
	}

	status, err := e.docker.GetContainerStatus(ctx, id)
	if err != nil {
		e.removeQuietly(id)
		return nil, classify(err, core.KindContainerNotFound, "failed to inspect container %s", name)
	}

	return e.record(status), nil
}

// ListManaged lists containers carrying the managed label, in any engine state.
func (e *Engine) ListManaged(ctx context.Context) ([]core.Container, error) {
	statuses, err := e.docker.ListContainers(ctx, map[string]string{e.managedLabel(): "true"})
	if err != nil {
		return nil, classify(err, core.KindEngineError, "failed to list managed containers")
	}

	records := make([]core.Container, 0, len(statuses))
	for i := range statuses {
		records = append(records, *e.record(&statuses[i]))
	}
	return records, nil
}

// Inspect returns the current record for a container.
func (e *Engine) Inspect(ctx context.Context, containerID string) (*core.Container, error) {
	status, err := e.docker.GetContainerStatus(ctx, containerID)
	if err != nil {
		return nil, classify(err, core.KindContainerNotFound, "failed to inspect container %s", shortID(containerID))
	}
	return e.record(status), nil
}

// Remove stops the container with a short grace period and force-removes it.
// Removing a container the engine no longer knows succeeds.
func (e *Engine) Remove(ctx context.Context, containerID string) error {
	if err := e.docker.StopContainer(ctx, containerID, nil); err != nil && !cerrdefs.IsNotFound(err) {
		e.log.Debug("stop before remove failed", "container_id", shortID(containerID), "error", err)
	}

	if err := e.docker.RemoveContainer(ctx, containerID, true); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return classify(err, core.KindContainerNotFound, "failed to remove container %s", shortID(containerID))
	}
	return nil
}

// AssignSession marks an existing container as bound to a session. The engine
// cannot mutate labels after creation, so the binding is reflected by renaming
// the container; the stored record stays authoritative. Rename conflicts are
// logged and ignored, a missing container is reported.
func (e *Engine) AssignSession(ctx context.Context, containerID, sessionID string) error {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s-sess-%s", e.opts.NamePrefix, short)

	if err := e.docker.RenameContainer(ctx, containerID, name); err != nil {
		if cerrdefs.IsNotFound(err) {
			return classify(err, core.KindContainerNotFound, "failed to assign session to container %s", shortID(containerID))
		}
		e.log.Warn("container rename failed",
			"container_id", shortID(containerID),
			"session_id", sessionID,
			"error", err)
	}
	return nil
}

// Exec runs a command and returns the complete result. A deadline produces
// ExitCode -1 with the output collected so far rather than an error.
func (e *Engine) Exec(ctx context.Context, containerID string, spec core.ExecSpec) (*core.ExecResult, error) {
	opts, err := e.execOptions(spec)
	if err != nil {
		return nil, err
	}

	res, err := e.docker.Exec(ctx, containerID, opts)
	if err != nil {
		return nil, classify(err, core.KindContainerNotFound, "failed to execute command in container %s", shortID(containerID))
	}

	return &core.ExecResult{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		ElapsedMs: res.Elapsed.Milliseconds(),
		TimedOut:  res.TimedOut,
	}, nil
}

// ExecStream runs a command and yields output chunks as they arrive. The
// returned channel closes after exactly one StreamExit event.
func (e *Engine) ExecStream(ctx context.Context, containerID string, spec core.ExecSpec) (<-chan core.StreamEvent, error) {
	opts, err := e.execOptions(spec)
	if err != nil {
		return nil, err
	}

	raw, err := e.docker.ExecStream(ctx, containerID, opts)
	if err != nil {
		return nil, classify(err, core.KindContainerNotFound, "failed to start command in container %s", shortID(containerID))
	}

	out := make(chan core.StreamEvent)
	go func() {
		defer close(out)
		for ev := range raw {
			select {
			case out <- streamEvent(ev):
			case <-ctx.Done():
				for range raw {
				}
				return
			}
		}
	}()
	return out, nil
}

// UploadFile writes data to an absolute path inside the container, creating
// the parent directory first.
func (e *Engine) UploadFile(ctx context.Context, containerID, filePath string, data []byte) error {
	if !strings.HasPrefix(filePath, "/") {
		return core.E(core.KindInvalidArgument, "path must be absolute: %s", filePath)
	}

	if dir := path.Dir(path.Clean(filePath)); dir != "/" {
		res, err := e.docker.Exec(ctx, containerID, docker.ExecOptions{
			Cmd:     []string{"mkdir", "-p", dir},
			Timeout: 10 * time.Second,
		})
		if err != nil {
			return classify(err, core.KindContainerNotFound, "failed to create directory %s", dir)
		}
		if res.ExitCode != 0 {
			return core.E(core.KindEngineError, "failed to create directory %s: %s", dir, strings.TrimSpace(res.Stderr))
		}
	}

	if err := e.docker.CopyFileTo(ctx, containerID, filePath, data); err != nil {
		return classify(err, core.KindContainerNotFound, "failed to upload %s", filePath)
	}
	return nil
}

// DownloadFile reads a single file from the container.
func (e *Engine) DownloadFile(ctx context.Context, containerID, filePath string) ([]byte, error) {
	data, err := e.docker.ReadFileFrom(ctx, containerID, filePath)
	if err != nil {
		if errors.Is(err, docker.ErrNotRegularFile) {
			return nil, core.Wrap(core.KindFileNotFound, err, "no file at %s", filePath)
		}
		return nil, classify(err, core.KindFileNotFound, "failed to download %s", filePath)
	}
	return data, nil
}

// ListDirectory enumerates the direct children of a directory.
func (e *Engine) ListDirectory(ctx context.Context, containerID, dirPath string) ([]core.FileEntry, error) {
	files, err := e.docker.ListPath(ctx, containerID, dirPath)
	if err != nil {
		return nil, classify(err, core.KindFileNotFound, "failed to list %s", dirPath)
	}

	entries := make([]core.FileEntry, 0, len(files))
	for _, f := range files {
		entry := core.FileEntry{
			Name:        f.Name,
			Path:        f.Path,
			IsDirectory: f.Dir,
			Size:        f.Size,
		}
		if !f.ModTime.IsZero() {
			modified := f.ModTime
			entry.ModifiedAt = &modified
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// WatchManaged streams lifecycle events for managed containers until ctx is
// cancelled. Callers that need a durable watch resubscribe on error.
func (e *Engine) WatchManaged(ctx context.Context) (<-chan core.ContainerEvent, <-chan error) {
	raw, errCh := e.docker.WatchContainers(ctx,
		map[string]string{e.managedLabel(): "true"},
		"die", "stop", "kill", "destroy", "oom")

	out := make(chan core.ContainerEvent)
	go func() {
		defer close(out)
		for msg := range raw {
			select {
			case out <- core.ContainerEvent{ContainerID: msg.ContainerID, Action: msg.Action}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errCh
}

// execOptions maps an ExecSpec to driver options, applying the shell form
// and the default working directory.
func (e *Engine) execOptions(spec core.ExecSpec) (docker.ExecOptions, error) {
	var cmd []string
	switch {
	case len(spec.Argv) > 0:
		cmd = spec.Argv
	case spec.Command != "":
		cmd = []string{"/bin/sh", "-c", spec.Command}
	default:
		return docker.ExecOptions{}, core.E(core.KindInvalidArgument, "command is required")
	}

	workDir := spec.WorkingDir
	if workDir == "" {
		workDir = e.opts.WorkDir
	}

	return docker.ExecOptions{
		Cmd:        cmd,
		WorkingDir: workDir,
		Timeout:    spec.Timeout,
	}, nil
}

// record converts an inspected container into the core record shape.
func (e *Engine) record(status *docker.ContainerStatus) *core.Container {
	rec := &core.Container{
		ContainerID:  status.ID,
		Name:         status.Name,
		Image:        status.Image,
		EngineStatus: status.Status,
		SessionID:    status.Labels[e.sessionLabel()],
		Labels:       status.Labels,
		StartedAt:    status.StartedAt,
	}
	if status.CreatedAt != nil {
		rec.CreatedAt = *status.CreatedAt
	}
	return rec
}

// removeQuietly cleans up a partially created container outside the caller's
// context so cleanup still runs when the caller was cancelled.
func (e *Engine) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.docker.RemoveContainer(ctx, containerID, true); err != nil && !cerrdefs.IsNotFound(err) {
		e.log.Warn("cleanup of failed container failed", "container_id", shortID(containerID), "error", err)
	}
}

// streamEvent converts a driver exec event to the core stream shape.
func streamEvent(ev docker.ExecEvent) core.StreamEvent {
	switch ev.Kind {
	case docker.ExecStderr:
		return core.StreamEvent{Type: core.StreamStderr, Data: ev.Data}
	case docker.ExecExit:
		return core.StreamEvent{Type: core.StreamExit, ExitCode: ev.ExitCode, ElapsedMs: ev.Elapsed.Milliseconds()}
	default:
		return core.StreamEvent{Type: core.StreamStdout, Data: ev.Data}
	}
}

// classify wraps a driver error into the core taxonomy: connection failures
// become EngineUnreachable, engine 404s become notFoundKind, everything else
// EngineError.
func classify(err error, notFoundKind core.ErrorKind, format string, args ...any) error {
	switch {
	case client.IsErrConnectionFailed(err):
		return core.Wrap(core.KindEngineUnreachable, err, format, args...)
	case cerrdefs.IsNotFound(err):
		return core.Wrap(notFoundKind, err, format, args...)
	default:
		return core.Wrap(core.KindEngineError, err, format, args...)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

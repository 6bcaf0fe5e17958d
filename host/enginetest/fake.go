// Package enginetest provides a scriptable in-memory core.Engine for tests
// of the pool, session manager, runner and file service.
package enginetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/whale-net/sandman/host/core"
)

// FakeEngine implements core.Engine against an in-memory container table.
// Zero value is not usable; call New.
//
// Failure injection fields apply to every subsequent call until cleared.
// ExecFunc and StreamFunc override the default command behavior.
type FakeEngine struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer

	// WarmInspects makes each new container report engine status "created"
	// for that many Inspect calls before turning "running".
	WarmInspects int

	CreateErr  error
	InspectErr error
	RemoveErr  error
	AssignErr  error
	ExecErr    error

	ExecFunc   func(containerID string, spec core.ExecSpec) (*core.ExecResult, error)
	StreamFunc func(containerID string, spec core.ExecSpec) []core.StreamEvent

	removed []string

	events   chan core.ContainerEvent
	watchErr chan error
}

type fakeContainer struct {
	record       core.Container
	inspectsLeft int
	files        map[string][]byte
}

var _ core.Engine = (*FakeEngine)(nil)

// New returns an empty fake engine.
func New() *FakeEngine {
	return &FakeEngine{
		containers: make(map[string]*fakeContainer),
		events:     make(chan core.ContainerEvent, 16),
		watchErr:   make(chan error, 1),
	}
}

func (f *FakeEngine) EnsureImage(context.Context) error {
	return nil
}

func (f *FakeEngine) CreateManaged(_ context.Context, sessionID string) (*core.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("fake-%03d", f.nextID)
	status := "running"
	if f.WarmInspects > 0 {
		status = "created"
	}
	rec := core.Container{
		ContainerID:  id,
		Name:         "sandbox-" + id,
		Image:        "fake-image:latest",
		EngineStatus: status,
		SessionID:    sessionID,
		CreatedAt:    time.Now(),
	}
	f.containers[id] = &fakeContainer{
		record:       rec,
		inspectsLeft: f.WarmInspects,
		files:        make(map[string][]byte),
	}
	out := rec
	return &out, nil
}

func (f *FakeEngine) ListManaged(context.Context) ([]core.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func (f *FakeEngine) Inspect(_ context.Context, containerID string) (*core.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InspectErr != nil {
		return nil, f.InspectErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return nil, core.E(core.KindContainerNotFound, "no container %s", containerID)
	}
	if c.inspectsLeft > 0 {
		c.inspectsLeft--
		if c.inspectsLeft == 0 {
			c.record.EngineStatus = "running"
			now := time.Now()
			c.record.StartedAt = &now
		}
	}
	out := c.record
	return &out, nil
}

func (f *FakeEngine) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return core.E(core.KindContainerNotFound, "no container %s", containerID)
	}
	delete(f.containers, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *FakeEngine) AssignSession(_ context.Context, containerID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AssignErr != nil {
		return f.AssignErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return core.E(core.KindContainerNotFound, "no container %s", containerID)
	}
	c.record.SessionID = sessionID
	return nil
}

func (f *FakeEngine) Exec(_ context.Context, containerID string, spec core.ExecSpec) (*core.ExecResult, error) {
	f.mu.Lock()
	execFn := f.ExecFunc
	execErr := f.ExecErr
	_, exists := f.containers[containerID]
	f.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if !exists {
		return nil, core.E(core.KindContainerNotFound, "no container %s", containerID)
	}
	if execFn != nil {
		return execFn(containerID, spec)
	}
	return &core.ExecResult{Stdout: "ready\n", ExitCode: 0, ElapsedMs: 5}, nil
}

func (f *FakeEngine) ExecStream(ctx context.Context, containerID string, spec core.ExecSpec) (<-chan core.StreamEvent, error) {
	f.mu.Lock()
	streamFn := f.StreamFunc
	execErr := f.ExecErr
	_, exists := f.containers[containerID]
	f.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if !exists {
		return nil, core.E(core.KindContainerNotFound, "no container %s", containerID)
	}

	var events []core.StreamEvent
	if streamFn != nil {
		events = streamFn(containerID, spec)
	} else {
		events = []core.StreamEvent{
			{Type: core.StreamStdout, Data: []byte("ready\n")},
			{Type: core.StreamExit, ExitCode: 0, ElapsedMs: 5},
		}
	}

	out := make(chan core.StreamEvent, len(events))
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *FakeEngine) UploadFile(_ context.Context, containerID, filePath string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return core.E(core.KindContainerNotFound, "no container %s", containerID)
	}
	c.files[path.Clean(filePath)] = append([]byte(nil), data...)
	return nil
}

func (f *FakeEngine) DownloadFile(_ context.Context, containerID, filePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, core.E(core.KindContainerNotFound, "no container %s", containerID)
	}
	data, ok := c.files[path.Clean(filePath)]
	if !ok {
		return nil, core.E(core.KindFileNotFound, "no file at %s", filePath)
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeEngine) ListDirectory(_ context.Context, containerID, dirPath string) ([]core.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, core.E(core.KindContainerNotFound, "no container %s", containerID)
	}

	dir := path.Clean(dirPath)
	seen := make(map[string]core.FileEntry)
	for p, data := range c.files {
		if !strings.HasPrefix(p, dir+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, dir+"/")
		parts := strings.SplitN(rest, "/", 2)
		name := parts[0]
		if _, dup := seen[name]; dup {
			continue
		}
		entry := core.FileEntry{
			Name: name,
			Path: path.Join(dir, name),
		}
		if len(parts) == 2 {
			entry.IsDirectory = true
		} else {
			entry.Size = int64(len(data))
		}
		seen[name] = entry
	}

	out := make([]core.FileEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeEngine) WatchManaged(ctx context.Context) (<-chan core.ContainerEvent, <-chan error) {
	out := make(chan core.ContainerEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, f.watchErr
}

// EmitEvent delivers a lifecycle event to WatchManaged subscribers.
func (f *FakeEngine) EmitEvent(ev core.ContainerEvent) {
	f.events <- ev
}

// Exists reports whether the engine still holds the container.
func (f *FakeEngine) Exists(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok
}

// Removed returns the ids passed to Remove, in call order.
func (f *FakeEngine) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Count returns the number of containers the engine holds.
func (f *FakeEngine) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// DropContainer removes a container without recording it, simulating an
// external removal the host did not initiate.
func (f *FakeEngine) DropContainer(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/whale-net/sandman/host/core"
)

// MemoryContainerRepo is a mutex-guarded map of container records. Records
// are copied on the way in and out so callers never share memory with the
// repository.
type MemoryContainerRepo struct {
	mu    sync.RWMutex
	items map[string]core.Container
}

// NewMemoryContainerRepo returns an empty in-memory container repository.
func NewMemoryContainerRepo() *MemoryContainerRepo {
	return &MemoryContainerRepo{items: make(map[string]core.Container)}
}

func (r *MemoryContainerRepo) Save(_ context.Context, container *core.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[container.ContainerID] = cloneContainer(*container)
	return nil
}

func (r *MemoryContainerRepo) Get(_ context.Context, containerID string) (*core.Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[containerID]
	if !ok {
		return nil, nil
	}
	out := cloneContainer(c)
	return &out, nil
}

func (r *MemoryContainerRepo) GetAll(_ context.Context) ([]core.Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Container, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, cloneContainer(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ContainerID < out[j].ContainerID
	})
	return out, nil
}

func (r *MemoryContainerRepo) Delete(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, containerID)
	return nil
}

func (r *MemoryContainerRepo) FirstIdle(_ context.Context) (*core.Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.items {
		if c.Status == core.ContainerIdle {
			out := cloneContainer(c)
			return &out, nil
		}
	}
	return nil, nil
}

func (r *MemoryContainerRepo) CountByStatus(_ context.Context) (ContainerCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var counts ContainerCounts
	for _, c := range r.items {
		switch c.Status {
		case core.ContainerIdle:
			counts.Idle++
		case core.ContainerBusy:
			counts.Busy++
		case core.ContainerWarming:
			counts.Warming++
		case core.ContainerDestroying:
			counts.Destroying++
		}
	}
	return counts, nil
}

func (r *MemoryContainerRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items), nil
}

// MemorySessionRepo is a mutex-guarded map of session records.
type MemorySessionRepo struct {
	mu    sync.RWMutex
	items map[string]core.Session
}

// NewMemorySessionRepo returns an empty in-memory session repository.
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{items: make(map[string]core.Session)}
}

func (r *MemorySessionRepo) Save(_ context.Context, session *core.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[session.SessionID] = *session
	return nil
}

func (r *MemorySessionRepo) Get(_ context.Context, sessionID string) (*core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[sessionID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemorySessionRepo) GetAll(_ context.Context) ([]core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Session, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (r *MemorySessionRepo) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, sessionID)
	return nil
}

func (r *MemorySessionRepo) GetAllActive(_ context.Context) ([]core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Session, 0)
	for _, s := range r.items {
		if s.Status == core.SessionActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (r *MemorySessionRepo) GetByContainerID(_ context.Context, containerID string) (*core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.items {
		if s.ContainerID == containerID && containerID != "" {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

func (r *MemorySessionRepo) GetQueued(_ context.Context) ([]core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Session, 0)
	for _, s := range r.items {
		if s.Status == core.SessionQueued {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuePosition < out[j].QueuePosition
	})
	return out, nil
}

func cloneContainer(c core.Container) core.Container {
	out := c
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	if c.StartedAt != nil {
		startedAt := *c.StartedAt
		out.StartedAt = &startedAt
	}
	return out
}

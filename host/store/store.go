// Package store defines the container and session repositories used by the
// pool and session manager, with an in-process memory implementation as the
// default. Save has upsert semantics by primary key; lookups that miss
// return (nil, nil).
package store

import (
	"context"

	"github.com/whale-net/sandman/host/core"
)

// ContainerCounts is a per-state tally of container records.
type ContainerCounts struct {
	Idle       int
	Busy       int
	Warming    int
	Destroying int
}

// Active is the number of containers that count against the capacity cap.
// Destroying containers are already on their way out and do not count.
func (c ContainerCounts) Active() int {
	return c.Idle + c.Busy + c.Warming
}

// ContainerRepo stores the pool's container records.
type ContainerRepo interface {
	Save(ctx context.Context, container *core.Container) error
	Get(ctx context.Context, containerID string) (*core.Container, error)
	GetAll(ctx context.Context) ([]core.Container, error)
	Delete(ctx context.Context, containerID string) error

	// FirstIdle returns any Idle container, or nil when none exists.
	FirstIdle(ctx context.Context) (*core.Container, error)
	CountByStatus(ctx context.Context) (ContainerCounts, error)
	Count(ctx context.Context) (int, error)
}

// SessionRepo stores the session manager's records.
type SessionRepo interface {
	Save(ctx context.Context, session *core.Session) error
	Get(ctx context.Context, sessionID string) (*core.Session, error)
	GetAll(ctx context.Context) ([]core.Session, error)
	Delete(ctx context.Context, sessionID string) error

	// GetAllActive returns sessions with status Active.
	GetAllActive(ctx context.Context) ([]core.Session, error)
	// GetByContainerID returns the session bound to a container, or nil.
	GetByContainerID(ctx context.Context, containerID string) (*core.Session, error)
	// GetQueued returns Queued sessions ordered by queue position.
	GetQueued(ctx context.Context) ([]core.Session, error)
}

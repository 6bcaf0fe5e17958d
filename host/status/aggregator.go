// Package status assembles the aggregate system view and fans it out to
// subscribers on every pool or session transition.
package status

import (
	"context"
	"time"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/pool"
	"github.com/whale-net/sandman/host/session"
)

// Aggregator builds point-in-time system snapshots.
type Aggregator struct {
	pool     *pool.Pool
	sessions *session.Manager

	image         string
	maxContainers int
	prewarmCount  int
}

// NewAggregator creates an aggregator over the pool and session manager.
func NewAggregator(p *pool.Pool, sessions *session.Manager, image string, maxContainers, prewarmCount int) *Aggregator {
	return &Aggregator{
		pool:          p,
		sessions:      sessions,
		image:         image,
		maxContainers: maxContainers,
		prewarmCount:  prewarmCount,
	}
}

// Snapshot assembles the current system status.
func (a *Aggregator) Snapshot(ctx context.Context) (*core.SystemStatus, error) {
	containers, err := a.pool.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := a.pool.Counts(ctx)
	if err != nil {
		return nil, err
	}
	active, queued, err := a.sessions.Counts(ctx)
	if err != nil {
		return nil, err
	}

	return &core.SystemStatus{
		Image:           a.image,
		MaxContainers:   a.maxContainers,
		PrewarmCount:    a.prewarmCount,
		Idle:            counts.Idle,
		Busy:            counts.Busy,
		Warming:         counts.Warming,
		Destroying:      counts.Destroying,
		TotalContainers: len(containers),
		ActiveSessions:  active,
		QueuedSessions:  queued,
		Containers:      containers,
		Timestamp:       time.Now().UTC(),
	}, nil
}

package pool

import (
	"context"
	"time"

	"github.com/whale-net/sandman/host/core"
)

// watchReconnectDelay spaces out reconnect attempts when the engine event
// stream drops.
const watchReconnectDelay = time.Second

// SetOnContainerRemoved registers the callback fired when a managed
// container disappears outside the pool's control. Must be set before
// Watch starts.
func (p *Pool) SetOnContainerRemoved(fn func(containerID string)) {
	p.onRemoved = fn
}

// Watch consumes engine lifecycle events and reconciles records for
// containers that died or were removed behind the pool's back. Blocks
// until ctx is cancelled, reconnecting whenever the stream drops.
func (p *Pool) Watch(ctx context.Context) {
	for {
		events, errs := p.engine.WatchManaged(ctx)
		p.consumeEvents(ctx, events, errs)

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchReconnectDelay):
			p.log.Info("reconnecting engine event stream")
		}
	}
}

func (p *Pool) consumeEvents(ctx context.Context, events <-chan core.ContainerEvent, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handleGone(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				p.log.Warn("engine event stream error", "error", err)
			}
			return
		}
	}
}

// handleGone reconciles a container the engine reports as stopped or
// removed. Removals the pool initiated itself are already Destroying and
// are skipped.
func (p *Pool) handleGone(ctx context.Context, ev core.ContainerEvent) {
	p.mu.Lock()
	rec, err := p.containers.Get(ctx, ev.ContainerID)
	if err != nil || rec == nil || rec.Status == core.ContainerDestroying {
		p.mu.Unlock()
		return
	}
	_ = p.containers.Delete(ctx, ev.ContainerID)
	p.mu.Unlock()
	p.notifyChange()

	p.log.Warn("managed container removed externally",
		"container_id", shortID(ev.ContainerID),
		"name", rec.Name,
		"action", ev.Action,
		"session_id", rec.SessionID)

	// A die or kill leaves a stopped container behind; clear it out.
	if ev.Action != "destroy" {
		p.removeQuietly(ev.ContainerID)
	}

	if p.onRemoved != nil {
		p.onRemoved(ev.ContainerID)
	}
	p.ScheduleReplenish()
}

package status

import (
	"context"
	"log/slog"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/libs/go/logging"
)

// Sink receives published snapshots. Failures are the sink's to report;
// the notifier logs and moves on.
type Sink interface {
	PublishStatus(ctx context.Context, st *core.SystemStatus) error
}

// Notifier turns change signals into published snapshots. Signals arriving
// while a snapshot is being built coalesce into one more pass, so a burst
// of transitions produces a bounded number of publishes.
type Notifier struct {
	agg     *Aggregator
	sinks   []Sink
	trigger chan struct{}
	log     *slog.Logger
}

// NewNotifier creates a notifier publishing to the given sinks.
func NewNotifier(agg *Aggregator, sinks ...Sink) *Notifier {
	return &Notifier{
		agg:     agg,
		sinks:   sinks,
		trigger: make(chan struct{}, 1),
		log:     logging.Get("status"),
	}
}

// Notify signals that state changed. Never blocks.
func (n *Notifier) Notify() {
	select {
	case n.trigger <- struct{}{}:
	default:
	}
}

// Run publishes snapshots until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.trigger:
		}

		st, err := n.agg.Snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Error("failed to build status snapshot", "error", err)
			}
			continue
		}
		for _, sink := range n.sinks {
			if err := sink.PublishStatus(ctx, st); err != nil && ctx.Err() == nil {
				n.log.Warn("status sink publish failed", "error", err)
			}
		}
	}
}

// PublishStatus lets the hub act as a notifier sink.
func (h *Hub) PublishStatus(_ context.Context, st *core.SystemStatus) error {
	h.Publish(st)
	return nil
}

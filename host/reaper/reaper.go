// Package reaper destroys sessions that sat idle past their TTL.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/whale-net/sandman/host/session"
	"github.com/whale-net/sandman/libs/go/logging"
)

const defaultInterval = time.Second

// Reaper periodically sweeps sessions whose idle timeout elapsed. Sessions
// with a command in flight are never reaped, whatever their timestamps say.
type Reaper struct {
	sessions       *session.Manager
	defaultTimeout time.Duration
	interval       time.Duration
	log            *slog.Logger
}

// New creates a reaper. defaultTimeout applies to sessions without a
// per-session override.
func New(sessions *session.Manager, defaultTimeout time.Duration) *Reaper {
	return &Reaper{
		sessions:       sessions,
		defaultTimeout: defaultTimeout,
		interval:       defaultInterval,
		log:            logging.Get("reaper"),
	}
}

// Run sweeps on a fixed tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, time.Now())
		}
	}
}

func (r *Reaper) sweep(ctx context.Context, now time.Time) {
	sessions, err := r.sessions.GetAll(ctx)
	if err != nil {
		r.log.Error("failed to list sessions", "error", err)
		return
	}

	for _, s := range sessions {
		if s.IsExecutingCommand {
			continue
		}
		ttl := s.EffectiveTimeout(r.defaultTimeout)
		idle := now.Sub(s.LastActivityAt)
		if idle < ttl {
			continue
		}

		r.log.Info("reaping idle session",
			"session_id", s.SessionID,
			"idle", idle.Round(time.Second),
			"timeout", ttl)
		if err := r.sessions.Destroy(ctx, s.SessionID); err != nil {
			r.log.Warn("failed to reap session", "session_id", s.SessionID, "error", err)
		}
	}
}

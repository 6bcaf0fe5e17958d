// Package runner executes commands inside session containers: preflight
// against the session state, the one-command-at-a-time latch, and activity
// bookkeeping around the engine call.
package runner

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/session"
	"github.com/whale-net/sandman/libs/go/logging"
)

// streamRecordLimit bounds how much streamed output is retained for the
// recorder per command.
const streamRecordLimit = 64 * 1024

// Recorder receives completed commands for transcript archival.
type Recorder interface {
	RecordCommand(sessionID, command string, exitCode int, elapsed time.Duration, output string)
}

// Options configures command execution defaults.
type Options struct {
	// DefaultTimeout applies when a command does not set its own.
	DefaultTimeout time.Duration
	// Recorder, when set, is handed every command that reached the engine.
	Recorder Recorder
}

// Runner runs commands for sessions.
type Runner struct {
	sessions *session.Manager
	engine   core.Engine
	opts     Options
	log      *slog.Logger
}

// New creates a runner.
func New(sessions *session.Manager, engine core.Engine, opts Options) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Runner{
		sessions: sessions,
		engine:   engine,
		opts:     opts,
		log:      logging.Get("runner"),
	}
}

// Execute runs one command to completion and returns the collected output.
// On timeout the result carries TimedOut with whatever output was gathered
// before the deadline.
func (r *Runner) Execute(ctx context.Context, sessionID string, spec core.ExecSpec) (*core.ExecResult, error) {
	sess, err := r.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.BeginExecuting(ctx, sessionID); err != nil {
		return nil, err
	}

	if spec.Timeout <= 0 {
		spec.Timeout = r.opts.DefaultTimeout
	}

	res, err := r.engine.Exec(ctx, sess.ContainerID, spec)
	r.sessions.FinishExecuting(context.WithoutCancel(ctx), sessionID, err == nil)
	if err != nil {
		return nil, err
	}

	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordCommand(sessionID, commandLine(spec), res.ExitCode,
			time.Duration(res.ElapsedMs)*time.Millisecond, res.Stdout+res.Stderr)
	}

	if res.TimedOut {
		r.log.Warn("command timed out",
			"session_id", sessionID,
			"container_id", sess.ContainerID,
			"timeout", spec.Timeout)
	}
	return res, nil
}

// ExecuteStream runs one command and streams its output. The returned
// channel always ends with a single exit event and is closed afterwards;
// the latch is released when the stream finishes, whether or not the
// caller kept reading.
func (r *Runner) ExecuteStream(ctx context.Context, sessionID string, spec core.ExecSpec) (<-chan core.StreamEvent, error) {
	sess, err := r.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.BeginExecuting(ctx, sessionID); err != nil {
		return nil, err
	}

	if spec.Timeout <= 0 {
		spec.Timeout = r.opts.DefaultTimeout
	}

	raw, err := r.engine.ExecStream(ctx, sess.ContainerID, spec)
	if err != nil {
		r.sessions.FinishExecuting(context.WithoutCancel(ctx), sessionID, false)
		return nil, err
	}

	out := make(chan core.StreamEvent)
	go func() {
		var (
			captured bytes.Buffer
			exitCode = -1
			elapsed  int64
		)
		observe := func(ev core.StreamEvent) {
			switch ev.Type {
			case core.StreamStdout, core.StreamStderr:
				if room := streamRecordLimit - captured.Len(); room > 0 {
					captured.Write(ev.Data[:min(room, len(ev.Data))])
				}
			case core.StreamExit:
				exitCode = ev.ExitCode
				elapsed = ev.ElapsedMs
			}
		}

		defer close(out)
		defer func() {
			r.sessions.FinishExecuting(context.WithoutCancel(ctx), sessionID, true)
			if r.opts.Recorder != nil {
				r.opts.Recorder.RecordCommand(sessionID, commandLine(spec), exitCode,
					time.Duration(elapsed)*time.Millisecond, captured.String())
			}
		}()

		for ev := range raw {
			observe(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				// Caller is gone; keep watching for the exit event while
				// the engine side winds down.
				for ev := range raw {
					observe(ev)
				}
				return
			}
		}
	}()
	return out, nil
}

func commandLine(spec core.ExecSpec) string {
	if spec.Command != "" {
		return spec.Command
	}
	return strings.Join(spec.Argv, " ")
}

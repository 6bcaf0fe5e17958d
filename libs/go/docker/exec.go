package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecOptions describes one command execution inside a container.
type ExecOptions struct {
	Cmd        []string
	WorkingDir string
	Env        []string
	// Timeout bounds the execution; zero means no deadline beyond ctx.
	Timeout time.Duration
}

// ExecResult is the collected outcome of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
	// TimedOut is set when the deadline expired before the command finished.
	// ExitCode is -1 and the output fields hold what was read until then.
	TimedOut bool
}

// ExecEventKind discriminates streamed exec events.
type ExecEventKind int

const (
	ExecStdout ExecEventKind = iota
	ExecStderr
	ExecExit
)

// ExecEvent is one chunk of a streamed execution. The final event of every
// stream is ExecExit; on timeout or cancellation its ExitCode is -1.
type ExecEvent struct {
	Kind     ExecEventKind
	Data     []byte
	ExitCode int
	Elapsed  time.Duration
}

const (
	// streamChunkBuffer bounds the event channel so a slow consumer applies
	// backpressure to the engine read loop instead of growing memory.
	streamChunkBuffer = 64

	// exitEventGrace is how long the stream goroutine waits for the consumer
	// to take the final exit event before giving up.
	exitEventGrace = 2 * time.Second

	execPollInterval = 100 * time.Millisecond
)

// Exec runs a command in the container and returns the complete result.
// Stdout and stderr are demultiplexed concurrently from the attached stream.
// When the deadline expires the attachment is torn down and the result
// reports ExitCode -1 with whatever output was collected.
func (c *Client) Exec(ctx context.Context, containerID string, opts ExecOptions) (*ExecResult, error) {
	start := time.Now()

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execID, resp, err := c.attachExec(execCtx, containerID, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- copyErr
	}()

	select {
	case <-execCtx.Done():
		resp.Close()
		<-done
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Elapsed:  time.Since(start),
			TimedOut: errors.Is(execCtx.Err(), context.DeadlineExceeded),
		}, nil
	case copyErr := <-done:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	}

	exitCode, err := c.waitExec(execCtx, execID)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Elapsed:  time.Since(start),
	}, nil
}

// ExecStream runs a command and yields output chunks as they arrive from the
// engine, one event per multiplexed frame. The returned channel is closed
// after exactly one ExecExit event, which is also emitted on timeout and on
// cancellation (ExitCode -1). The consumer must drain the channel.
func (c *Client) ExecStream(ctx context.Context, containerID string, opts ExecOptions) (<-chan ExecEvent, error) {
	start := time.Now()

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	execID, resp, err := c.attachExec(execCtx, containerID, opts)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	events := make(chan ExecEvent, streamChunkBuffer)
	go func() {
		defer close(events)
		defer resp.Close()
		if cancel != nil {
			defer cancel()
		}

		// Tear down the attachment when the context ends so the blocking
		// frame read returns.
		stop := context.AfterFunc(execCtx, func() { resp.Close() })
		defer stop()

		readErr := demuxFrames(resp.Reader, func(kind ExecEventKind, data []byte) bool {
			select {
			case events <- ExecEvent{Kind: kind, Data: data}:
				return true
			case <-execCtx.Done():
				return false
			}
		})

		exitCode := -1
		if execCtx.Err() == nil && readErr == nil {
			if code, waitErr := c.waitExec(execCtx, execID); waitErr == nil {
				exitCode = code
			}
		}

		exit := ExecEvent{Kind: ExecExit, ExitCode: exitCode, Elapsed: time.Since(start)}
		select {
		case events <- exit:
		case <-time.After(exitEventGrace):
		}
	}()

	return events, nil
}

// attachExec creates an exec instance and attaches to its output stream.
func (c *Client) attachExec(ctx context.Context, containerID string, opts ExecOptions) (string, types.HijackedResponse, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("failed to attach exec: %w", err)
	}

	return created.ID, resp, nil
}

// waitExec polls the exec instance until it reports completion, returning
// its exit code. Returns -1 without error if ctx ends first.
func (c *Client) waitExec(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for {
		inspect, err := c.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return -1, nil
		case <-ticker.C:
		}
	}
}

// demuxFrames reads Docker's multiplexed stream framing: an 8-byte header
// [streamType, 0, 0, 0, size(4 bytes big-endian)] followed by the payload.
// emit returning false stops the loop. A clean EOF returns nil.
func demuxFrames(r io.Reader, emit func(kind ExecEventKind, data []byte) bool) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}

		kind := ExecStdout
		if header[0] == 2 {
			kind = ExecStderr
		}
		if !emit(kind, data) {
			return nil
		}
	}
}

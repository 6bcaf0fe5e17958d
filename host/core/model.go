// Package core holds the domain model shared by the pool, session manager,
// command runner and HTTP layer: container and session records, the engine
// driver capability surface, and the error taxonomy.
package core

import "time"

// ContainerState is the pool-side lifecycle state of a managed container.
type ContainerState string

const (
	ContainerWarming    ContainerState = "warming"
	ContainerIdle       ContainerState = "idle"
	ContainerBusy       ContainerState = "busy"
	ContainerDestroying ContainerState = "destroying"
)

// Container is the pool's record of one managed container.
type Container struct {
	ContainerID  string            `json:"containerId"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	EngineStatus string            `json:"engineStatus"`
	Status       ContainerState    `json:"status"`
	SessionID    string            `json:"sessionId,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionQueued    SessionState = "queued"
	SessionActive    SessionState = "active"
	SessionDestroyed SessionState = "destroyed"
)

// Session is one client's handle to a managed container.
type Session struct {
	SessionID          string       `json:"sessionId"`
	Name               string       `json:"name,omitempty"`
	ContainerID        string       `json:"containerId,omitempty"`
	Status             SessionState `json:"status"`
	QueuePosition      int          `json:"queuePosition"`
	CreatedAt          time.Time    `json:"createdAt"`
	LastActivityAt     time.Time    `json:"lastActivityAt"`
	CommandCount       int          `json:"commandCount"`
	IsExecutingCommand bool         `json:"isExecutingCommand"`
	// TimeoutSeconds overrides the configured idle timeout when > 0.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// EffectiveTimeout returns the session's idle TTL, falling back to the
// supplied default when no per-session override is set.
func (s *Session) EffectiveTimeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// ExecSpec describes one command to run inside a container. Exactly one of
// Command (shell form, run as "/bin/sh -c") or Argv (run directly, no shell)
// must be set.
type ExecSpec struct {
	Command    string
	Argv       []string
	WorkingDir string
	Timeout    time.Duration
}

// ExecResult is the outcome of a batched command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	// ElapsedMs is measured from submission to completion or deadline.
	ElapsedMs int64 `json:"executionTimeMs"`
	// TimedOut is set when the deadline expired before the command finished;
	// ExitCode is -1 and the output fields hold whatever was collected.
	TimedOut bool `json:"timedOut,omitempty"`
}

// StreamEventType discriminates streamed command events.
type StreamEventType string

const (
	StreamStdout StreamEventType = "stdout"
	StreamStderr StreamEventType = "stderr"
	StreamExit   StreamEventType = "exit"
)

// StreamEvent is one element of a streamed command execution. Every stream
// ends with exactly one StreamExit event, including on timeout and
// cancellation (ExitCode -1).
type StreamEvent struct {
	Type      StreamEventType
	Data      []byte
	ExitCode  int
	ElapsedMs int64
}

// FileEntry describes one entry of a container directory listing.
type FileEntry struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"isDirectory"`
	Size        int64      `json:"size"`
	ModifiedAt  *time.Time `json:"lastModified,omitempty"`
}

// ContainerEvent is an engine-side lifecycle event for a managed container.
type ContainerEvent struct {
	ContainerID string
	Action      string
}

// SystemStatus is the aggregate view published on every pool transition and
// served by the admin status endpoint.
type SystemStatus struct {
	Image           string      `json:"image"`
	MaxContainers   int         `json:"maxContainers"`
	PrewarmCount    int         `json:"prewarmCount"`
	Idle            int         `json:"idleContainers"`
	Busy            int         `json:"busyContainers"`
	Warming         int         `json:"warmingContainers"`
	Destroying      int         `json:"destroyingContainers"`
	TotalContainers int         `json:"totalContainers"`
	ActiveSessions  int         `json:"activeSessions"`
	QueuedSessions  int         `json:"queuedSessions"`
	Containers      []Container `json:"containers"`
	Timestamp       time.Time   `json:"timestamp"`
}

package core

import "context"

// Engine is the capability surface of the container engine driver. All
// operations are safe for concurrent use and honor context cancellation.
// Failures are classified into EngineUnreachable, ContainerNotFound or
// EngineError at the driver boundary; engine client types never escape it.
type Engine interface {
	// EnsureImage inspects the configured image and pulls it when missing.
	EnsureImage(ctx context.Context) error

	// CreateManaged creates and starts a managed container running a
	// sleep-forever command. When sessionID is non-empty the session label is
	// set at creation.
	CreateManaged(ctx context.Context, sessionID string) (*Container, error)

	// ListManaged lists containers carrying the managed label, in any
	// engine state.
	ListManaged(ctx context.Context) ([]Container, error)

	// Inspect returns the current record for a container.
	Inspect(ctx context.Context, containerID string) (*Container, error)

	// Remove stops the container with a short grace period and force-removes it.
	Remove(ctx context.Context, containerID string) error

	// AssignSession binds an existing container to a session.
	AssignSession(ctx context.Context, containerID, sessionID string) error

	// Exec runs a command and returns the complete result. On deadline the
	// result carries ExitCode -1 and the output collected so far.
	Exec(ctx context.Context, containerID string, spec ExecSpec) (*ExecResult, error)

	// ExecStream runs a command and yields output chunks as they arrive.
	// The channel is closed after exactly one StreamExit event.
	ExecStream(ctx context.Context, containerID string, spec ExecSpec) (<-chan StreamEvent, error)

	// UploadFile writes data to an absolute path inside the container,
	// creating parent directories first.
	UploadFile(ctx context.Context, containerID, path string, data []byte) error

	// DownloadFile reads a single file from the container.
	DownloadFile(ctx context.Context, containerID, path string) ([]byte, error)

	// ListDirectory enumerates the direct children of a directory.
	ListDirectory(ctx context.Context, containerID, path string) ([]FileEntry, error)

	// WatchManaged streams engine lifecycle events for managed containers
	// until ctx is cancelled.
	WatchManaged(ctx context.Context) (<-chan ContainerEvent, <-chan error)
}

// Package files moves files in and out of session containers and lists
// container directories. Paths are resolved against the session work
// directory; absolute paths are taken as given.
package files

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/session"
	"github.com/whale-net/sandman/libs/go/logging"
)

// deleteTimeout bounds the rm exec used for deletions.
const deleteTimeout = 10 * time.Second

// Service implements the per-session file operations.
type Service struct {
	sessions *session.Manager
	engine   core.Engine
	workDir  string
	log      *slog.Logger
}

// New creates a file service rooted at workDir.
func New(sessions *session.Manager, engine core.Engine, workDir string) *Service {
	if workDir == "" {
		workDir = "/workspace"
	}
	return &Service{
		sessions: sessions,
		engine:   engine,
		workDir:  workDir,
		log:      logging.Get("files"),
	}
}

// Upload writes data to filePath in the session's container, creating
// parent directories as needed.
func (s *Service) Upload(ctx context.Context, sessionID, filePath string, data []byte) error {
	sess, err := s.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return err
	}
	resolved, err := s.Resolve(filePath)
	if err != nil {
		return err
	}

	if err := s.engine.UploadFile(ctx, sess.ContainerID, resolved, data); err != nil {
		return err
	}
	s.sessions.Touch(ctx, sessionID)

	s.log.Info("file uploaded",
		"session_id", sessionID,
		"path", resolved,
		"bytes", len(data))
	return nil
}

// Download reads the file at filePath from the session's container.
func (s *Service) Download(ctx context.Context, sessionID, filePath string) ([]byte, error) {
	sess, err := s.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.Resolve(filePath)
	if err != nil {
		return nil, err
	}

	data, err := s.engine.DownloadFile(ctx, sess.ContainerID, resolved)
	if err != nil {
		return nil, err
	}
	s.sessions.Touch(ctx, sessionID)
	return data, nil
}

// List returns the entries under dirPath, defaulting to the work
// directory.
func (s *Service) List(ctx context.Context, sessionID, dirPath string) ([]core.FileEntry, error) {
	sess, err := s.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	resolved := s.workDir
	if dirPath != "" {
		resolved, err = s.Resolve(dirPath)
		if err != nil {
			return nil, err
		}
	}

	entries, err := s.engine.ListDirectory(ctx, sess.ContainerID, resolved)
	if err != nil {
		return nil, err
	}
	s.sessions.Touch(ctx, sessionID)
	return entries, nil
}

// Delete removes the file or directory tree at filePath.
func (s *Service) Delete(ctx context.Context, sessionID, filePath string) error {
	sess, err := s.sessions.RequireActive(ctx, sessionID)
	if err != nil {
		return err
	}
	resolved, err := s.Resolve(filePath)
	if err != nil {
		return err
	}
	// Refuse to wipe the work directory or anything above it.
	if resolved == "/" || resolved == s.workDir {
		return core.E(core.KindInvalidArgument, "refusing to delete %s", resolved)
	}

	res, err := s.engine.Exec(ctx, sess.ContainerID, core.ExecSpec{
		Argv:    []string{"rm", "-rf", resolved},
		Timeout: deleteTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return core.E(core.KindEngineError, "delete of %s exited %d: %s",
			resolved, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	s.sessions.Touch(ctx, sessionID)

	s.log.Info("file deleted", "session_id", sessionID, "path", resolved)
	return nil
}

// WorkDir returns the directory relative paths resolve against.
func (s *Service) WorkDir() string {
	return s.workDir
}

// Resolve turns a client path into an absolute container path, joining
// relative ones to the work directory.
func (s *Service) Resolve(p string) (string, error) {
	if p == "" {
		return "", core.E(core.KindInvalidArgument, "path is required")
	}
	if !path.IsAbs(p) {
		p = path.Join(s.workDir, p)
	}
	return path.Clean(p), nil
}

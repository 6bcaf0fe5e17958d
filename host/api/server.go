// Package api exposes the host over HTTP: session lifecycle, command
// execution (batch and SSE streaming), file transfer, and the admin
// surface for container and status management. Every JSON endpoint
// wraps its payload in the success/data/errorInfo envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/whale-net/sandman/host/files"
	"github.com/whale-net/sandman/host/pool"
	"github.com/whale-net/sandman/host/runner"
	"github.com/whale-net/sandman/host/session"
	"github.com/whale-net/sandman/host/status"
	"github.com/whale-net/sandman/libs/go/logging"
)

const (
	readTimeout = 15 * time.Second
	idleTimeout = 60 * time.Second
)

// Deps collects the services the HTTP layer fronts.
type Deps struct {
	Sessions *session.Manager
	Runner   *runner.Runner
	Files    *files.Service
	Pool     *pool.Pool
	Status   *status.Aggregator
	Hub      *status.Hub
}

// Server is the HTTP front for the host.
type Server struct {
	sessions *session.Manager
	runner   *runner.Runner
	files    *files.Service
	pool     *pool.Pool
	status   *status.Aggregator
	hub      *status.Hub

	log     *slog.Logger
	httpSrv *http.Server
}

// New builds the server and its routes. Call Start to begin serving.
func New(addr string, deps Deps) *Server {
	s := &Server{
		sessions: deps.Sessions,
		runner:   deps.Runner,
		files:    deps.Files,
		pool:     deps.Pool,
		status:   deps.Status,
		hub:      deps.Hub,
		log:      logging.Get("api"),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     otelhttp.NewHandler(mux, "sandman-api"),
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// WriteTimeout stays zero: SSE responses hold the connection
		// open for as long as the command or subscription runs.
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDestroySession)
	mux.HandleFunc("POST /api/sessions/{id}/commands", s.handleExecuteCommand)
	mux.HandleFunc("POST /api/sessions/{id}/commands/stream", s.handleStreamCommand)
	mux.HandleFunc("GET /api/sessions/{id}/files/list", s.handleListFiles)
	mux.HandleFunc("POST /api/sessions/{id}/files/upload", s.handleUploadFile)
	mux.HandleFunc("GET /api/sessions/{id}/files/download", s.handleDownloadFile)
	mux.HandleFunc("DELETE /api/sessions/{id}/files", s.handleDeleteFile)

	mux.HandleFunc("GET /api/admin/status", s.handleAdminStatus)
	mux.HandleFunc("GET /api/admin/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/admin/containers", s.handleListContainers)
	mux.HandleFunc("POST /api/admin/containers", s.handleCreateContainer)
	mux.HandleFunc("DELETE /api/admin/containers", s.handleDeleteAllContainers)
	mux.HandleFunc("DELETE /api/admin/containers/{id}", s.handleDeleteContainer)
	mux.HandleFunc("POST /api/admin/prewarm", s.handlePrewarm)
	mux.HandleFunc("GET /api/admin/sessions", s.handleAdminListSessions)
	mux.HandleFunc("DELETE /api/admin/sessions/{id}", s.handleAdminDestroySession)
}

// Handler returns the configured root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

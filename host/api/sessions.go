package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/whale-net/sandman/host/core"
)

type createSessionRequest struct {
	Name           string `json:"name"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type commandRequest struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory"`
	TimeoutSeconds   int    `json:"timeoutSeconds"`
}

// spec validates the request and turns it into an exec spec.
func (c commandRequest) spec() (core.ExecSpec, error) {
	if c.Command == "" {
		return core.ExecSpec{}, core.E(core.KindInvalidArgument, "command is required")
	}
	if c.TimeoutSeconds < 0 {
		return core.ExecSpec{}, core.E(core.KindInvalidArgument, "timeoutSeconds must not be negative")
	}
	return core.ExecSpec{
		Command:    c.Command,
		WorkingDir: c.WorkingDirectory,
		Timeout:    time.Duration(c.TimeoutSeconds) * time.Second,
	}, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.Name, req.TimeoutSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sess)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Destroy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": id, "destroyed": true})
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.runner.Execute(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.TimedOut {
		writeTimedOut(w, res)
		return
	}
	writeData(w, http.StatusOK, res)
}

// chunkEvent carries one stdout or stderr fragment over SSE.
type chunkEvent struct {
	Data string `json:"data"`
}

// exitEvent terminates every command stream.
type exitEvent struct {
	ExitCode        int   `json:"exitCode"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

func (s *Server) handleStreamCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, core.E(core.KindEngineError, "streaming unsupported by this connection"))
		return
	}

	// Any failure from here on happens before the first byte is
	// written, so a plain JSON error response is still possible.
	events, err := s.runner.ExecuteStream(r.Context(), r.PathValue("id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		var payload any
		switch ev.Type {
		case core.StreamExit:
			payload = exitEvent{ExitCode: ev.ExitCode, ExecutionTimeMs: ev.ElapsedMs}
		default:
			payload = chunkEvent{Data: string(ev.Data)}
		}
		body, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
		flusher.Flush()
	}
}

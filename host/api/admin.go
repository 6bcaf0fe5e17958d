package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/whale-net/sandman/host/core"
)

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.status.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

// handleStatusStream pushes a status snapshot immediately, then one SSE
// event per broadcast until the client disconnects.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, core.E(core.KindEngineError, "streaming unsupported by this connection"))
		return
	}

	sub := s.hub.Subscribe()
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if snap, err := s.status.Snapshot(r.Context()); err == nil {
		writeStatusEvent(w, snap)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-sub.Channel():
			if !ok {
				return
			}
			writeStatusEvent(w, snap)
			flusher.Flush()
		}
	}
}

func writeStatusEvent(w http.ResponseWriter, snap *core.SystemStatus) {
	body, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", body)
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.pool.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, containers)
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	ctr, err := s.pool.CreateOnDemand(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, ctr)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pool.ForceDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	// The watcher skips pool-initiated removals, so any session bound
	// to this container is told directly.
	s.sessions.OnContainerRemoved(id)
	writeData(w, http.StatusOK, map[string]any{"containerId": id, "deleted": true})
}

func (s *Server) handleDeleteAllContainers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	before, err := s.pool.GetAll(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	deleteErr := s.pool.DeleteAll(ctx)

	// Only sessions whose container actually went away get destroyed;
	// a partial failure leaves the rest bound.
	remaining := map[string]bool{}
	if after, err := s.pool.GetAll(ctx); err == nil {
		for _, c := range after {
			remaining[c.ContainerID] = true
		}
	}
	removed := 0
	for _, c := range before {
		if remaining[c.ContainerID] {
			continue
		}
		removed++
		if c.SessionID != "" {
			s.sessions.OnContainerRemoved(c.ContainerID)
		}
	}

	if deleteErr != nil {
		writeError(w, deleteErr)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handlePrewarm(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.EnsurePrewarmed(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.status.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, snap)
}

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, sessions)
}

func (s *Server) handleAdminDestroySession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Destroy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sessionId": id, "destroyed": true})
}

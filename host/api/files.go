package api

import (
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/whale-net/sandman/host/core"
)

// maxUploadMemory bounds how much of a multipart upload is held in
// memory before spilling to disk.
const maxUploadMemory = 32 << 20

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dirPath := r.URL.Query().Get("path")
	entries, err := s.files.List(r.Context(), r.PathValue("id"), dirPath)
	if err != nil {
		writeError(w, err)
		return
	}

	listed := dirPath
	if listed == "" {
		listed = s.files.WorkDir()
	}
	writeData(w, http.StatusOK, map[string]any{
		"path":       listed,
		"entries":    entries,
		"totalCount": len(entries),
	})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	targetPath := r.URL.Query().Get("targetPath")
	if targetPath == "" {
		writeError(w, core.E(core.KindInvalidArgument, "targetPath query parameter is required"))
		return
	}
	resolved, err := s.files.Resolve(targetPath)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, core.Wrap(core.KindInvalidArgument, err, "invalid multipart form"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, core.Wrap(core.KindInvalidArgument, err, "multipart field %q is required", "file"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, core.Wrap(core.KindInvalidArgument, err, "failed to read upload"))
		return
	}

	if err := s.files.Upload(r.Context(), r.PathValue("id"), targetPath, data); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"filePath": resolved,
		"size":     len(data),
	})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, core.E(core.KindInvalidArgument, "path query parameter is required"))
		return
	}

	data, err := s.files.Download(r.Context(), r.PathValue("id"), filePath)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(filePath))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", path.Base(filePath)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, core.E(core.KindInvalidArgument, "path query parameter is required"))
		return
	}
	resolved, err := s.files.Resolve(filePath)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.files.Delete(r.Context(), r.PathValue("id"), filePath); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"path":    resolved,
		"deleted": true,
	})
}

// textExtensions are served as plain text so browsers render rather
// than download them.
var textExtensions = map[string]bool{
	".c": true, ".cfg": true, ".conf": true, ".cpp": true, ".csv": true,
	".go": true, ".h": true, ".ini": true, ".java": true, ".js": true,
	".log": true, ".md": true, ".py": true, ".rb": true, ".rs": true,
	".sh": true, ".sql": true, ".toml": true, ".ts": true, ".txt": true,
	".yaml": true, ".yml": true,
}

func contentTypeFor(filePath string) string {
	ext := path.Ext(filePath)
	switch {
	case ext == ".json":
		return "application/json"
	case textExtensions[ext]:
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

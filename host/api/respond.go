package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/whale-net/sandman/host/core"
)

// envelope is the JSON wrapper every endpoint responds with.
type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorInfo *errorInfo `json:"errorInfo,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeData sends a successful envelope with the given payload.
func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// writeError maps a service error to its HTTP status and error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	info := &errorInfo{Code: string(kind), Message: err.Error()}
	var ce *core.Error
	if errors.As(err, &ce) {
		info.Message = ce.Message
		if ce.Err != nil {
			info.Details = ce.Err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(core.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     info.Message,
		ErrorInfo: info,
		Timestamp: time.Now().UTC(),
	})
}

// writeTimedOut reports a command that hit its deadline. The partial
// result still rides along in data so clients can show what ran.
func writeTimedOut(w http.ResponseWriter, res *core.ExecResult) {
	msg := "command timed out"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestTimeout)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Data:      res,
		Error:     msg,
		ErrorInfo: &errorInfo{Code: string(core.KindOperationTimeout), Message: msg},
		Timestamp: time.Now().UTC(),
	})
}

// decodeJSON reads a request body into dst. An empty body decodes to
// the zero value so optional-body endpoints stay POST-without-payload
// friendly.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return core.Wrap(core.KindInvalidArgument, err, "invalid request body")
	}
	return nil
}

// Package sandctl implements the HTTP client behind the sandctl command:
// typed wrappers over the sandman host API, including the SSE command and
// status streams.
package sandctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/whale-net/sandman/host/core"
)

// APIError is a failure reported by the host, carrying its error code.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorInfo *APIError       `json:"errorInfo"`
}

func (env *envelope) err() error {
	if env.ErrorInfo != nil {
		return env.ErrorInfo
	}
	if env.Error != "" {
		return &APIError{Message: env.Error}
	}
	return &APIError{Message: "request failed"}
}

// Client talks to one sandman host.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the host at baseURL. Timeouts come from
// the caller's context; commands may legitimately run for minutes.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

// call sends one enveloped request. On failure the envelope's data, when
// present, is still decoded into out so partial results survive (a timed
// out command still carries the output collected before the deadline).
func (c *Client) call(ctx context.Context, method, p string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+p, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp.Body, out)
}

func (c *Client) decodeEnvelope(r io.Reader, out any) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		if out != nil && len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, out)
		}
		return env.err()
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Status fetches the aggregate host status.
func (c *Client) Status(ctx context.Context) (*core.SystemStatus, error) {
	var st core.SystemStatus
	if err := c.call(ctx, http.MethodGet, "/api/admin/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sessions lists all sessions.
func (c *Client) Sessions(ctx context.Context) ([]core.Session, error) {
	var sessions []core.Session
	if err := c.call(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a session, optionally named, with an optional idle
// timeout override in seconds.
func (c *Client) CreateSession(ctx context.Context, name string, timeoutSeconds int) (*core.Session, error) {
	req := map[string]any{}
	if name != "" {
		req["name"] = name
	}
	if timeoutSeconds > 0 {
		req["timeoutSeconds"] = timeoutSeconds
	}
	var sess core.Session
	if err := c.call(ctx, http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Session fetches one session by id.
func (c *Client) Session(ctx context.Context, id string) (*core.Session, error) {
	var sess core.Session
	if err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DestroySession destroys a session and releases its container.
func (c *Client) DestroySession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil)
}

// ExecRequest describes one command to run in a session.
type ExecRequest struct {
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	TimeoutSeconds   int    `json:"timeoutSeconds,omitempty"`
}

// Exec runs a command and waits for the collected result. When the host
// reports a timeout the partial result is returned alongside the error.
func (c *Client) Exec(ctx context.Context, sessionID string, req ExecRequest) (*core.ExecResult, error) {
	var res core.ExecResult
	err := c.call(ctx, http.MethodPost,
		"/api/sessions/"+url.PathEscape(sessionID)+"/commands", req, &res)
	if err != nil {
		if res.TimedOut {
			return &res, err
		}
		return nil, err
	}
	return &res, nil
}

// StreamHandler receives streamed command output. Nil callbacks are skipped.
type StreamHandler struct {
	OnStdout func(data string)
	OnStderr func(data string)
	OnExit   func(exitCode int, elapsedMs int64)
}

type streamChunk struct {
	Data string `json:"data"`
}

type streamExit struct {
	ExitCode        int   `json:"exitCode"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// ExecStream runs a command and dispatches its output events as they
// arrive. It returns once the exit event is consumed or the stream ends.
func (c *Client) ExecStream(ctx context.Context, sessionID string, req ExecRequest, h StreamHandler) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/sessions/"+url.PathEscape(sessionID)+"/commands/stream",
		bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Errors before the first byte of output come back as a plain envelope.
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.decodeEnvelope(resp.Body, nil)
	}

	return readEventStream(resp.Body, func(event string, data []byte) error {
		switch event {
		case "stdout":
			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return err
			}
			if h.OnStdout != nil {
				h.OnStdout(chunk.Data)
			}
		case "stderr":
			var chunk streamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				return err
			}
			if h.OnStderr != nil {
				h.OnStderr(chunk.Data)
			}
		case "exit":
			var exit streamExit
			if err := json.Unmarshal(data, &exit); err != nil {
				return err
			}
			if h.OnExit != nil {
				h.OnExit(exit.ExitCode, exit.ExecutionTimeMs)
			}
		}
		return nil
	})
}

// WatchStatus follows the status stream, invoking fn for every snapshot
// until ctx is cancelled or the stream ends.
func (c *Client) WatchStatus(ctx context.Context, fn func(st *core.SystemStatus)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/admin/status/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.decodeEnvelope(resp.Body, nil)
	}

	return readEventStream(resp.Body, func(event string, data []byte) error {
		if event != "status" {
			return nil
		}
		var st core.SystemStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		fn(&st)
		return nil
	})
}

// readEventStream parses server-sent events, invoking fn per event. Event
// payloads here are single data lines, so multi-line reassembly is not
// needed.
func readEventStream(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && data != nil {
				if err := fn(event, data); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

// FileListing is one directory listing inside a session's container.
type FileListing struct {
	Path       string           `json:"path"`
	Entries    []core.FileEntry `json:"entries"`
	TotalCount int              `json:"totalCount"`
}

// ListFiles lists a directory in the session's container. An empty path
// lists the work directory.
func (c *Client) ListFiles(ctx context.Context, sessionID, dirPath string) (*FileListing, error) {
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/files/list"
	if dirPath != "" {
		p += "?path=" + url.QueryEscape(dirPath)
	}
	var listing FileListing
	if err := c.call(ctx, http.MethodGet, p, nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// UploadResult reports where an upload landed.
type UploadResult struct {
	FilePath string `json:"filePath"`
	Size     int64  `json:"size"`
}

// Upload stores content at targetPath in the session's container.
func (c *Client) Upload(ctx context.Context, sessionID, targetPath string, content io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(targetPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	p := "/api/sessions/" + url.PathEscape(sessionID) + "/files/upload?targetPath=" + url.QueryEscape(targetPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+p, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result UploadResult
	if err := c.decodeEnvelope(resp.Body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download fetches a file's raw bytes from the session's container.
func (c *Client) Download(ctx context.Context, sessionID, filePath string) ([]byte, error) {
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/files/download?path=" + url.QueryEscape(filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+p, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Success is raw content; failures come back enveloped.
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeEnvelope(resp.Body, nil)
	}
	return io.ReadAll(resp.Body)
}

// DeleteFile removes a file in the session's container.
func (c *Client) DeleteFile(ctx context.Context, sessionID, filePath string) error {
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/files?path=" + url.QueryEscape(filePath)
	return c.call(ctx, http.MethodDelete, p, nil, nil)
}

// Containers lists every managed container.
func (c *Client) Containers(ctx context.Context) ([]core.Container, error) {
	var containers []core.Container
	if err := c.call(ctx, http.MethodGet, "/api/admin/containers", nil, &containers); err != nil {
		return nil, err
	}
	return containers, nil
}

// CreateContainer warms one container on demand, outside the prewarm pool.
func (c *Client) CreateContainer(ctx context.Context) (*core.Container, error) {
	var container core.Container
	if err := c.call(ctx, http.MethodPost, "/api/admin/containers", nil, &container); err != nil {
		return nil, err
	}
	return &container, nil
}

// DeleteContainer force-removes one container.
func (c *Client) DeleteContainer(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/admin/containers/"+url.PathEscape(id), nil, nil)
}

// DeleteAllContainers force-removes every managed container and reports
// how many went away.
func (c *Client) DeleteAllContainers(ctx context.Context) (int, error) {
	var result struct {
		Removed int `json:"removed"`
	}
	if err := c.call(ctx, http.MethodDelete, "/api/admin/containers", nil, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

// Prewarm tops the pool back up to its warm reserve target.
func (c *Client) Prewarm(ctx context.Context) (*core.SystemStatus, error) {
	var st core.SystemStatus
	if err := c.call(ctx, http.MethodPost, "/api/admin/prewarm", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

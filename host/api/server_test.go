package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/enginetest"
	"github.com/whale-net/sandman/host/files"
	"github.com/whale-net/sandman/host/pool"
	"github.com/whale-net/sandman/host/runner"
	"github.com/whale-net/sandman/host/session"
	"github.com/whale-net/sandman/host/status"
	"github.com/whale-net/sandman/host/store"
)

const testImage = "python:3.12-slim"

type testServer struct {
	srv      *Server
	engine   *enginetest.FakeEngine
	sessions *session.Manager
	pool     *pool.Pool
	hub      *status.Hub
}

func newTestServer(t *testing.T, maxContainers, prewarm int) *testServer {
	t.Helper()
	fake := enginetest.New()

	p := pool.New(fake, store.NewMemoryContainerRepo(), pool.Options{
		PrewarmCount:     prewarm,
		MaxContainers:    maxContainers,
		WarmPollInterval: 2 * time.Millisecond,
		WarmTimeout:      time.Second,
		ReadyTimeout:     time.Second,
	})
	t.Cleanup(p.Close)

	mgr := session.NewManager(store.NewMemorySessionRepo(), p, session.Options{
		DefaultTimeout:    time.Minute,
		MaxTimeout:        2 * time.Minute,
		PromotionAttempts: 3,
		PromotionDelay:    2 * time.Millisecond,
	})
	t.Cleanup(mgr.Close)

	hub := status.NewHub()
	t.Cleanup(hub.Close)

	srv := New(":0", Deps{
		Sessions: mgr,
		Runner:   runner.New(mgr, fake, runner.Options{DefaultTimeout: time.Second}),
		Files:    files.New(mgr, fake, "/workspace"),
		Pool:     p,
		Status:   status.NewAggregator(p, mgr, testImage, maxContainers, prewarm),
		Hub:      hub,
	})

	return &testServer{srv: srv, engine: fake, sessions: mgr, pool: p, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	}
	return ts.do(t, method, target, body, "application/json")
}

func (ts *testServer) createSession(t *testing.T) core.Session {
	t.Helper()
	rec := ts.doJSON(t, http.MethodPost, "/api/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	var sess core.Session
	dataInto(t, decodeEnvelope(t, rec), &sess)
	return sess
}

// recordedEnvelope mirrors envelope with data kept raw for per-test
// decoding.
type recordedEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorInfo *errorInfo      `json:"errorInfo"`
	Timestamp time.Time       `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) recordedEnvelope {
	t.Helper()
	var env recordedEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope from %q: %v", rec.Body.String(), err)
	}
	if env.Timestamp.IsZero() {
		t.Error("envelope timestamp missing")
	}
	return env
}

func dataInto(t *testing.T, env recordedEnvelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data %q: %v", env.Data, err)
	}
}

func wantErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code core.ErrorKind) {
	t.Helper()
	if rec.Code != status {
		t.Errorf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Error("success = true on an error response")
	}
	if env.ErrorInfo == nil || env.ErrorInfo.Code != string(code) {
		t.Errorf("errorInfo = %+v, want code %s", env.ErrorInfo, code)
	}
	if env.Error == "" {
		t.Error("error message missing")
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	rec := ts.do(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, 2, 0)

	rec := ts.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{"name": "demo"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("create failed: %s", env.Error)
	}
	var sess core.Session
	dataInto(t, env, &sess)
	if sess.SessionID == "" || sess.Name != "demo" {
		t.Fatalf("session = %+v", sess)
	}
	if sess.Status != core.SessionActive {
		t.Fatalf("status = %s, want active with free capacity", sess.Status)
	}

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+sess.SessionID, nil, "")
	var got core.Session
	dataInto(t, decodeEnvelope(t, rec), &got)
	if got.SessionID != sess.SessionID || got.ContainerID == "" {
		t.Errorf("get = %+v", got)
	}

	rec = ts.do(t, http.MethodGet, "/api/sessions", nil, "")
	var list []core.Session
	dataInto(t, decodeEnvelope(t, rec), &list)
	if len(list) != 1 {
		t.Errorf("list has %d sessions, want 1", len(list))
	}

	rec = ts.do(t, http.MethodDelete, "/api/sessions/"+sess.SessionID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy: status %d", rec.Code)
	}

	// Destroyed sessions stay queryable.
	rec = ts.do(t, http.MethodGet, "/api/sessions/"+sess.SessionID, nil, "")
	dataInto(t, decodeEnvelope(t, rec), &got)
	if got.Status != core.SessionDestroyed {
		t.Errorf("status after destroy = %s, want destroyed", got.Status)
	}
}

func TestCreateSessionRejectsExcessiveTimeout(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	rec := ts.doJSON(t, http.MethodPost, "/api/sessions", map[string]any{"timeoutSeconds": 999})
	wantErrorCode(t, rec, http.StatusBadRequest, core.KindInvalidTimeout)
}

func TestSessionNotFound(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	rec := ts.do(t, http.MethodGet, "/api/sessions/nope", nil, "")
	wantErrorCode(t, rec, http.StatusNotFound, core.KindSessionNotFound)

	rec = ts.do(t, http.MethodDelete, "/api/sessions/nope", nil, "")
	wantErrorCode(t, rec, http.StatusNotFound, core.KindSessionNotFound)
}

func TestExecuteCommand(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)

	rec := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/commands",
		map[string]any{"command": "echo ready"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var res core.ExecResult
	dataInto(t, decodeEnvelope(t, rec), &res)
	if res.Stdout != "ready\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.ElapsedMs != 5 {
		t.Errorf("executionTimeMs = %d, want 5", res.ElapsedMs)
	}
}

func TestExecuteCommandValidation(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)
	target := "/api/sessions/" + sess.SessionID + "/commands"

	tests := []struct {
		name string
		body string
	}{
		{"missing command", `{}`},
		{"negative timeout", `{"command":"true","timeoutSeconds":-1}`},
		{"malformed body", `{"command":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, target, strings.NewReader(tt.body), "application/json")
			wantErrorCode(t, rec, http.StatusBadRequest, core.KindInvalidArgument)
		})
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)

	ts.engine.ExecFunc = func(_ string, _ core.ExecSpec) (*core.ExecResult, error) {
		return &core.ExecResult{Stdout: "partial", ExitCode: -1, ElapsedMs: 1000, TimedOut: true}, nil
	}

	rec := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/commands",
		map[string]any{"command": "sleep 9999"})
	wantErrorCode(t, rec, http.StatusRequestTimeout, core.KindOperationTimeout)

	// The partial output still rides along.
	env := decodeEnvelope(t, rec)
	var res core.ExecResult
	dataInto(t, env, &res)
	if res.Stdout != "partial" || !res.TimedOut {
		t.Errorf("partial result = %+v", res)
	}
}

func TestExecuteCommandOnQueuedSession(t *testing.T) {
	ts := newTestServer(t, 1, 0)
	ts.createSession(t)

	rec := ts.doJSON(t, http.MethodPost, "/api/sessions", nil)
	var queued core.Session
	dataInto(t, decodeEnvelope(t, rec), &queued)
	if queued.Status != core.SessionQueued {
		t.Fatalf("second session = %s, want queued at capacity", queued.Status)
	}

	rec = ts.doJSON(t, http.MethodPost, "/api/sessions/"+queued.SessionID+"/commands",
		map[string]any{"command": "true"})
	wantErrorCode(t, rec, http.StatusBadRequest, core.KindSessionNotReady)
}

func TestExecuteCommandWhileBusy(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)

	release := make(chan struct{})
	ts.engine.ExecFunc = func(containerID string, spec core.ExecSpec) (*core.ExecResult, error) {
		<-release
		return &core.ExecResult{Stdout: "done\n"}, nil
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		firstDone <- ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/commands",
			map[string]any{"command": "sleep 5"})
	}()

	// Wait for the first command to take the executing latch.
	deadline := time.Now().Add(time.Second)
	for {
		got, err := ts.sessions.Get(context.Background(), sess.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.IsExecutingCommand {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first command never took the latch")
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/commands",
		map[string]any{"command": "true"})
	wantErrorCode(t, rec, http.StatusConflict, core.KindSessionBusy)

	close(release)
	first := <-firstDone
	if first.Code != http.StatusOK {
		t.Fatalf("first command: status %d body %s", first.Code, first.Body.String())
	}
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name == "" {
			t.Fatalf("block without event name: %q", block)
		}
		out = append(out, ev)
	}
	return out
}

func TestStreamCommand(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)

	ts.engine.StreamFunc = func(_ string, _ core.ExecSpec) []core.StreamEvent {
		return []core.StreamEvent{
			{Type: core.StreamStdout, Data: []byte("line 1\n")},
			{Type: core.StreamStderr, Data: []byte("warning\n")},
			{Type: core.StreamExit, ExitCode: 3, ElapsedMs: 12},
		}
	}

	rec := ts.doJSON(t, http.MethodPost, "/api/sessions/"+sess.SessionID+"/commands/stream",
		map[string]any{"command": "run"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].name != "stdout" || events[1].name != "stderr" || events[2].name != "exit" {
		t.Fatalf("event order = %s %s %s", events[0].name, events[1].name, events[2].name)
	}

	var chunk chunkEvent
	if err := json.Unmarshal([]byte(events[0].data), &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk.Data != "line 1\n" {
		t.Errorf("stdout chunk = %q", chunk.Data)
	}

	var exit exitEvent
	if err := json.Unmarshal([]byte(events[2].data), &exit); err != nil {
		t.Fatalf("decode exit: %v", err)
	}
	if exit.ExitCode != 3 || exit.ExecutionTimeMs != 12 {
		t.Errorf("exit = %+v", exit)
	}
}

func TestStreamCommandPreflightError(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	rec := ts.doJSON(t, http.MethodPost, "/api/sessions/nope/commands/stream",
		map[string]any{"command": "run"})
	wantErrorCode(t, rec, http.StatusNotFound, core.KindSessionNotFound)
}

func TestFileRoundTrip(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)
	base := "/api/sessions/" + sess.SessionID + "/files"
	content := []byte("print('hello')\n")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "hello.py")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	rec := ts.do(t, http.MethodPost, base+"/upload?targetPath=hello.py", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: status %d body %s", rec.Code, rec.Body.String())
	}
	var uploaded struct {
		FilePath string `json:"filePath"`
		Size     int    `json:"size"`
	}
	dataInto(t, decodeEnvelope(t, rec), &uploaded)
	if uploaded.FilePath != "/workspace/hello.py" || uploaded.Size != len(content) {
		t.Errorf("upload response = %+v", uploaded)
	}

	rec = ts.do(t, http.MethodGet, base+"/list", nil, "")
	var listing struct {
		Path       string           `json:"path"`
		Entries    []core.FileEntry `json:"entries"`
		TotalCount int              `json:"totalCount"`
	}
	dataInto(t, decodeEnvelope(t, rec), &listing)
	if listing.Path != "/workspace" || listing.TotalCount != 1 {
		t.Fatalf("listing = %+v", listing)
	}
	if listing.Entries[0].Name != "hello.py" || listing.Entries[0].Size != int64(len(content)) {
		t.Errorf("entry = %+v", listing.Entries[0])
	}

	rec = ts.do(t, http.MethodGet, base+"/download?path=hello.py", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Errorf("downloaded %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="hello.py"`) {
		t.Errorf("content disposition = %q", cd)
	}

	rec = ts.do(t, http.MethodDelete, base+"?path=hello.py", nil, "")
	var deleted struct {
		Path    string `json:"path"`
		Deleted bool   `json:"deleted"`
	}
	dataInto(t, decodeEnvelope(t, rec), &deleted)
	if deleted.Path != "/workspace/hello.py" || !deleted.Deleted {
		t.Errorf("delete response = %+v", deleted)
	}
}

func TestFileValidation(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)
	base := "/api/sessions/" + sess.SessionID + "/files"

	rec := ts.do(t, http.MethodPost, base+"/upload", strings.NewReader("x"), "multipart/form-data")
	wantErrorCode(t, rec, http.StatusBadRequest, core.KindInvalidArgument)

	rec = ts.do(t, http.MethodGet, base+"/download", nil, "")
	wantErrorCode(t, rec, http.StatusBadRequest, core.KindInvalidArgument)

	rec = ts.do(t, http.MethodDelete, base, nil, "")
	wantErrorCode(t, rec, http.StatusBadRequest, core.KindInvalidArgument)

	rec = ts.do(t, http.MethodGet, base+"/download?path=missing.txt", nil, "")
	wantErrorCode(t, rec, http.StatusNotFound, core.KindFileNotFound)
}

func TestAdminStatus(t *testing.T) {
	ts := newTestServer(t, 4, 2)
	ts.createSession(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap core.SystemStatus
	dataInto(t, decodeEnvelope(t, rec), &snap)
	if snap.Image != testImage || snap.MaxContainers != 4 || snap.PrewarmCount != 2 {
		t.Errorf("snapshot config = %+v", snap)
	}
	if snap.Busy != 1 || snap.ActiveSessions != 1 {
		t.Errorf("snapshot counts = busy %d active %d, want 1 and 1", snap.Busy, snap.ActiveSessions)
	}
	if len(snap.Containers) != snap.TotalContainers {
		t.Errorf("containers list has %d entries, total says %d", len(snap.Containers), snap.TotalContainers)
	}
}

func TestAdminContainers(t *testing.T) {
	ts := newTestServer(t, 4, 0)

	rec := ts.doJSON(t, http.MethodPost, "/api/admin/containers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var ctr core.Container
	dataInto(t, decodeEnvelope(t, rec), &ctr)
	if ctr.ContainerID == "" || ctr.Status != core.ContainerIdle {
		t.Fatalf("container = %+v", ctr)
	}

	rec = ts.do(t, http.MethodGet, "/api/admin/containers", nil, "")
	var list []core.Container
	dataInto(t, decodeEnvelope(t, rec), &list)
	if len(list) != 1 {
		t.Fatalf("list has %d containers, want 1", len(list))
	}

	rec = ts.do(t, http.MethodDelete, "/api/admin/containers/"+ctr.ContainerID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %s", rec.Code, rec.Body.String())
	}
	if ts.engine.Exists(ctr.ContainerID) {
		t.Error("container still exists in the engine")
	}

	rec = ts.do(t, http.MethodDelete, "/api/admin/containers/"+ctr.ContainerID, nil, "")
	wantErrorCode(t, rec, http.StatusNotFound, core.KindContainerNotFound)
}

func TestAdminDeleteContainerDestroysSession(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)

	rec := ts.do(t, http.MethodGet, "/api/sessions/"+sess.SessionID, nil, "")
	var bound core.Session
	dataInto(t, decodeEnvelope(t, rec), &bound)

	rec = ts.do(t, http.MethodDelete, "/api/admin/containers/"+bound.ContainerID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/api/sessions/"+sess.SessionID, nil, "")
	var after core.Session
	dataInto(t, decodeEnvelope(t, rec), &after)
	if after.Status != core.SessionDestroyed {
		t.Errorf("session = %s, want destroyed after container removal", after.Status)
	}
}

func TestAdminDeleteAllContainers(t *testing.T) {
	ts := newTestServer(t, 4, 0)
	s1 := ts.createSession(t)
	s2 := ts.createSession(t)

	rec := ts.do(t, http.MethodDelete, "/api/admin/containers", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete all: status %d body %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Removed int `json:"removed"`
	}
	dataInto(t, decodeEnvelope(t, rec), &res)
	if res.Removed != 2 {
		t.Errorf("removed = %d, want 2", res.Removed)
	}
	if ts.engine.Count() != 0 {
		t.Errorf("engine still holds %d containers", ts.engine.Count())
	}

	for _, id := range []string{s1.SessionID, s2.SessionID} {
		rec = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil, "")
		var sess core.Session
		dataInto(t, decodeEnvelope(t, rec), &sess)
		if sess.Status != core.SessionDestroyed {
			t.Errorf("session %s = %s, want destroyed", id, sess.Status)
		}
	}
}

func TestPrewarm(t *testing.T) {
	ts := newTestServer(t, 4, 2)

	rec := ts.doJSON(t, http.MethodPost, "/api/admin/prewarm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prewarm: status %d body %s", rec.Code, rec.Body.String())
	}
	var snap core.SystemStatus
	dataInto(t, decodeEnvelope(t, rec), &snap)
	if snap.Idle != 2 || snap.TotalContainers != 2 {
		t.Errorf("after prewarm = idle %d total %d, want 2 and 2", snap.Idle, snap.TotalContainers)
	}
}

func TestAdminSessions(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	sess := ts.createSession(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/sessions", nil, "")
	var list []core.Session
	dataInto(t, decodeEnvelope(t, rec), &list)
	if len(list) != 1 {
		t.Fatalf("list has %d sessions, want 1", len(list))
	}

	rec = ts.do(t, http.MethodDelete, "/api/admin/sessions/"+sess.SessionID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy: status %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/sessions/"+sess.SessionID, nil, "")
	var after core.Session
	dataInto(t, decodeEnvelope(t, rec), &after)
	if after.Status != core.SessionDestroyed {
		t.Errorf("session = %s, want destroyed", after.Status)
	}
}

func readSSEEvent(t *testing.T, br *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStatusStream(t *testing.T) {
	ts := newTestServer(t, 4, 0)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpSrv.Close)

	resp, err := http.Get(httpSrv.URL + "/api/admin/status/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	br := bufio.NewReader(resp.Body)

	// The first event is the snapshot written before any broadcast.
	name, data := readSSEEvent(t, br)
	if name != "status" {
		t.Fatalf("first event = %q", name)
	}
	var snap core.SystemStatus
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Image != testImage {
		t.Errorf("snapshot image = %q", snap.Image)
	}

	ts.hub.Publish(&core.SystemStatus{Image: testImage, TotalContainers: 42, Timestamp: time.Now().UTC()})

	name, data = readSSEEvent(t, br)
	if name != "status" {
		t.Fatalf("second event = %q", name)
	}
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if snap.TotalContainers != 42 {
		t.Errorf("broadcast total = %d, want 42", snap.TotalContainers)
	}
}

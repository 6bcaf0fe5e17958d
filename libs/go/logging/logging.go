// Package logging provides structured logging, tracing, and metrics for the
// sandbox host and its tools. Output is console text or JSON lines, with
// optional OpenTelemetry OTLP export for logs, traces, and metrics.
//
// # Quick Start
//
//	logging.Configure(logging.Config{
//	    ServiceName:   "sandman-host",
//	    Environment:   "production",
//	    JSONFormat:    true,
//	    EnableOTLP:    true,
//	    EnableTracing: true,
//	    EnableMetrics: true,
//	})
//	defer logging.Shutdown(context.Background())
//
//	logger := logging.Get("pool")
//	logger.Info("container ready", "container_id", id)
//
// # Environment Auto-Detection
//
// When fields are not set in Config, they are read from environment variables:
//
//   - APP_NAME -> ServiceName
//   - APP_VERSION -> Version
//   - APP_ENV / ENVIRONMENT -> Environment
//   - GIT_COMMIT / COMMIT_SHA -> CommitSHA
//   - POD_NAME / HOSTNAME -> PodName
//   - NAMESPACE / POD_NAMESPACE -> Namespace
//   - NODE_NAME -> NodeName
//   - OTEL_EXPORTER_OTLP_ENDPOINT -> OTLPEndpoint
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Config controls logging behavior. Zero-value fields are auto-detected
// from environment variables (see package doc).
type Config struct {
	// Service identity
	ServiceName string
	Version     string
	Environment string
	CommitSHA   string

	// Kubernetes context
	PodName   string
	Namespace string
	NodeName  string

	// Output
	Level      slog.Level // default: slog.LevelInfo
	JSONFormat bool       // true = JSON lines, false = human-readable text
	Writer     io.Writer  // default: os.Stdout

	// OpenTelemetry
	EnableOTLP           bool
	EnableTracing        bool
	EnableMetrics        bool
	OTLPEndpoint         string        // default: localhost:4317
	MetricExportInterval time.Duration // default: 60s
}

var (
	mu           sync.Mutex
	configured   bool
	globalConfig Config
)

// Configure sets up the global slog default logger and, optionally, the OTLP
// exporters. Call once at process startup.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	applyDefaults(&cfg)
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	globalConfig = cfg

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = newJSONHandler(cfg)
	} else {
		handler = newConsoleHandler(cfg)
	}
	slog.SetDefault(slog.New(handler))

	if cfg.EnableOTLP {
		if err := setupOTLPLogs(cfg); err != nil {
			slog.Error("failed to initialize OTLP log exporter", "error", err)
		}
	}
	if cfg.EnableTracing {
		if err := setupTracing(cfg); err != nil {
			slog.Error("failed to initialize OTLP trace exporter", "error", err)
		}
	}
	if cfg.EnableMetrics {
		if err := setupMetrics(cfg); err != nil {
			slog.Error("failed to initialize OTLP metric exporter", "error", err)
		}
	}

	configured = true

	slog.Info("logging configured",
		"service_name", cfg.ServiceName,
		"environment", cfg.Environment,
		"json_format", cfg.JSONFormat,
		"otlp_enabled", cfg.EnableOTLP,
		"tracing_enabled", cfg.EnableTracing,
		"metrics_enabled", cfg.EnableMetrics,
	)
}

// Shutdown flushes pending OTLP logs, traces, and metrics. Call before
// process exit.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	var firstErr error
	capture := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	capture(shutdownOTLPLogs(ctx))
	capture(shutdownTracing(ctx))
	capture(shutdownMetrics(ctx))

	return firstErr
}

// Get returns a *slog.Logger with the given name attached as an attribute.
func Get(name string) *slog.Logger {
	return slog.Default().With("logger", name)
}

// --- internal ---

func applyDefaults(cfg *Config) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = envOr("APP_NAME", "sandman")
	}
	if cfg.Version == "" {
		cfg.Version = envOr("APP_VERSION", "latest")
	}
	if cfg.Environment == "" {
		cfg.Environment = envOr("APP_ENV", os.Getenv("ENVIRONMENT"))
		if cfg.Environment == "" {
			cfg.Environment = "development"
		}
	}
	if cfg.CommitSHA == "" {
		cfg.CommitSHA = envOr("GIT_COMMIT", os.Getenv("COMMIT_SHA"))
	}
	if cfg.PodName == "" {
		cfg.PodName = envOr("POD_NAME", os.Getenv("HOSTNAME"))
	}
	if cfg.Namespace == "" {
		cfg.Namespace = envOr("NAMESPACE", os.Getenv("POD_NAMESPACE"))
	}
	if cfg.NodeName == "" {
		cfg.NodeName = os.Getenv("NODE_NAME")
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// --- JSON handler ---
//
// One JSON object per line:
//
//	{"timestamp":"...","severity":"INFO","message":"...","service":"...","environment":"...", ...}

type jsonHandler struct {
	cfg    Config
	w      io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

func newJSONHandler(cfg Config) *jsonHandler {
	return &jsonHandler{
		cfg:   cfg,
		w:     cfg.Writer,
		level: cfg.Level,
		mu:    &sync.Mutex{},
	}
}

func (h *jsonHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *jsonHandler) Handle(ctx context.Context, r slog.Record) error {
	m := make(map[string]any, 16)

	m["timestamp"] = r.Time.Format(time.RFC3339Nano)
	m["severity"] = r.Level.String()
	m["message"] = r.Message

	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		m["source"] = map[string]any{
			"function": f.Function,
			"file":     f.File,
			"line":     f.Line,
		}
	}

	// Inject trace_id/span_id when a span is active on the context.
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		m["trace_id"] = sc.TraceID().String()
		m["span_id"] = sc.SpanID().String()
		m["trace_flags"] = sc.TraceFlags().String()
	}

	m["service"] = h.cfg.ServiceName
	m["environment"] = h.cfg.Environment
	if h.cfg.Version != "" {
		m["version"] = h.cfg.Version
	}
	if h.cfg.CommitSHA != "" {
		m["commit_sha"] = h.cfg.CommitSHA
	}
	if h.cfg.PodName != "" {
		m["pod_name"] = h.cfg.PodName
	}
	if h.cfg.Namespace != "" {
		m["namespace"] = h.cfg.Namespace
	}
	if h.cfg.NodeName != "" {
		m["node_name"] = h.cfg.NodeName
	}

	for _, a := range h.attrs {
		m[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = resolveAttrValue(a.Value)
		return true
	})

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = fmt.Fprintf(h.w, "%s\n", data)

	if globalConfig.EnableOTLP {
		emitOTEL(ctx, r, h.cfg)
	}

	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &jsonHandler{
		cfg:   h.cfg,
		w:     h.w,
		level: h.level,
		attrs: append(cloneAttrs(h.attrs), attrs...),
		mu:    h.mu,
	}
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	return &jsonHandler{
		cfg:    h.cfg,
		w:      h.w,
		level:  h.level,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
		mu:     h.mu,
	}
}

// --- Console handler ---
//
// Human-readable output for local development:
//
//	2024-01-15T10:30:00Z [sandman-host] INFO container ready container_id=ab12
type consoleHandler struct {
	cfg   Config
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex
}

func newConsoleHandler(cfg Config) *consoleHandler {
	return &consoleHandler{
		cfg:   cfg,
		w:     cfg.Writer,
		level: cfg.Level,
		mu:    &sync.Mutex{},
	}
}

func (h *consoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	ts := r.Time.Format(time.RFC3339)
	level := r.Level.String()

	var kvPairs string
	for _, a := range h.attrs {
		kvPairs += " " + a.Key + "=" + a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		kvPairs += " " + a.Key + "=" + a.Value.String()
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		kvPairs += " trace_id=" + sc.TraceID().String()
		kvPairs += " span_id=" + sc.SpanID().String()
	}

	line := fmt.Sprintf("%s [%s] %s %s%s\n",
		ts, h.cfg.ServiceName, level, r.Message, kvPairs)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)

	if globalConfig.EnableOTLP {
		emitOTEL(ctx, r, h.cfg)
	}

	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		cfg:   h.cfg,
		w:     h.w,
		level: h.level,
		attrs: append(cloneAttrs(h.attrs), attrs...),
		mu:    h.mu,
	}
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler {
	// Groups are not meaningful for console output.
	return h
}

// --- helpers ---

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]slog.Attr, len(attrs))
	copy(out, attrs)
	return out
}

func resolveAttrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = resolveAttrValue(a.Value)
		}
		return m
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}

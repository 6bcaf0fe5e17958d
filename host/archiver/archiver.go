// Package archiver batches session command transcripts in memory and ships
// them to object storage as gzipped logs. Archival is best effort: failures
// are logged and never surfaced to the caller, and flushing a session never
// waits on an upload.
package archiver

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/whale-net/sandman/libs/go/logging"
	"github.com/whale-net/sandman/libs/go/s3"
)

const (
	defaultFlushInterval  = 5 * time.Minute
	defaultMaxOutputBytes = 4 * 1024
	defaultWorkers        = 4
	uploadQueueSize       = 100

	keyTimeFormat = "20060102T150405.000Z0700"
)

// Uploader stores one transcript object. *s3.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, opts *s3.UploadOptions) (string, error)
}

// Options configures transcript batching.
type Options struct {
	// FlushInterval bounds how long a transcript sits in memory before it
	// is shipped even while the session stays alive.
	FlushInterval time.Duration
	// MaxOutputBytes caps how much command output is kept per entry.
	MaxOutputBytes int
	// Workers is the number of concurrent upload goroutines.
	Workers int
}

type transcript struct {
	sessionID string
	started   time.Time
	buf       bytes.Buffer
	commands  int
}

func (t *transcript) add(at time.Time, command string, exitCode int, elapsed time.Duration, output string, maxOutput int) {
	if t.started.IsZero() {
		t.started = at
	}
	fmt.Fprintf(&t.buf, "[%s] $ %s\n", at.Format(time.RFC3339), command)
	fmt.Fprintf(&t.buf, "exit %d in %s\n", exitCode, elapsed.Round(time.Millisecond))
	if output != "" {
		if len(output) > maxOutput {
			t.buf.WriteString(output[:maxOutput])
			fmt.Fprintf(&t.buf, "\n[%d bytes truncated]\n", len(output)-maxOutput)
		} else {
			t.buf.WriteString(output)
			if !strings.HasSuffix(output, "\n") {
				t.buf.WriteByte('\n')
			}
		}
	}
	t.buf.WriteByte('\n')
	t.commands++
}

// Archiver accumulates per-session transcripts and uploads them gzipped
// under transcripts/{sessionID}/{timestamp}.log.gz.
//
// mu guards the transcripts map and every buffered transcript in it; a
// transcript detached from the map is owned solely by its uploader.
type Archiver struct {
	uploader Uploader
	opts     Options
	log      *slog.Logger

	mu          sync.Mutex
	transcripts map[string]*transcript

	uploads chan *transcript
	cancel  context.CancelFunc
	workers sync.WaitGroup
	flusher sync.WaitGroup
}

// New starts the upload workers and the periodic flusher.
func New(uploader Uploader, opts Options) *Archiver {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Archiver{
		uploader:    uploader,
		opts:        opts,
		log:         logging.Get("archiver"),
		transcripts: make(map[string]*transcript),
		uploads:     make(chan *transcript, uploadQueueSize),
		cancel:      cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		a.workers.Add(1)
		go a.uploadWorker(ctx)
	}
	a.flusher.Add(1)
	go a.flushLoop(ctx)

	return a
}

// RecordCommand appends one completed command to the session's transcript.
func (a *Archiver) RecordCommand(sessionID, command string, exitCode int, elapsed time.Duration, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tr, ok := a.transcripts[sessionID]
	if !ok {
		tr = &transcript{sessionID: sessionID}
		a.transcripts[sessionID] = tr
	}
	tr.add(time.Now().UTC(), command, exitCode, elapsed, output, a.opts.MaxOutputBytes)
}

// FlushSession detaches the session's transcript and queues it for upload.
// It never blocks: when the queue is full the transcript is dropped.
func (a *Archiver) FlushSession(sessionID string) {
	a.mu.Lock()
	tr := a.transcripts[sessionID]
	delete(a.transcripts, sessionID)
	a.mu.Unlock()

	if tr == nil {
		return
	}
	select {
	case a.uploads <- tr:
	default:
		a.log.Warn("upload queue full, dropping transcript",
			"session_id", sessionID, "commands", tr.commands)
	}
}

// flushLoop periodically moves every buffered transcript to the upload queue.
func (a *Archiver) flushLoop(ctx context.Context) {
	defer a.flusher.Done()

	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.queuePending(ctx)
		}
	}
}

// queuePending detaches buffered transcripts as they are accepted by the
// upload queue. Transcripts stay in the map until their send succeeds so a
// shutdown mid-sweep loses nothing.
func (a *Archiver) queuePending(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, tr := range a.transcripts {
		select {
		case a.uploads <- tr:
			delete(a.transcripts, id)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Archiver) uploadWorker(ctx context.Context) {
	defer a.workers.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-a.uploads:
			if err := a.upload(ctx, tr); err != nil {
				a.log.Error("transcript upload failed", "session_id", tr.sessionID, "error", err)
			}
		}
	}
}

func (a *Archiver) upload(ctx context.Context, tr *transcript) error {
	if tr.commands == 0 {
		return nil
	}

	compressed, err := compressGzip(tr.buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress transcript: %w", err)
	}

	key := transcriptKey(tr.sessionID, time.Now().UTC())
	uri, err := a.uploader.Upload(ctx, key, compressed, &s3.UploadOptions{
		ContentType:     "application/gzip",
		ContentEncoding: "gzip",
		Metadata: map[string]string{
			"session-id": tr.sessionID,
			"commands":   strconv.Itoa(tr.commands),
			"started":    tr.started.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload transcript: %w", err)
	}

	a.log.Info("transcript archived",
		"session_id", tr.sessionID,
		"commands", tr.commands,
		"bytes", len(compressed),
		"uri", uri)
	return nil
}

// FlushAll uploads every buffered transcript synchronously.
func (a *Archiver) FlushAll(ctx context.Context) {
	a.mu.Lock()
	trs := make([]*transcript, 0, len(a.transcripts))
	for _, tr := range a.transcripts {
		trs = append(trs, tr)
	}
	a.transcripts = make(map[string]*transcript)
	a.mu.Unlock()

	for _, tr := range trs {
		if err := a.upload(ctx, tr); err != nil {
			a.log.Error("transcript upload failed", "session_id", tr.sessionID, "error", err)
		}
	}
}

// Close stops the workers, drains anything still queued, and flushes the
// remaining transcripts.
func (a *Archiver) Close() {
	a.cancel()
	a.flusher.Wait()
	a.workers.Wait()

	ctx := context.Background()
	for {
		select {
		case tr := <-a.uploads:
			if err := a.upload(ctx, tr); err != nil {
				a.log.Error("transcript upload failed", "session_id", tr.sessionID, "error", err)
			}
		default:
			a.FlushAll(ctx)
			return
		}
	}
}

func transcriptKey(sessionID string, at time.Time) string {
	return fmt.Sprintf("transcripts/%s/%s.log.gz", sessionID, at.Format(keyTimeFormat))
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/store"
)

// fakePool is a capacity-gated ContainerPool for manager tests.
type fakePool struct {
	mu       sync.Mutex
	capacity int
	nextID   int
	inUse    map[string]string
	released []string

	acquireErr error
	onAcquire  func(sessionID string)
}

func newFakePool(capacity int) *fakePool {
	return &fakePool{capacity: capacity, inUse: make(map[string]string)}
}

func (p *fakePool) Acquire(_ context.Context, sessionID string) (*core.Container, error) {
	if p.onAcquire != nil {
		p.onAcquire(sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	if len(p.inUse) >= p.capacity {
		return nil, nil
	}
	p.nextID++
	id := fmt.Sprintf("cont-%03d", p.nextID)
	p.inUse[id] = sessionID
	return &core.Container{
		ContainerID: id,
		Status:      core.ContainerBusy,
		SessionID:   sessionID,
	}, nil
}

func (p *fakePool) Release(_ context.Context, containerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, containerID)
	p.released = append(p.released, containerID)
	return nil
}

func (p *fakePool) setCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = n
}

func (p *fakePool) releasedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

func testManagerOptions() Options {
	return Options{
		DefaultTimeout:    time.Minute,
		MaxTimeout:        2 * time.Minute,
		PromotionAttempts: 10,
		PromotionDelay:    2 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, capacity int) (*Manager, *fakePool, *store.MemorySessionRepo) {
	t.Helper()
	repo := store.NewMemorySessionRepo()
	pool := newFakePool(capacity)
	m := NewManager(repo, pool, testManagerOptions())
	t.Cleanup(m.Close)
	return m, pool, repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateActivatesWithCapacity(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	sess, err := m.Create(ctx, "demo", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != core.SessionActive {
		t.Errorf("status = %s, want active", sess.Status)
	}
	if sess.ContainerID == "" {
		t.Error("active session has no container")
	}
	if sess.QueuePosition != 0 {
		t.Errorf("queue position = %d, want 0", sess.QueuePosition)
	}
	if sess.Name != "demo" {
		t.Errorf("name = %q, want demo", sess.Name)
	}
	if sess.CreatedAt.IsZero() || sess.LastActivityAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestCreateQueuesWhenExhausted(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 0)

	first, err := m.Create(ctx, "", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != core.SessionQueued || first.QueuePosition != 1 {
		t.Errorf("first = %s pos %d, want queued pos 1", first.Status, first.QueuePosition)
	}

	second, err := m.Create(ctx, "", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if second.QueuePosition != 2 {
		t.Errorf("second position = %d, want 2", second.QueuePosition)
	}
}

func TestCreateValidatesTimeout(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 5)

	tests := []struct {
		name           string
		timeoutSeconds int
		wantErr        bool
	}{
		{"negative", -1, true},
		{"over max", 121, true},
		{"zero uses default", 0, false},
		{"within max", 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := m.Create(ctx, "", tt.timeoutSeconds)
			if tt.wantErr {
				if !core.IsKind(err, core.KindInvalidTimeout) {
					t.Errorf("err = %v, want InvalidTimeout", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if sess.TimeoutSeconds != tt.timeoutSeconds {
				t.Errorf("timeout = %d, want %d", sess.TimeoutSeconds, tt.timeoutSeconds)
			}
		})
	}
}

func TestCreateFailsWhenAcquireFails(t *testing.T) {
	ctx := context.Background()
	m, pool, repo := newTestManager(t, 1)
	pool.acquireErr = errors.New("engine down")

	if _, err := m.Create(ctx, "", 0); err == nil {
		t.Fatal("Create succeeded with a failing pool")
	}
	all, _ := repo.GetAll(ctx)
	if len(all) != 0 {
		t.Errorf("repo holds %d sessions after failed create, want 0", len(all))
	}
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	if _, err := m.Get(ctx, "nope"); !core.IsKind(err, core.KindSessionNotFound) {
		t.Errorf("unknown id: err = %v, want SessionNotFound", err)
	}

	created, _ := m.Create(ctx, "", 0)
	got, err := m.Get(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != created.SessionID {
		t.Errorf("got %s, want %s", got.SessionID, created.SessionID)
	}

	// Destroyed sessions stay queryable so clients see the terminal state.
	if err := m.Destroy(ctx, created.SessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	got, err = m.Get(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("Get after destroy: %v", err)
	}
	if got.Status != core.SessionDestroyed {
		t.Errorf("status = %s, want destroyed", got.Status)
	}
}

func TestGetAllExcludesDestroyed(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 5)

	s1, _ := m.Create(ctx, "", 0)
	s2, _ := m.Create(ctx, "", 0)
	_ = m.Destroy(ctx, s1.SessionID)

	all, err := m.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 || all[0].SessionID != s2.SessionID {
		t.Errorf("GetAll = %v, want only %s", all, s2.SessionID)
	}
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	m, pool, _ := newTestManager(t, 1)

	sess, _ := m.Create(ctx, "", 0)
	containerID := sess.ContainerID

	if err := m.Destroy(ctx, sess.SessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	released := pool.releasedIDs()
	if len(released) != 1 || released[0] != containerID {
		t.Errorf("released = %v, want [%s]", released, containerID)
	}

	// Idempotent on repeat, not-found on garbage.
	if err := m.Destroy(ctx, sess.SessionID); err != nil {
		t.Errorf("second Destroy: %v, want nil", err)
	}
	if err := m.Destroy(ctx, "nope"); !core.IsKind(err, core.KindSessionNotFound) {
		t.Errorf("unknown id: err = %v, want SessionNotFound", err)
	}
}

func TestDestroyQueuedRenumbers(t *testing.T) {
	ctx := context.Background()
	m, _, repo := newTestManager(t, 0)

	s1, _ := m.Create(ctx, "", 0)
	s2, _ := m.Create(ctx, "", 0)
	s3, _ := m.Create(ctx, "", 0)

	if err := m.Destroy(ctx, s2.SessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	queued, _ := repo.GetQueued(ctx)
	if len(queued) != 2 {
		t.Fatalf("got %d queued, want 2", len(queued))
	}
	if queued[0].SessionID != s1.SessionID || queued[0].QueuePosition != 1 {
		t.Errorf("head = %s pos %d, want %s pos 1", queued[0].SessionID, queued[0].QueuePosition, s1.SessionID)
	}
	if queued[1].SessionID != s3.SessionID || queued[1].QueuePosition != 2 {
		t.Errorf("tail = %s pos %d, want %s pos 2", queued[1].SessionID, queued[1].QueuePosition, s3.SessionID)
	}
}

func TestPromotionActivatesInOrder(t *testing.T) {
	ctx := context.Background()
	m, pool, _ := newTestManager(t, 0)

	s1, _ := m.Create(ctx, "", 0)
	s2, _ := m.Create(ctx, "", 0)

	pool.setCapacity(1)
	m.SchedulePromotion()

	waitFor(t, "head promoted", func() bool {
		got, _ := m.Get(ctx, s1.SessionID)
		return got.Status == core.SessionActive && got.ContainerID != ""
	})

	second, _ := m.Get(ctx, s2.SessionID)
	if second.Status != core.SessionQueued {
		t.Errorf("second session = %s, want still queued", second.Status)
	}
	waitFor(t, "queue renumbered", func() bool {
		got, _ := m.Get(ctx, s2.SessionID)
		return got.QueuePosition == 1
	})

	pool.setCapacity(2)
	m.SchedulePromotion()
	waitFor(t, "second promoted", func() bool {
		got, _ := m.Get(ctx, s2.SessionID)
		return got.Status == core.SessionActive
	})
}

func TestPromotionReleasesContainerForDestroyedHead(t *testing.T) {
	ctx := context.Background()
	m, pool, _ := newTestManager(t, 0)

	s1, _ := m.Create(ctx, "", 0)
	s2, _ := m.Create(ctx, "", 0)

	// Destroy the head while its promotion acquire is in flight.
	pool.onAcquire = func(sessionID string) {
		if sessionID == s1.SessionID {
			pool.onAcquire = nil
			_ = m.Destroy(ctx, s1.SessionID)
		}
	}

	pool.setCapacity(1)
	m.SchedulePromotion()

	waitFor(t, "second session promoted past the dead head", func() bool {
		got, _ := m.Get(ctx, s2.SessionID)
		return got.Status == core.SessionActive
	})

	// The container acquired for the destroyed head went straight back.
	if released := pool.releasedIDs(); len(released) != 1 {
		t.Errorf("released = %v, want exactly the dead head's container", released)
	}
	head, _ := m.Get(ctx, s1.SessionID)
	if head.Status != core.SessionDestroyed {
		t.Errorf("head = %s, want destroyed", head.Status)
	}
}

func TestExecutingLatch(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	sess, _ := m.Create(ctx, "", 0)

	if err := m.BeginExecuting(ctx, sess.SessionID); err != nil {
		t.Fatalf("BeginExecuting: %v", err)
	}
	if err := m.BeginExecuting(ctx, sess.SessionID); !core.IsKind(err, core.KindSessionBusy) {
		t.Errorf("second begin: err = %v, want SessionBusy", err)
	}

	before, _ := m.Get(ctx, sess.SessionID)
	time.Sleep(2 * time.Millisecond)
	m.FinishExecuting(ctx, sess.SessionID, true)

	after, _ := m.Get(ctx, sess.SessionID)
	if after.IsExecutingCommand {
		t.Error("latch still held after finish")
	}
	if after.CommandCount != 1 {
		t.Errorf("command count = %d, want 1", after.CommandCount)
	}
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Error("activity timestamp did not advance")
	}

	// A second command can start now.
	if err := m.BeginExecuting(ctx, sess.SessionID); err != nil {
		t.Errorf("begin after finish: %v", err)
	}
}

func TestFinishWithoutCounting(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	sess, _ := m.Create(ctx, "", 0)
	_ = m.BeginExecuting(ctx, sess.SessionID)
	m.FinishExecuting(ctx, sess.SessionID, false)

	got, _ := m.Get(ctx, sess.SessionID)
	if got.CommandCount != 0 {
		t.Errorf("command count = %d, want 0", got.CommandCount)
	}
}

func TestRequireActive(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	active, _ := m.Create(ctx, "", 0)

	queuedMgr, _, _ := newTestManager(t, 0)
	queued, _ := queuedMgr.Create(ctx, "", 0)

	destroyed, _ := m.Create(ctx, "", 0) // queue is irrelevant, destroy right away
	_ = m.Destroy(ctx, destroyed.SessionID)

	tests := []struct {
		name      string
		mgr       *Manager
		sessionID string
		wantKind  core.ErrorKind
	}{
		{"unknown", m, "nope", core.KindSessionNotFound},
		{"destroyed", m, destroyed.SessionID, core.KindSessionNotActive},
		{"queued", queuedMgr, queued.SessionID, core.KindSessionNotReady},
		{"active", m, active.SessionID, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := tt.mgr.RequireActive(ctx, tt.sessionID)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("RequireActive: %v", err)
				}
				if sess.SessionID != tt.sessionID {
					t.Errorf("got %s, want %s", sess.SessionID, tt.sessionID)
				}
				return
			}
			if !core.IsKind(err, tt.wantKind) {
				t.Errorf("err = %v, want %s", err, tt.wantKind)
			}
		})
	}
}

func TestOnContainerRemoved(t *testing.T) {
	ctx := context.Background()
	m, pool, _ := newTestManager(t, 1)

	sess, _ := m.Create(ctx, "", 0)
	containerID := sess.ContainerID

	m.OnContainerRemoved(containerID)

	got, _ := m.Get(ctx, sess.SessionID)
	if got.Status != core.SessionDestroyed {
		t.Errorf("status = %s, want destroyed", got.Status)
	}
	// The container is already gone; nothing to release.
	if released := pool.releasedIDs(); len(released) != 0 {
		t.Errorf("released = %v, want none", released)
	}
}

func TestOnDestroyedHook(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 2)

	var mu sync.Mutex
	var destroyed []string
	m.SetOnDestroyed(func(sessionID string) {
		mu.Lock()
		destroyed = append(destroyed, sessionID)
		mu.Unlock()
	})

	s1, _ := m.Create(ctx, "", 0)
	s2, _ := m.Create(ctx, "", 0)

	if err := m.Destroy(ctx, s1.SessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	m.OnContainerRemoved(s2.ContainerID)

	mu.Lock()
	got := append([]string(nil), destroyed...)
	mu.Unlock()
	if len(got) != 2 || got[0] != s1.SessionID || got[1] != s2.SessionID {
		t.Errorf("destroyed hooks = %v, want [%s %s]", got, s1.SessionID, s2.SessionID)
	}

	// A repeat destroy is a no-op and must not re-fire the hook.
	_ = m.Destroy(ctx, s1.SessionID)
	mu.Lock()
	n := len(destroyed)
	mu.Unlock()
	if n != 2 {
		t.Errorf("hook fired %d times, want 2", n)
	}
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 1)

	sess, _ := m.Create(ctx, "", 0)
	before, _ := m.Get(ctx, sess.SessionID)
	time.Sleep(2 * time.Millisecond)
	m.Touch(ctx, sess.SessionID)

	after, _ := m.Get(ctx, sess.SessionID)
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Error("activity timestamp did not advance")
	}
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	m, pool, _ := newTestManager(t, 1)

	_, _ = m.Create(ctx, "", 0) // active
	pool.setCapacity(0)
	// capacity already used by the first session; these queue
	_, _ = m.Create(ctx, "", 0)
	_, _ = m.Create(ctx, "", 0)

	active, queued, err := m.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if active != 1 || queued != 2 {
		t.Errorf("counts = (%d active, %d queued), want (1, 2)", active, queued)
	}
}

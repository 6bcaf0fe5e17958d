// Package session implements the session lifecycle: admission against the
// container pool, the wait queue with ordered promotion, activity
// bookkeeping for the idle reaper, and the single-command-at-a-time latch.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/store"
	"github.com/whale-net/sandman/libs/go/logging"
)

const (
	defaultPromotionAttempts = 10
	defaultPromotionDelay    = 500 * time.Millisecond
)

// ContainerPool is the slice of the pool the session manager depends on.
type ContainerPool interface {
	Acquire(ctx context.Context, sessionID string) (*core.Container, error)
	Release(ctx context.Context, containerID string) error
}

// Options configures the session manager.
type Options struct {
	// DefaultTimeout is the idle TTL for sessions without an override.
	DefaultTimeout time.Duration
	// MaxTimeout caps the per-session override. Zero disables the cap.
	MaxTimeout time.Duration

	// Promotion knobs, defaulted when zero.
	PromotionAttempts int
	PromotionDelay    time.Duration
}

// Manager owns all session records and their transitions.
type Manager struct {
	sessions store.SessionRepo
	pool     ContainerPool
	opts     Options
	log      *slog.Logger

	// mu serializes admission, queue reshuffles and the executing latch.
	mu sync.Mutex

	// promoting makes queue promotion single-flight; concurrent passes
	// would acquire twice for the same head.
	promoting atomic.Bool

	onChange    func()
	onDestroyed func(sessionID string)

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	tasks      sync.WaitGroup
}

// NewManager creates a session manager over the given repository and pool.
func NewManager(sessions store.SessionRepo, pool ContainerPool, opts Options) *Manager {
	if opts.PromotionAttempts <= 0 {
		opts.PromotionAttempts = defaultPromotionAttempts
	}
	if opts.PromotionDelay <= 0 {
		opts.PromotionDelay = defaultPromotionDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:   sessions,
		pool:       pool,
		opts:       opts,
		log:        logging.Get("session"),
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
}

// SetOnChange registers the status-change hook. Must be called before the
// manager starts doing work.
func (m *Manager) SetOnChange(fn func()) {
	m.onChange = fn
}

// SetOnDestroyed registers a hook that fires after a session reaches the
// destroyed state, however it got there. Must be called before the manager
// starts doing work.
func (m *Manager) SetOnDestroyed(fn func(sessionID string)) {
	m.onDestroyed = fn
}

// Close stops background promotion passes and waits for them.
func (m *Manager) Close() {
	m.cancelRoot()
	m.tasks.Wait()
}

// Create admits a new session. When the pool has capacity the session comes
// back Active and bound to a container; otherwise it joins the wait queue.
func (m *Manager) Create(ctx context.Context, name string, timeoutSeconds int) (*core.Session, error) {
	if timeoutSeconds < 0 {
		return nil, core.E(core.KindInvalidTimeout, "timeout must not be negative, got %d", timeoutSeconds)
	}
	if max := int(m.opts.MaxTimeout / time.Second); max > 0 && timeoutSeconds > max {
		return nil, core.E(core.KindInvalidTimeout, "timeout %ds exceeds the maximum of %ds", timeoutSeconds, max)
	}

	now := time.Now()
	sess := &core.Session{
		SessionID:      uuid.NewString(),
		Name:           name,
		Status:         core.SessionQueued,
		CreatedAt:      now,
		LastActivityAt: now,
		TimeoutSeconds: timeoutSeconds,
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	container, err := m.pool.Acquire(ctx, sess.SessionID)
	if err != nil {
		_ = m.sessions.Delete(ctx, sess.SessionID)
		return nil, err
	}

	m.mu.Lock()
	if container != nil {
		sess.Status = core.SessionActive
		sess.ContainerID = container.ContainerID
	} else {
		sess.QueuePosition = m.nextQueuePositionLocked(ctx)
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.mu.Unlock()
		if container != nil {
			_ = m.pool.Release(ctx, container.ContainerID)
		}
		return nil, err
	}
	m.mu.Unlock()
	m.notifyChange()

	if sess.Status == core.SessionActive {
		m.log.Info("session active",
			"session_id", sess.SessionID,
			"container_id", sess.ContainerID)
	} else {
		m.log.Info("session queued",
			"session_id", sess.SessionID,
			"position", sess.QueuePosition)
	}
	return sess, nil
}

// Get returns a session, including destroyed ones.
func (m *Manager) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, core.E(core.KindSessionNotFound, "session %s not found", sessionID)
	}
	return sess, nil
}

// GetAll returns every live session, queued or active.
func (m *Manager) GetAll(ctx context.Context) ([]core.Session, error) {
	all, err := m.sessions.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, s := range all {
		if s.Status != core.SessionDestroyed {
			live = append(live, s)
		}
	}
	return live, nil
}

// Destroy tears a session down and releases its container. Destroying an
// already-destroyed session is a no-op; an unknown id fails with
// SessionNotFound.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if sess == nil {
		m.mu.Unlock()
		return core.E(core.KindSessionNotFound, "session %s not found", sessionID)
	}
	if sess.Status == core.SessionDestroyed {
		m.mu.Unlock()
		return nil
	}

	wasQueued := sess.Status == core.SessionQueued
	containerID := sess.ContainerID

	sess.Status = core.SessionDestroyed
	sess.ContainerID = ""
	sess.QueuePosition = 0
	sess.IsExecutingCommand = false
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.mu.Unlock()
		return err
	}
	if wasQueued {
		m.renumberQueueLocked(ctx)
	}
	m.mu.Unlock()
	m.notifyChange()
	m.notifyDestroyed(sessionID)

	m.log.Info("session destroyed", "session_id", sessionID)

	if containerID != "" {
		if err := m.pool.Release(ctx, containerID); err != nil {
			m.log.Warn("failed to release container for destroyed session",
				"session_id", sessionID,
				"container_id", containerID,
				"error", err)
		}
	}

	// Capacity may have freed either way.
	m.SchedulePromotion()
	return nil
}

// RequireActive is the command preflight: the session must exist, must not
// be destroyed, and must have a container bound.
func (m *Manager) RequireActive(ctx context.Context, sessionID string) (*core.Session, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, core.E(core.KindSessionNotFound, "session %s not found", sessionID)
	}
	if sess.Status == core.SessionDestroyed {
		return nil, core.E(core.KindSessionNotActive, "session %s is destroyed", sessionID)
	}
	if sess.ContainerID == "" {
		return nil, core.E(core.KindSessionNotReady, "session %s has no container yet", sessionID)
	}
	return sess, nil
}

// BeginExecuting latches the session for one command. Fails with
// SessionBusy when a command is already in flight.
func (m *Manager) BeginExecuting(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return core.E(core.KindSessionNotFound, "session %s not found", sessionID)
	}
	if sess.IsExecutingCommand {
		return core.E(core.KindSessionBusy, "session %s is already executing a command", sessionID)
	}
	sess.IsExecutingCommand = true
	return m.sessions.Save(ctx, sess)
}

// FinishExecuting clears the latch and records the activity. countCommand
// bumps the command counter, for commands that actually ran.
func (m *Manager) FinishExecuting(ctx context.Context, sessionID string, countCommand bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	sess.IsExecutingCommand = false
	sess.LastActivityAt = time.Now()
	if countCommand {
		sess.CommandCount++
	}
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.log.Warn("failed to record command completion", "session_id", sessionID, "error", err)
	}
}

// Touch refreshes the session's activity timestamp.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	sess.LastActivityAt = time.Now()
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.log.Warn("failed to update session activity", "session_id", sessionID, "error", err)
	}
}

// OnContainerRemoved handles a container disappearing outside the host's
// control. The owning session, if any, is destroyed; its container is
// already gone so only bookkeeping remains.
func (m *Manager) OnContainerRemoved(containerID string) {
	ctx := m.rootCtx

	m.mu.Lock()
	sess, err := m.sessions.GetByContainerID(ctx, containerID)
	if err != nil || sess == nil || sess.Status == core.SessionDestroyed {
		m.mu.Unlock()
		return
	}
	sess.Status = core.SessionDestroyed
	sess.ContainerID = ""
	sess.IsExecutingCommand = false
	if err := m.sessions.Save(ctx, sess); err != nil {
		m.log.Warn("failed to mark session destroyed", "session_id", sess.SessionID, "error", err)
	}
	m.mu.Unlock()
	m.notifyChange()
	m.notifyDestroyed(sess.SessionID)

	m.log.Warn("session lost its container",
		"session_id", sess.SessionID,
		"container_id", containerID)

	m.SchedulePromotion()
}

// Counts returns the number of live sessions by state.
func (m *Manager) Counts(ctx context.Context) (active, queued int, err error) {
	activeSessions, err := m.sessions.GetAllActive(ctx)
	if err != nil {
		return 0, 0, err
	}
	queuedSessions, err := m.sessions.GetQueued(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(activeSessions), len(queuedSessions), nil
}

// SchedulePromotion starts a background pass that tries to hand freed
// capacity to the queue head. At most one pass runs at a time.
func (m *Manager) SchedulePromotion() {
	if !m.promoting.CompareAndSwap(false, true) {
		return
	}
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer m.promoting.Store(false)
		m.promote()
	}()
}

// promote tries to activate queued sessions in order. Each attempt takes
// the current head; a miss sleeps before retrying, a hit moves straight to
// the next head. Gives up after the configured number of attempts, leaving
// the queue for the next trigger.
func (m *Manager) promote() {
	ctx := m.rootCtx

	for attempt := 0; attempt < m.opts.PromotionAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		head, err := m.queueHeadLocked(ctx)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("promotion queue read failed", "error", err)
			return
		}
		if head == nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		container, err := m.pool.Acquire(ctx, head.SessionID)
		if err != nil {
			m.log.Warn("promotion acquire failed", "session_id", head.SessionID, "error", err)
			m.sleep(ctx)
			continue
		}
		if container == nil {
			m.sleep(ctx)
			continue
		}

		m.mu.Lock()
		cur, err := m.sessions.Get(ctx, head.SessionID)
		if err != nil || cur == nil || cur.Status != core.SessionQueued {
			// Destroyed while we were acquiring; the container was never
			// used and goes straight back for teardown.
			m.mu.Unlock()
			if err := m.pool.Release(ctx, container.ContainerID); err != nil {
				m.log.Warn("failed to release container for dead promotion",
					"container_id", container.ContainerID, "error", err)
			}
			continue
		}
		cur.Status = core.SessionActive
		cur.ContainerID = container.ContainerID
		cur.QueuePosition = 0
		cur.LastActivityAt = time.Now()
		if err := m.sessions.Save(ctx, cur); err != nil {
			m.mu.Unlock()
			m.log.Error("promotion save failed", "session_id", cur.SessionID, "error", err)
			return
		}
		m.renumberQueueLocked(ctx)
		m.mu.Unlock()
		m.notifyChange()

		m.log.Info("session promoted from queue",
			"session_id", cur.SessionID,
			"container_id", cur.ContainerID)
	}

	m.mu.Lock()
	remaining, _ := m.sessions.GetQueued(ctx)
	m.mu.Unlock()
	if len(remaining) > 0 {
		m.log.Warn("promotion gave up with sessions still queued",
			"queued", len(remaining),
			"attempts", m.opts.PromotionAttempts)
	}
}

func (m *Manager) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.opts.PromotionDelay):
	}
}

// queueHeadLocked returns the waiting session with the lowest position.
// Records at position zero are admissions still in flight inside Create
// and are not promotable yet. Caller holds mu.
func (m *Manager) queueHeadLocked(ctx context.Context) (*core.Session, error) {
	queued, err := m.sessions.GetQueued(ctx)
	if err != nil {
		return nil, err
	}
	for i := range queued {
		if queued[i].QueuePosition > 0 {
			return &queued[i], nil
		}
	}
	return nil, nil
}

// nextQueuePositionLocked returns one past the highest occupied position.
// Caller holds mu.
func (m *Manager) nextQueuePositionLocked(ctx context.Context) int {
	queued, err := m.sessions.GetQueued(ctx)
	if err != nil {
		return 1
	}
	max := 0
	for _, q := range queued {
		if q.QueuePosition > max {
			max = q.QueuePosition
		}
	}
	return max + 1
}

// renumberQueueLocked rewrites waiting positions to 1..k in wait order,
// leaving in-flight admissions at zero alone. Caller holds mu.
func (m *Manager) renumberQueueLocked(ctx context.Context) {
	queued, err := m.sessions.GetQueued(ctx)
	if err != nil {
		return
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].QueuePosition < queued[j].QueuePosition
	})
	next := 1
	for i := range queued {
		if queued[i].QueuePosition == 0 {
			continue
		}
		if queued[i].QueuePosition != next {
			queued[i].QueuePosition = next
			_ = m.sessions.Save(ctx, &queued[i])
		}
		next++
	}
}

func (m *Manager) notifyChange() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Manager) notifyDestroyed(sessionID string) {
	if m.onDestroyed != nil {
		m.onDestroyed(sessionID)
	}
}

// Package pool owns the set of managed containers: the warm reserve,
// capacity enforcement, and the container state machine. A single mutex
// serializes disposition decisions; engine calls happen outside it, with
// Warming placeholders reserving capacity from the moment a decision is
// made.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/host/store"
	"github.com/whale-net/sandman/libs/go/logging"
)

const (
	defaultWarmPollInterval = 500 * time.Millisecond
	defaultWarmTimeout      = 30 * time.Second
	defaultReadyTimeout     = 10 * time.Second

	// replenishTaskTimeout bounds one background warm task.
	replenishTaskTimeout = 60 * time.Second
)

// Options configures the pool.
type Options struct {
	// PrewarmCount is the warm reserve target.
	PrewarmCount int
	// MaxContainers caps Idle + Busy + Warming containers.
	MaxContainers int

	// Polling knobs, defaulted when zero.
	WarmPollInterval time.Duration
	WarmTimeout      time.Duration
	ReadyTimeout     time.Duration
}

// Pool manages the lifecycle of all containers this host owns.
type Pool struct {
	engine     core.Engine
	containers store.ContainerRepo
	opts       Options
	log        *slog.Logger

	// mu serializes disposition decisions. It is never held across engine
	// calls; Warming placeholders carry the reservation instead.
	mu sync.Mutex

	// prewarmMu serializes EnsurePrewarmed end to end.
	prewarmMu sync.Mutex
	prewarmed bool

	// onChange is invoked after every observable transition, outside mu.
	onChange func()
	// onRemoved is invoked when a container vanishes outside pool control.
	onRemoved func(containerID string)

	// rootCtx scopes background warm tasks to the pool's lifetime.
	rootCtx    context.Context
	cancelRoot context.CancelFunc
	tasks      sync.WaitGroup
}

// New creates a pool over the given engine and repository.
func New(engine core.Engine, containers store.ContainerRepo, opts Options) *Pool {
	if opts.WarmPollInterval <= 0 {
		opts.WarmPollInterval = defaultWarmPollInterval
	}
	if opts.WarmTimeout <= 0 {
		opts.WarmTimeout = defaultWarmTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		engine:     engine,
		containers: containers,
		opts:       opts,
		log:        logging.Get("pool"),
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
}

// SetOnChange registers the status-change hook. Must be called before the
// pool starts doing work.
func (p *Pool) SetOnChange(fn func()) {
	p.onChange = fn
}

// Close stops background warm tasks and waits for them to finish.
func (p *Pool) Close() {
	p.cancelRoot()
	p.tasks.Wait()
}

// EnsurePrewarmed prepares the pool for traffic: ensures the image is
// present, removes stale managed containers from prior runs, and launches
// the initial warm-up tasks in parallel. Idempotent; a no-op after the
// first successful call.
func (p *Pool) EnsurePrewarmed(ctx context.Context) error {
	p.prewarmMu.Lock()
	defer p.prewarmMu.Unlock()
	if p.prewarmed {
		return nil
	}

	if err := p.engine.EnsureImage(ctx); err != nil {
		return err
	}

	// Stale managed containers from a previous run are never reused.
	stale, err := p.engine.ListManaged(ctx)
	if err != nil {
		return err
	}
	for _, c := range stale {
		p.log.Info("removing stale managed container", "container_id", shortID(c.ContainerID), "name", c.Name)
		if err := p.engine.Remove(ctx, c.ContainerID); err != nil {
			return fmt.Errorf("removing stale container %s: %w", shortID(c.ContainerID), err)
		}
	}

	count := p.opts.PrewarmCount
	if count > p.opts.MaxContainers {
		count = p.opts.MaxContainers
	}

	placeholders := make([]string, 0, count)
	p.mu.Lock()
	for i := 0; i < count; i++ {
		placeholders = append(placeholders, p.insertPlaceholderLocked(ctx))
	}
	p.mu.Unlock()
	p.notifyChange()

	var wg sync.WaitGroup
	failures := make(chan error, len(placeholders))
	for _, ph := range placeholders {
		wg.Add(1)
		go func(placeholderID string) {
			defer wg.Done()
			if _, err := p.warmAndReady(ctx, placeholderID, ""); err != nil {
				p.log.Error("prewarm task failed", "error", err)
				failures <- err
			}
		}(ph)
	}
	wg.Wait()
	close(failures)
	p.prewarmed = true

	if len(failures) > 0 {
		// The reserve is below target; let a replenish pass repair it.
		p.ScheduleReplenish()
	}

	p.log.Info("pool prewarmed", "target", count, "failed", len(failures))
	return nil
}

// Acquire hands an Idle container to a session, or creates one when below
// capacity. Returns (nil, nil) when the pool is exhausted and the caller
// should queue.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*core.Container, error) {
	for {
		p.mu.Lock()

		idle, err := p.containers.FirstIdle(ctx)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}

		if idle != nil {
			idle.Status = core.ContainerBusy
			idle.SessionID = sessionID
			if err := p.containers.Save(ctx, idle); err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Unlock()
			p.notifyChange()

			if err := p.engine.AssignSession(ctx, idle.ContainerID, sessionID); err != nil {
				if core.IsKind(err, core.KindContainerNotFound) {
					// The engine lost this container; drop the record and
					// pick another.
					p.log.Warn("idle container vanished, retrying acquire",
						"container_id", shortID(idle.ContainerID))
					_ = p.containers.Delete(ctx, idle.ContainerID)
					p.notifyChange()
					p.ScheduleReplenish()
					continue
				}
				p.log.Warn("assign session failed", "container_id", shortID(idle.ContainerID), "error", err)
			}

			p.ScheduleReplenish()
			return idle, nil
		}

		counts, err := p.containers.CountByStatus(ctx)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if counts.Active() >= p.opts.MaxContainers {
			p.mu.Unlock()
			return nil, nil
		}

		placeholderID := p.insertPlaceholderLocked(ctx)
		p.mu.Unlock()
		p.notifyChange()

		created, err := p.warmAndReady(ctx, placeholderID, sessionID)
		if err != nil {
			return nil, err
		}

		if err := p.engine.AssignSession(ctx, created.ContainerID, sessionID); err != nil &&
			!core.IsKind(err, core.KindContainerNotFound) {
			p.log.Warn("assign session failed", "container_id", shortID(created.ContainerID), "error", err)
		}
		p.ScheduleReplenish()
		return created, nil
	}
}

// Release destroys a container and schedules a replenish. Releasing a
// container that is already gone is a no-op.
func (p *Pool) Release(ctx context.Context, containerID string) error {
	err := p.remove(ctx, containerID)
	if core.IsKind(err, core.KindContainerNotFound) {
		return nil
	}
	return err
}

// ForceDelete removes a container regardless of its state. Unknown
// containers fail with ContainerNotFound.
func (p *Pool) ForceDelete(ctx context.Context, containerID string) error {
	return p.remove(ctx, containerID)
}

func (p *Pool) remove(ctx context.Context, containerID string) error {
	p.mu.Lock()
	rec, err := p.containers.Get(ctx, containerID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if rec != nil {
		rec.Status = core.ContainerDestroying
		if err := p.containers.Save(ctx, rec); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()
	if rec != nil {
		p.notifyChange()
	}

	removeErr := p.engine.Remove(ctx, containerID)
	if rec != nil && core.IsKind(removeErr, core.KindContainerNotFound) {
		// The engine already lost it; only the stale record remains.
		removeErr = nil
	}
	if removeErr == nil && rec != nil {
		_ = p.containers.Delete(ctx, containerID)
		p.notifyChange()
	}

	p.ScheduleReplenish()
	return removeErr
}

// CreateOnDemand warms one container without binding it, for the admin
// surface. Fails with MaxContainersReached at the cap.
func (p *Pool) CreateOnDemand(ctx context.Context) (*core.Container, error) {
	p.mu.Lock()
	counts, err := p.containers.CountByStatus(ctx)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if counts.Active() >= p.opts.MaxContainers {
		p.mu.Unlock()
		return nil, core.E(core.KindMaxContainersReached,
			"container cap reached (%d)", p.opts.MaxContainers)
	}
	placeholderID := p.insertPlaceholderLocked(ctx)
	p.mu.Unlock()
	p.notifyChange()

	return p.warmAndReady(ctx, placeholderID, "")
}

// DeleteAll marks every container Destroying and removes them in parallel.
func (p *Pool) DeleteAll(ctx context.Context) error {
	p.mu.Lock()
	all, err := p.containers.GetAll(ctx)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	for i := range all {
		all[i].Status = core.ContainerDestroying
		if err := p.containers.Save(ctx, &all[i]); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()
	p.notifyChange()

	var wg sync.WaitGroup
	errs := make(chan error, len(all))
	for _, c := range all {
		wg.Add(1)
		go func(containerID string) {
			defer wg.Done()
			// Warming placeholders and already-gone containers have no
			// engine side to remove.
			err := p.engine.Remove(ctx, containerID)
			if err != nil && !core.IsKind(err, core.KindContainerNotFound) {
				p.log.Error("failed to remove container", "container_id", shortID(containerID), "error", err)
				errs <- err
				return
			}
			_ = p.containers.Delete(ctx, containerID)
		}(c.ContainerID)
	}
	wg.Wait()
	close(errs)
	p.notifyChange()

	for err := range errs {
		return err
	}
	return nil
}

// GetAll returns a snapshot of every container record.
func (p *Pool) GetAll(ctx context.Context) ([]core.Container, error) {
	return p.containers.GetAll(ctx)
}

// Counts returns the per-state tallies.
func (p *Pool) Counts(ctx context.Context) (store.ContainerCounts, error) {
	return p.containers.CountByStatus(ctx)
}

// ScheduleReplenish starts a background pass that tops the warm reserve up
// to the configured target. Overlapping passes are safe; each one re-reads
// state under the lock and placeholders reserve capacity.
func (p *Pool) ScheduleReplenish() {
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		p.replenish()
	}()
}

func (p *Pool) replenish() {
	ctx := p.rootCtx
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	counts, err := p.containers.CountByStatus(ctx)
	if err != nil {
		p.mu.Unlock()
		p.log.Error("replenish count failed", "error", err)
		return
	}

	needed := p.opts.PrewarmCount - (counts.Idle + counts.Warming)
	if room := p.opts.MaxContainers - counts.Active(); room < needed {
		needed = room
	}
	if needed <= 0 {
		p.mu.Unlock()
		return
	}

	placeholders := make([]string, 0, needed)
	for i := 0; i < needed; i++ {
		placeholders = append(placeholders, p.insertPlaceholderLocked(ctx))
	}
	p.mu.Unlock()
	p.notifyChange()

	var wg sync.WaitGroup
	for _, ph := range placeholders {
		wg.Add(1)
		go func(placeholderID string) {
			defer wg.Done()
			taskCtx, cancel := context.WithTimeout(ctx, replenishTaskTimeout)
			defer cancel()
			if _, err := p.warmAndReady(taskCtx, placeholderID, ""); err != nil {
				p.log.Error("replenish warm task failed", "error", err)
			}
		}(ph)
	}
	wg.Wait()
}

// warmAndReady turns reserved capacity into a ready container: create,
// wait for the engine to report it running, verify exec works, then swap
// the placeholder for the real record. The placeholder must already be in
// storage. When sessionID is set the record is inserted Busy and bound,
// otherwise Idle.
func (p *Pool) warmAndReady(ctx context.Context, placeholderID, sessionID string) (*core.Container, error) {
	created, err := p.engine.CreateManaged(ctx, sessionID)
	if err != nil {
		p.dropPlaceholder(placeholderID)
		return nil, err
	}

	running, err := p.waitRunning(ctx, created.ContainerID)
	if err != nil {
		p.dropPlaceholder(placeholderID)
		p.removeQuietly(created.ContainerID)
		return nil, err
	}

	res, err := p.engine.Exec(ctx, created.ContainerID, core.ExecSpec{
		Command: "echo ready",
		Timeout: p.opts.ReadyTimeout,
	})
	if err != nil {
		p.dropPlaceholder(placeholderID)
		p.removeQuietly(created.ContainerID)
		return nil, fmt.Errorf("readiness check failed for %s: %w", shortID(created.ContainerID), err)
	}
	if res.ExitCode != 0 {
		p.dropPlaceholder(placeholderID)
		p.removeQuietly(created.ContainerID)
		return nil, fmt.Errorf("readiness check for %s exited %d", shortID(created.ContainerID), res.ExitCode)
	}

	rec := *running
	rec.SessionID = sessionID
	if sessionID != "" {
		rec.Status = core.ContainerBusy
	} else {
		rec.Status = core.ContainerIdle
	}
	if rec.StartedAt == nil {
		now := time.Now()
		rec.StartedAt = &now
	}

	p.mu.Lock()
	_ = p.containers.Delete(ctx, placeholderID)
	if err := p.containers.Save(ctx, &rec); err != nil {
		p.mu.Unlock()
		p.removeQuietly(rec.ContainerID)
		return nil, err
	}
	p.mu.Unlock()
	p.notifyChange()

	p.log.Info("container ready",
		"container_id", shortID(rec.ContainerID),
		"name", rec.Name,
		"status", rec.Status)
	return &rec, nil
}

// waitRunning polls the engine until the container reports running, up to
// the warm timeout.
func (p *Pool) waitRunning(ctx context.Context, containerID string) (*core.Container, error) {
	deadline := time.Now().Add(p.opts.WarmTimeout)
	ticker := time.NewTicker(p.opts.WarmPollInterval)
	defer ticker.Stop()

	for {
		rec, err := p.engine.Inspect(ctx, containerID)
		if err != nil {
			return nil, err
		}
		if rec.EngineStatus == "running" {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("container %s not running after %s (status %s)",
				shortID(containerID), p.opts.WarmTimeout, rec.EngineStatus)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// insertPlaceholderLocked reserves one unit of capacity. Caller holds mu.
func (p *Pool) insertPlaceholderLocked(ctx context.Context) string {
	id := "warming-" + uuid.NewString()[:8]
	_ = p.containers.Save(ctx, &core.Container{
		ContainerID: id,
		Name:        id,
		Status:      core.ContainerWarming,
		CreatedAt:   time.Now(),
	})
	return id
}

func (p *Pool) dropPlaceholder(placeholderID string) {
	p.mu.Lock()
	_ = p.containers.Delete(context.Background(), placeholderID)
	p.mu.Unlock()
	p.notifyChange()
}

// removeQuietly cleans up a container that failed to warm.
func (p *Pool) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.engine.Remove(ctx, containerID); err != nil {
		p.log.Warn("cleanup of failed container failed", "container_id", shortID(containerID), "error", err)
	}
}

func (p *Pool) notifyChange() {
	if p.onChange != nil {
		p.onChange()
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Package runner queues batch runs, executes them on a bounded worker pool and
// records their state in the run store.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/soma-tiles/rma/internal/expr"
	"github.com/soma-tiles/rma/internal/logging"
	"github.com/soma-tiles/rma/internal/store"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("runner: manager stopped")

// Config contains configuration for the run manager.
type Config struct {
	MaxConcurrent int
	RetentionDays int
	CleanupPeriod time.Duration
	QueueSize     int
	// ProgressInterval throttles progress writes within a phase.
	ProgressInterval time.Duration
	// Reuse returns a matching completed run instead of queueing a new one.
	Reuse bool
}

// ProgressFunc reports progress of a running batch.
type ProgressFunc func(phase string, done, total int)

// Executor computes the expression table of a run.
type Executor func(ctx context.Context, run *store.Run, progress ProgressFunc) (*expr.Table, error)

// Observer is told about every finished run.
type Observer interface {
	RunFinished(status string)
}

// Manager manages batch runs with SQLite persistence.
type Manager struct {
	cfg      Config
	store    *store.Store
	exec     Executor
	log      logrus.FieldLogger
	observer Observer

	queue    chan string
	running  map[string]context.CancelFunc
	done     map[string]chan struct{}
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a run manager over st. The caller owns st.
func NewManager(cfg Config, st *store.Store, exec Executor, log logrus.FieldLogger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		exec:    exec,
		log:     log,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// SetObserver registers o for run completions.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// Store returns the underlying run store.
func (m *Manager) Store() *store.Store { return m.store }

// Start recovers state left by a previous process and starts the workers and
// the retention cleaner. Runs left running are marked failed; queued runs are
// queued again.
func (m *Manager) Start() {
	if n, err := m.store.MarkRunningAsFailed("interrupted by restart"); err != nil {
		m.log.WithError(err).Error("failed to mark running runs as failed")
	} else if n > 0 {
		m.log.WithField("runs", n).Warn("marked interrupted runs as failed")
	}

	queued, err := m.store.ListQueuedRuns()
	if err != nil {
		m.log.WithError(err).Error("failed to list queued runs")
	}
	for _, run := range queued {
		m.enqueue(run.ID)
	}

	for i := 0; i < m.cfg.MaxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	go m.cleaner()
}

// Stop waits for queued and running runs to finish and stops the workers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.stopCh)
		close(m.queue)
		m.wg.Wait()
	})
}

// Submit records a new run and queues it. With reuse enabled, a completed
// run with identical parameters is returned instead.
func (m *Manager) Submit(params store.RunParams) (*store.Run, error) {
	if m.cfg.Reuse {
		prev, err := m.store.LatestCompletedRun(params.Batch, params.Hash())
		if err != nil {
			return nil, err
		}
		if prev != nil {
			m.log.WithFields(logrus.Fields{"run_id": prev.ID, "batch": prev.Batch}).Info("reusing completed run")
			return prev, nil
		}
	}

	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		Batch:     params.Batch,
		Status:    store.RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateRun(run); err != nil {
		return nil, err
	}
	m.enqueue(run.ID)
	return run, nil
}

func (m *Manager) enqueue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, ok := m.done[id]; !ok {
		m.done[id] = make(chan struct{})
	}
	select {
	case m.queue <- id:
		m.log.WithField("run_id", id).Debug("run queued")
	default:
		m.log.WithField("run_id", id).Error("run queue is full")
		m.store.UpdateRunStatus(id, store.RunStatusFailed, "run queue is full; try again later")
		m.finishLocked(id)
	}
}

// finishLocked releases waiters of id. m.mu must be held.
func (m *Manager) finishLocked(id string) {
	if ch, ok := m.done[id]; ok {
		close(ch)
		delete(m.done, id)
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for id := range m.queue {
		m.runOne(id)
	}
}

func (m *Manager) runOne(id string) {
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.finishLocked(id)
		m.mu.Unlock()
	}()

	run, err := m.store.GetRun(id)
	if err != nil || run == nil {
		m.log.WithField("run_id", id).WithError(err).Error("queued run not found")
		return
	}
	if run.Status != store.RunStatusQueued {
		// Cancelled while waiting.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()

	log := m.log.WithFields(logging.BatchFields(id, run.Batch, run.Params.Design, len(run.Params.Arrays)))
	started, err := m.store.UpdateRunStarted(id)
	if err != nil {
		log.WithError(err).Error("failed to mark run as started")
		return
	}
	if !started {
		log.Info("run cancelled before start")
		return
	}
	log.Info("run started")
	start := time.Now()

	var table *expr.Table
	var execErr error
	if m.exec != nil {
		table, execErr = m.exec(ctx, run, m.progressWriter(id))
	}
	if execErr == nil && table != nil {
		execErr = m.store.InsertExpressions(id, table)
	}

	status, msg := store.RunStatusCompleted, ""
	switch {
	case errors.Is(execErr, context.Canceled) || ctx.Err() != nil:
		status, msg = store.RunStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = store.RunStatusFailed, execErr.Error()
	}
	if err := m.store.UpdateRunStatus(id, status, msg); err != nil {
		log.WithError(err).Error("failed to record run status")
	}

	entry := log.WithFields(logrus.Fields{"status": status, "elapsed_ms": time.Since(start).Milliseconds()})
	if execErr != nil {
		entry.WithError(execErr).Error("run finished")
	} else {
		entry.Info("run finished")
	}
	if m.observer != nil {
		m.observer.RunFinished(string(status))
	}
}

// progressWriter persists progress at phase boundaries, at phase completion
// and otherwise at most once per ProgressInterval.
func (m *Manager) progressWriter(id string) ProgressFunc {
	var lastPhase string
	var last time.Time
	return func(phase string, done, total int) {
		now := time.Now()
		if phase == lastPhase && done < total && now.Sub(last) < m.cfg.ProgressInterval {
			return
		}
		lastPhase, last = phase, now
		if err := m.store.UpdateRunProgress(id, phase, done, total); err != nil {
			m.log.WithField("run_id", id).WithError(err).Warn("failed to record progress")
		}
	}
}

func (m *Manager) cleaner() {
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	deleted, err := m.store.DeleteExpiredRuns(m.cfg.RetentionDays)
	if err != nil {
		m.log.WithError(err).Error("cleanup failed")
	} else if deleted > 0 {
		m.log.WithField("runs", deleted).Info("cleaned up expired runs")
	}
}

// Get returns a run by ID, or nil.
func (m *Manager) Get(id string) *store.Run {
	run, err := m.store.GetRun(id)
	if err != nil {
		m.log.WithField("run_id", id).WithError(err).Error("failed to get run")
		return nil
	}
	return run
}

// Wait blocks until run id has finished or ctx is done and returns its final
// state.
func (m *Manager) Wait(ctx context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	ch, ok := m.done[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.store.GetRun(id)
}

// Cancel cancels a running run or a run still in the queue. Batches observe
// cancellation between phases.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
		return true
	}

	cancelled, err := m.store.CancelQueuedRun(id, "cancelled before start")
	if err != nil {
		return false
	}
	if !cancelled {
		// A worker may have started the run since the first check.
		m.mu.Lock()
		cancel, ok = m.running[id]
		m.mu.Unlock()
		if ok {
			cancel()
		}
		return ok
	}
	m.mu.Lock()
	m.finishLocked(id)
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.RunFinished(string(store.RunStatusCancelled))
	}
	return true
}

// Delete deletes a run and its results.
func (m *Manager) Delete(id string) error {
	return m.store.DeleteRun(id)
}

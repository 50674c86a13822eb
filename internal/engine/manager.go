// Package engine implements the task-execution core: the manager facade,
// the run-at ordered pending queue, the bounded worker pool hosting one
// runner per task, batching against the driver contract, and startup
// recovery.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/clock"
	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/sessions"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
	"github.com/scoutflow/scoutflow/internal/worker"

	"github.com/scoutflow/scoutflow/internal/events/bus"
	"github.com/scoutflow/scoutflow/internal/export"
)

const (
	// waitTick bounds one sleep in the run-at wait loop; run-at changes and
	// cancellation are observed at least this often.
	waitTick = 5 * time.Second

	// watcherJoinTimeout bounds how long finalize waits for the deadline
	// watcher to exit.
	watcherJoinTimeout = 500 * time.Millisecond

	// publishTimeout bounds one event-bus publish.
	publishTimeout = 2 * time.Second
)

// taskState is the live, in-memory side of one task: the record plus the
// control flags that never persist across restarts. Everything in here is
// guarded by the manager mutex except the latch, which is its own
// synchronization primitive.
type taskState struct {
	task  *models.Task
	latch *Latch

	cancelRequested  bool
	forceTerminated  bool
	checkpointPassed bool
	waitLogEmitted   bool
	deadlineHit      bool

	// cancelMessage is set once by whichever canceller trips the latch
	// first and becomes the record message when the task lands cancelled.
	cancelMessage string
}

// Manager owns the task map and every runner routine. It is the single
// write path for task records; pools and stores are collaborators.
type Manager struct {
	cfg      config.SchedulerConfig
	loc      *time.Location
	store    store.Store
	accounts *accounts.Pool
	sessions *sessions.Pool
	factory  worker.Factory
	eventBus bus.EventBus
	exporter *export.Writer
	clock    clock.Clock
	logger   *logger.Logger

	mu      sync.Mutex
	tasks   map[string]*taskState
	nextID  int
	started bool
	stopped bool

	queue  *pendingQueue
	pool   *workerPool
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewManager wires the engine together. The clock defaults to wall time;
// the exporter and event bus may be nil.
func NewManager(
	cfg config.SchedulerConfig,
	st store.Store,
	accts *accounts.Pool,
	sessPool *sessions.Pool,
	factory worker.Factory,
	eventBus bus.EventBus,
	exporter *export.Writer,
	clk clock.Clock,
	log *logger.Logger,
) (*Manager, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", cfg.TimeZone, err)
	}
	if clk == nil {
		clk = clock.NewReal()
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if n := accts.EnabledCount(); workers < n {
		workers = n
	}

	m := &Manager{
		cfg:      cfg,
		loc:      loc,
		store:    st,
		accounts: accts,
		sessions: sessPool,
		factory:  factory,
		eventBus: eventBus,
		exporter: exporter,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "task-manager")),
		tasks:    make(map[string]*taskState),
		queue:    newPendingQueue(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	m.pool = newWorkerPool(workers, m.logger)
	return m, nil
}

// Start seeds id generation, runs startup recovery, and brings up the
// dispatcher and worker slots. It must complete before the manager serves
// traffic, so nothing races recovery.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	seed, err := m.store.MaxNumericID(ctx)
	if err != nil {
		return fmt.Errorf("seed task id counter: %w", err)
	}
	m.mu.Lock()
	m.nextID = seed
	m.mu.Unlock()

	if err := m.recoverTasks(ctx); err != nil {
		return err
	}

	m.pool.start()
	m.wg.Add(1)
	go m.dispatchLoop()

	m.logger.Info("task manager started",
		zap.Int("workers", m.pool.size),
		zap.String("task_root", m.cfg.TaskRoot),
		zap.String("time_zone", m.cfg.TimeZone))
	return nil
}

// recoverTasks implements the two-step startup recovery: every task a
// previous process left started but unfinished is cancelled, then pending
// snapshots are re-read and re-enqueued. Nothing silently resumes.
func (m *Manager) recoverTasks(ctx context.Context) error {
	n, err := m.store.MarkIncompleteCancelled(ctx, "cancelled on startup")
	if err != nil {
		return fmt.Errorf("recovery: mark incomplete tasks: %w", err)
	}
	if n > 0 {
		m.logger.Info("cancelled tasks left over from a previous run", zap.Int("count", n))
	}

	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("recovery: list pending tasks: %w", err)
	}

	m.mu.Lock()
	for _, t := range pending {
		st := &taskState{task: t, latch: NewLatch()}
		m.tasks[t.TaskID] = st
		m.queue.Push(t.TaskID, t.EffectiveRunAt())
	}
	m.mu.Unlock()

	if len(pending) > 0 {
		m.logger.Info("re-enqueued pending tasks from store", zap.Int("count", len(pending)))
	}
	return nil
}

// Shutdown stops intake, cancels running tasks, and waits for the runners
// to unwind. Tasks still waiting for their run-at are left pending in the
// store so the next process re-enqueues them. ctx bounds the graceful
// wait; on expiry driver contexts are cancelled hard.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	for _, st := range m.tasks {
		switch st.task.Status {
		case models.StatusRunning, models.StatusToBeCancel:
			if st.cancelMessage == "" {
				st.cancelMessage = "cancelled on shutdown"
			}
			st.cancelRequested = true
			st.latch.Trip()
		}
	}
	m.mu.Unlock()

	m.pool.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.pool.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("graceful shutdown expired, cancelling driver contexts")
		if m.runCancel != nil {
			m.runCancel()
		}
		<-done
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.logger.Info("task manager stopped")
}

// dispatchLoop feeds queued tasks to the worker pool, soonest run-at
// first. The runner does the actual waiting; the queue order only decides
// who gets a slot when the pool is contended.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		id, ok := m.queue.Pop()
		if !ok {
			select {
			case <-m.stopCh:
				return
			case <-m.wake:
				continue
			}
		}

		st := m.taskState(id)
		if st == nil {
			// Cancelled and reaped while queued.
			continue
		}
		if !m.pool.submit(func() { m.runTask(m.runCtx, st) }) {
			return
		}
	}
}

func (m *Manager) taskState(id string) *taskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// persistLocked writes the task snapshot through to the store. Persistence
// errors are logged and swallowed; the next successful write overwrites.
// Callers hold the manager mutex.
func (m *Manager) persistLocked(ctx context.Context, st *taskState) {
	if err := m.store.Upsert(context.WithoutCancel(ctx), st.task.Clone()); err != nil {
		m.logger.Error("persist task snapshot",
			zap.String("task_id", st.task.TaskID),
			zap.Error(err))
	}
}

// QueueDepth reports how many tasks are waiting for a worker slot.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

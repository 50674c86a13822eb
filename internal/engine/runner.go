package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/events"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/worker"
)

// runTask is the per-task scheduler loop. It owns the task from dispatch
// to terminal state: the run-at wait, the about-to-run checkpoint, the
// running transition, the deadline watcher, account and session borrowing,
// the batch loop and finalize.
func (m *Manager) runTask(ctx context.Context, st *taskState) {
	id := st.task.TaskID
	log := m.logger.WithTaskID(id)
	defer m.reap(st)

	if !m.waitForStart(ctx, st, log) {
		return
	}
	if !m.passCheckpoint(ctx, st) {
		return
	}
	if !m.enterRunning(ctx, st, log) {
		// A cancel slipped in between the checkpoint and here.
		m.finalizeRun(ctx, st, log, runAggregate{cancelled: true}, nil, nil, nil)
		return
	}

	w := m.startWatcher(st, log)

	acct := m.acquireAccount(st, log)
	if acct == nil {
		m.finalizeRun(ctx, st, log, runAggregate{message: "no account available"}, nil, nil, w)
		return
	}

	m.mu.Lock()
	region := st.task.Region
	m.mu.Unlock()

	sess, err := m.acquireSession(ctx, st, region, acct.Name)
	if err != nil {
		agg := runAggregate{message: fmt.Sprintf("no session available: %v", err)}
		if st.latch.Tripped() {
			agg.cancelled = true
		}
		m.finalizeRun(ctx, st, log, agg, acct, nil, w)
		return
	}

	agg, sess := m.runBatches(ctx, st, log, acct, sess)
	m.finalizeRun(ctx, st, log, agg, acct, sess, w)
}

// reap drops the live entry once the runner is done with the task. From
// here on the store row carries the state.
func (m *Manager) reap(st *taskState) {
	m.mu.Lock()
	delete(m.tasks, st.task.TaskID)
	m.mu.Unlock()
}

// waitForStart blocks until the task's run-at time, re-reading the record
// every tick so updates move the wake-up. It returns false when the task
// was cancelled or the manager is shutting down.
func (m *Manager) waitForStart(ctx context.Context, st *taskState, log *logger.Logger) bool {
	for {
		m.mu.Lock()
		t := st.task
		if t.Status.IsTerminal() {
			m.mu.Unlock()
			return false
		}
		remaining := t.EffectiveRunAt().Sub(m.clock.Now())
		if remaining <= 0 {
			m.mu.Unlock()
			return true
		}
		first := !st.waitLogEmitted
		st.waitLogEmitted = true
		runAtRaw := t.RunAtRaw
		m.mu.Unlock()

		if first {
			log.Info("waiting for scheduled start",
				zap.String("run_at_time", runAtRaw),
				zap.Duration("remaining", remaining))
		} else {
			log.Debug("still waiting for scheduled start",
				zap.Duration("remaining", remaining))
		}

		d := remaining
		if d > waitTick {
			d = waitTick
		}
		select {
		case <-st.latch.C():
			m.cancelBeforeStart(ctx, st)
			return false
		case <-m.stopCh:
			// Shutdown while pending: leave the stored row pending so the
			// next process re-enqueues it.
			return false
		case <-ctx.Done():
			m.cancelBeforeStart(ctx, st)
			return false
		case <-m.clock.After(d):
		}
	}
}

// cancelBeforeStart finalizes a task the latch caught before the running
// transition. Cancel usually already persisted the terminal state; this
// covers trips from other sources.
func (m *Manager) cancelBeforeStart(ctx context.Context, st *taskState) {
	m.mu.Lock()
	if st.task.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now().UTC()
	st.task.Status = models.StatusCancelled
	st.task.FinishedAt = &now
	if st.cancelMessage == "" {
		st.cancelMessage = "cancelled"
	}
	st.task.Message = st.cancelMessage
	m.persistLocked(ctx, st)
	data := stateEventData(st.task)
	m.mu.Unlock()

	m.publish(events.TaskStateChanged, events.TaskStateChanged, data)
}

// passCheckpoint is the about-to-run commit point. After it returns true,
// Cancel treats the task as running and unwinds through the driver.
func (m *Manager) passCheckpoint(ctx context.Context, st *taskState) bool {
	m.mu.Lock()
	if st.task.Status.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	if st.latch.Tripped() || st.cancelRequested {
		m.mu.Unlock()
		m.cancelBeforeStart(ctx, st)
		return false
	}
	st.checkpointPassed = true
	var data map[string]interface{}
	if st.task.Status == models.StatusPending {
		st.task.Status = models.StatusToBeRun
		m.persistLocked(ctx, st)
		data = stateEventData(st.task)
	}
	m.mu.Unlock()

	if data != nil {
		m.publish(events.TaskStateChanged, events.TaskStateChanged, data)
	}
	return true
}

// enterRunning flips the record to running and resets the progress
// counters. It returns false when a cancel arrived after the checkpoint.
func (m *Manager) enterRunning(ctx context.Context, st *taskState, log *logger.Logger) bool {
	m.mu.Lock()
	if st.latch.Tripped() {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now().UTC()
	st.task.Status = models.StatusRunning
	st.task.StartedAt = &now
	st.task.NewCreators = 0
	m.persistLocked(ctx, st)
	data := stateEventData(st.task)
	taskDir := st.task.TaskDir
	m.mu.Unlock()

	if taskDir != "" {
		if err := os.MkdirAll(taskDir, 0o755); err != nil {
			log.Warn("could not create task dir",
				zap.String("task_dir", taskDir),
				zap.Error(err))
		}
	}
	m.publish(events.TaskStateChanged, events.TaskStateChanged, data)
	log.Info("task running")
	return true
}

// deadlineWatcher trips the task latch when run_end_time passes mid-run.
type deadlineWatcher struct {
	stop chan struct{}
	done chan struct{}
}

// startWatcher spawns the deadline watcher, or returns nil when the task
// has no run-end time. The watcher polls with exponential easing: sleeps
// shrink as the deadline approaches, clamped to [1s, 30s].
func (m *Manager) startWatcher(st *taskState, log *logger.Logger) *deadlineWatcher {
	m.mu.Lock()
	runEnd := st.task.RunEnd
	raw := st.task.RunEndRaw
	m.mu.Unlock()
	if runEnd == nil {
		return nil
	}
	end := *runEnd

	w := &deadlineWatcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for {
			remaining := end.Sub(m.clock.Now())
			if remaining <= 0 {
				m.mu.Lock()
				if !st.deadlineHit {
					st.deadlineHit = true
					if st.cancelMessage == "" {
						st.cancelMessage = fmt.Sprintf("run_end_time %s reached", raw)
					}
					st.task.Message = st.cancelMessage
				}
				m.mu.Unlock()
				st.latch.Trip()
				log.Info("run deadline reached, cancelling",
					zap.String("run_end_time", raw))
				return
			}

			d := remaining / 5
			if d < time.Second {
				d = time.Second
			}
			if d > 30*time.Second {
				d = 30 * time.Second
			}
			select {
			case <-w.stop:
				return
			case <-st.latch.C():
				return
			case <-m.clock.After(d):
			}
		}
	}()
	return w
}

// joinWatcher stops the watcher and waits for it briefly. The runner never
// blocks on a stuck watcher.
func (m *Manager) joinWatcher(w *deadlineWatcher) {
	if w == nil {
		return
	}
	close(w.stop)
	select {
	case <-w.done:
	case <-m.clock.After(watcherJoinTimeout):
	}
}

// acquireAccount borrows a credential: region-matched first, then any
// enabled. A nil return means the run cannot proceed.
func (m *Manager) acquireAccount(st *taskState, log *logger.Logger) *accounts.Account {
	m.mu.Lock()
	id := st.task.TaskID
	region := st.task.Region
	m.mu.Unlock()

	acct, err := m.accounts.AcquireByRegion(id, region)
	if err != nil {
		log.Warn("no account in region, trying any enabled",
			zap.String("region", region))
		acct, err = m.accounts.Acquire(id)
	}
	if err != nil {
		log.Error("no account available", zap.String("region", region))
		return nil
	}

	m.mu.Lock()
	st.task.AccountName = acct.Name
	st.task.AccountEmail = acct.LoginEmail
	m.persistLocked(context.Background(), st)
	m.mu.Unlock()

	log.Info("account acquired",
		zap.String("account", acct.Name),
		zap.String("account_region", acct.Region))
	return acct
}

// acquireSession borrows a session, unblocking early when the task latch
// trips so a cancelled task never waits out a saturated pool.
func (m *Manager) acquireSession(ctx context.Context, st *taskState, region, accountName string) (worker.Session, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-st.latch.C():
			cancel()
		case <-actx.Done():
		}
	}()
	return m.sessions.Acquire(actx, region, accountName)
}

// finalizeRun merges the aggregate into the record, resolves the final
// status, persists, releases borrowed resources, joins the watcher and
// appends the export row.
func (m *Manager) finalizeRun(
	ctx context.Context,
	st *taskState,
	log *logger.Logger,
	agg runAggregate,
	acct *accounts.Account,
	sess worker.Session,
	w *deadlineWatcher,
) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	t := st.task
	entryStatus := t.Status
	t.NewCreators = agg.newCreators
	t.TotalCreators = agg.scanned
	if agg.latestSubject != "" {
		t.LatestSubject = agg.latestSubject
	}
	t.MergeOutputFiles(agg.outputFiles)
	if agg.logPath != "" {
		t.LogPath = agg.logPath
	}

	// A cancel that arrived after the driver's final return is respected
	// only when forced or deadline-driven; the reported result stands.
	cancelled := st.forceTerminated || st.deadlineHit || agg.cancelled

	var final models.Status
	var message string
	switch {
	case cancelled:
		final = models.StatusCancelled
		message = st.cancelMessage
		if message == "" {
			message = "cancelled"
		}
	case agg.success:
		final = models.StatusCompleted
		message = agg.message
		if message == "" {
			message = "completed"
		}
	default:
		final = models.StatusFailed
		message = agg.message
		if message == "" {
			message = "failed"
		}
	}

	// Safety net: a run that silently overran the per-task budget is a
	// failure even if the driver claims success. Deadline enforcement
	// proper is the watcher's job.
	if final != models.StatusCancelled && entryStatus == models.StatusRunning && t.StartedAt != nil {
		if timeout := m.cfg.TaskTimeout(); timeout > 0 && now.Sub(*t.StartedAt) > timeout {
			final = models.StatusFailed
			message = fmt.Sprintf("run exceeded the %s task timeout", timeout)
		}
	}

	t.Status = final
	t.FinishedAt = &now
	t.Message = message
	m.persistLocked(ctx, st)
	stateData := stateEventData(t)
	finishData := finishEventData(t, now)
	snapshot := t.Clone()
	m.mu.Unlock()

	m.publish(events.TaskStateChanged, events.TaskStateChanged, stateData)
	m.publish(events.TaskFinished, events.TaskFinished, finishData)

	if sess != nil {
		m.sessions.Release(sess)
	}
	if acct != nil {
		m.accounts.Release(acct.Name, snapshot.TaskID)
	}
	m.joinWatcher(w)

	if m.exporter != nil && snapshot.StartedAt != nil {
		if err := m.exporter.Append(snapshot, now); err != nil {
			log.Warn("export row failed", zap.Error(err))
		}
	}

	log.Info("task finished",
		zap.String("status", string(final)),
		zap.Int("new_creators", snapshot.NewCreators),
		zap.Int("total_creators", snapshot.TotalCreators),
		zap.Int("batches", agg.batches),
		zap.String("message", message))
}

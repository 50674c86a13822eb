package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/stringutil"
	"github.com/scoutflow/scoutflow/internal/events"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
)

// Submit validates the payload, allocates an id, persists the initial
// snapshot and enqueues a runner. It returns the task id.
func (m *Manager) Submit(ctx context.Context, payload map[string]interface{}, createdBy string) (string, error) {
	st, err := m.create(ctx, payload, createdBy)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	id := st.task.TaskID
	runAt := st.task.EffectiveRunAt()
	brand := st.task.BrandName
	region := st.task.Region
	m.mu.Unlock()

	m.queue.Push(id, runAt)
	m.signalWake()

	m.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("brand", brand),
		zap.String("region", region),
		zap.String("created_by", createdBy))
	return id, nil
}

// RunInline creates a task and runs it to completion on the caller's
// goroutine, bypassing the queue. The consumer uses it so one message maps
// to one finished run; started receives the task id before the run begins
// so a cancel bridge can target it.
func (m *Manager) RunInline(ctx context.Context, payload map[string]interface{}, createdBy string, started func(taskID string)) (*models.Task, error) {
	st, err := m.create(ctx, payload, createdBy)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	id := st.task.TaskID
	m.mu.Unlock()

	if started != nil {
		started(id)
	}
	m.runTask(ctx, st)
	return m.Get(ctx, id)
}

// create builds the record, assigns the id, persists and announces it.
func (m *Manager) create(ctx context.Context, payload map[string]interface{}, createdBy string) (*taskState, error) {
	t, err := models.ParseCreate(payload, m.loc)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	t.CreatedBy = createdBy
	t.Status = models.StatusPending
	t.SubmittedAt = now
	// A run-at already in the past means "run immediately".
	if t.RunAt != nil && !t.RunAt.After(now) {
		t.ClearRunAt()
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if err := m.assignIDLocked(ctx, t); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t.TaskDir = models.TaskDirFor(m.cfg.TaskRoot, t.BrandName, t.TaskName, t.TaskID)
	st := &taskState{task: t, latch: NewLatch()}
	m.tasks[t.TaskID] = st
	m.persistLocked(ctx, st)
	data := taskEventData(t)
	m.mu.Unlock()

	m.publish(events.TaskCreated, events.TaskCreated, data)
	return st, nil
}

// assignIDLocked validates a caller-supplied id or generates the next
// zero-padded decimal one. Generation skips ids a caller claimed earlier.
func (m *Manager) assignIDLocked(ctx context.Context, t *models.Task) error {
	if t.TaskID != "" {
		if m.existsLocked(ctx, t.TaskID) {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.TaskID)
		}
		return nil
	}
	for {
		m.nextID++
		id := stringutil.PadTaskID(int64(m.nextID))
		if m.existsLocked(ctx, id) {
			continue
		}
		t.TaskID = id
		if t.Payload != nil {
			t.Payload["task_id"] = id
		}
		return nil
	}
}

func (m *Manager) existsLocked(ctx context.Context, id string) bool {
	if _, ok := m.tasks[id]; ok {
		return true
	}
	_, err := m.store.Get(ctx, id)
	return err == nil
}

// Update overlays a partial payload onto a pending task. Nested records
// replace whole; a resulting task_dir change renames the directory on
// disk and fails on collision before any state mutates.
func (m *Manager) Update(ctx context.Context, taskID string, patch map[string]interface{}) error {
	m.mu.Lock()
	st, err := m.pendingStateLocked(ctx, taskID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	updated := st.task.Clone()
	if err := models.ApplyUpdate(updated, patch, m.loc); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.relocateLocked(st.task, updated); err != nil {
		m.mu.Unlock()
		return err
	}

	st.task = updated
	m.persistLocked(ctx, st)
	m.queue.Update(taskID, updated.EffectiveRunAt())
	data := taskEventData(updated)
	m.mu.Unlock()

	m.publish(events.TaskUpdated, events.TaskUpdated, data)
	m.logger.Info("task updated", zap.String("task_id", taskID))
	return nil
}

// Rename adjusts only the task name and the directory derived from it.
func (m *Manager) Rename(ctx context.Context, taskID, newName string) error {
	m.mu.Lock()
	st, err := m.pendingStateLocked(ctx, taskID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	updated := st.task.Clone()
	if err := updated.Rename(newName); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.relocateLocked(st.task, updated); err != nil {
		m.mu.Unlock()
		return err
	}

	st.task = updated
	m.persistLocked(ctx, st)
	data := taskEventData(updated)
	m.mu.Unlock()

	m.publish(events.TaskUpdated, events.TaskUpdated, data)
	m.logger.Info("task renamed",
		zap.String("task_id", taskID),
		zap.String("task_name", newName))
	return nil
}

// RunNow collapses a pending task's wait: run-at becomes now and the
// status flips to to-be-run. The runner picks the change up within one
// wait tick.
func (m *Manager) RunNow(ctx context.Context, taskID string) error {
	m.mu.Lock()
	st, err := m.pendingStateLocked(ctx, taskID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clock.Now()
	at := now.UTC()
	st.task.RunAt = &at
	st.task.RunAtRaw = now.In(m.loc).Format("2006-01-02 15:04:05")
	if st.task.Payload != nil {
		st.task.Payload["run_at_time"] = st.task.RunAtRaw
	}
	st.task.Status = models.StatusToBeRun
	m.persistLocked(ctx, st)
	m.queue.Update(taskID, at)
	data := stateEventData(st.task)
	m.mu.Unlock()

	m.publish(events.TaskStateChanged, events.TaskStateChanged, data)
	m.logger.Info("task forced to run now", zap.String("task_id", taskID))
	return nil
}

// Cancel requests cancellation. Before the runner commits to starting the
// task lands terminal cancelled immediately; a running task flips to
// to-be-cancel and unwinds through the driver. Terminal tasks return
// false.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	return m.cancel(ctx, taskID, false)
}

// ForceCancel cancels like Cancel but promotes the final status to
// cancelled even over a successful driver result.
func (m *Manager) ForceCancel(ctx context.Context, taskID string) (bool, error) {
	return m.cancel(ctx, taskID, true)
}

func (m *Manager) cancel(ctx context.Context, taskID string, force bool) (bool, error) {
	m.mu.Lock()
	st, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		// Only terminal rows live solely in the store.
		if _, err := m.store.Get(ctx, taskID); err != nil {
			return false, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
		}
		return false, nil
	}
	if st.task.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}

	st.cancelRequested = true
	if force {
		st.forceTerminated = true
	}
	if st.cancelMessage == "" {
		if force {
			st.cancelMessage = "force cancelled"
		} else {
			st.cancelMessage = "cancelled"
		}
	}
	st.latch.Trip()

	if !st.checkpointPassed {
		// The runner has not committed to starting; cancel wins outright.
		now := m.clock.Now().UTC()
		st.task.Status = models.StatusCancelled
		st.task.FinishedAt = &now
		st.task.Message = st.cancelMessage
		m.persistLocked(ctx, st)
		if m.queue.Remove(taskID) {
			// Never dispatched, so no runner will reap it.
			delete(m.tasks, taskID)
		}
	} else {
		st.task.Status = models.StatusToBeCancel
		st.task.Message = "cancel requested"
		m.persistLocked(ctx, st)
	}
	data := stateEventData(st.task)
	m.mu.Unlock()

	m.publish(events.TaskStateChanged, events.TaskStateChanged, data)
	m.logger.Info("task cancel requested",
		zap.String("task_id", taskID),
		zap.Bool("force", force))
	return true, nil
}

// Get returns a snapshot of the task, live record first, store second.
func (m *Manager) Get(ctx context.Context, taskID string) (*models.Task, error) {
	m.mu.Lock()
	if st, ok := m.tasks[taskID]; ok {
		t := st.task.Clone()
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()
	return m.store.Get(ctx, taskID)
}

// List returns one page of tasks plus the total match count. Live records
// overlay their store rows so mid-run progress is visible without waiting
// for the next batch-boundary persist.
func (m *Manager) List(ctx context.Context, opts store.ListOptions) ([]*models.Task, int, error) {
	items, total, err := m.store.List(ctx, opts)
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	for i, t := range items {
		if st, ok := m.tasks[t.TaskID]; ok {
			items[i] = st.task.Clone()
		}
	}
	m.mu.Unlock()
	return items, total, nil
}

// Summary returns per-status counts. Every transition persists before it
// is observable, so the store counts are authoritative.
func (m *Manager) Summary(ctx context.Context) (models.Summary, error) {
	counts, err := m.store.CountsByStatus(ctx)
	if err != nil {
		return models.Summary{}, err
	}
	return models.SummaryFromCounts(counts), nil
}

// pendingStateLocked fetches the live state for an operation that requires
// the task to still be pending.
func (m *Manager) pendingStateLocked(ctx context.Context, taskID string) (*taskState, error) {
	st, ok := m.tasks[taskID]
	if !ok {
		if _, err := m.store.Get(ctx, taskID); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotPending, taskID)
		}
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	if st.task.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskNotPending, taskID, st.task.Status)
	}
	return st, nil
}

// relocateLocked recomputes the task directory after an update or rename
// and moves the old directory when the location changed.
func (m *Manager) relocateLocked(old, updated *models.Task) error {
	newDir := models.TaskDirFor(m.cfg.TaskRoot, updated.BrandName, updated.TaskName, updated.TaskID)
	updated.TaskDir = newDir
	if newDir == old.TaskDir {
		return nil
	}
	if _, err := os.Stat(newDir); err == nil {
		return fmt.Errorf("%w: %s", ErrTaskDirCollision, newDir)
	}
	if _, err := os.Stat(old.TaskDir); err == nil {
		if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
			return fmt.Errorf("relocate task dir: %w", err)
		}
		if err := os.Rename(old.TaskDir, newDir); err != nil {
			return fmt.Errorf("relocate task dir: %w", err)
		}
	}
	return nil
}

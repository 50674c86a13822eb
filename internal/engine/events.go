package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/stringutil"
	"github.com/scoutflow/scoutflow/internal/events/bus"
	"github.com/scoutflow/scoutflow/internal/task/models"
)

// publish sends one event to the bus. Failures are logged and swallowed;
// the engine never lets observability break a run.
func (m *Manager) publish(eventType, subject string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	event := bus.NewEvent(eventType, "task-manager", data)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// taskEventData carries the submission-level fields of a task.
func taskEventData(t *models.Task) map[string]interface{} {
	data := map[string]interface{}{
		"task_id":      t.TaskID,
		"task_type":    string(t.TaskType),
		"status":       string(t.Status),
		"task_name":    t.TaskName,
		"brand_name":   t.BrandName,
		"region":       t.Region,
		"created_by":   t.CreatedBy,
		"submitted_at": t.SubmittedAt.Format(time.RFC3339),
	}
	if t.RunAtRaw != "" {
		data["run_at_time"] = t.RunAtRaw
	}
	if t.RunEndRaw != "" {
		data["run_end_time"] = t.RunEndRaw
	}
	return data
}

// stateEventData carries a lifecycle transition.
func stateEventData(t *models.Task) map[string]interface{} {
	data := map[string]interface{}{
		"task_id": t.TaskID,
		"status":  string(t.Status),
	}
	if t.Message != "" {
		data["message"] = t.Message
	}
	return data
}

// progressEventData carries the live counters.
func progressEventData(t *models.Task) map[string]interface{} {
	data := map[string]interface{}{
		"task_id":        t.TaskID,
		"status":         string(t.Status),
		"new_creators":   t.NewCreators,
		"total_creators": t.TotalCreators,
	}
	if t.LatestSubject != "" {
		data["latest_subject"] = t.LatestSubject
	}
	return data
}

// finishEventData carries the terminal outcome.
func finishEventData(t *models.Task, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"task_id":        t.TaskID,
		"status":         string(t.Status),
		"message":        t.Message,
		"new_creators":   t.NewCreators,
		"total_creators": t.TotalCreators,
		"run_time":       stringutil.FormatRunDuration(t.RunTime(now)),
	}
}

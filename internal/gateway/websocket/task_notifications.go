package websocket

import (
	"context"

	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/events"
	"github.com/scoutflow/scoutflow/internal/events/bus"
	ws "github.com/scoutflow/scoutflow/pkg/websocket"
	"go.uber.org/zap"
)

// TaskEventBroadcaster mirrors engine and pool events onto connected
// WebSocket clients. Lifecycle events fan out to everyone; progress events
// are high-volume and only reach clients subscribed to the task.
type TaskEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterTaskNotifications subscribes the hub to the event bus. The
// broadcaster shuts down when ctx is cancelled.
func RegisterTaskNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *TaskEventBroadcaster {
	b := &TaskEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-task-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.TaskCreated, ws.ActionTaskCreated)
	b.subscribe(eventBus, events.TaskUpdated, ws.ActionTaskUpdated)
	b.subscribe(eventBus, events.TaskStateChanged, ws.ActionTaskStateChanged)
	b.subscribe(eventBus, events.TaskFinished, ws.ActionTaskFinished)
	b.subscribe(eventBus, events.BuildTaskProgressWildcardSubject(), ws.ActionTaskProgress)
	b.subscribe(eventBus, events.SessionSpawned, ws.ActionSessionSpawned)
	b.subscribe(eventBus, events.SessionClosed, ws.ActionSessionClosed)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops all bus subscriptions.
func (b *TaskEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *TaskEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification", zap.String("action", action), zap.Error(err))
			return nil
		}

		if action == ws.ActionTaskProgress {
			if taskID := extractTaskID(event.Data); taskID != "" {
				b.hub.BroadcastToTask(taskID, msg)
				return nil
			}
			// A progress event without a task id reaches nobody useful;
			// drop it rather than spam every client.
			b.logger.Warn("progress event without task_id", zap.String("subject", subject))
			return nil
		}

		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// extractTaskID pulls the task id out of an event payload.
func extractTaskID(data map[string]interface{}) string {
	if data == nil {
		return ""
	}
	id, _ := data["task_id"].(string)
	return id
}

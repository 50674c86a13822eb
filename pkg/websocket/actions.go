package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Task actions (client -> server)
	ActionTaskList    = "task.list"
	ActionTaskGet     = "task.get"
	ActionTaskSummary = "task.summary"

	// Subscription actions
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client)
	ActionTaskCreated      = "task.created"
	ActionTaskUpdated      = "task.updated"
	ActionTaskStateChanged = "task.state_changed"
	ActionTaskProgress     = "task.progress"
	ActionTaskFinished     = "task.finished"
	ActionSessionSpawned   = "session.spawned"
	ActionSessionClosed    = "session.closed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

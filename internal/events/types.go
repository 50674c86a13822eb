// Package events provides event types and utilities for the scoutflow event system.
package events

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskUpdated      = "task.updated"
	TaskStateChanged = "task.state_changed"
	TaskProgress     = "task.progress" // Base subject for per-task progress events
	TaskFinished     = "task.finished"
)

// Event types for pool sessions
const (
	SessionSpawned = "session.spawned"
	SessionClosed  = "session.closed"
)

// BuildTaskProgressSubject creates a progress subject for a specific task
func BuildTaskProgressSubject(taskID string) string {
	return TaskProgress + "." + taskID
}

// BuildTaskProgressWildcardSubject creates a wildcard subscription for all task progress events
func BuildTaskProgressWildcardSubject() string {
	return TaskProgress + ".*"
}

// BuildTaskWildcardSubject creates a wildcard subscription for every task event
func BuildTaskWildcardSubject() string {
	return "task.>"
}

// BuildSessionWildcardSubject creates a wildcard subscription for every session event
func BuildSessionWildcardSubject() string {
	return "session.>"
}

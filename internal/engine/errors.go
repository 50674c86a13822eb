package engine

import "errors"

// Sentinel errors surfaced by manager operations. Callers branch with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrDuplicateTaskID rejects a Submit whose caller-supplied id is taken.
	ErrDuplicateTaskID = errors.New("task id already exists")

	// ErrTaskNotPending guards the pending-only operations (update, rename,
	// run-now).
	ErrTaskNotPending = errors.New("task is not pending")

	// ErrTaskDirCollision rejects an update whose recomputed directory
	// already exists on disk.
	ErrTaskDirCollision = errors.New("task directory already exists")

	// ErrManagerClosed rejects work submitted after shutdown began.
	ErrManagerClosed = errors.New("task manager is closed")

	// ErrAlreadyStarted guards double Start calls.
	ErrAlreadyStarted = errors.New("task manager already started")
)

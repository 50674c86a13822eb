// Package store defines the persistence interface for tasks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/scoutflow/scoutflow/internal/task/models"
)

// ErrTaskNotFound is returned when no task exists for the requested id.
var ErrTaskNotFound = errors.New("task not found")

// SortKey selects the column a task listing is ordered by.
type SortKey string

const (
	// SortSubmitted orders by submission time. This is the default.
	SortSubmitted SortKey = "submitted_at"
	// SortRunAt orders by the scheduled start time. Tasks without one sort last.
	SortRunAt SortKey = "run_at"
	// SortRunEnd orders by the scheduled deadline. Tasks without one sort last.
	SortRunEnd SortKey = "run_end"
	// SortDuration orders by elapsed run time. Running tasks use the time
	// elapsed so far; tasks that never started sort as the shortest.
	SortDuration SortKey = "duration"
)

// ValidSortKey reports whether key names a supported sort column.
func ValidSortKey(key SortKey) bool {
	switch key {
	case SortSubmitted, SortRunAt, SortRunEnd, SortDuration:
		return true
	}
	return false
}

const (
	// DefaultPageSize is used when a listing does not specify a page size.
	DefaultPageSize = 50
	// MaxPageSize caps the page size a caller can request.
	MaxPageSize = 200
)

// ListFilter narrows a task listing. Zero values mean no constraint.
type ListFilter struct {
	Brand     string        // case-insensitive substring match on brand_name
	Name      string        // case-insensitive substring match on task_name
	Region    string        // exact match
	Status    models.Status // exact match
	RunAtFrom *time.Time    // tasks scheduled to start at or after this instant
	RunEndTo  *time.Time    // tasks whose deadline is at or before this instant
}

// ListOptions controls filtering, ordering and pagination of a task listing.
type ListOptions struct {
	Filter   ListFilter
	Sort     SortKey
	Desc     bool
	Page     int
	PageSize int
}

// Normalize fills in defaults and clamps pagination to sane bounds.
func (o *ListOptions) Normalize() {
	if o.Sort == "" {
		o.Sort = SortSubmitted
		o.Desc = true
	}
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
}

// Store defines the interface for task storage operations.
type Store interface {
	// Upsert inserts the task or replaces the stored row with the same task id.
	Upsert(ctx context.Context, task *models.Task) error

	// Get retrieves a task by id. Returns ErrTaskNotFound when absent.
	Get(ctx context.Context, taskID string) (*models.Task, error)

	// List returns one page of tasks plus the total match count.
	List(ctx context.Context, opts ListOptions) ([]*models.Task, int, error)

	// ListPending returns all pending tasks in submission order.
	ListPending(ctx context.Context) ([]*models.Task, error)

	// MarkIncompleteCancelled cancels every task left in a started but
	// unfinished status by a previous process and returns how many rows
	// were touched.
	MarkIncompleteCancelled(ctx context.Context, message string) (int, error)

	// CountsByStatus returns the number of tasks per status.
	CountsByStatus(ctx context.Context) (map[models.Status]int, error)

	// MaxNumericID returns the largest task id currently stored, as an
	// integer, or 0 for an empty store.
	MaxNumericID(ctx context.Context) (int, error)

	// Close closes the store (for database connections).
	Close() error
}

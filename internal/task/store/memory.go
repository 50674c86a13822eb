package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scoutflow/scoutflow/internal/task/models"
)

// MemoryStore provides in-memory task storage operations.
type MemoryStore struct {
	tasks map[string]*models.Task
	mu    sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.Task)}
}

// Close is a no-op for in-memory storage
func (s *MemoryStore) Close() error {
	return nil
}

// Upsert inserts or replaces a task by id.
func (s *MemoryStore) Upsert(ctx context.Context, task *models.Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.TaskID] = task.Clone()
	return nil
}

// Get retrieves a task by id.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// List returns one page of matching tasks plus the total match count.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Task, int, error) {
	opts.Normalize()
	now := time.Now().UTC()

	s.mu.RLock()
	var matched []*models.Task
	for _, task := range s.tasks {
		if matchesFilter(task, opts.Filter) {
			matched = append(matched, task.Clone())
		}
	}
	s.mu.RUnlock()

	sortTasks(matched, opts.Sort, opts.Desc, now)

	total := len(matched)
	start := (opts.Page - 1) * opts.PageSize
	if start >= total {
		return []*models.Task{}, total, nil
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ListPending returns all pending tasks in submission order.
func (s *MemoryStore) ListPending(ctx context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	var result []*models.Task
	for _, task := range s.tasks {
		if task.Status == models.StatusPending {
			result = append(result, task.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return numericID(result[i].TaskID) < numericID(result[j].TaskID)
	})
	return result, nil
}

// MarkIncompleteCancelled cancels tasks a previous process left unfinished.
func (s *MemoryStore) MarkIncompleteCancelled(ctx context.Context, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, task := range s.tasks {
		switch task.Status {
		case models.StatusToBeRun, models.StatusRunning, models.StatusToBeCancel:
			task.Status = models.StatusCancelled
			task.Message = message
			finished := now
			task.FinishedAt = &finished
			count++
		}
	}
	return count, nil
}

// CountsByStatus returns the number of tasks per status.
func (s *MemoryStore) CountsByStatus(ctx context.Context) (map[models.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Status]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// MaxNumericID returns the largest stored task id as an integer.
func (s *MemoryStore) MaxNumericID(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := 0
	for id := range s.tasks {
		if n := numericID(id); n > max {
			max = n
		}
	}
	return max, nil
}

func numericID(id string) int {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0
	}
	return n
}

func matchesFilter(task *models.Task, f ListFilter) bool {
	if f.Brand != "" && !containsFold(task.BrandName, f.Brand) {
		return false
	}
	if f.Name != "" && !containsFold(task.TaskName, f.Name) {
		return false
	}
	if f.Region != "" && task.Region != f.Region {
		return false
	}
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.RunAtFrom != nil {
		if task.RunAt == nil || task.RunAt.Before(*f.RunAtFrom) {
			return false
		}
	}
	if f.RunEndTo != nil {
		if task.RunEnd == nil || task.RunEnd.After(*f.RunEndTo) {
			return false
		}
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// sortTasks orders tasks by the requested key. Tasks without a value for the
// key always sort after tasks that have one, regardless of direction, and
// ties fall back to task id so pagination stays stable.
func sortTasks(tasks []*models.Task, key SortKey, desc bool, now time.Time) {
	sort.SliceStable(tasks, func(i, j int) bool {
		hasI, vi := sortValue(tasks[i], key, now)
		hasJ, vj := sortValue(tasks[j], key, now)
		if hasI != hasJ {
			return hasI
		}
		if vi != vj {
			if desc {
				return vi > vj
			}
			return vi < vj
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
}

// sortValue extracts the ordering key for a task. The bool reports whether
// the task has a value for the key at all.
func sortValue(task *models.Task, key SortKey, now time.Time) (bool, int64) {
	switch key {
	case SortRunAt:
		if task.RunAt == nil {
			return false, 0
		}
		return true, task.RunAt.UnixNano()
	case SortRunEnd:
		if task.RunEnd == nil {
			return false, 0
		}
		return true, task.RunEnd.UnixNano()
	case SortDuration:
		if task.StartedAt == nil {
			return true, -1
		}
		end := now
		if task.FinishedAt != nil {
			end = *task.FinishedAt
		}
		return true, end.Sub(*task.StartedAt).Milliseconds()
	default:
		return true, task.SubmittedAt.UnixNano()
	}
}

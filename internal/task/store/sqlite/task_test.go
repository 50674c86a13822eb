package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scoutflow/scoutflow/internal/common/stringutil"
	"github.com/scoutflow/scoutflow/internal/db"
	"github.com/scoutflow/scoutflow/internal/db/dialect"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
)

func createTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	cleanup := func() {
		if err := repo.Close(); err != nil {
			t.Errorf("failed to close repository: %v", err)
		}
	}
	return repo, cleanup
}

func seedTask(t *testing.T, repo *Repository, id string, mutate func(*models.Task)) *models.Task {
	t.Helper()
	task := &models.Task{
		TaskID:            id,
		TaskType:          models.TaskTypeConnect,
		Status:            models.StatusPending,
		TaskName:          "Spring Push",
		BrandName:         "Acme Beauty",
		Region:            "US",
		Payload:           map[string]interface{}{"task_name": "Spring Push"},
		MaxCreators:       500,
		TargetNewCreators: 50,
		SubmittedAt:       time.Now().UTC().Truncate(time.Second),
	}
	if mutate != nil {
		mutate(task)
	}
	if err := repo.Upsert(context.Background(), task); err != nil {
		t.Fatalf("failed to upsert task %s: %v", id, err)
	}
	return task
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("failed to close repository: %v", err)
	}

	// Reopening the same file must not fail on existing schema or migrations.
	repo, err = New(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen repository: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("failed to close reopened repository: %v", err)
	}
}

func TestNewWithPool(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	sqlxDB := sqlx.NewDb(dbConn, dialect.SQLite3)
	pool := db.NewPool(sqlxDB, sqlxDB)

	repo, err := NewWithPool(pool)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	seedTask(t, repo, "00001", nil)
	if _, err := repo.Get(context.Background(), "00001"); err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	// The repository does not own the pool, so Close must leave it usable.
	if err := repo.Close(); err != nil {
		t.Fatalf("repository close: %v", err)
	}
	if _, err := repo.Get(context.Background(), "00001"); err != nil {
		t.Fatalf("pool closed by non-owning repository: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("pool close: %v", err)
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	runAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	task := seedTask(t, repo, "00042", func(task *models.Task) {
		task.Status = models.StatusRunning
		task.CampaignID = "cmp-9"
		task.CreatedBy = "ops@acme.test"
		task.RunAtRaw = "2026-08-25 10:00:00"
		task.RunAt = &runAt
		task.StartedAt = &started
		task.TaskDir = "/data/tasks/Acme_Beauty/Spring_Push_00042"
		task.AccountName = "acct-us-1"
		task.AccountEmail = "bot@acme.test"
		task.NewCreators = 12
		task.TotalCreators = 80
		task.LatestSubject = "Collab invite"
		task.OutputFiles = []string{"batch_1.csv", "batch_2.csv"}
		task.LogPath = "/data/tasks/Acme_Beauty/Spring_Push_00042/task.log"
		task.Payload = map[string]interface{}{
			"task_name": "Spring Push",
			"brand":     map[string]interface{}{"name": "Acme Beauty", "only_first": float64(1)},
		}
	})

	got, err := repo.Get(ctx, "00042")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.CampaignID != "cmp-9" || got.CreatedBy != "ops@acme.test" {
		t.Errorf("unexpected identity fields: %+v", got)
	}
	if got.RunAt == nil || !got.RunAt.Equal(runAt) {
		t.Errorf("expected run_at %v, got %v", runAt, got.RunAt)
	}
	if got.RunAtRaw != "2026-08-25 10:00:00" {
		t.Errorf("expected raw run_at preserved, got %q", got.RunAtRaw)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, got.StartedAt)
	}
	if got.FinishedAt != nil {
		t.Errorf("expected nil finished_at, got %v", got.FinishedAt)
	}
	if len(got.OutputFiles) != 2 || got.OutputFiles[0] != "batch_1.csv" {
		t.Errorf("unexpected output files: %v", got.OutputFiles)
	}
	brand, ok := got.Payload["brand"].(map[string]interface{})
	if !ok || brand["name"] != "Acme Beauty" {
		t.Errorf("payload did not round-trip: %v", got.Payload)
	}

	// Second upsert with the same id replaces the row.
	task.Status = models.StatusCompleted
	finished := time.Now().UTC().Truncate(time.Second)
	task.FinishedAt = &finished
	task.NewCreators = 50
	if err := repo.Upsert(ctx, task); err != nil {
		t.Fatalf("failed to upsert existing task: %v", err)
	}

	got, err = repo.Get(ctx, "00042")
	if err != nil {
		t.Fatalf("failed to get updated task: %v", err)
	}
	if got.Status != models.StatusCompleted || got.NewCreators != 50 {
		t.Errorf("upsert did not replace fields: %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("expected finished_at %v, got %v", finished, got.FinishedAt)
	}

	_, total, err := repo.List(ctx, store.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if total != 1 {
		t.Errorf("expected a single row after upsert, got %d", total)
	}
}

func TestUpsertRequiresID(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	if err := repo.Upsert(context.Background(), &models.Task{}); err == nil {
		t.Error("expected error for empty task id")
	}
}

func TestGetNotFound(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()

	_, err := repo.Get(context.Background(), "99999")
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	seedTask(t, repo, "00001", func(task *models.Task) {
		task.BrandName = "Acme Beauty"
		task.TaskName = "Spring Push"
		task.Region = "US"
		task.Status = models.StatusCompleted
	})
	seedTask(t, repo, "00002", func(task *models.Task) {
		task.BrandName = "Glow Labs"
		task.TaskName = "Summer Launch"
		task.Region = "UK"
		task.Status = models.StatusPending
	})
	seedTask(t, repo, "00003", func(task *models.Task) {
		task.BrandName = "Acme Sports"
		task.TaskName = "Autumn Keep"
		task.Region = "US"
		task.Status = models.StatusFailed
	})

	tests := []struct {
		name    string
		filter  store.ListFilter
		wantIDs []string
	}{
		{
			name:    "brand substring is case-insensitive",
			filter:  store.ListFilter{Brand: "acme"},
			wantIDs: []string{"00001", "00003"},
		},
		{
			name:    "name substring",
			filter:  store.ListFilter{Name: "launch"},
			wantIDs: []string{"00002"},
		},
		{
			name:    "region exact",
			filter:  store.ListFilter{Region: "US"},
			wantIDs: []string{"00001", "00003"},
		},
		{
			name:    "status exact",
			filter:  store.ListFilter{Status: models.StatusPending},
			wantIDs: []string{"00002"},
		},
		{
			name:    "combined",
			filter:  store.ListFilter{Brand: "acme", Region: "US", Status: models.StatusFailed},
			wantIDs: []string{"00003"},
		},
		{
			name:    "no match",
			filter:  store.ListFilter{Brand: "nope"},
			wantIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, total, err := repo.List(ctx, store.ListOptions{Filter: tt.filter})
			if err != nil {
				t.Fatalf("failed to list tasks: %v", err)
			}
			if total != len(tt.wantIDs) {
				t.Errorf("expected total %d, got %d", len(tt.wantIDs), total)
			}
			gotIDs := taskIDs(tasks)
			if !sameIDSet(gotIDs, tt.wantIDs) {
				t.Errorf("expected ids %v, got %v", tt.wantIDs, gotIDs)
			}
		})
	}
}

func TestListRunWindowFilters(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seedTask(t, repo, "00001", func(task *models.Task) {
		at := base
		task.RunAt = &at
	})
	seedTask(t, repo, "00002", func(task *models.Task) {
		at := base.Add(2 * time.Hour)
		end := base.Add(6 * time.Hour)
		task.RunAt = &at
		task.RunEnd = &end
	})
	seedTask(t, repo, "00003", nil) // no schedule at all

	from := base.Add(time.Hour)
	tasks, total, err := repo.List(ctx, store.ListOptions{Filter: store.ListFilter{RunAtFrom: &from}})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if total != 1 || len(tasks) != 1 || tasks[0].TaskID != "00002" {
		t.Errorf("expected only 00002 at or after %v, got %v", from, taskIDs(tasks))
	}

	to := base.Add(12 * time.Hour)
	tasks, total, err = repo.List(ctx, store.ListOptions{Filter: store.ListFilter{RunEndTo: &to}})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if total != 1 || len(tasks) != 1 || tasks[0].TaskID != "00002" {
		t.Errorf("expected only 00002 with deadline before %v, got %v", to, taskIDs(tasks))
	}
}

func TestListSortSubmitted(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seedTask(t, repo, "00001", func(task *models.Task) { task.SubmittedAt = base })
	seedTask(t, repo, "00002", func(task *models.Task) { task.SubmittedAt = base.Add(2 * time.Hour) })
	seedTask(t, repo, "00003", func(task *models.Task) { task.SubmittedAt = base.Add(time.Hour) })

	// Default ordering is newest submission first.
	tasks, _, err := repo.List(ctx, store.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00002", "00003", "00001"})

	tasks, _, err = repo.List(ctx, store.ListOptions{Sort: store.SortSubmitted, Desc: false})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00001", "00003", "00002"})
}

func TestListSortRunAtNullsLast(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seedTask(t, repo, "00001", func(task *models.Task) {
		at := base.Add(3 * time.Hour)
		task.RunAt = &at
	})
	seedTask(t, repo, "00002", nil) // immediate task, no run_at
	seedTask(t, repo, "00003", func(task *models.Task) {
		at := base
		task.RunAt = &at
	})

	tasks, _, err := repo.List(ctx, store.ListOptions{Sort: store.SortRunAt})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00003", "00001", "00002"})

	// Unscheduled tasks stay last even when the direction flips.
	tasks, _, err = repo.List(ctx, store.ListOptions{Sort: store.SortRunAt, Desc: true})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00001", "00003", "00002"})
}

func TestListSortDuration(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	seedTask(t, repo, "00001", func(task *models.Task) {
		started := now.Add(-2 * time.Hour)
		finished := now.Add(-time.Hour)
		task.Status = models.StatusCompleted
		task.StartedAt = &started
		task.FinishedAt = &finished
	})
	seedTask(t, repo, "00002", func(task *models.Task) {
		// Still running, so it measures against the current time.
		started := now.Add(-10 * time.Minute)
		task.Status = models.StatusRunning
		task.StartedAt = &started
	})
	seedTask(t, repo, "00003", nil) // never started

	tasks, _, err := repo.List(ctx, store.ListOptions{Sort: store.SortDuration})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00003", "00002", "00001"})

	tasks, _, err = repo.List(ctx, store.ListOptions{Sort: store.SortDuration, Desc: true})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00001", "00002", "00003"})
}

func TestListPagination(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		offset := time.Duration(i) * time.Minute
		seedTask(t, repo, stringutil.PadTaskID(int64(i)), func(task *models.Task) {
			task.SubmittedAt = base.Add(offset)
		})
	}

	tasks, total, err := repo.List(ctx, store.ListOptions{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	assertOrder(t, tasks, []string{"00005", "00004"})

	tasks, _, err = repo.List(ctx, store.ListOptions{Page: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	assertOrder(t, tasks, []string{"00001"})

	// Past the last page yields an empty page with the full total.
	tasks, total, err = repo.List(ctx, store.ListOptions{Page: 9, PageSize: 2})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if total != 5 || len(tasks) != 0 {
		t.Errorf("expected empty page with total 5, got %d items total %d", len(tasks), total)
	}
}

func TestMarkIncompleteCancelled(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	statuses := map[string]models.Status{
		"00001": models.StatusPending,
		"00002": models.StatusToBeRun,
		"00003": models.StatusRunning,
		"00004": models.StatusToBeCancel,
		"00005": models.StatusCompleted,
		"00006": models.StatusFailed,
		"00007": models.StatusCancelled,
	}
	for id, status := range statuses {
		st := status
		seedTask(t, repo, id, func(task *models.Task) { task.Status = st })
	}

	count, err := repo.MarkIncompleteCancelled(ctx, "cancelled on startup")
	if err != nil {
		t.Fatalf("failed to mark incomplete tasks: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 cancelled rows, got %d", count)
	}

	for _, id := range []string{"00002", "00003", "00004"} {
		task, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to get task %s: %v", id, err)
		}
		if task.Status != models.StatusCancelled {
			t.Errorf("task %s: expected cancelled, got %s", id, task.Status)
		}
		if task.Message != "cancelled on startup" {
			t.Errorf("task %s: expected startup message, got %q", id, task.Message)
		}
		if task.FinishedAt == nil {
			t.Errorf("task %s: expected finished_at to be set", id)
		}
	}

	// Pending and terminal tasks are untouched.
	for id, want := range map[string]models.Status{
		"00001": models.StatusPending,
		"00005": models.StatusCompleted,
		"00006": models.StatusFailed,
		"00007": models.StatusCancelled,
	} {
		task, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to get task %s: %v", id, err)
		}
		if task.Status != want {
			t.Errorf("task %s: expected %s, got %s", id, want, task.Status)
		}
	}
}

func TestListPending(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	seedTask(t, repo, "00010", nil)
	seedTask(t, repo, "00002", nil)
	seedTask(t, repo, "00005", func(task *models.Task) { task.Status = models.StatusRunning })

	pending, err := repo.ListPending(ctx)
	if err != nil {
		t.Fatalf("failed to list pending tasks: %v", err)
	}
	assertOrder(t, pending, []string{"00002", "00010"})
}

func TestCountsByStatus(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	seedTask(t, repo, "00001", nil)
	seedTask(t, repo, "00002", nil)
	seedTask(t, repo, "00003", func(task *models.Task) { task.Status = models.StatusCompleted })

	counts, err := repo.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if counts[models.StatusPending] != 2 {
		t.Errorf("expected 2 pending, got %d", counts[models.StatusPending])
	}
	if counts[models.StatusCompleted] != 1 {
		t.Errorf("expected 1 completed, got %d", counts[models.StatusCompleted])
	}
	if counts[models.StatusFailed] != 0 {
		t.Errorf("expected 0 failed, got %d", counts[models.StatusFailed])
	}
}

func TestMaxNumericID(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	max, err := repo.MaxNumericID(ctx)
	if err != nil {
		t.Fatalf("failed to read max id from empty store: %v", err)
	}
	if max != 0 {
		t.Errorf("expected 0 for empty store, got %d", max)
	}

	seedTask(t, repo, "00042", nil)
	seedTask(t, repo, "00007", nil)

	max, err = repo.MaxNumericID(ctx)
	if err != nil {
		t.Fatalf("failed to read max id: %v", err)
	}
	if max != 42 {
		t.Errorf("expected 42, got %d", max)
	}
}

func taskIDs(tasks []*models.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.TaskID)
	}
	return ids
}

func assertOrder(t *testing.T, tasks []*models.Task, want []string) {
	t.Helper()
	got := taskIDs(tasks)
	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, got)
		}
	}
}

func sameIDSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]bool, len(got))
	for _, id := range got {
		seen[id] = true
	}
	for _, id := range want {
		if !seen[id] {
			return false
		}
	}
	return true
}


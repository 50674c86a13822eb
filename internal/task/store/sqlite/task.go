package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scoutflow/scoutflow/internal/common/tracing"
	"github.com/scoutflow/scoutflow/internal/db/dialect"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
)

const taskColumns = `task_id, task_type, status, task_name, brand_name, region, campaign_id, campaign_name, product_id, product_name, created_by, payload, max_creators, target_new_creators, submitted_at, run_at_raw, run_at, run_end_raw, run_end, started_at, finished_at, task_dir, account_name, account_email, new_creators, total_creators, latest_subject, output_files, log_path, message`

// Upsert inserts the task or replaces the stored row with the same task id.
func (r *Repository) Upsert(ctx context.Context, task *models.Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("task id is required")
	}

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	outputFiles, err := json.Marshal(task.OutputFiles)
	if err != nil || task.OutputFiles == nil {
		outputFiles = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			task_type = excluded.task_type,
			status = excluded.status,
			task_name = excluded.task_name,
			brand_name = excluded.brand_name,
			region = excluded.region,
			campaign_id = excluded.campaign_id,
			campaign_name = excluded.campaign_name,
			product_id = excluded.product_id,
			product_name = excluded.product_name,
			created_by = excluded.created_by,
			payload = excluded.payload,
			max_creators = excluded.max_creators,
			target_new_creators = excluded.target_new_creators,
			submitted_at = excluded.submitted_at,
			run_at_raw = excluded.run_at_raw,
			run_at = excluded.run_at,
			run_end_raw = excluded.run_end_raw,
			run_end = excluded.run_end,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			task_dir = excluded.task_dir,
			account_name = excluded.account_name,
			account_email = excluded.account_email,
			new_creators = excluded.new_creators,
			total_creators = excluded.total_creators,
			latest_subject = excluded.latest_subject,
			output_files = excluded.output_files,
			log_path = excluded.log_path,
			message = excluded.message
	`), task.TaskID, task.TaskType, task.Status, task.TaskName, task.BrandName, task.Region,
		task.CampaignID, task.CampaignName, task.ProductID, task.ProductName, task.CreatedBy,
		string(payload), task.MaxCreators, task.TargetNewCreators, task.SubmittedAt.UTC(),
		task.RunAtRaw, utcPtr(task.RunAt), task.RunEndRaw, utcPtr(task.RunEnd),
		utcPtr(task.StartedAt), utcPtr(task.FinishedAt),
		task.TaskDir, task.AccountName, task.AccountEmail,
		task.NewCreators, task.TotalCreators, task.LatestSubject,
		string(outputFiles), task.LogPath, task.Message)
	return err
}

// Get retrieves a task by id.
func (r *Repository) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE task_id = ?
	`), taskID)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List returns one page of matching tasks plus the total match count.
func (r *Repository) List(ctx context.Context, opts store.ListOptions) ([]*models.Task, int, error) {
	ctx, span := tracing.Tracer("scoutflow-db").Start(ctx, "db.ListTasks")
	defer span.End()

	opts.Normalize()
	where, args := r.buildFilter(opts.Filter)

	var total int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT COUNT(*) FROM tasks`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (opts.Page - 1) * opts.PageSize
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY ` + r.orderBy(opts.Sort, opts.Desc) + ` LIMIT ? OFFSET ?`
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), append(args, opts.PageSize, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListPending returns all pending tasks in submission order.
func (r *Repository) ListPending(ctx context.Context) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY CAST(task_id AS INTEGER)
	`), models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

// MarkIncompleteCancelled cancels every task a previous process left in a
// started but unfinished status.
func (r *Repository) MarkIncompleteCancelled(ctx context.Context, message string) (int, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, message = ?, finished_at = ?
		WHERE status IN (?, ?, ?)
	`), models.StatusCancelled, message, time.Now().UTC(),
		models.StatusToBeRun, models.StatusRunning, models.StatusToBeCancel)
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// CountsByStatus returns the number of tasks per status.
func (r *Repository) CountsByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = count
	}
	return counts, rows.Err()
}

// MaxNumericID returns the largest stored task id as an integer.
func (r *Repository) MaxNumericID(ctx context.Context) (int, error) {
	var max sql.NullInt64
	if err := r.ro.QueryRowContext(ctx, `SELECT MAX(CAST(task_id AS INTEGER)) FROM tasks`).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

// buildFilter translates a ListFilter into a WHERE clause and its arguments.
func (r *Repository) buildFilter(f store.ListFilter) (string, []interface{}) {
	like := dialect.Like(r.ro.DriverName())

	var conds []string
	var args []interface{}
	if f.Brand != "" {
		conds = append(conds, fmt.Sprintf("brand_name %s ?", like))
		args = append(args, "%"+f.Brand+"%")
	}
	if f.Name != "" {
		conds = append(conds, fmt.Sprintf("task_name %s ?", like))
		args = append(args, "%"+f.Name+"%")
	}
	if f.Region != "" {
		conds = append(conds, "region = ?")
		args = append(args, f.Region)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.RunAtFrom != nil {
		conds = append(conds, "run_at >= ?")
		args = append(args, f.RunAtFrom.UTC())
	}
	if f.RunEndTo != nil {
		conds = append(conds, "run_end <= ?")
		args = append(args, f.RunEndTo.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orderBy builds the ORDER BY expression for a sort key. Tasks without a
// value for run_at or run_end always sort last, and ties fall back to
// task_id so pagination stays stable.
func (r *Repository) orderBy(key store.SortKey, desc bool) string {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	drv := r.ro.DriverName()
	switch key {
	case store.SortRunAt:
		return fmt.Sprintf("(run_at IS NULL), run_at %s, task_id", dir)
	case store.SortRunEnd:
		return fmt.Sprintf("(run_end IS NULL), run_end %s, task_id", dir)
	case store.SortDuration:
		// Running tasks measure against the current time; tasks that never
		// started coalesce to -1 so they sort as the shortest.
		elapsed := dialect.DurationMs(drv, fmt.Sprintf("COALESCE(finished_at, %s)", dialect.Now(drv)), "started_at")
		return fmt.Sprintf("COALESCE(%s, -1) %s, task_id", elapsed, dir)
	default:
		return fmt.Sprintf("submitted_at %s, task_id", dir)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask is a helper to scan a single task row
func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var payload, outputFiles string
	var runAt, runEnd, startedAt, finishedAt sql.NullTime
	err := row.Scan(
		&task.TaskID,
		&task.TaskType,
		&task.Status,
		&task.TaskName,
		&task.BrandName,
		&task.Region,
		&task.CampaignID,
		&task.CampaignName,
		&task.ProductID,
		&task.ProductName,
		&task.CreatedBy,
		&payload,
		&task.MaxCreators,
		&task.TargetNewCreators,
		&task.SubmittedAt,
		&task.RunAtRaw,
		&runAt,
		&task.RunEndRaw,
		&runEnd,
		&startedAt,
		&finishedAt,
		&task.TaskDir,
		&task.AccountName,
		&task.AccountEmail,
		&task.NewCreators,
		&task.TotalCreators,
		&task.LatestSubject,
		&outputFiles,
		&task.LogPath,
		&task.Message,
	)
	if err != nil {
		return nil, err
	}

	task.SubmittedAt = task.SubmittedAt.UTC()
	task.RunAt = nullTimePtr(runAt)
	task.RunEnd = nullTimePtr(runEnd)
	task.StartedAt = nullTimePtr(startedAt)
	task.FinishedAt = nullTimePtr(finishedAt)
	_ = json.Unmarshal([]byte(payload), &task.Payload)
	_ = json.Unmarshal([]byte(outputFiles), &task.OutputFiles)
	return task, nil
}

// scanTasks is a helper to scan task rows
func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

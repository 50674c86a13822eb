package models

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/scoutflow/scoutflow/internal/common/stringutil"
	v1 "github.com/scoutflow/scoutflow/pkg/api/v1"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending - task accepted, waiting for its run-at time
	StatusPending Status = "pending"
	// StatusToBeRun - run-at reached, runner about to start the driver
	StatusToBeRun Status = "to-be-run"
	// StatusRunning - driver batches in flight
	StatusRunning Status = "running"
	// StatusToBeCancel - cancel requested while running, waiting for the driver to unwind
	StatusToBeCancel Status = "to-be-cancel"
	// StatusCompleted - driver finished with success
	StatusCompleted Status = "completed"
	// StatusFailed - driver reported failure or errored
	StatusFailed Status = "failed"
	// StatusCancelled - cancelled by caller, deadline, or startup recovery
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusToBeRun, StatusRunning, StatusToBeCancel,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TaskType distinguishes the two outreach flows.
type TaskType string

const (
	// TaskTypeConnect is the default creator-outreach flow
	TaskTypeConnect TaskType = "Connect"
	// TaskTypeCard is the product-card flow
	TaskTypeCard TaskType = "Card"
)

// Task is the engine's unit of work: the persisted snapshot plus the
// fields the runner maintains while a run is in flight. Control flags
// (cancel latch, force flag) live on the runner, not here.
type Task struct {
	TaskID   string   `json:"task_id"`
	TaskType TaskType `json:"task_type"`
	Status   Status   `json:"status"`

	TaskName     string `json:"task_name"`
	BrandName    string `json:"brand_name"`
	Region       string `json:"region"`
	CampaignID   string `json:"campaign_id,omitempty"`
	CampaignName string `json:"campaign_name,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`

	// Payload is the caller's configuration, preserved verbatim apart
	// from normalization of the documented fields.
	Payload map[string]interface{} `json:"payload,omitempty"`

	MaxCreators       int `json:"max_creators"`
	TargetNewCreators int `json:"target_new_creators"`

	SubmittedAt time.Time `json:"submitted_at"`
	// RunAtRaw/RunEndRaw keep the caller's original wall-clock strings;
	// RunAt/RunEnd are the derived UTC instants used for comparisons.
	RunAtRaw   string     `json:"run_at_time,omitempty"`
	RunAt      *time.Time `json:"-"`
	RunEndRaw  string     `json:"run_end_time,omitempty"`
	RunEnd     *time.Time `json:"-"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	TaskDir string `json:"task_dir,omitempty"`

	// Account snapshot, set when the runner acquires a credential.
	AccountName  string `json:"account_name,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`

	NewCreators   int      `json:"new_creators"`
	TotalCreators int      `json:"total_creators"`
	LatestSubject string   `json:"latest_subject,omitempty"`
	OutputFiles   []string `json:"output_files,omitempty"`
	LogPath       string   `json:"log_path,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// Clone returns a deep copy safe to hand outside the manager lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = deepCopyMap(t.Payload)
	}
	if t.OutputFiles != nil {
		c.OutputFiles = append([]string(nil), t.OutputFiles...)
	}
	if t.RunAt != nil {
		at := *t.RunAt
		c.RunAt = &at
	}
	if t.RunEnd != nil {
		end := *t.RunEnd
		c.RunEnd = &end
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.FinishedAt != nil {
		fin := *t.FinishedAt
		c.FinishedAt = &fin
	}
	return &c
}

// RunTime returns the elapsed run duration: started to finished, or
// started to now for a task still in flight. Zero when never started.
func (t *Task) RunTime(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.FinishedAt != nil {
		end = *t.FinishedAt
	}
	if end.Before(*t.StartedAt) {
		return 0
	}
	return end.Sub(*t.StartedAt)
}

// EffectiveRunAt returns the instant the task becomes eligible to run:
// its run-at time when set, otherwise its submission time.
func (t *Task) EffectiveRunAt() time.Time {
	if t.RunAt != nil {
		return *t.RunAt
	}
	return t.SubmittedAt
}

// MergeOutputFiles unions files into the record's sorted unique list.
func (t *Task) MergeOutputFiles(files []string) {
	if len(files) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(t.OutputFiles)+len(files))
	for _, f := range t.OutputFiles {
		seen[f] = struct{}{}
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		seen[f] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for f := range seen {
		merged = append(merged, f)
	}
	sort.Strings(merged)
	t.OutputFiles = merged
}

// ToAPI converts the task to its API representation.
func (t *Task) ToAPI(now time.Time) *v1.TaskStatus {
	s := &v1.TaskStatus{
		TaskID:            t.TaskID,
		TaskType:          string(t.TaskType),
		Status:            string(t.Status),
		Message:           t.Message,
		SubmittedAt:       t.SubmittedAt,
		StartedAt:         t.StartedAt,
		FinishedAt:        t.FinishedAt,
		User:              t.CreatedBy,
		TaskName:          t.TaskName,
		CampaignID:        t.CampaignID,
		CampaignName:      t.CampaignName,
		Region:            t.Region,
		BrandName:         t.BrandName,
		AccountEmail:      t.AccountEmail,
		NewCreators:       t.NewCreators,
		TotalCreators:     t.TotalCreators,
		TaskDir:           t.TaskDir,
		LogPath:           t.LogPath,
		ProductName:       t.ProductName,
		ProductID:         t.ProductID,
		LatestSubject:     t.LatestSubject,
		RunTime:           stringutil.FormatRunDuration(t.RunTime(now)),
		OutputFiles:       t.OutputFiles,
		MaxCreators:       t.MaxCreators,
		TargetNewCreators: t.TargetNewCreators,
		RunAtTime:         t.RunAtRaw,
		RunEndTime:        t.RunEndRaw,
		Payload:           t.Payload,
	}
	return s
}

// TaskDirFor computes the deterministic work directory for a task:
// <root>/<brand_slug>/<name_slug>_<task_id>.
func TaskDirFor(root, brandName, taskName, taskID string) string {
	return filepath.Join(root, stringutil.Slug(brandName), stringutil.Slug(taskName)+"_"+taskID)
}

// Summary holds per-status counts for admin views. InQueue counts the
// tasks accepted but not yet running (pending + to-be-run).
type Summary struct {
	Pending    int `json:"pending"`
	ToBeRun    int `json:"to_be_run"`
	Running    int `json:"running"`
	ToBeCancel int `json:"to_be_cancel"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	InQueue    int `json:"in_queue"`
	Total      int `json:"total"`
}

// SummaryFromCounts folds a status count map into a Summary.
func SummaryFromCounts(counts map[Status]int) Summary {
	s := Summary{
		Pending:    counts[StatusPending],
		ToBeRun:    counts[StatusToBeRun],
		Running:    counts[StatusRunning],
		ToBeCancel: counts[StatusToBeCancel],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
		Cancelled:  counts[StatusCancelled],
	}
	s.InQueue = s.Pending + s.ToBeRun
	for _, n := range counts {
		s.Total += n
	}
	return s
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

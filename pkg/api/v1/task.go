package v1

import "time"

// TaskStatus is the full machine-readable view of a task returned by the
// status endpoints. Payload round-trips the caller's submitted
// configuration (with normalization defaults applied).
type TaskStatus struct {
	TaskID            string                 `json:"task_id"`
	TaskType          string                 `json:"task_type"`
	Status            string                 `json:"status"`
	Message           string                 `json:"message,omitempty"`
	SubmittedAt       time.Time              `json:"submitted_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	User              string                 `json:"user,omitempty"`
	TaskName          string                 `json:"task_name"`
	CampaignID        string                 `json:"campaign_id,omitempty"`
	CampaignName      string                 `json:"campaign_name,omitempty"`
	Region            string                 `json:"region"`
	BrandName         string                 `json:"brand_name"`
	AccountEmail      string                 `json:"account_email,omitempty"`
	NewCreators       int                    `json:"new_creators"`
	TotalCreators     int                    `json:"total_creators"`
	TaskDir           string                 `json:"task_dir,omitempty"`
	LogPath           string                 `json:"log_path,omitempty"`
	ProductName       string                 `json:"product_name,omitempty"`
	ProductID         string                 `json:"product_id,omitempty"`
	LatestSubject     string                 `json:"latest_subject,omitempty"`
	RunTime           string                 `json:"run_time"`
	OutputFiles       []string               `json:"output_files,omitempty"`
	MaxCreators       int                    `json:"max_creators"`
	TargetNewCreators int                    `json:"target_new_creators"`
	RunAtTime         string                 `json:"run_at_time,omitempty"`
	RunEndTime        string                 `json:"run_end_time,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
}

// CreateTaskRequest submits a new task. Payload carries the task
// configuration (brand, search strategy, templates, budgets, schedule).
type CreateTaskRequest struct {
	Payload   map[string]interface{} `json:"payload" binding:"required"`
	CreatedBy string                 `json:"created_by,omitempty"`
}

// CreateTaskResponse returns the allocated task id.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
}

// UpdateTaskRequest merges a partial payload into a pending task.
type UpdateTaskRequest struct {
	Payload map[string]interface{} `json:"payload" binding:"required"`
}

// RenameTaskRequest renames a pending task.
type RenameTaskRequest struct {
	TaskName string `json:"task_name" binding:"required"`
}

// CancelTaskResponse reports whether the cancel took effect.
type CancelTaskResponse struct {
	Cancelled bool   `json:"cancelled"`
	TaskID    string `json:"task_id"`
}

// ListTasksResponse is a filtered page of task snapshots plus the total
// match count before paging.
type ListTasksResponse struct {
	Items    []*TaskStatus `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// TaskSummary aggregates per-status counts. InQueue counts tasks accepted
// but not yet running.
type TaskSummary struct {
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

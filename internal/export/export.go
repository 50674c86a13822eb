// Package export appends one summary row per finished run to a CSV file,
// giving operators a flat post-run ledger without querying the store.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/common/stringutil"
	"github.com/scoutflow/scoutflow/internal/task/models"
)

// header is written once, when the file is created or still empty.
var header = []string{
	"task_id", "task_name", "brand_name", "region", "status",
	"started_at", "finished_at", "run_time", "run_end_time",
	"new_creators", "total_creators", "latest_subject", "message",
}

// Writer appends run-summary rows to the configured CSV file. A nil Writer
// is a disabled sink; every method tolerates it.
type Writer struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewWriter builds the sink. An empty path disables it.
func NewWriter(cfg config.ExportConfig, log *logger.Logger) *Writer {
	if cfg.Path == "" {
		return nil
	}
	return &Writer{
		path:   cfg.Path,
		logger: log.WithFields(zap.String("component", "export")),
	}
}

// Path returns the sink location, or "" when disabled.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one row for a finished task. now anchors the run-time
// rendering for records without a finished timestamp.
func (w *Writer) Append(t *models.Task, now time.Time) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(header); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	if err := cw.Write(row(t, now)); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	w.logger.Debug("export row appended",
		zap.String("task_id", t.TaskID),
		zap.String("status", string(t.Status)))
	return nil
}

func row(t *models.Task, now time.Time) []string {
	var started, finished string
	if t.StartedAt != nil {
		started = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.FinishedAt != nil {
		finished = t.FinishedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		t.TaskID,
		t.TaskName,
		t.BrandName,
		t.Region,
		string(t.Status),
		started,
		finished,
		stringutil.FormatRunDuration(t.RunTime(now)),
		t.RunEndRaw,
		strconv.Itoa(t.NewCreators),
		strconv.Itoa(t.TotalCreators),
		t.LatestSubject,
		t.Message,
	}
}

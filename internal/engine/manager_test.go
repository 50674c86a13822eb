package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/events/bus"
	"github.com/scoutflow/scoutflow/internal/export"
	"github.com/scoutflow/scoutflow/internal/sessions"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
	"github.com/scoutflow/scoutflow/internal/worker/mock"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// testAccounts derives the region from the name prefix: "fr-1" lands in FR.
func testAccounts(names ...string) []*accounts.Account {
	accts := make([]*accounts.Account, 0, len(names))
	for i, name := range names {
		region := "US"
		if idx := strings.Index(name, "-"); idx > 0 {
			region = strings.ToUpper(name[:idx])
		}
		accts = append(accts, &accounts.Account{
			ID:         i,
			Name:       name,
			LoginEmail: name + "@scout.test",
			Region:     region,
			Enabled:    true,
		})
	}
	return accts
}

type testEngine struct {
	manager  *Manager
	store    store.Store
	accts    *accounts.Pool
	sessPool *sessions.Pool
	runtime  *mock.Runtime
	factory  *mock.Factory
	bus      *bus.MemoryEventBus
}

type engineOptions struct {
	accounts        []string
	disableAccounts bool
	store           store.Store
	exporter        *export.Writer
	scheduler       func(*config.SchedulerConfig)
	noStart         bool
}

func newTestEngine(t *testing.T, opts engineOptions) *testEngine {
	t.Helper()
	log := newTestLogger(t)

	cfg := config.SchedulerConfig{
		Workers:            4,
		TaskRoot:           t.TempDir(),
		MaxBatches:         10,
		PerBatchLimit:      40,
		TaskTimeoutMinutes: 120,
		RetrySessionErrors: true,
		TimeZone:           "UTC",
	}
	if opts.scheduler != nil {
		opts.scheduler(&cfg)
	}

	names := opts.accounts
	if len(names) == 0 {
		names = []string{"us-1"}
	}
	st := opts.store
	if st == nil {
		st = store.NewMemoryStore()
	}

	registry := testAccounts(names...)
	if opts.disableAccounts {
		for _, a := range registry {
			a.Enabled = false
		}
	}
	accts := accounts.NewPool(registry, log)
	runtime := &mock.Runtime{}
	sessPool := sessions.NewPool(runtime, accts, config.SessionsConfig{PoolMax: 4}, nil, log)
	factory := &mock.Factory{}
	eventBus := bus.NewMemoryEventBus(log)

	mgr, err := NewManager(cfg, st, accts, sessPool, factory, eventBus, opts.exporter, nil, log)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if !opts.noStart {
		if err := mgr.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	env := &testEngine{
		manager:  mgr,
		store:    st,
		accts:    accts,
		sessPool: sessPool,
		runtime:  runtime,
		factory:  factory,
		bus:      eventBus,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		sessPool.Shutdown()
		eventBus.Close()
	})
	return env
}

func taskPayload(mutate func(map[string]interface{})) map[string]interface{} {
	p := map[string]interface{}{
		"task_name":           "Spring Push",
		"brand":               map[string]interface{}{"name": "Acme Beauty"},
		"region":              "US",
		"max_creators":        500,
		"target_new_creators": 10,
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func waitForStatus(t *testing.T, m *Manager, id string, want models.Status, timeout time.Duration) *models.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *models.Task
	for time.Now().Before(deadline) {
		task, err := m.Get(context.Background(), id)
		if err == nil {
			last = task
			if task.Status == want {
				return task
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("task %s stuck in %s (message %q), want %s", id, last.Status, last.Message, want)
	}
	t.Fatalf("task %s never appeared", id)
	return nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestSubmitAssignsSequentialIDs(t *testing.T) {
	env := newTestEngine(t, engineOptions{scheduler: func(c *config.SchedulerConfig) {
		c.Workers = 1
	}})
	ctx := context.Background()

	far := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
			p["run_at_time"] = far
		}), "tester")
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	if ids[0] != "00001" || ids[1] != "00002" || ids[2] != "00003" {
		t.Errorf("ids = %v, want zero-padded sequence from 00001", ids)
	}
}

func TestSubmitHonorsCallerID(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	far := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["task_id"] = "custom-42"
		p["run_at_time"] = far
	}), "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "custom-42" {
		t.Errorf("id = %q, want the caller-supplied one", id)
	}

	_, err = env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["task_id"] = "custom-42"
		p["run_at_time"] = far
	}), "tester")
	if !errors.Is(err, ErrDuplicateTaskID) {
		t.Errorf("duplicate Submit = %v, want ErrDuplicateTaskID", err)
	}

	// Generated ids must skip a claimed numeric id.
	_, err = env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["task_id"] = "00002"
		p["run_at_time"] = far
	}), "tester")
	if err != nil {
		t.Fatalf("Submit with numeric id: %v", err)
	}
	generated, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["run_at_time"] = far
	}), "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if generated == "00002" {
		t.Error("generated id collided with a claimed one")
	}
}

func TestSubmitRejectsBadPayload(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	cases := []map[string]interface{}{
		nil,
		{"region": "US"}, // no brand
		{"brand": map[string]interface{}{"name": "Acme"}}, // no region
		{"brand": map[string]interface{}{"name": "Acme"}, "region": "US", "max_creators": -1},
		{"brand": map[string]interface{}{"name": "Acme"}, "region": "US", "run_at_time": "not a time"},
	}
	for i, payload := range cases {
		if _, err := env.manager.Submit(ctx, payload, "tester"); !errors.Is(err, models.ErrInvalidPayload) {
			t.Errorf("case %d: Submit = %v, want ErrInvalidPayload", i, err)
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	payload := taskPayload(func(p map[string]interface{}) {
		p["run_at_time"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		p["search_strategy"] = map[string]interface{}{
			"search_keywords": []interface{}{"skincare", "beauty"},
			"min_fans":        5000,
		}
		p["email_first"] = map[string]interface{}{
			"subject":    "Collab?",
			"email_body": "Hi {creator}",
		}
	})
	id, err := env.manager.Submit(ctx, payload, "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	task, err := env.manager.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	strategy, ok := task.Payload["search_strategy"].(map[string]interface{})
	if !ok {
		t.Fatalf("search_strategy lost: %T", task.Payload["search_strategy"])
	}
	keywords, _ := strategy["search_keywords"].([]interface{})
	if len(keywords) != 2 || keywords[0] != "skincare" {
		t.Errorf("search_keywords = %v, want the submitted list", keywords)
	}
	first, _ := task.Payload["email_first"].(map[string]interface{})
	if first["email_body"] != "Hi {creator}" {
		t.Errorf("email_first.email_body = %v, want verbatim round-trip", first["email_body"])
	}
	// The follow-up template defaults to the first-touch one.
	later, _ := task.Payload["email_later"].(map[string]interface{})
	if later["subject"] != "Collab?" {
		t.Errorf("email_later should default to email_first, got %v", later)
	}
	if task.MaxCreators != 500 || task.TargetNewCreators != 10 {
		t.Errorf("budgets = %d/%d, want 500/10", task.MaxCreators, task.TargetNewCreators)
	}
	if task.Payload["task_id"] != id {
		t.Errorf("payload task_id = %v, want %s", task.Payload["task_id"], id)
	}
}

func TestUpdatePendingTask(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["run_at_time"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	}), "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	newRunAt := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	err = env.manager.Update(ctx, id, map[string]interface{}{
		"task_name":           "Summer Push",
		"run_at_time":         newRunAt,
		"target_new_creators": 25,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	task, err := env.manager.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.TaskName != "Summer Push" {
		t.Errorf("TaskName = %q, want Summer Push", task.TaskName)
	}
	if task.TargetNewCreators != 25 {
		t.Errorf("TargetNewCreators = %d, want 25", task.TargetNewCreators)
	}
	if task.RunAtRaw != newRunAt {
		t.Errorf("RunAtRaw = %q, want %q", task.RunAtRaw, newRunAt)
	}
	if !strings.Contains(task.TaskDir, "Summer_Push") {
		t.Errorf("TaskDir = %q, should follow the new name", task.TaskDir)
	}

	// Mismatched task_id in the patch is rejected.
	err = env.manager.Update(ctx, id, map[string]interface{}{"task_id": "other"})
	if !errors.Is(err, models.ErrInvalidPayload) {
		t.Errorf("Update with foreign task_id = %v, want ErrInvalidPayload", err)
	}
}

func TestUpdateUnknownAndTerminalTasks(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	err := env.manager.Update(ctx, "99999", map[string]interface{}{"task_name": "x"})
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Update unknown = %v, want ErrTaskNotFound", err)
	}

	// A completed run only exists in the store; updates must refuse it.
	id, err := env.manager.Submit(ctx, taskPayload(nil), "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, env.manager, id, models.StatusCompleted, 5*time.Second)

	err = env.manager.Update(ctx, id, map[string]interface{}{"task_name": "x"})
	if !errors.Is(err, ErrTaskNotPending) {
		t.Errorf("Update terminal = %v, want ErrTaskNotPending", err)
	}
	err = env.manager.Rename(ctx, id, "x")
	if !errors.Is(err, ErrTaskNotPending) {
		t.Errorf("Rename terminal = %v, want ErrTaskNotPending", err)
	}
	err = env.manager.RunNow(ctx, id)
	if !errors.Is(err, ErrTaskNotPending) {
		t.Errorf("RunNow terminal = %v, want ErrTaskNotPending", err)
	}
}

func TestRenameMovesTaskDir(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	far := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["run_at_time"] = far
	}), "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := env.manager.Rename(ctx, id, "Autumn Push"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	task, _ := env.manager.Get(ctx, id)
	if task.TaskName != "Autumn Push" {
		t.Errorf("TaskName = %q, want Autumn Push", task.TaskName)
	}
	if !strings.Contains(task.TaskDir, "Autumn_Push") {
		t.Errorf("TaskDir = %q, should follow the new name", task.TaskDir)
	}
	if task.Payload["task_name"] != "Autumn Push" {
		t.Errorf("payload task_name = %v, want Autumn Push", task.Payload["task_name"])
	}

	if err := env.manager.Rename(ctx, id, "  "); !errors.Is(err, models.ErrInvalidPayload) {
		t.Errorf("Rename to blank = %v, want ErrInvalidPayload", err)
	}
}

func TestListOverlaysLiveRecords(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	far := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
			p["task_name"] = fmt.Sprintf("Push %d", i)
			p["run_at_time"] = far
		}), "tester")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	items, total, err := env.manager.List(ctx, store.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("List = %d items, total %d, want 3/3", len(items), total)
	}
	for _, item := range items {
		if item.Status != models.StatusPending {
			t.Errorf("task %s status = %s, want pending", item.TaskID, item.Status)
		}
	}

	summary, err := env.manager.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Pending != 3 || summary.InQueue != 3 || summary.Total != 3 {
		t.Errorf("summary = %+v, want 3 pending in queue", summary)
	}
	_ = ids
}

func TestCancelBeforeStart(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["run_at_time"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	}), "tester")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ok, err := env.manager.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v, want true", ok, err)
	}

	task := waitForStatus(t, env.manager, id, models.StatusCancelled, 2*time.Second)
	if task.FinishedAt == nil {
		t.Error("cancelled task should carry finished_at")
	}
	if task.Message != "cancelled" {
		t.Errorf("message = %q, want cancelled", task.Message)
	}
	if env.factory.Batches() != 0 {
		t.Errorf("driver was invoked %d times, want 0", env.factory.Batches())
	}

	// Second cancel is a no-op on a terminal task.
	ok, err = env.manager.Cancel(ctx, id)
	if err != nil || ok {
		t.Errorf("Cancel of terminal task = %v, %v, want false", ok, err)
	}

	if _, err := env.manager.Cancel(ctx, "99999"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("Cancel unknown = %v, want ErrTaskNotFound", err)
	}
}

func TestStartupRecovery(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	started := now.Add(-time.Minute)

	seed := func(id string, status models.Status, mutate func(*models.Task)) {
		task := &models.Task{
			TaskID:      id,
			TaskType:    models.TaskTypeConnect,
			Status:      status,
			TaskName:    "Recover Me",
			BrandName:   "Acme Beauty",
			Region:      "US",
			SubmittedAt: now.Add(-2 * time.Minute),
		}
		if mutate != nil {
			mutate(task)
		}
		if err := st.Upsert(ctx, task); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	far := now.Add(time.Hour)
	seed("00001", models.StatusRunning, func(task *models.Task) { task.StartedAt = &started })
	seed("00002", models.StatusToBeCancel, nil)
	seed("00003", models.StatusToBeRun, nil)
	seed("00004", models.StatusPending, func(task *models.Task) {
		task.RunAt = &far
		task.RunAtRaw = far.Format(time.RFC3339)
	})
	seed("00005", models.StatusCompleted, nil)

	env := newTestEngine(t, engineOptions{store: st})

	for _, id := range []string{"00001", "00002", "00003"} {
		task, err := env.manager.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if task.Status != models.StatusCancelled {
			t.Errorf("task %s = %s, want cancelled", id, task.Status)
		}
		if task.Message != "cancelled on startup" {
			t.Errorf("task %s message = %q, want cancelled on startup", id, task.Message)
		}
	}
	if task, _ := env.manager.Get(ctx, "00005"); task.Status != models.StatusCompleted {
		t.Errorf("completed task touched by recovery: %s", task.Status)
	}

	// The pending snapshot is live again and cancellable.
	task, err := env.manager.Get(ctx, "00004")
	if err != nil {
		t.Fatalf("Get 00004: %v", err)
	}
	if task.Status != models.StatusPending {
		t.Fatalf("re-enqueued task = %s, want pending", task.Status)
	}
	ok, err := env.manager.Cancel(ctx, "00004")
	if err != nil || !ok {
		t.Errorf("Cancel of recovered task = %v, %v, want true", ok, err)
	}

	// New ids must not collide with recovered rows.
	id, err := env.manager.Submit(ctx, taskPayload(func(p map[string]interface{}) {
		p["run_at_time"] = far.Format(time.RFC3339)
	}), "tester")
	if err != nil {
		t.Fatalf("Submit after recovery: %v", err)
	}
	if id != "00006" {
		t.Errorf("id after recovery = %s, want 00006", id)
	}
}

func TestRecoveryRunsTwiceToSameState(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	far := now.Add(time.Hour)

	running := &models.Task{
		TaskID: "00001", Status: models.StatusRunning,
		TaskName: "Crashed", BrandName: "Acme", Region: "US",
		SubmittedAt: now, StartedAt: &now,
	}
	pending := &models.Task{
		TaskID: "00002", Status: models.StatusPending,
		TaskName: "Waiting", BrandName: "Acme", Region: "US",
		SubmittedAt: now, RunAt: &far, RunAtRaw: far.Format(time.RFC3339),
	}
	for _, task := range []*models.Task{running, pending} {
		if err := st.Upsert(ctx, task); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	statuses := func() map[string]models.Status {
		out := make(map[string]models.Status)
		for _, id := range []string{"00001", "00002"} {
			task, err := st.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get %s: %v", id, err)
			}
			out[id] = task.Status
		}
		return out
	}

	first := newTestEngine(t, engineOptions{store: st})
	afterFirst := statuses()
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	first.manager.Shutdown(shutdownCtx)
	cancel()

	// The waiting task must survive shutdown as a pending store row.
	if got := statuses()["00002"]; got != models.StatusPending {
		t.Fatalf("pending task after shutdown = %s, want pending", got)
	}

	second := newTestEngine(t, engineOptions{store: st})
	afterSecond := statuses()

	if afterFirst["00001"] != models.StatusCancelled || afterSecond["00001"] != models.StatusCancelled {
		t.Errorf("crashed task = %s then %s, want cancelled both times",
			afterFirst["00001"], afterSecond["00001"])
	}
	if afterFirst["00002"] != models.StatusPending || afterSecond["00002"] != models.StatusPending {
		t.Errorf("waiting task = %s then %s, want pending both times",
			afterFirst["00002"], afterSecond["00002"])
	}
	if task, err := second.manager.Get(ctx, "00002"); err != nil || task.Status != models.StatusPending {
		t.Errorf("waiting task not live after second recovery: %v, %v", task, err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	env.manager.Shutdown(shutdownCtx)
	cancel()

	if _, err := env.manager.Submit(ctx, taskPayload(nil), "tester"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Submit after shutdown = %v, want ErrManagerClosed", err)
	}
}

func TestStartTwice(t *testing.T) {
	env := newTestEngine(t, engineOptions{})
	if err := env.manager.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

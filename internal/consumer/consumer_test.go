package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/task/models"
)

type stubEngine struct {
	mu        sync.Mutex
	runErr    error
	block     chan struct{}
	runs      int
	payload   map[string]interface{}
	createdBy string
	cancelled []string
}

func (s *stubEngine) RunInline(ctx context.Context, payload map[string]interface{}, createdBy string, started func(string)) (*models.Task, error) {
	s.mu.Lock()
	s.runs++
	id := fmt.Sprintf("%05d", s.runs)
	s.payload = payload
	s.createdBy = createdBy
	err := s.runErr
	block := s.block
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if started != nil {
		started(id)
	}
	if block != nil {
		<-block
	}
	return &models.Task{TaskID: id, Status: models.StatusCompleted}, nil
}

func (s *stubEngine) ForceCancel(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, taskID)
	return true, nil
}

func (s *stubEngine) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *stubEngine) last() (map[string]interface{}, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload, s.createdBy
}

func (s *stubEngine) cancelledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// fakeMsg satisfies jetstream.Msg and records dispositions.
type fakeMsg struct {
	data []byte

	mu         sync.Mutex
	acked      int
	naked      int
	termed     int
	inProgress int
}

var _ jetstream.Msg = (*fakeMsg)(nil)

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return nil }
func (m *fakeMsg) Subject() string                           { return "test.subject" }
func (m *fakeMsg) Reply() string                             { return "" }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return nil
}

func (m *fakeMsg) DoubleAck(ctx context.Context) error { return m.Ack() }

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked++
	return nil
}

func (m *fakeMsg) NakWithDelay(time.Duration) error { return m.Nak() }

func (m *fakeMsg) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress++
	return nil
}

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed++
	return nil
}

func (m *fakeMsg) TermWithReason(string) error { return m.Term() }

func (m *fakeMsg) counts() (acked, termed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.termed
}

type fakeDLQ struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (f *fakeDLQ) PublishMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeDLQ) published() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nats.Msg(nil), f.msgs...)
}

func newTestConsumer(t *testing.T, ackMode string, eng Engine) (*Consumer, *fakeDLQ) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	dlq := &fakeDLQ{}
	return &Consumer{
		cfg: config.ConsumerConfig{
			Enabled:          true,
			Stream:           "SCOUTFLOW",
			CompletedSubject: "scoutflow.tasks.completed",
			UpdatesSubject:   "scoutflow.tasks.updates",
			DLQSubject:       "scoutflow.tasks.dlq",
			AckMode:          ackMode,
		},
		engine: eng,
		dlq:    dlq,
		logger: log,
		stopCh: make(chan struct{}),
	}, dlq
}

func jobBody(t *testing.T, mutate func(map[string]interface{})) []byte {
	t.Helper()
	body := map[string]interface{}{
		"task_name": "Queue Push",
		"region":    "US",
		"brand":     map[string]interface{}{"name": "Acme Beauty"},
	}
	if mutate != nil {
		mutate(body)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return raw
}

func TestDecodeCompletedRouteInjectsTag(t *testing.T) {
	decoded, err := decodeJob(routeCompleted, jobBody(t, nil))
	if err != nil {
		t.Fatalf("decodeJob: %v", err)
	}
	tabs, ok := decoded["tabs"].([]interface{})
	if !ok || len(tabs) != 1 || tabs[0] != "completed" {
		t.Errorf("tabs = %v, want the injected [completed]", decoded["tabs"])
	}
}

func TestDecodeCompletedRouteAcceptsExplicitTag(t *testing.T) {
	raw := jobBody(t, func(b map[string]interface{}) {
		b["tabs"] = []string{"completed"}
	})
	decoded, err := decodeJob(routeCompleted, raw)
	if err != nil {
		t.Fatalf("decodeJob: %v", err)
	}
	if decoded["task_name"] != "Queue Push" {
		t.Errorf("payload fields should survive decode, got %v", decoded["task_name"])
	}
}

func TestDecodeCompletedRouteRejectsOtherTags(t *testing.T) {
	for _, tabs := range [][]string{{"updates"}, {"completed", "more"}, {}} {
		raw := jobBody(t, func(b map[string]interface{}) {
			b["tabs"] = tabs
		})
		if _, err := decodeJob(routeCompleted, raw); !errors.Is(err, ErrTagViolation) {
			t.Errorf("tabs %v: err = %v, want ErrTagViolation", tabs, err)
		}
	}
}

func TestDecodeUpdatesRouteTagRule(t *testing.T) {
	raw := jobBody(t, func(b map[string]interface{}) {
		b["tabs"] = []string{"completed"}
	})
	if _, err := decodeJob(routeUpdates, raw); !errors.Is(err, ErrTagViolation) {
		t.Errorf("err = %v, want ErrTagViolation for [completed] on the updates route", err)
	}

	if _, err := decodeJob(routeUpdates, jobBody(t, nil)); err != nil {
		t.Errorf("absent tabs should pass on the updates route: %v", err)
	}
	raw = jobBody(t, func(b map[string]interface{}) {
		b["tabs"] = []string{"reply"}
	})
	if _, err := decodeJob(routeUpdates, raw); err != nil {
		t.Errorf("non-completed tabs should pass on the updates route: %v", err)
	}
}

func TestDecodeRejectsMalformedBodies(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte("[1,2]"),
		[]byte("null"),
		jobBody(t, func(b map[string]interface{}) { b["tabs"] = "completed" }),
		jobBody(t, func(b map[string]interface{}) { b["tabs"] = []interface{}{1} }),
	}
	for i, raw := range cases {
		if _, err := decodeJob(routeCompleted, raw); !errors.Is(err, ErrBadMessage) {
			t.Errorf("case %d: err = %v, want ErrBadMessage", i, err)
		}
	}
}

func TestHandleMessageAcksAfterSuccess(t *testing.T) {
	eng := &stubEngine{}
	c, dlq := newTestConsumer(t, AckAtLeastOnce, eng)

	msg := &fakeMsg{data: jobBody(t, nil)}
	c.handleMessage(c.routes()[0], msg)

	acked, termed := msg.counts()
	if acked != 1 || termed != 0 {
		t.Errorf("acked/termed = %d/%d, want 1/0", acked, termed)
	}
	if eng.runCount() != 1 {
		t.Errorf("runs = %d, want 1", eng.runCount())
	}
	payload, createdBy := eng.last()
	if createdBy != "consumer:completed" {
		t.Errorf("createdBy = %q, want consumer:completed", createdBy)
	}
	if tabs, ok := payload["tabs"].([]interface{}); !ok || len(tabs) != 1 || tabs[0] != "completed" {
		t.Errorf("engine payload tabs = %v, want the injected tag", payload["tabs"])
	}
	if len(dlq.published()) != 0 {
		t.Error("nothing should reach the DLQ on success")
	}
}

func TestHandleMessageTermsOnTagViolation(t *testing.T) {
	eng := &stubEngine{}
	c, _ := newTestConsumer(t, AckAtLeastOnce, eng)

	msg := &fakeMsg{data: jobBody(t, func(b map[string]interface{}) {
		b["tabs"] = []string{"completed"}
	})}
	c.handleMessage(c.routes()[1], msg)

	acked, termed := msg.counts()
	if acked != 0 || termed != 1 {
		t.Errorf("acked/termed = %d/%d, want 0/1", acked, termed)
	}
	if eng.runCount() != 0 {
		t.Errorf("runs = %d, a rejected message must not reach the engine", eng.runCount())
	}
}

func TestHandleMessageTermsOnHandlerError(t *testing.T) {
	eng := &stubEngine{runErr: errors.New("no account available")}
	c, _ := newTestConsumer(t, AckAtLeastOnce, eng)

	msg := &fakeMsg{data: jobBody(t, nil)}
	c.handleMessage(c.routes()[0], msg)

	acked, termed := msg.counts()
	if acked != 0 || termed != 1 {
		t.Errorf("acked/termed = %d/%d, want 0/1", acked, termed)
	}
}

func TestHandleMessageDeadLettersOnFailure(t *testing.T) {
	eng := &stubEngine{runErr: errors.New("boom")}
	c, dlq := newTestConsumer(t, AckAtMostOnce, eng)

	raw := jobBody(t, nil)
	msg := &fakeMsg{data: raw}
	c.handleMessage(c.routes()[0], msg)

	acked, termed := msg.counts()
	if acked != 0 || termed != 0 {
		t.Errorf("acked/termed = %d/%d, at_most_once must not touch dispositions", acked, termed)
	}
	published := dlq.published()
	if len(published) != 1 {
		t.Fatalf("dlq messages = %d, want 1", len(published))
	}
	dead := published[0]
	if dead.Subject != "scoutflow.tasks.dlq" {
		t.Errorf("dlq subject = %q", dead.Subject)
	}
	if got := dead.Header.Get("x-error"); got == "" {
		t.Error("dead letter should carry the x-error header")
	}
	if string(dead.Data) != string(raw) {
		t.Error("dead letter must carry the raw body unchanged")
	}
}

func TestHandleMessageAtMostOnceNeverAcks(t *testing.T) {
	eng := &stubEngine{}
	c, dlq := newTestConsumer(t, AckAtMostOnce, eng)

	msg := &fakeMsg{data: jobBody(t, nil)}
	c.handleMessage(c.routes()[0], msg)

	acked, termed := msg.counts()
	if acked != 0 || termed != 0 {
		t.Errorf("acked/termed = %d/%d, want 0/0 under AckNone delivery", acked, termed)
	}
	if len(dlq.published()) != 0 {
		t.Error("successful runs must not dead-letter")
	}
}

func TestCancelCurrentTargetsActiveRun(t *testing.T) {
	eng := &stubEngine{block: make(chan struct{})}
	c, _ := newTestConsumer(t, AckAtLeastOnce, eng)

	msg := &fakeMsg{data: jobBody(t, nil)}
	done := make(chan struct{})
	go func() {
		c.handleMessage(c.routes()[0], msg)
		close(done)
	}()

	var id string
	var issued bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		id, issued, _ = c.CancelCurrent(context.Background())
		if issued {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !issued || id != "00001" {
		t.Fatalf("CancelCurrent = %q, %v, want the active task", id, issued)
	}
	if ids := eng.cancelledIDs(); len(ids) != 1 || ids[0] != "00001" {
		t.Errorf("force-cancelled = %v, want [00001]", ids)
	}

	close(eng.block)
	<-done

	id, issued, err := c.CancelCurrent(context.Background())
	if err != nil || issued || id != "" {
		t.Errorf("CancelCurrent after the run = %q, %v, %v, want an empty slot", id, issued, err)
	}
}

func TestNilConsumerIsDisabled(t *testing.T) {
	c := New(config.ConsumerConfig{Enabled: false}, &stubEngine{}, nil, nil)
	if c != nil {
		t.Fatal("disabled config should yield a nil consumer")
	}
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("nil Start: %v", err)
	}
	if id, ok, err := c.CancelCurrent(context.Background()); id != "" || ok || err != nil {
		t.Errorf("nil CancelCurrent = %q, %v, %v", id, ok, err)
	}
	c.Drain()
	c.Close(context.Background())
}

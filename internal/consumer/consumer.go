// Package consumer bridges JetStream work queues onto the task engine. Two
// durable routes share one stream: the completed route carries messages
// tagged "completed", the updates route carries everything else. Each
// message becomes one inline task run.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/task/models"
)

// Ack modes. at_least_once acks after the handler succeeds and terminates
// failed deliveries without requeue; at_most_once consumes without acks and
// publishes failures to the dead-letter subject.
const (
	AckAtLeastOnce = "at_least_once"
	AckAtMostOnce  = "at_most_once"
)

const (
	routeCompleted = "completed"
	routeUpdates   = "updates"

	completedTag = "completed"

	// errorHeader carries the failure reason on dead-letter messages.
	errorHeader = "x-error"

	fetchWait  = 5 * time.Second
	ackWait    = 60 * time.Second
	ackBeat    = 20 * time.Second
	maxDeliver = 3
)

var (
	// ErrBadMessage marks bodies that cannot be decoded into a job.
	ErrBadMessage = errors.New("malformed consumer message")

	// ErrTagViolation marks messages whose tabs list contradicts their route.
	ErrTagViolation = errors.New("queue tag violation")
)

// Engine is the slice of the task manager the consumer drives.
type Engine interface {
	RunInline(ctx context.Context, payload map[string]interface{}, createdBy string, started func(taskID string)) (*models.Task, error)
	ForceCancel(ctx context.Context, taskID string) (bool, error)
}

// dlqPublisher publishes dead-letter messages. *nats.Conn satisfies it.
type dlqPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

type route struct {
	name    string
	subject string
	durable string
}

// Consumer pulls messages from the two routes and runs each one inline on
// the engine. A nil Consumer is a disabled adapter; every method tolerates
// it.
type Consumer struct {
	cfg    config.ConsumerConfig
	engine Engine
	conn   *nats.Conn
	dlq    dlqPublisher
	logger *logger.Logger

	mu        sync.Mutex
	currentID string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds the adapter. Disabled configuration or a missing NATS
// connection yields nil.
func New(cfg config.ConsumerConfig, eng Engine, conn *nats.Conn, log *logger.Logger) *Consumer {
	if !cfg.Enabled || conn == nil {
		return nil
	}
	return &Consumer{
		cfg:    cfg,
		engine: eng,
		conn:   conn,
		dlq:    conn,
		logger: log.WithFields(zap.String("component", "consumer")),
		stopCh: make(chan struct{}),
	}
}

// Start ensures the stream and both durable consumers exist, then begins
// fetching. One message is in flight per route at a time.
func (c *Consumer) Start(ctx context.Context) error {
	if c == nil {
		return nil
	}

	js, err := jetstream.New(c.conn)
	if err != nil {
		return fmt.Errorf("consumer: jetstream context: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.CompletedSubject, c.cfg.UpdatesSubject},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("consumer: ensure stream %s: %w", c.cfg.Stream, err)
	}

	for _, r := range c.routes() {
		cc := jetstream.ConsumerConfig{
			Durable:       r.durable,
			FilterSubject: r.subject,
			AckPolicy:     jetstream.AckNonePolicy,
		}
		if c.cfg.AckMode == AckAtLeastOnce {
			cc.AckPolicy = jetstream.AckExplicitPolicy
			cc.AckWait = ackWait
			cc.MaxDeliver = maxDeliver
		}
		cons, err := stream.CreateOrUpdateConsumer(sctx, cc)
		if err != nil {
			return fmt.Errorf("consumer: route %s: %w", r.name, err)
		}
		c.wg.Add(1)
		go c.consumeLoop(r, cons)
	}

	c.logger.Info("consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("ack_mode", c.cfg.AckMode),
		zap.String("completed_subject", c.cfg.CompletedSubject),
		zap.String("updates_subject", c.cfg.UpdatesSubject))
	return nil
}

func (c *Consumer) routes() []route {
	return []route{
		{name: routeCompleted, subject: c.cfg.CompletedSubject, durable: c.cfg.Stream + "-completed"},
		{name: routeUpdates, subject: c.cfg.UpdatesSubject, durable: c.cfg.Stream + "-updates"},
	}
}

// Drain stops fetching new messages. In-flight jobs keep running; callers
// shut the engine down afterwards so those jobs unwind, then Close.
func (c *Consumer) Drain() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Close drains and waits for the fetch loops and any in-flight job. ctx
// bounds the wait.
func (c *Consumer) Close(ctx context.Context) {
	if c == nil {
		return
	}
	c.Drain()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer stopped")
	case <-ctx.Done():
		c.logger.Warn("consumer close expired with jobs still in flight")
	}
}

// CancelCurrent force-cancels the active inline run. It returns the task id
// it targeted and whether a cancellation was actually issued.
func (c *Consumer) CancelCurrent(ctx context.Context) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}
	c.mu.Lock()
	id := c.currentID
	c.mu.Unlock()
	if id == "" {
		return "", false, nil
	}
	ok, err := c.engine.ForceCancel(ctx, id)
	return id, ok, err
}

func (c *Consumer) consumeLoop(r route, cons jetstream.Consumer) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			c.logger.Debug("consumer fetch",
				zap.String("route", r.name),
				zap.Error(err))
			continue
		}
		for msg := range batch.Messages() {
			c.handleMessage(r, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("consumer fetch error",
				zap.String("route", r.name),
				zap.Error(err))
		}
	}
}

// handleMessage decodes, validates the queue tag, and runs the job inline.
// The session is acquired inside the run, not at consume time, so the
// broker's prefetch and the session pool cap together provide backpressure.
func (c *Consumer) handleMessage(r route, msg jetstream.Msg) {
	stopBeat := c.keepAlive(msg)
	defer stopBeat()

	payload, err := decodeJob(r.name, msg.Data())
	if err != nil {
		c.reject(r, msg, err)
		return
	}

	task, err := c.runJob(r, payload)
	if err != nil {
		c.reject(r, msg, fmt.Errorf("handler: %w", err))
		return
	}

	c.ack(r, msg)
	c.logger.Info("consumer job finished",
		zap.String("route", r.name),
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)))
}

func (c *Consumer) runJob(r route, payload map[string]interface{}) (*models.Task, error) {
	defer func() {
		c.mu.Lock()
		c.currentID = ""
		c.mu.Unlock()
	}()
	return c.engine.RunInline(context.Background(), payload, "consumer:"+r.name, func(taskID string) {
		c.mu.Lock()
		c.currentID = taskID
		c.mu.Unlock()
	})
}

// ack completes a delivery. Only the at_least_once mode acknowledges;
// at_most_once consumers are AckNone and the server already considers the
// message delivered.
func (c *Consumer) ack(r route, msg jetstream.Msg) {
	if c.cfg.AckMode != AckAtLeastOnce {
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("ack failed",
			zap.String("route", r.name),
			zap.Error(err))
	}
}

// reject disposes of a failed message. at_least_once terminates the
// delivery so the broker never requeues it; at_most_once forwards the raw
// body to the dead-letter subject with the failure reason attached.
func (c *Consumer) reject(r route, msg jetstream.Msg, cause error) {
	c.logger.Warn("consumer message rejected",
		zap.String("route", r.name),
		zap.Error(cause))

	if c.cfg.AckMode == AckAtMostOnce {
		dead := nats.NewMsg(c.cfg.DLQSubject)
		dead.Header.Set(errorHeader, cause.Error())
		dead.Data = msg.Data()
		if err := c.dlq.PublishMsg(dead); err != nil {
			c.logger.Error("dead-letter publish failed",
				zap.String("route", r.name),
				zap.Error(err))
		}
		return
	}
	if err := msg.Term(); err != nil {
		c.logger.Warn("term failed",
			zap.String("route", r.name),
			zap.Error(err))
	}
}

// keepAlive extends the ack window while an inline run is in flight, so a
// long task never triggers a redelivery mid-run.
func (c *Consumer) keepAlive(msg jetstream.Msg) func() {
	if c.cfg.AckMode != AckAtLeastOnce {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(ackBeat)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// decodeJob unmarshals a message body and enforces the queue-tag rule. The
// completed route injects tabs ["completed"] when absent and rejects any
// other tag; the updates route rejects exactly that tag. The returned map
// is the Submit payload, tabs included.
func decodeJob(routeName string, data []byte) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrBadMessage)
	}

	tabs, present, err := tabsOf(body)
	if err != nil {
		return nil, err
	}
	switch routeName {
	case routeCompleted:
		if !present {
			body["tabs"] = []interface{}{completedTag}
		} else if !isCompletedOnly(tabs) {
			return nil, fmt.Errorf("%w: completed route requires tabs [%q], got %v", ErrTagViolation, completedTag, tabs)
		}
	default:
		if isCompletedOnly(tabs) {
			return nil, fmt.Errorf("%w: updates route does not accept tabs [%q]", ErrTagViolation, completedTag)
		}
	}
	return body, nil
}

// tabsOf extracts the tabs list. present is false when the key is absent.
func tabsOf(body map[string]interface{}) (tabs []string, present bool, err error) {
	v, ok := body["tabs"]
	if !ok || v == nil {
		return nil, false, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, true, fmt.Errorf("%w: tabs must be a list", ErrBadMessage)
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, true, fmt.Errorf("%w: tabs entries must be strings", ErrBadMessage)
		}
		out = append(out, s)
	}
	return out, true, nil
}

func isCompletedOnly(tabs []string) bool {
	return len(tabs) == 1 && tabs[0] == completedTag
}

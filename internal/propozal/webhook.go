package propozal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultDispatcherWorkers = 4

type DispatcherOptions struct {
	Subscriptions  SubscriptionStore
	Deliveries     DeliveryLog
	Queue          DeliveryQueue
	Sender         *WebhookSender
	Workers        int
	DisableWorkers bool
	// EnqueueTimeout lets Dispatch wait that long for room in a full queue.
	// Zero drops the event at once.
	EnqueueTimeout time.Duration
	Logger         *slog.Logger
	Now            Clock
	NewID          func() string
}

// Dispatcher fans lifecycle events out to user webhooks. Dispatch only
// enqueues; background workers, whose context is owned by the Dispatcher,
// sign, send and record each delivery.
type Dispatcher struct {
	subscriptions  SubscriptionStore
	deliveries     DeliveryLog
	queue          DeliveryQueue
	enqueueTimeout time.Duration
	sender         *WebhookSender
	logger         *slog.Logger
	now            Clock
	newID          func() string
	telemetry      *instruments

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type webhookPayload struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	UserID    string          `json:"user_id"`
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryDeliveryQueue(defaultDeliveryQueueCapacity)
	}
	sender := opts.Sender
	if sender == nil {
		sender = NewWebhookSender(WebhookSenderOptions{})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = systemClock
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultDispatcherWorkers
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		subscriptions:  opts.Subscriptions,
		deliveries:     opts.Deliveries,
		queue:          queue,
		enqueueTimeout: opts.EnqueueTimeout,
		sender:         sender,
		logger:         logger.With("component", "webhooks"),
		now:            now,
		newID:          newID,
		telemetry:      newInstruments(),
		queueCtx:       queueCtx,
		queueCancel:    queueCancel,
	}
	if !opts.DisableWorkers {
		d.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer d.wg.Done()
				d.worker()
			}()
		}
	}
	return d
}

// Dispatch queues eventType for userID. It never sends inline. On a full
// queue it waits at most the configured enqueue timeout, detached from ctx
// cancellation, then drops the event with ErrQueueFull.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, eventType string, data any) error {
	userID = strings.TrimSpace(userID)
	eventType = strings.TrimSpace(eventType)
	if userID == "" || eventType == "" {
		return invalidField("event", "user and event type are required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	task := DeliveryTask{
		ID:         d.newID(),
		UserID:     userID,
		EventType:  eventType,
		Data:       raw,
		EnqueuedAt: d.now(),
	}
	if !d.enqueue(ctx, task) {
		d.logger.WarnContext(ctx, "webhook queue full, dropping event",
			"user_id", userID, "event", eventType, "depth", d.queue.Depth(), "capacity", d.queue.Capacity())
		return ErrQueueFull
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, task DeliveryTask) bool {
	if d.queue.TryEnqueue(task) {
		return true
	}
	if d.enqueueTimeout <= 0 {
		return false
	}
	waitCtx, cancel := detachedContext(ctx, d.enqueueTimeout)
	defer cancel()
	return d.queue.Enqueue(waitCtx, task)
}

func (d *Dispatcher) worker() {
	for {
		task, ok := d.queue.Dequeue(d.queueCtx)
		if !ok {
			return
		}
		_, err := d.deliverTraced(d.queueCtx, task, true)
		if errors.Is(err, errDeliveryInterrupted) || (d.queueCtx.Err() != nil && errors.Is(err, context.Canceled)) {
			// Left claimed; a durable queue offers it again on the next start.
			d.logger.Info("webhook delivery interrupted by shutdown",
				"delivery_id", task.ID, "user_id", task.UserID, "event", task.EventType)
			return
		}
		if err != nil {
			d.logger.Warn("webhook delivery failed",
				"delivery_id", task.ID, "user_id", task.UserID, "event", task.EventType, "error", err)
		}
		if err := d.queue.Ack(task); err != nil {
			d.logger.Error("webhook queue ack failed",
				"delivery_id", task.ID, "user_id", task.UserID, "error", err)
		}
	}
}

// errDeliveryInterrupted marks a queued delivery cut short by Close. No
// record is written for it.
var errDeliveryInterrupted = errors.New("webhook delivery interrupted")

// Deliver performs one logical delivery. It returns a nil record when the
// user has no enabled subscription for the event. Exactly one record is
// appended to the delivery log for every delivery that was attempted.
func (d *Dispatcher) Deliver(ctx context.Context, task DeliveryTask) (*WebhookDelivery, error) {
	return d.deliverTraced(ctx, task, false)
}

func (d *Dispatcher) deliverTraced(ctx context.Context, task DeliveryTask, requeueOnCancel bool) (*WebhookDelivery, error) {
	ctx, span := d.telemetry.startSpan(ctx, "webhook.deliver",
		attribute.String("webhook.event", task.EventType),
		attribute.String("webhook.delivery_id", task.ID))
	record, err := d.deliver(ctx, task, requeueOnCancel)
	endSpan(span, err)
	return record, err
}

func (d *Dispatcher) deliver(ctx context.Context, task DeliveryTask, requeueOnCancel bool) (*WebhookDelivery, error) {
	if d.subscriptions == nil {
		return nil, nil
	}
	lookupCtx, cancel := storageContext(ctx)
	sub, err := d.subscriptions.GetSubscription(lookupCtx, task.UserID)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook subscription for %s: %w", task.UserID, err)
	}
	if !sub.Enabled || strings.TrimSpace(sub.URL) == "" || !sub.Subscribed(task.EventType) {
		return nil, nil
	}
	record, sendErr := d.send(ctx, task, sub.URL, sub.Secret, requeueOnCancel)
	if errors.Is(sendErr, errDeliveryInterrupted) {
		return nil, sendErr
	}
	return &record, sendErr
}

func (d *Dispatcher) send(ctx context.Context, task DeliveryTask, target, secret string, requeueOnCancel bool) (WebhookDelivery, error) {
	data := task.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	body, err := CanonicalJSON(webhookPayload{
		Event:     task.EventType,
		Timestamp: d.now().UTC().Format(time.RFC3339),
		Data:      data,
		UserID:    task.UserID,
	})
	if err != nil {
		return WebhookDelivery{}, err
	}
	headers := http.Header{}
	headers.Set(SignatureHeader, Sign(secret, body))
	headers.Set(EventHeader, task.EventType)
	headers.Set(DeliveryIDHeader, task.ID)

	result, sendErr := d.sender.Send(ctx, target, body, headers)
	if requeueOnCancel && sendErr != nil && ctx.Err() != nil {
		return WebhookDelivery{}, fmt.Errorf("%w: %w", errDeliveryInterrupted, sendErr)
	}
	record := WebhookDelivery{
		ID:             task.ID,
		UserID:         task.UserID,
		EventType:      task.EventType,
		URL:            target,
		Payload:        body,
		ResponseStatus: result.StatusCode,
		ResponseBody:   result.Body,
		Failed:         sendErr != nil,
		Attempts:       result.Attempts,
		DeliveredAt:    d.now(),
	}
	if sendErr != nil {
		record.Error = sendErr.Error()
	}
	d.record(ctx, record)
	return record, sendErr
}

// record survives cancellation of ctx so a cancelled SendTest or direct
// Deliver still leaves a log entry behind.
func (d *Dispatcher) record(ctx context.Context, record WebhookDelivery) {
	outcome := "delivered"
	if record.Failed {
		outcome = "failed"
	}
	d.telemetry.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", record.EventType),
		attribute.String("outcome", outcome)))
	if d.deliveries == nil {
		return
	}
	writeCtx, cancel := detachedContext(ctx, storageOperationTimeout)
	defer cancel()
	if err := d.deliveries.AppendDelivery(writeCtx, record); err != nil {
		d.logger.Error("webhook delivery log write failed",
			"delivery_id", record.ID, "user_id", record.UserID, "error", err)
	}
}

type TestDeliveryResult struct {
	Delivery WebhookDelivery `json:"delivery"`
	// Secret is set only when the caller did not supply one.
	Secret  string `json:"secret,omitempty"`
	Success bool   `json:"success"`
}

// SendTest sends test.ping to target synchronously, skipping the
// subscription lookup. A delivery failure is reported in the result, not as
// an error.
func (d *Dispatcher) SendTest(ctx context.Context, userID, target, secret string) (TestDeliveryResult, error) {
	target = strings.TrimSpace(target)
	if _, err := parseWebhookURL(target); err != nil {
		return TestDeliveryResult{}, err
	}
	generated := ""
	if strings.TrimSpace(secret) == "" {
		var err error
		if secret, err = GenerateWebhookSecret(); err != nil {
			return TestDeliveryResult{}, err
		}
		generated = secret
	}
	data, err := json.Marshal(map[string]string{"message": "This is a test webhook from Propozal"})
	if err != nil {
		return TestDeliveryResult{}, err
	}
	task := DeliveryTask{
		ID:         d.newID(),
		UserID:     userID,
		EventType:  WebhookTestPing,
		Data:       data,
		EnqueuedAt: d.now(),
	}
	record, sendErr := d.send(ctx, task, target, secret, false)
	if sendErr != nil && record.ID == "" {
		return TestDeliveryResult{}, sendErr
	}
	return TestDeliveryResult{Delivery: record, Secret: generated, Success: sendErr == nil}, nil
}

func (d *Dispatcher) QueueDepth() int {
	return d.queue.Depth()
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.queueCancel()
		d.wg.Wait()
		_ = d.queue.Close()
	})
}

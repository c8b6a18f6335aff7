package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-pay-api/pkg/jobs"
)

// Notification event names emitted by the enrollment and payment flows.
const (
	EventEnrollmentCreated  = "enrollment.created"
	EventPaymentReceived    = "payment.received"
	EventInstallmentOverdue = "installment.overdue"
)

// NotificationSender delivers a single event. Implementations live outside
// this core (email, push, webhooks).
type NotificationSender interface {
	Send(ctx context.Context, event string, payload map[string]interface{}) error
}

// LogSender writes events to the log. It is the development delivery channel
// and a stand-in until a real channel is wired.
type LogSender struct {
	Logger *zap.Logger
}

// Send logs the event.
func (s LogSender) Send(_ context.Context, event string, payload map[string]interface{}) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification", zap.String("event", event), zap.Any("payload", payload))
	return nil
}

// NotificationDispatcher fans events out through a retrying worker queue.
// Dispatch is fire-and-forget: a failed or dropped notification never affects
// the operation that triggered it.
type NotificationDispatcher struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

type notificationJob struct {
	Event   string
	Payload map[string]interface{}
}

// DispatcherConfig tunes the underlying queue.
type DispatcherConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewNotificationDispatcher constructs the dispatcher. A nil sender yields a
// dispatcher that silently drops events, which keeps call sites unconditional.
func NewNotificationDispatcher(sender NotificationSender, cfg DispatcherConfig, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		return &NotificationDispatcher{logger: logger}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	handler := func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(notificationJob)
		if !ok {
			return nil
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return sender.Send(sendCtx, payload.Event, payload.Payload)
	}

	queue := jobs.NewQueue("notifications", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return &NotificationDispatcher{queue: queue, logger: logger}
}

// Start launches the queue workers.
func (d *NotificationDispatcher) Start(ctx context.Context) {
	if d == nil || d.queue == nil {
		return
	}
	d.queue.Start(ctx)
}

// Stop drains the queue workers.
func (d *NotificationDispatcher) Stop() {
	if d == nil || d.queue == nil {
		return
	}
	d.queue.Stop()
}

// Dispatch enqueues an event. Errors are logged and swallowed.
func (d *NotificationDispatcher) Dispatch(event string, payload map[string]interface{}) {
	if d == nil || d.queue == nil {
		return
	}
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    event,
		Payload: notificationJob{Event: event, Payload: payload},
	}
	if err := d.queue.Enqueue(job); err != nil {
		d.logger.Warn("notification dropped", zap.String("event", event), zap.Error(err))
	}
}

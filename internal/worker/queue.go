package worker

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/monitor"
	"github.com/onnwee/chaintrail/internal/store"
)

// retryCountHeader carries the redelivery count across republishes. The
// count lives in transport headers so the signed event body is never
// modified in flight.
const retryCountHeader = "x-retry-count"

// republisher is the subset of amqp.Channel used to requeue failed
// deliveries.
type republisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueWorker consumes the durable audit queue with manual acknowledgement.
// A delivery is acked only after the event is stored; storage failures are
// republished with an incremented retry count until the limit, then dropped
// with an error log. Malformed messages are rejected immediately since
// redelivery cannot fix them.
type QueueWorker struct {
	url        string
	queueName  string
	maxRetries int
	sink       sink
	logger     *slog.Logger
	alerts     Alerter
	backoff    *backoff
	counters   counters
	stateTracker

	conn *amqp.Connection
}

// QueueWorkerConfig configures the durable-queue worker.
type QueueWorkerConfig struct {
	URL        string
	QueueName  string
	MaxRetries int
	Store      store.Store
	Logger     *slog.Logger
	Alerts     Alerter
	Backoff    BackoffConfig
}

// NewQueueWorker creates the worker without connecting; Run dials.
func NewQueueWorker(cfg QueueWorkerConfig) *QueueWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &QueueWorker{
		url:        cfg.URL,
		queueName:  cfg.QueueName,
		maxRetries: retries,
		sink:       sink{store: cfg.Store, logger: logger, alerts: cfg.Alerts},
		logger:     logger,
		alerts:     cfg.Alerts,
		backoff:    newBackoff(cfg.Backoff),
	}
}

// Run consumes the queue until the context is cancelled or reconnection
// attempts are exhausted.
func (w *QueueWorker) Run(ctx context.Context) error {
	defer w.set(StateStopped)
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.set(StateConnecting)
		if err := w.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("queue consumer lost",
				slog.String("queue", w.queueName),
				slog.String("error", err.Error()))

			if w.backoff.exhausted() {
				w.logger.Error("queue worker giving up",
					slog.String("queue", w.queueName),
					slog.Int("attempts", w.backoff.config.MaxAttempts))
				if w.alerts != nil {
					w.alerts.Publish(monitor.Alert{
						Kind:    monitor.KindWorkerStopped,
						Message: "queue worker stopped after exhausting reconnection attempts",
						Details: map[string]any{"queue": w.queueName},
					})
				}
				return ErrMaxAttempts
			}

			w.set(StateReconnecting)
			delay := w.backoff.next()
			w.logger.Info("scheduling queue reconnect",
				slog.Duration("delay", delay),
				slog.Int("attempt", w.backoff.attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// consume dials, declares the durable queue, and drains deliveries until the
// connection dies.
func (w *QueueWorker) consume(ctx context.Context) error {
	conn, err := amqp.Dial(w.url)
	if err != nil {
		return err
	}
	w.conn = conn
	defer w.close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(w.queueName, true, false, false, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(w.queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	w.backoff.reset()
	w.set(StateConsuming)
	w.logger.Info("consuming audit queue", slog.String("queue", w.queueName))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return amqp.ErrClosed
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			w.handleDelivery(ctx, ch, d)
		}
	}
}

// handleDelivery processes one delivery end to end, including its
// acknowledgement.
func (w *QueueWorker) handleDelivery(ctx context.Context, ch republisher, d amqp.Delivery) {
	msg, err := audit.DecodeMessage(d.Body)
	if err != nil {
		w.counters.failed.Add(1)
		w.logger.Error("rejecting malformed queue message",
			slog.String("queue", w.queueName),
			slog.String("error", err.Error()))
		if rejectErr := d.Reject(false); rejectErr != nil {
			w.logger.Error("failed to reject delivery", slog.String("error", rejectErr.Error()))
		}
		return
	}

	if err := w.sink.storeMessage(ctx, msg); err != nil {
		w.counters.failed.Add(1)
		w.retry(ctx, ch, d, msg, err)
		return
	}

	w.counters.processed.Add(1)
	if err := d.Ack(false); err != nil {
		w.logger.Error("failed to ack delivery",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()))
	}
}

// Stats reports the worker's message counters.
func (w *QueueWorker) Stats() Stats { return w.counters.stats() }

// retry republishes a failed delivery with an incremented retry count, or
// drops it once the limit is reached. The original delivery is always
// settled so the broker does not redeliver the stale copy.
func (w *QueueWorker) retry(ctx context.Context, ch republisher, d amqp.Delivery, msg *audit.Message, cause error) {
	retries := retryCount(d)
	if retries >= w.maxRetries {
		w.logger.Error("dropping audit message after retry limit",
			slog.String("message_id", msg.MessageID),
			slog.Int("retries", retries),
			slog.String("error", cause.Error()))
		if err := d.Reject(false); err != nil {
			w.logger.Error("failed to reject delivery", slog.String("error", err.Error()))
		}
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(retries + 1)

	err := ch.PublishWithContext(ctx, "", w.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		// Could not requeue a fresh copy; let the broker redeliver this one.
		w.logger.Error("failed to republish delivery, requeueing original",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()))
		if nackErr := d.Nack(false, true); nackErr != nil {
			w.logger.Error("failed to nack delivery", slog.String("error", nackErr.Error()))
		}
		return
	}

	w.logger.Warn("requeued audit message after storage failure",
		slog.String("message_id", msg.MessageID),
		slog.Int("retry", retries+1),
		slog.Int("max_retries", w.maxRetries),
		slog.String("error", cause.Error()))
	if err := d.Ack(false); err != nil {
		w.logger.Error("failed to ack replaced delivery", slog.String("error", err.Error()))
	}
}

// retryCount reads the retry header, tolerating the integer widths AMQP
// clients use for table values.
func retryCount(d amqp.Delivery) int {
	v, ok := d.Headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

func (w *QueueWorker) close() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

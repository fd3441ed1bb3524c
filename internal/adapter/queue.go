package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/onnwee/chaintrail/internal/audit"
)

// Queue publishes events to a durable AMQP queue. Messages are marked
// persistent so they survive broker restarts, and publishes are retried a
// bounded number of times before the event is surfaced as lost.
type Queue struct {
	url              string
	queueName        string
	source           string
	connectTimeout   time.Duration
	maxRetries       int
	retryDelay       time.Duration
	integrityEnabled bool
	logger           *slog.Logger
	metrics          *Metrics
	counters         counters

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// QueueConfig configures the durable-queue adapter.
type QueueConfig struct {
	URL              string
	QueueName        string
	Source           string
	ConnectTimeout   time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	IntegrityEnabled bool
	Logger           *slog.Logger
	Metrics          *Metrics
}

// NewQueue creates the adapter without connecting; Init dials.
func NewQueue(cfg QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Queue{
		url:              cfg.URL,
		queueName:        cfg.QueueName,
		source:           cfg.Source,
		connectTimeout:   timeout,
		maxRetries:       retries,
		retryDelay:       delay,
		integrityEnabled: cfg.IntegrityEnabled,
		logger:           logger,
		metrics:          cfg.Metrics,
	}
}

func (q *Queue) Name() string { return "queue" }

// Init dials the broker and declares the durable queue.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := amqp.DialConfig(q.url, amqp.Config{Dial: amqp.DefaultDial(q.connectTimeout)})
	if err != nil {
		return fmt.Errorf("%w: amqp dial: %v", ErrTransport, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: amqp channel: %v", ErrTransport, err)
	}
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("%w: declare queue %s: %v", ErrTransport, q.queueName, err)
	}

	q.conn = conn
	q.ch = ch
	q.logger.Info("connected to message queue", slog.String("queue", q.queueName))
	return nil
}

// Process enqueues the event as a persistent message, retrying transient
// publish failures up to the configured limit with a fixed delay between
// attempts.
func (q *Queue) Process(ctx context.Context, event *audit.Event) error {
	start := time.Now()

	msg := audit.NewMessage(q.source, q.integrityEnabled, *event)
	payload, err := msg.Encode()
	if err != nil {
		q.counters.failed.Add(1)
		q.metrics.observe(q.Name(), StatusFailed, time.Since(start).Seconds())
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= q.maxRetries; attempt++ {
		lastErr = q.publish(ctx, payload)
		if lastErr == nil {
			q.counters.processed.Add(1)
			q.metrics.observe(q.Name(), StatusDelivered, time.Since(start).Seconds())
			return nil
		}
		q.logger.Warn("queue publish failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", q.maxRetries),
			slog.String("error", lastErr.Error()))
		if attempt == q.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			q.counters.failed.Add(1)
			q.metrics.observe(q.Name(), StatusFailed, time.Since(start).Seconds())
			return ctx.Err()
		case <-time.After(q.retryDelay):
		}
	}

	q.counters.failed.Add(1)
	q.metrics.observe(q.Name(), StatusFailed, time.Since(start).Seconds())
	return fmt.Errorf("%w: publish after %d attempts: %v", ErrTransport, q.maxRetries, lastErr)
}

func (q *Queue) publish(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("queue adapter not initialized")
	}
	return ch.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
}

// Healthy reports whether the broker connection is open.
func (q *Queue) Healthy(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conn != nil && !q.conn.IsClosed()
}

func (q *Queue) Stats() Stats { return q.counters.stats() }

// Close shuts down the channel and connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}

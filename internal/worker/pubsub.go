package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/monitor"
	"github.com/onnwee/chaintrail/internal/store"
)

// PubSubWorker subscribes to the Redis audit channel and stores every
// message it receives. A lost subscription is re-established with backoff;
// when the attempt limit is exhausted the worker stops itself and raises a
// worker-stopped alert, since a silently absent subscriber means audit
// events are being dropped at the publisher.
type PubSubWorker struct {
	client   *redis.Client
	channel  string
	sink     sink
	logger   *slog.Logger
	alerts   Alerter
	backoff  *backoff
	counters counters
	stateTracker
}

// PubSubWorkerConfig configures the pub/sub worker.
type PubSubWorkerConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Store    store.Store
	Logger   *slog.Logger
	Alerts   Alerter
	Backoff  BackoffConfig
}

// NewPubSubWorker creates the worker without connecting; Run dials.
func NewPubSubWorker(cfg PubSubWorkerConfig) *PubSubWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubWorker{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Channel,
		sink:    sink{store: cfg.Store, logger: logger, alerts: cfg.Alerts},
		logger:  logger,
		alerts:  cfg.Alerts,
		backoff: newBackoff(cfg.Backoff),
	}
}

// Run consumes the channel until the context is cancelled or reconnection
// attempts are exhausted.
func (w *PubSubWorker) Run(ctx context.Context) error {
	defer w.set(StateStopped)

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
			w.logger.Warn("pub/sub subscription lost",
				slog.String("channel", w.channel),
				slog.String("error", err.Error()))

			if w.backoff.exhausted() {
				w.logger.Error("pub/sub worker giving up",
					slog.String("channel", w.channel),
					slog.Int("attempts", w.backoff.config.MaxAttempts))
				if w.alerts != nil {
					w.alerts.Publish(monitor.Alert{
						Kind:    monitor.KindWorkerStopped,
						Message: "pub/sub worker stopped after exhausting reconnection attempts",
						Details: map[string]any{"channel": w.channel},
					})
				}
				return ErrMaxAttempts
			}

			w.set(StateReconnecting)
			delay := w.backoff.next()
			w.logger.Info("scheduling pub/sub reconnect",
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

// consume subscribes and drains messages until the subscription dies.
func (w *PubSubWorker) consume(ctx context.Context) error {
	pubsub := w.client.Subscribe(ctx, w.channel)
	defer pubsub.Close()

	// Receive confirms the subscription before we trust the channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	w.backoff.reset()
	w.set(StateConsuming)
	w.logger.Info("subscribed to audit channel", slog.String("channel", w.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			w.handle(ctx, []byte(msg.Payload))
		}
	}
}

// handle decodes and stores one payload. Malformed payloads are logged,
// counted as failed, and dropped; there is no redelivery on pub/sub.
func (w *PubSubWorker) handle(ctx context.Context, payload []byte) {
	msg, err := audit.DecodeMessage(payload)
	if err != nil {
		w.counters.failed.Add(1)
		w.logger.Error("dropping malformed audit message",
			slog.String("channel", w.channel),
			slog.String("error", err.Error()))
		return
	}
	if err := w.sink.storeMessage(ctx, msg); err != nil {
		w.counters.failed.Add(1)
		w.logger.Error("failed to store consumed audit event",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()))
		return
	}
	w.counters.processed.Add(1)
}

// Stats reports the worker's message counters.
func (w *PubSubWorker) Stats() Stats { return w.counters.stats() }

// Close releases the Redis connection.
func (w *PubSubWorker) Close() error { return w.client.Close() }

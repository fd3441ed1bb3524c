package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/monitor"
)

// publisher is the slice of redis.Client that Process depends on.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// PubSub publishes events to a Redis channel for worker consumption.
// Delivery is fire-and-forget: if no worker is subscribed when a message is
// published, the message is lost. Process surfaces that case as a
// no-subscriber alert instead of an error, because Redis accepted the
// publish.
type PubSub struct {
	client           *redis.Client
	pub              publisher
	channel          string
	source           string
	connectTimeout   time.Duration
	integrityEnabled bool
	logger           *slog.Logger
	alerts           Alerter
	metrics          *Metrics
	counters         counters
}

// PubSubConfig configures the Redis pub/sub adapter.
type PubSubConfig struct {
	Addr             string
	Password         string
	DB               int
	Channel          string
	Source           string
	ConnectTimeout   time.Duration
	IntegrityEnabled bool
	Logger           *slog.Logger
	Alerts           Alerter
	Metrics          *Metrics
}

// NewPubSub creates the adapter without connecting; Init dials.
func NewPubSub(cfg PubSubConfig) *PubSub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: timeout,
	})
	return &PubSub{
		client:           client,
		pub:              client,
		channel:          cfg.Channel,
		source:           cfg.Source,
		connectTimeout:   timeout,
		integrityEnabled: cfg.IntegrityEnabled,
		logger:           logger,
		alerts:           cfg.Alerts,
		metrics:          cfg.Metrics,
	}
}

func (p *PubSub) Name() string { return "pubsub" }

// Init verifies the Redis server is reachable within the connect timeout.
func (p *PubSub) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", ErrTransport, err)
	}
	p.logger.Info("connected to redis", slog.String("channel", p.channel))
	return nil
}

// Process publishes the event to the configured channel. A publish that
// reaches zero subscribers succeeds at the transport level but means the
// event will never be stored; it is counted, logged, and alerted.
func (p *PubSub) Process(ctx context.Context, event *audit.Event) error {
	start := time.Now()

	msg := audit.NewMessage(p.source, p.integrityEnabled, *event)
	payload, err := msg.Encode()
	if err != nil {
		p.counters.failed.Add(1)
		p.metrics.observe(p.Name(), StatusFailed, time.Since(start).Seconds())
		return err
	}

	receivers, err := p.pub.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		p.counters.failed.Add(1)
		p.metrics.observe(p.Name(), StatusFailed, time.Since(start).Seconds())
		return fmt.Errorf("%w: publish to %s: %v", ErrTransport, p.channel, err)
	}

	p.counters.processed.Add(1)
	if receivers == 0 {
		p.logger.Warn("audit event published with no subscribers",
			slog.String("channel", p.channel),
			slog.String("message_id", msg.MessageID))
		p.metrics.observeNoSubscribers()
		p.metrics.observe(p.Name(), StatusDegraded, time.Since(start).Seconds())
		if p.alerts != nil {
			p.alerts.Publish(monitor.Alert{
				Kind:    monitor.KindNoSubscribers,
				Message: "audit event published to a channel with no subscribers",
				Details: map[string]any{
					"channel":    p.channel,
					"message_id": msg.MessageID,
				},
			})
		}
		return nil
	}

	p.metrics.observe(p.Name(), StatusDelivered, time.Since(start).Seconds())
	return nil
}

// Healthy reports whether Redis answers a ping.
func (p *PubSub) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}

func (p *PubSub) Stats() Stats { return p.counters.stats() }

// Close releases the Redis connection.
func (p *PubSub) Close() error { return p.client.Close() }

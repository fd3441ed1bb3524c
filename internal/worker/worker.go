// Package worker implements the background consumers that drain the
// asynchronous transports into the audit store: a Redis pub/sub subscriber
// and a durable-queue consumer. Both reconnect with exponential backoff and
// give up after a bounded number of consecutive failures rather than spin
// forever against a dead endpoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
	"github.com/onnwee/chaintrail/internal/monitor"
	"github.com/onnwee/chaintrail/internal/store"
)

// State is the lifecycle phase of a worker.
type State string

// Worker lifecycle states.
const (
	StateStopped      State = "stopped"
	StateConnecting   State = "connecting"
	StateConsuming    State = "consuming"
	StateReconnecting State = "reconnecting"
)

// ErrMaxAttempts is returned by Run when consecutive reconnection attempts
// exhaust the configured limit.
var ErrMaxAttempts = errors.New("worker exhausted reconnection attempts")

// Alerter publishes security alerts; satisfied by monitor.Bus.
type Alerter interface {
	Publish(alert monitor.Alert)
}

// BackoffConfig shapes the reconnection delay curve.
type BackoffConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	MaxAttempts  int
}

// DefaultBackoff is the reconnection curve used when none is configured.
var DefaultBackoff = BackoffConfig{
	BaseDelay:    time.Second,
	MaxDelay:     30 * time.Second,
	JitterFactor: 0.2,
	MaxAttempts:  10,
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBackoff.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultBackoff.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultBackoff.MaxAttempts
	}
	return c
}

// backoff computes capped exponential delays with jitter. Not safe for
// concurrent use; each worker owns one.
type backoff struct {
	config  BackoffConfig
	rng     *rand.Rand
	attempt int
}

func newBackoff(config BackoffConfig) *backoff {
	return &backoff{
		config: config.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay before the next attempt and advances the counter.
func (b *backoff) next() time.Duration {
	shift := uint(b.attempt)
	if shift > 30 {
		shift = 30
	}
	delay := float64(b.config.BaseDelay) * float64(uint64(1)<<shift)
	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}
	if b.config.JitterFactor > 0 {
		jitter := (b.rng.Float64() - 0.5) * b.config.JitterFactor
		delay = delay * (1 + jitter)
	}
	b.attempt++
	return time.Duration(delay)
}

// exhausted reports whether the attempt limit has been reached.
func (b *backoff) exhausted() bool {
	return b.attempt >= b.config.MaxAttempts
}

// reset clears the attempt counter after a successful connection.
func (b *backoff) reset() {
	b.attempt = 0
}

// Stats are the message counters exposed by every worker.
type Stats struct {
	Processed   uint64  `json:"processed"`
	Failed      uint64  `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// counters is the per-worker atomic bookkeeping behind Stats. Only the
// consuming goroutine writes; monitoring readers load concurrently.
type counters struct {
	processed atomic.Uint64
	failed    atomic.Uint64
}

func (c *counters) stats() Stats {
	processed := c.processed.Load()
	failed := c.failed.Load()
	s := Stats{Processed: processed, Failed: failed}
	if total := processed + failed; total > 0 {
		s.SuccessRate = float64(processed) / float64(total) * 100
	} else {
		s.SuccessRate = 100
	}
	return s
}

// stateTracker is the shared state-machine bookkeeping.
type stateTracker struct {
	mu    sync.Mutex
	state State
}

func (t *stateTracker) set(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State reports the worker's current lifecycle phase.
func (t *stateTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return StateStopped
	}
	return t.state
}

// sink stores decoded messages, degrading to unprotected writes when signing
// keys are unavailable so transport-delivered events are never lost to a key
// management failure.
type sink struct {
	store  store.Store
	logger *slog.Logger
	alerts Alerter
}

func (s *sink) storeMessage(ctx context.Context, msg *audit.Message) error {
	if !msg.IntegrityEnabled {
		_, err := s.store.AppendBasic(ctx, &msg.Event)
		return err
	}

	id, err := s.store.Append(ctx, &msg.Event)
	if err == nil {
		return nil
	}
	if !errors.Is(err, integrity.ErrKeyUnavailable) {
		return err
	}

	s.logger.Warn("signing keys unavailable, storing consumed event without integrity protection",
		slog.String("message_id", msg.MessageID),
		slog.String("error", err.Error()))
	id, basicErr := s.store.AppendBasic(ctx, &msg.Event)
	if basicErr != nil {
		return fmt.Errorf("failed to store event after integrity degradation: %w", basicErr)
	}
	if s.alerts != nil {
		s.alerts.Publish(monitor.Alert{
			Kind:    monitor.KindDegradedWrite,
			Message: "consumed audit event stored without integrity protection",
			Details: map[string]any{
				"record_id":  id,
				"message_id": msg.MessageID,
			},
		})
	}
	return nil
}

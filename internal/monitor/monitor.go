// Package monitor carries security alerts from the audit pipeline to
// operators: a bounded in-process bus fanned out to websocket subscribers.
// Publishing never blocks the hot path; when the buffer is full the oldest
// alert is dropped and counted.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the alert buffer size when none is configured.
const DefaultBufferSize = 256

// Kind classifies a security alert.
type Kind string

// Alert kinds emitted by the pipeline.
const (
	KindTampering     Kind = "tampering_detected"
	KindDegradedWrite Kind = "degraded_write"
	KindNoSubscribers Kind = "no_subscribers"
	KindWorkerStopped Kind = "worker_stopped"
)

// Alert is a single security-relevant observation.
type Alert struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Bus is the bounded alert channel. A single Run goroutine drains it and
// fans alerts out to the hub and the log.
type Bus struct {
	ch      chan Alert
	hub     *Hub
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewBus creates a bus with the given buffer size, fanning out to hub when
// it is non-nil.
func NewBus(size int, hub *Hub, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ch:     make(chan Alert, size),
		hub:    hub,
		logger: logger,
	}
}

// Publish enqueues an alert without blocking. When the buffer is full the
// oldest queued alert is discarded to make room: operators care about the
// newest state of the system.
func (b *Bus) Publish(alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	select {
	case b.ch <- alert:
		return
	default:
	}
	// Full: shed the oldest, then retry once. A concurrent consumer may have
	// drained in between, so the retry can still fail; the new alert is then
	// the one dropped.
	select {
	case <-b.ch:
		b.dropped.Add(1)
	default:
	}
	select {
	case b.ch <- alert:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many alerts were shed due to a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run drains the bus until the context is cancelled, logging each alert and
// broadcasting it to the hub.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-b.ch:
			b.logger.Warn("security alert",
				slog.String("kind", string(alert.Kind)),
				slog.String("message", alert.Message))
			if b.hub != nil {
				b.hub.Broadcast(alert)
			}
		}
	}
}

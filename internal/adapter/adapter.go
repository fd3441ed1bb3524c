// Package adapter implements the pluggable delivery transports that move an
// audit event from its producer to the secure audit store: synchronous
// direct writes, Redis pub/sub, and a durable queue. The variants share a
// capability interface but keep their own bookkeeping because their failure
// semantics genuinely differ.
package adapter

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/monitor"
)

// ErrTransport wraps connection and publish/enqueue failures. Queue
// publishes retry a bounded number of times before surfacing it; a pub/sub
// publish failure is final for that message.
var ErrTransport = errors.New("transport failure")

// Adapter is the capability set shared by the delivery transports.
type Adapter interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Init establishes transport connectivity. Connect calls are bounded by
	// the configured connection timeout and fail fast.
	Init(ctx context.Context) error

	// Process accepts one event for delivery. Depending on the variant this
	// returns after durable storage (direct) or after the transport accepted
	// the message (pub/sub, queue).
	Process(ctx context.Context, event *audit.Event) error

	// Healthy reports transport liveness.
	Healthy(ctx context.Context) bool

	// Stats reports delivery counters.
	Stats() Stats
}

// Alerter publishes security alerts; satisfied by monitor.Bus.
type Alerter interface {
	Publish(alert monitor.Alert)
}

// Stats are the uniform delivery counters exposed by every adapter.
type Stats struct {
	Processed   uint64  `json:"processed"`
	Failed      uint64  `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// counters is the per-adapter atomic bookkeeping behind Stats.
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

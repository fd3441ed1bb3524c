package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chaintrail/internal/audit"
	"github.com/onnwee/chaintrail/internal/integrity"
	"github.com/onnwee/chaintrail/internal/monitor"
	"github.com/onnwee/chaintrail/internal/store"
)

// Direct writes events straight into the audit store on the caller's
// goroutine. It is the only adapter whose Process returning nil means the
// record is durably stored.
type Direct struct {
	store            store.Store
	logger           *slog.Logger
	alerts           Alerter
	metrics          *Metrics
	integrityEnabled bool
	counters         counters
}

// DirectConfig configures the direct adapter.
type DirectConfig struct {
	Store            store.Store
	Logger           *slog.Logger
	Alerts           Alerter
	Metrics          *Metrics
	IntegrityEnabled bool
}

// NewDirect creates a direct adapter.
func NewDirect(cfg DirectConfig) *Direct {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{
		store:            cfg.Store,
		logger:           logger,
		alerts:           cfg.Alerts,
		metrics:          cfg.Metrics,
		integrityEnabled: cfg.IntegrityEnabled,
	}
}

func (d *Direct) Name() string { return "direct" }

// Init verifies the store is reachable. The direct adapter has no transport
// of its own to establish.
func (d *Direct) Init(ctx context.Context) error {
	if d.store == nil {
		return errors.New("direct adapter requires a store")
	}
	return d.store.Ping(ctx)
}

// Process stores the event. When the integrity subsystem is enabled and
// envelope generation fails because signing keys are unavailable, the write
// degrades to an unprotected record rather than losing the event, and a
// degraded-write alert is raised.
func (d *Direct) Process(ctx context.Context, event *audit.Event) error {
	start := time.Now()

	if !d.integrityEnabled {
		id, err := d.store.AppendBasic(ctx, event)
		if err != nil {
			d.counters.failed.Add(1)
			d.metrics.observe(d.Name(), StatusFailed, time.Since(start).Seconds())
			return fmt.Errorf("failed to store audit event: %w", err)
		}
		d.counters.processed.Add(1)
		d.metrics.observe(d.Name(), StatusDelivered, time.Since(start).Seconds())
		d.logger.Debug("stored audit event without integrity", slog.String("record_id", id))
		return nil
	}

	id, err := d.store.Append(ctx, event)
	if err == nil {
		d.counters.processed.Add(1)
		d.metrics.observe(d.Name(), StatusDelivered, time.Since(start).Seconds())
		d.logger.Debug("stored audit event", slog.String("record_id", id))
		return nil
	}

	if !errors.Is(err, integrity.ErrKeyUnavailable) {
		d.counters.failed.Add(1)
		d.metrics.observe(d.Name(), StatusFailed, time.Since(start).Seconds())
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	// Signing keys are gone; keep the event, flag the degradation.
	d.logger.Warn("signing keys unavailable, storing event without integrity protection",
		slog.String("action", string(event.Action)),
		slog.String("error", err.Error()))
	id, basicErr := d.store.AppendBasic(ctx, event)
	if basicErr != nil {
		d.counters.failed.Add(1)
		d.metrics.observe(d.Name(), StatusFailed, time.Since(start).Seconds())
		return fmt.Errorf("failed to store audit event after integrity degradation: %w", basicErr)
	}

	d.counters.processed.Add(1)
	d.metrics.observe(d.Name(), StatusDegraded, time.Since(start).Seconds())
	if d.alerts != nil {
		d.alerts.Publish(monitor.Alert{
			Kind:    monitor.KindDegradedWrite,
			Message: "audit event stored without integrity protection",
			Details: map[string]any{
				"record_id": id,
				"action":    string(event.Action),
			},
		})
	}
	return nil
}

// Healthy reports whether the backing store is reachable.
func (d *Direct) Healthy(ctx context.Context) bool {
	return d.store.Ping(ctx) == nil
}

func (d *Direct) Stats() Stats { return d.counters.stats() }

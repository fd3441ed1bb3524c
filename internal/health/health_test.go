package health

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", CheckerFunc(func(ctx context.Context) error { return nil }))
	r.Register("transport", CheckerFunc(func(ctx context.Context) error { return nil }))

	status := r.Check(context.Background())
	if !status.Healthy {
		t.Error("all passing checks should report healthy")
	}
	if status.Checks["store"] != "ok" || status.Checks["transport"] != "ok" {
		t.Errorf("checks = %v", status.Checks)
	}
}

func TestRegistryOneFailing(t *testing.T) {
	r := NewRegistry()
	r.Register("store", CheckerFunc(func(ctx context.Context) error { return nil }))
	r.Register("transport", CheckerFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	status := r.Check(context.Background())
	if status.Healthy {
		t.Error("a failing check must mark the status unhealthy")
	}
	if status.Checks["transport"] != "connection refused" {
		t.Errorf("failing check message = %q", status.Checks["transport"])
	}
	if status.Checks["store"] != "ok" {
		t.Error("passing checks must still be reported")
	}
}

func TestRegistryAppliesTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", CheckerFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline propagated")
		}
		return nil
	}))

	if status := r.Check(context.Background()); !status.Healthy {
		t.Errorf("checks = %v", status.Checks)
	}
}

func TestAMQPCheckerNilConnection(t *testing.T) {
	c := NewAMQPChecker(nil)
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("nil connection should be unhealthy")
	}
}

// Package health provides health check implementations for the audit
// service's external dependencies.
package health

import (
	"context"
	"database/sql"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// checkTimeout bounds each individual dependency check.
const checkTimeout = 5 * time.Second

// Checker is a single dependency health check.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// DBChecker implements health checking for SQL databases.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RedisChecker implements health checking for Redis.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING command.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// AMQPChecker implements health checking for the message broker connection.
type AMQPChecker struct {
	conn *amqp.Connection
}

// NewAMQPChecker creates a new broker health checker.
func NewAMQPChecker(conn *amqp.Connection) *AMQPChecker {
	return &AMQPChecker{conn: conn}
}

// HealthCheck reports whether the broker connection is open.
func (a *AMQPChecker) HealthCheck(ctx context.Context) error {
	if a.conn == nil || a.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Status is the aggregated result of running all registered checks.
type Status struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// Registry runs a named set of checkers.
type Registry struct {
	checks map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a named checker.
func (r *Registry) Register(name string, c Checker) {
	r.checks[name] = c
}

// Check runs every registered checker with a per-check timeout and
// aggregates the results.
func (r *Registry) Check(ctx context.Context) Status {
	status := Status{Healthy: true, Checks: make(map[string]string, len(r.checks))}
	for name, c := range r.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.HealthCheck(checkCtx)
		cancel()
		if err != nil {
			status.Healthy = false
			status.Checks[name] = err.Error()
			continue
		}
		status.Checks[name] = "ok"
	}
	return status
}

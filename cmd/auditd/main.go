// Package main is the entry point for the audit service daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chaintrail/internal/adapter"
	"github.com/onnwee/chaintrail/internal/api"
	"github.com/onnwee/chaintrail/internal/config"
	"github.com/onnwee/chaintrail/internal/db"
	"github.com/onnwee/chaintrail/internal/export"
	"github.com/onnwee/chaintrail/internal/health"
	"github.com/onnwee/chaintrail/internal/integrity"
	"github.com/onnwee/chaintrail/internal/keys"
	"github.com/onnwee/chaintrail/internal/middleware"
	"github.com/onnwee/chaintrail/internal/monitor"
	"github.com/onnwee/chaintrail/internal/store"
	"github.com/onnwee/chaintrail/internal/tracing"
	"github.com/onnwee/chaintrail/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Chaintrail Audit Service")
		fmt.Println()
		fmt.Println("Usage: auditd [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "chaintrail",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ring, err := buildRing(cfg)
	if err != nil {
		return fmt.Errorf("initializing signing keys: %w", err)
	}
	engine := integrity.NewEngine(ring, logger)
	auditStore := store.NewPostgresStore(conn, engine, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	adapterMetrics := adapter.NewMetrics()
	if err := adapterMetrics.Register(registry); err != nil {
		return fmt.Errorf("registering adapter metrics: %w", err)
	}

	hub := monitor.NewHub(logger)
	bus := monitor.NewBus(cfg.MonitorBufferSize, hub, logger)
	go bus.Run(ctx)

	healthRegistry := health.NewRegistry()
	healthRegistry.Register("database", health.NewDBChecker(conn))

	delivery, cleanup, err := buildDelivery(ctx, cfg, auditStore, bus, adapterMetrics, healthRegistry, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	startWorkers(ctx, cfg, auditStore, bus, logger)

	var uploader *export.Uploader
	if cfg.ExportBucketName != "" {
		uploader, err = export.NewUploader(export.UploaderConfig{
			AccessKeyID:     cfg.ExportAccessKeyID,
			SecretAccessKey: cfg.ExportSecretAccessKey,
			Endpoint:        cfg.ExportEndpoint,
			BucketName:      cfg.ExportBucketName,
			KeyPrefix:       cfg.ExportKeyPrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("initializing export uploader: %w", err)
		}
	}

	handler := api.NewRouter(api.RouterConfig{
		Store:          auditStore,
		Delivery:       delivery,
		Ring:           ring,
		Health:         healthRegistry,
		Hub:            hub,
		Uploader:       uploader,
		Registry:       registry,
		Logger:         logger,
		TracingEnabled: cfg.TracingEnabled,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			slog.Int("port", cfg.Port),
			slog.String("adapter", delivery.Name()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// buildRing loads the configured signing key or generates a fresh pair.
func buildRing(cfg *config.Config) (*keys.Ring, error) {
	if cfg.SigningKeyPath == "" {
		return keys.NewRing(cfg.KeyBits)
	}
	pemBytes, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	return keys.LoadRing(string(pemBytes), cfg.SigningKeyID, cfg.KeyBits)
}

// buildDelivery constructs the configured delivery adapter, registers its
// transport with the health registry, and returns a cleanup function.
func buildDelivery(ctx context.Context, cfg *config.Config, auditStore store.Store, bus *monitor.Bus, metrics *adapter.Metrics, healthRegistry *health.Registry, logger *slog.Logger) (adapter.Adapter, func(), error) {
	switch cfg.AdapterType {
	case config.AdapterPubSub:
		pubsub := adapter.NewPubSub(adapter.PubSubConfig{
			Addr:             cfg.RedisAddr,
			Password:         cfg.RedisPassword,
			DB:               cfg.RedisDB,
			Channel:          cfg.RedisChannel,
			Source:           "chaintrail-api",
			ConnectTimeout:   cfg.ConnectTimeout(),
			IntegrityEnabled: cfg.IntegrityEnabled,
			Logger:           logger,
			Alerts:           bus,
			Metrics:          metrics,
		})
		if err := pubsub.Init(ctx); err != nil {
			return nil, nil, err
		}
		healthRegistry.Register("redis", health.NewRedisChecker(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})))
		return pubsub, func() { pubsub.Close() }, nil

	case config.AdapterQueue:
		queue := adapter.NewQueue(adapter.QueueConfig{
			URL:              cfg.AMQPURL,
			QueueName:        cfg.QueueName,
			Source:           "chaintrail-api",
			ConnectTimeout:   cfg.ConnectTimeout(),
			MaxRetries:       cfg.MaxRetries,
			RetryDelay:       cfg.RetryDelay(),
			IntegrityEnabled: cfg.IntegrityEnabled,
			Logger:           logger,
			Metrics:          metrics,
		})
		if err := queue.Init(ctx); err != nil {
			return nil, nil, err
		}
		healthRegistry.Register("queue", health.CheckerFunc(func(ctx context.Context) error {
			if !queue.Healthy(ctx) {
				return errors.New("queue connection closed")
			}
			return nil
		}))
		return queue, func() { queue.Close() }, nil

	default:
		direct := adapter.NewDirect(adapter.DirectConfig{
			Store:            auditStore,
			Logger:           logger,
			Alerts:           bus,
			Metrics:          metrics,
			IntegrityEnabled: cfg.IntegrityEnabled,
		})
		if err := direct.Init(ctx); err != nil {
			return nil, nil, err
		}
		return direct, func() {}, nil
	}
}

// startWorkers launches the background consumer matching the configured
// asynchronous transport. The direct adapter needs no worker.
func startWorkers(ctx context.Context, cfg *config.Config, auditStore store.Store, bus *monitor.Bus, logger *slog.Logger) {
	backoff := worker.BackoffConfig{
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
		MaxAttempts:  cfg.WorkerMaxAttempts,
	}

	switch cfg.AdapterType {
	case config.AdapterPubSub:
		w := worker.NewPubSubWorker(worker.PubSubWorkerConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
			Store:    auditStore,
			Logger:   logger,
			Alerts:   bus,
			Backoff:  backoff,
		})
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("pub/sub worker exited", slog.String("error", err.Error()))
			}
		}()

	case config.AdapterQueue:
		w := worker.NewQueueWorker(worker.QueueWorkerConfig{
			URL:        cfg.AMQPURL,
			QueueName:  cfg.QueueName,
			MaxRetries: cfg.MaxRetries,
			Store:      auditStore,
			Logger:     logger,
			Alerts:     bus,
			Backoff:    backoff,
		})
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("queue worker exited", slog.String("error", err.Error()))
			}
		}()
	}
}

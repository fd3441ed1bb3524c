package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chaintrail/internal/adapter"
	"github.com/onnwee/chaintrail/internal/export"
	"github.com/onnwee/chaintrail/internal/health"
	"github.com/onnwee/chaintrail/internal/keys"
	"github.com/onnwee/chaintrail/internal/middleware"
	"github.com/onnwee/chaintrail/internal/monitor"
	"github.com/onnwee/chaintrail/internal/store"
)

// RouterConfig carries the dependencies of the management API.
type RouterConfig struct {
	Store    store.Store
	Delivery adapter.Adapter
	Ring     *keys.Ring
	Health   *health.Registry
	Hub      *monitor.Hub
	Uploader *export.Uploader
	Registry *prometheus.Registry
	Logger   *slog.Logger

	// TracingEnabled wires the tracing middleware into the chain.
	TracingEnabled bool
}

// NewRouter assembles the management API with its middleware chain:
// RequestID -> Tracing (optional) -> Logging -> HTTP metrics -> routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditHandlers := NewAuditHandlers(AuditHandlersConfig{
		Store:    cfg.Store,
		Delivery: cfg.Delivery,
		Uploader: cfg.Uploader,
		Logger:   logger,
	})
	keyHandlers := NewKeyHandlers(cfg.Ring, logger)
	healthHandlers := NewHealthHandlers(cfg.Health)

	mux := http.NewServeMux()
	mux.HandleFunc("/audit/events", auditHandlers.SubmitEvent)
	mux.HandleFunc("/audit/records/", auditHandlers.RecordRoutes)
	mux.HandleFunc("/audit/verify", auditHandlers.VerifyRange)
	mux.HandleFunc("/audit/tamper-check", auditHandlers.DetectTampering)
	mux.HandleFunc("/audit/integrity-check", auditHandlers.RunIntegrityCheck)
	mux.HandleFunc("/audit/stats", auditHandlers.Stats)
	mux.HandleFunc("/audit/cleanup", auditHandlers.Cleanup)
	mux.HandleFunc("/audit/export", auditHandlers.Export)
	mux.HandleFunc("/audit/proof/verify", auditHandlers.VerifyProof)
	mux.HandleFunc("/keys/public", keyHandlers.PublicKey)
	mux.HandleFunc("/keys/rotate", keyHandlers.Rotate)
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)

	if cfg.Hub != nil {
		mux.Handle("/ws", cfg.Hub)
	}
	if cfg.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		WriteJSON(w, r.Context(), http.StatusOK, map[string]string{
			"service": "chaintrail",
			"version": "0.0.1",
		})
	})

	var handler http.Handler = mux
	if cfg.Registry != nil {
		httpMetrics := middleware.NewHTTPMetrics()
		if err := httpMetrics.Register(cfg.Registry); err != nil {
			logger.Warn("failed to register http metrics", slog.String("error", err.Error()))
		} else {
			handler = middleware.HTTPMetricsMiddleware(httpMetrics)(handler)
		}
	}
	handler = middleware.Logging(logger)(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing("chaintrail-api")(handler)
	}
	return middleware.RequestID(handler)
}

// Package api assembles the visit HTTP API.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/api/handlers"
	"github.com/drfirst/go-visitflow/internal/api/middleware"
	"github.com/drfirst/go-visitflow/internal/inventory"
	"github.com/drfirst/go-visitflow/internal/observability/metrics"
	"github.com/drfirst/go-visitflow/internal/workflow"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// RouterConfig wires the router's collaborators. Catalog, Metrics, MetricsHandler
// and Ready are optional.
type RouterConfig struct {
	ServiceName     string
	Engine          *workflow.Engine
	Catalog         *inventory.MemoryCatalog
	Metrics         *metrics.Metrics
	MetricsHandler  http.Handler
	Ready           map[string]ReadinessCheck
	RequireOperator bool
	// RateLimit is the per-client requests per second on /api/v1, 0 for none
	RateLimit float64
	Logger    *zap.Logger
}

// NewRouter builds the chi router serving /health, /ready, /metrics and /api/v1
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		for name, check := range cfg.Ready {
			if err := check(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready","check":"` + name + `"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	visits := handlers.NewVisitHandler(cfg.Engine, logger)
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(middleware.NewClientRateLimiter(cfg.RateLimit, int(cfg.RateLimit)*2).Middleware)
		}
		r.Use(middleware.Operator(cfg.RequireOperator))
		visits.Routes(r)
		if cfg.Catalog != nil {
			handlers.NewInventoryHandler(cfg.Catalog).Routes(r)
		}
	})

	return r
}

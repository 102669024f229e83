// Package main provides the visit API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/api"
	"github.com/drfirst/go-visitflow/internal/config"
	"github.com/drfirst/go-visitflow/internal/infrastructure/postgres"
	"github.com/drfirst/go-visitflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-visitflow/internal/inventory"
	"github.com/drfirst/go-visitflow/internal/observability/metrics"
	"github.com/drfirst/go-visitflow/internal/observability/tracing"
	"github.com/drfirst/go-visitflow/internal/queue"
	"github.com/drfirst/go-visitflow/internal/store"
	"github.com/drfirst/go-visitflow/internal/store/memory"
	"github.com/drfirst/go-visitflow/internal/workflow"
)

const serviceName = "visit-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Environment = cfg.Environment
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ready := map[string]api.ReadinessCheck{}

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("schema migration failed", zap.Error(err))
		}
		ready["postgres"] = pool.Ping
		logger.Info("connected to database")
	}

	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		st = postgres.NewVisitStore(pool, redpanda.RouteVisitEvent, logger)
	default:
		st = memory.NewStore()
		logger.Warn("using in-memory visit store; data is lost on restart")
	}

	var alloc queue.Allocator
	switch cfg.QueueBackend {
	case config.BackendPostgres:
		alloc = queue.NewPostgresAllocator(pool)
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		alloc = queue.NewRedisAllocator(rdb)
	default:
		alloc = queue.NewMemoryAllocator()
	}

	var (
		catalog inventory.Catalog
		local   *inventory.MemoryCatalog
	)
	if cfg.InventoryURL != "" {
		guarded, err := inventory.NewGuarded(
			inventory.NewHTTPCatalog(cfg.InventoryURL, inventory.WithRateLimit(cfg.InventoryRPS, int(cfg.InventoryRPS)+1)),
			logger)
		if err != nil {
			logger.Fatal("inventory client setup failed", zap.Error(err))
		}
		catalog = guarded
		logger.Info("using inventory service", zap.String("url", cfg.InventoryURL))
	} else {
		local = inventory.NewMemoryCatalog()
		catalog = local
		logger.Info("using in-process inventory catalog")
	}

	engine := workflow.New(st, alloc, catalog,
		workflow.Config{ConsultationFee: cfg.ConsultationFee, Location: cfg.Location},
		workflow.WithLogger(logger),
		workflow.WithMetrics(m))

	handler := api.NewRouter(api.RouterConfig{
		ServiceName:     serviceName,
		Engine:          engine,
		Catalog:         local,
		Metrics:         m,
		MetricsHandler:  metrics.Handler(reg),
		Ready:           ready,
		RequireOperator: cfg.Environment != "development",
		RateLimit:       cfg.APIRateLimit,
		Logger:          logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting visit API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("queue", cfg.QueueBackend),
		zap.String("consultation_fee", cfg.ConsultationFee.String()),
		zap.String("timezone", cfg.Location.String()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

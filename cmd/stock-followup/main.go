// Package main provides the stock follow-up worker entry point.
// It consumes stock shortfall events and records pharmacy follow-ups.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/config"
	"github.com/drfirst/go-visitflow/internal/followup"
	"github.com/drfirst/go-visitflow/internal/infrastructure/postgres"
	"github.com/drfirst/go-visitflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-visitflow/internal/observability/metrics"
	"github.com/drfirst/go-visitflow/internal/observability/tracing"
	"github.com/drfirst/go-visitflow/pkg/idempotency"
	"github.com/drfirst/go-visitflow/pkg/workerpool"
)

const serviceName = "stock-followup"

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

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	handler := followup.NewHandler(followup.NewPostgresRecorder(pool), inbox, m, logger)

	workerPool, err := workerpool.New(workerpool.DefaultConfig(), handler.Work, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = serviceName

	consumer, err := redpanda.NewConsumer(consumerCfg, followup.Dispatch(workerPool), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("stock follow-up worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      adminRouter(pool, workerPool, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("admin server error", zap.Error(err))
		}
	}()

	statsCtx, stopStats := context.WithCancel(ctx)
	go reportStats(statsCtx, cfg.KafkaBrokers, consumerCfg.GroupID, consumer, workerPool, inbox, logger)

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopStats()
	// stop polling first so nothing new reaches the pool
	consumer.Stop()
	workerPool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	logger.Info("stock follow-up worker stopped")
}

func adminRouter(pool *pgxpool.Pool, workers *workerpool.Pool, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !workers.IsHealthy() {
			http.Error(w, "worker pool unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", metrics.Handler(reg))
	return r
}

func reportStats(ctx context.Context, brokers []string, group string, consumer *redpanda.Consumer,
	workers *workerpool.Pool, inbox *idempotency.Inbox, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Warn("admin client unavailable; lag not reported", zap.Error(err))
	} else {
		defer admin.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cs := consumer.Stats()
		ws := workers.Stats()
		fields := []zap.Field{
			zap.Int64("messages_read", cs.MessagesRead),
			zap.Int64("consumer_errors", cs.ErrorCount),
			zap.Int64("tasks_completed", ws.TasksCompleted),
			zap.Int64("tasks_failed", ws.TasksFailed),
			zap.Int64("tasks_retried", ws.TasksRetried),
		}
		if is, err := inbox.GetStats(ctx); err == nil {
			fields = append(fields,
				zap.Int64("inbox_finished", is.Finished),
				zap.Int64("inbox_failed", is.Failed))
		}
		if admin != nil {
			if lag, err := admin.GroupLag(ctx, group); err == nil {
				fields = append(fields, zap.Any("lag", lag))
			}
		}
		logger.Info("stock follow-up stats", fields...)
	}
}

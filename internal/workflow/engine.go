// Package workflow drives a clinic visit through reception, consultation,
// dispensing and billing. Every state change runs in one store unit of work
// together with the events it raises.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/inventory"
	"github.com/drfirst/go-visitflow/internal/observability/metrics"
	"github.com/drfirst/go-visitflow/internal/queue"
	"github.com/drfirst/go-visitflow/internal/store"
)

// Config holds clinic settings the engine needs
type Config struct {
	// ConsultationFee is added to every bill
	ConsultationFee visit.Amount
	// Location resolves the operating day of a registration
	Location *time.Location
}

// Engine is the single entry point for visit state changes
type Engine struct {
	store   store.Store
	queue   queue.Allocator
	catalog inventory.Catalog
	config  Config

	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the random visit id generator
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records operation outcomes in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine
func New(st store.Store, alloc queue.Allocator, catalog inventory.Catalog, cfg Config, opts ...Option) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e := &Engine{
		store:   st,
		queue:   alloc,
		catalog: catalog,
		config:  cfg,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("visitflow-workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// clock returns the current time truncated to microseconds, the precision
// Postgres stores.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// start opens a span for a workflow operation
func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(attrs...))
}

// finish records the outcome of op on the span and in metrics
func (e *Engine) finish(span trace.Span, op string, err error) {
	e.metrics.Operation(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, metrics.Outcome(err))
	}
	span.End()
}

// mutateVisit loads the visit locked for update, applies fn and persists
// the visit together with every event fn raised on it.
func (e *Engine) mutateVisit(ctx context.Context, visitID string, fn func(ctx context.Context, tx store.Tx, v *visit.Visit) error) (*visit.Visit, error) {
	var out *visit.Visit
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, err := tx.Visit(ctx, visitID)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, v); err != nil {
			return err
		}
		if err := commitVisit(ctx, tx, v); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commitVisit writes v and its pending events when it changed
func commitVisit(ctx context.Context, tx store.Tx, v *visit.Visit) error {
	changes := v.Changes()
	if len(changes) == 0 {
		return nil
	}
	if err := tx.UpdateVisit(ctx, v); err != nil {
		return err
	}
	if err := tx.AppendEvents(ctx, changes); err != nil {
		return err
	}
	v.ClearChanges()
	return nil
}

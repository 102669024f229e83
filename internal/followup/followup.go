// Package followup turns stock shortfall events into pharmacy follow-up
// tasks. Messages arrive from the shortfall topic, run on a worker pool and
// are deduplicated through the idempotency inbox.
package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-visitflow/internal/observability/metrics"
	"github.com/drfirst/go-visitflow/pkg/idempotency"
	"github.com/drfirst/go-visitflow/pkg/workerpool"
)

// HandlerName identifies this consumer in the idempotency inbox
const HandlerName = "stock-followup"

// Outcomes reported to metrics
const (
	OutcomeRecorded  = "recorded"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
	OutcomeError     = "error"
)

// Followup is an open pharmacy task for one short-dispensed line
type Followup struct {
	EventID           string
	VisitID           string
	LineID            string
	MedicineReference string
	Requested         int
	Available         int
	Reason            string
	ReportedAt        time.Time
}

// Recorder persists follow-ups. It reports false when the event was
// already recorded.
type Recorder interface {
	Record(ctx context.Context, f Followup) (bool, error)
}

// Deduplicator runs fn at most once per key
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Execer is the subset of pgxpool.Pool the recorder uses
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder writes follow-ups to the stock_followups table
type PostgresRecorder struct {
	db Execer
}

// NewPostgresRecorder creates a recorder
func NewPostgresRecorder(db Execer) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Record implements Recorder. The event id is the primary key.
func (r *PostgresRecorder) Record(ctx context.Context, f Followup) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO stock_followups
			(event_id, visit_id, line_id, medicine_reference, requested, available, reason, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, f.EventID, f.VisitID, f.LineID, f.MedicineReference, f.Requested, f.Available, f.Reason, f.ReportedAt)
	if err != nil {
		return false, fmt.Errorf("insert follow-up %s: %w", f.EventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Handler records shortfall events
type Handler struct {
	recorder Recorder
	inbox    Deduplicator
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHandler creates a handler
func NewHandler(recorder Recorder, inbox Deduplicator, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{recorder: recorder, inbox: inbox, metrics: m, logger: logger}
}

// Work is the worker pool entry point; the task payload is a consumed message
func (h *Handler) Work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	msg, ok := task.Payload.(*redpanda.ConsumedMessage)
	if !ok {
		return &workerpool.Result{Error: workerpool.Permanent(fmt.Errorf("unexpected payload %T", task.Payload))}
	}
	outcome, err := h.Handle(ctx, msg)
	return &workerpool.Result{Success: err == nil, Error: err, Data: outcome}
}

type recordResult struct {
	EventID string `json:"event_id"`
	Created bool   `json:"created"`
}

// Handle records one message and returns its outcome. Malformed messages
// and events that failed terminally before return a Permanent error.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) (outcome string, err error) {
	defer func() { h.metrics.FollowupRecorded(outcome) }()

	var event visit.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Warn("discarding malformed message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return OutcomeInvalid, workerpool.Permanent(fmt.Errorf("decode event: %w", err))
	}
	if event.EventType != visit.EventStockShortfallReported {
		return OutcomeSkipped, nil
	}

	var data visit.StockShortfallData
	if err := event.Decode(&data); err != nil || event.ID == "" || data.LineID == "" {
		h.logger.Warn("discarding malformed shortfall",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return OutcomeInvalid, workerpool.Permanent(fmt.Errorf("decode shortfall %s: %v", event.ID, err))
	}

	f := Followup{
		EventID:           event.ID,
		VisitID:           event.AggregateID,
		LineID:            data.LineID,
		MedicineReference: data.MedicineReference,
		Requested:         data.Requested,
		Available:         data.Available,
		Reason:            data.Reason,
		ReportedAt:        data.ReportedAt,
	}

	key := idempotency.GenerateKey(HandlerName, event.ID)
	res, err := h.inbox.Process(ctx, key, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		created, err := h.recorder.Record(ctx, f)
		if err != nil {
			return nil, err
		}
		return json.Marshal(recordResult{EventID: f.EventID, Created: created})
	})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return OutcomeFailed, workerpool.Permanent(err)
	case err != nil:
		return OutcomeError, err
	}

	if !res.IsNew && !res.WasRecovered {
		return OutcomeDuplicate, nil
	}
	h.logger.Info("stock follow-up recorded",
		zap.String("event_id", f.EventID),
		zap.String("visit_id", f.VisitID),
		zap.String("medicine", f.MedicineReference),
		zap.Int("requested", f.Requested),
		zap.Int("available", f.Available))
	return OutcomeRecorded, nil
}

// Dispatch adapts a worker pool into a consumer handler. It waits for the
// pool's final result so offsets are only committed once a message is done.
// Permanent failures are dropped; anything else makes the consumer rewind.
func Dispatch(pool *workerpool.Pool) redpanda.MessageHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		res, err := pool.SubmitWait(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg,
		})
		if err != nil {
			return err
		}
		if res.Success || workerpool.IsPermanent(res.Error) {
			return nil
		}
		return res.Error
	}
}

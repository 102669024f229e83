package followup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/infrastructure/redpanda"
	"github.com/drfirst/go-visitflow/internal/observability/metrics"
	"github.com/drfirst/go-visitflow/pkg/idempotency"
	"github.com/drfirst/go-visitflow/pkg/workerpool"
)

type fakeRecorder struct {
	mu       sync.Mutex
	calls    int
	failures int
	rows     map[string]Followup
}

func (r *fakeRecorder) Record(ctx context.Context, f Followup) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return false, errors.New("connection reset")
	}
	if r.rows == nil {
		r.rows = map[string]Followup{}
	}
	if _, ok := r.rows[f.EventID]; ok {
		return false, nil
	}
	r.rows[f.EventID] = f
	return true, nil
}

// memInbox keeps finished keys in memory; failed handlers can run again
type memInbox struct {
	mu   sync.Mutex
	done map[string]json.RawMessage
}

func (i *memInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if res, ok := i.done[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	if i.done == nil {
		i.done = map[string]json.RawMessage{}
	}
	i.done[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type harness struct {
	recorder *fakeRecorder
	metrics  *metrics.Metrics
	dispatch redpanda.MessageHandler
}

func newHarness(t *testing.T, failures int) *harness {
	t.Helper()
	rec := &fakeRecorder{failures: failures}
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(rec, &memInbox{}, m, nil)

	pool, err := workerpool.New(workerpool.Config{
		Workers:    2,
		QueueSize:  8,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, h.Work, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	t.Cleanup(func() { pool.Stop() })

	return &harness{recorder: rec, metrics: m, dispatch: Dispatch(pool)}
}

func (h *harness) outcome(name string) float64 {
	return testutil.ToFloat64(h.metrics.FollowupsRecorded.WithLabelValues(name))
}

func shortfallMessage(t *testing.T) *redpanda.ConsumedMessage {
	t.Helper()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e, err := visit.NewEvent("6f1c2a8e-1d2b-4c3d-9e4f-5a6b7c8d9e0f", visit.EventStockShortfallReported, &visit.StockShortfallData{
		VisitID:           "6f1c2a8e-1d2b-4c3d-9e4f-5a6b7c8d9e0f",
		LineID:            "0b7e5d3c-2a1f-4e9d-8c7b-6a5f4e3d2c1b",
		MedicineReference: "Salbutamol inhaler",
		Requested:         2,
		Available:         1,
		Reason:            "insufficient stock",
		ReportedAt:        at,
	}, at)
	if err != nil {
		t.Fatal(err)
	}
	value, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicStockShortfall, Offset: 7, Value: value}
}

func TestShortfallRecordedOnce(t *testing.T) {
	h := newHarness(t, 0)
	msg := shortfallMessage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.dispatch(ctx, msg); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if h.recorder.calls != 1 || len(h.recorder.rows) != 1 {
		t.Fatalf("recorder calls = %d rows = %d, want 1 and 1", h.recorder.calls, len(h.recorder.rows))
	}
	for _, f := range h.recorder.rows {
		if f.Requested != 2 || f.Available != 1 || f.MedicineReference != "Salbutamol inhaler" {
			t.Fatalf("recorded %+v", f)
		}
	}
	if h.outcome(OutcomeRecorded) != 1 || h.outcome(OutcomeDuplicate) != 2 {
		t.Fatalf("recorded = %v duplicate = %v", h.outcome(OutcomeRecorded), h.outcome(OutcomeDuplicate))
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.dispatch(context.Background(), shortfallMessage(t)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if h.recorder.calls != 3 || len(h.recorder.rows) != 1 {
		t.Fatalf("calls = %d rows = %d", h.recorder.calls, len(h.recorder.rows))
	}
	if h.outcome(OutcomeError) != 2 || h.outcome(OutcomeRecorded) != 1 {
		t.Fatalf("error = %v recorded = %v", h.outcome(OutcomeError), h.outcome(OutcomeRecorded))
	}
}

func TestExhaustedRetriesRewind(t *testing.T) {
	h := newHarness(t, 10)
	if err := h.dispatch(context.Background(), shortfallMessage(t)); err == nil {
		t.Fatal("expected an error so the consumer rewinds")
	}
	if len(h.recorder.rows) != 0 {
		t.Fatalf("rows = %d", len(h.recorder.rows))
	}
}

func TestMalformedAndUnrelatedMessages(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	if err := h.dispatch(ctx, &redpanda.ConsumedMessage{Value: []byte("not json")}); err != nil {
		t.Fatalf("malformed message should be dropped, got %v", err)
	}

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e, err := visit.NewEvent("v1", visit.EventBillFinalized, &visit.BillFinalizedData{VisitID: "v1", Amount: 3000}, at)
	if err != nil {
		t.Fatal(err)
	}
	value, _ := json.Marshal(e)
	if err := h.dispatch(ctx, &redpanda.ConsumedMessage{Value: value}); err != nil {
		t.Fatalf("unrelated event: %v", err)
	}

	if h.recorder.calls != 0 {
		t.Fatalf("recorder called %d times", h.recorder.calls)
	}
	if h.outcome(OutcomeInvalid) != 1 || h.outcome(OutcomeSkipped) != 1 {
		t.Fatalf("invalid = %v skipped = %v", h.outcome(OutcomeInvalid), h.outcome(OutcomeSkipped))
	}
}

type fakeExec struct {
	sql  string
	args []any
	tag  string
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag(f.tag), nil
}

func TestPostgresRecorder(t *testing.T) {
	db := &fakeExec{tag: "INSERT 0 1"}
	r := NewPostgresRecorder(db)

	created, err := r.Record(context.Background(), Followup{EventID: "e1", VisitID: "v1", LineID: "l1", Requested: 2})
	if err != nil || !created {
		t.Fatalf("Record = %v, %v", created, err)
	}
	if len(db.args) != 8 || db.args[0] != "e1" {
		t.Fatalf("args = %v", db.args)
	}

	db.tag = "INSERT 0 0"
	created, err = r.Record(context.Background(), Followup{EventID: "e1"})
	if err != nil || created {
		t.Fatalf("duplicate Record = %v, %v", created, err)
	}
}

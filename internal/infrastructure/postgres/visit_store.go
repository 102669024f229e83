package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/store"
)

var _ store.Store = (*VisitStore)(nil)

// OutboxRoute picks the topic and partition key an event is relayed to
type OutboxRoute func(e *visit.Event) (topic, key string)

// VisitStore persists visits, lines and events. Every committed event is
// also written to the outbox in the same transaction.
type VisitStore struct {
	pool   *pgxpool.Pool
	route  OutboxRoute
	logger *zap.Logger
	tracer trace.Tracer
}

// NewVisitStore creates a Postgres-backed store
func NewVisitStore(pool *pgxpool.Pool, route OutboxRoute, logger *zap.Logger) *VisitStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if route == nil {
		route = func(e *visit.Event) (string, string) { return "clinic.visit.events", e.AggregateID }
	}
	return &VisitStore{
		pool:   pool,
		route:  route,
		logger: logger,
		tracer: otel.Tracer("visit_store"),
	}
}

// RunInTx runs fn in a read-committed transaction
func (s *VisitStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, false, fn)
}

// View runs fn in a read-only transaction
func (s *VisitStore) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *VisitStore) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "visit_store_tx",
		trace.WithAttributes(attribute.Bool("read_only", readOnly)))
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, readOnly: readOnly, route: s.route}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit: %w", translate(err))
	}
	return nil
}

const visitColumns = `
	id::text, patient_id, practitioner_id, to_char(queue_day, 'YYYY-MM-DD'), queue_number,
	complaint, status, diagnosis, medications, notes, payment_type, panel_name,
	billing_status, bill_amount, time_in, time_out, cancelled_at, billed_at,
	claim_settled_at, updated_at, version`

// ListVisits returns matching visits ordered by day and queue number
func (s *VisitStore) ListVisits(ctx context.Context, f store.Filter) ([]*visit.Visit, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Day != "" {
		add("queue_day = $%d::date", f.Day)
	}
	if f.PractitionerID != "" {
		add("practitioner_id = $%d", f.PractitionerID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	query := "SELECT " + visitColumns + " FROM visits"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY queue_day, queue_number"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	out := make([]*visit.Visit, 0)
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Events returns the visit's event log ordered by version
func (s *VisitStore) Events(ctx context.Context, visitID string) ([]*visit.Event, error) {
	if !validID(visitID) {
		return nil, nil
	}
	query := `
		SELECT id::text, aggregate_id::text, event_type, event_data, version, timestamp,
		       patient_id, practitioner_id, correlation_id
		FROM visit_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := s.pool.Query(ctx, query, visitID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*visit.Event
	for rows.Next() {
		e := &visit.Event{AggregateType: visit.AggregateType}
		var eventType string
		err := rows.Scan(&e.ID, &e.AggregateID, &eventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.PatientID, &e.PractitionerID, &e.CorrelationID)
		if err != nil {
			return nil, err
		}
		e.EventType = visit.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
	route    OutboxRoute
}

// Lock takes transaction-scoped advisory locks in a stable order
func (t *pgTx) Lock(ctx context.Context, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
	}
	return nil
}

func (t *pgTx) Visit(ctx context.Context, id string) (*visit.Visit, error) {
	if !validID(id) {
		return nil, &visit.NotFoundError{Entity: "visit", ID: id}
	}
	query := "SELECT " + visitColumns + " FROM visits WHERE id = $1"
	if !t.readOnly {
		query += " FOR UPDATE"
	}
	v, err := scanVisit(t.tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &visit.NotFoundError{Entity: "visit", ID: id}
	}
	return v, err
}

func (t *pgTx) ActiveVisitForPatient(ctx context.Context, patientID string) (*visit.Visit, error) {
	query := "SELECT " + visitColumns + ` FROM visits
		WHERE patient_id = $1 AND status IN ('waiting', 'in-consultation')`
	return t.optionalVisit(ctx, query, patientID)
}

func (t *pgTx) ConsultingVisitForPractitioner(ctx context.Context, practitionerID string) (*visit.Visit, error) {
	query := "SELECT " + visitColumns + ` FROM visits
		WHERE practitioner_id = $1 AND status = 'in-consultation'`
	return t.optionalVisit(ctx, query, practitionerID)
}

func (t *pgTx) optionalVisit(ctx context.Context, query string, arg string) (*visit.Visit, error) {
	v, err := scanVisit(t.tx.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (t *pgTx) InsertVisit(ctx context.Context, v *visit.Visit) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	meds, err := json.Marshal(nonNil(v.Medications))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO visits (
			id, patient_id, practitioner_id, queue_day, queue_number, complaint, status,
			diagnosis, medications, notes, payment_type, panel_name, billing_status,
			bill_amount, time_in, time_out, cancelled_at, billed_at, claim_settled_at,
			updated_at, version)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err = t.tx.Exec(ctx, query,
		v.ID, v.PatientID, v.PractitionerID, v.QueueDay, v.QueueNumber, v.Complaint,
		string(v.Status), v.Diagnosis, meds, v.Notes, string(v.PaymentType), v.PanelName,
		string(v.BillingStatus), amountArg(v.BillAmount), v.TimeIn, v.TimeOut,
		v.CancelledAt, v.BilledAt, v.ClaimSettledAt, v.UpdatedAt, v.Version,
	)
	if err != nil {
		return fmt.Errorf("insert visit: %w", translate(err))
	}
	return nil
}

func (t *pgTx) UpdateVisit(ctx context.Context, v *visit.Visit) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	meds, err := json.Marshal(nonNil(v.Medications))
	if err != nil {
		return err
	}

	query := `
		UPDATE visits SET
			practitioner_id = $2, status = $3, diagnosis = $4, medications = $5, notes = $6,
			payment_type = $7, panel_name = $8, billing_status = $9, bill_amount = $10,
			time_out = $11, cancelled_at = $12, billed_at = $13, claim_settled_at = $14,
			updated_at = $15, version = $16
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query,
		v.ID, v.PractitionerID, string(v.Status), v.Diagnosis, meds, v.Notes,
		string(v.PaymentType), v.PanelName, string(v.BillingStatus), amountArg(v.BillAmount),
		v.TimeOut, v.CancelledAt, v.BilledAt, v.ClaimSettledAt, v.UpdatedAt, v.Version,
	)
	if err != nil {
		return fmt.Errorf("update visit: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return &visit.NotFoundError{Entity: "visit", ID: v.ID}
	}
	return nil
}

const lineColumns = `
	id::text, visit_id::text, position, medicine_reference, dosage, quantity, frequency,
	duration, instructions, unit_price, confirmed, confirmed_at, confirming_user_id`

func (t *pgTx) Lines(ctx context.Context, visitID string) ([]*visit.Line, error) {
	if !validID(visitID) {
		return []*visit.Line{}, nil
	}
	query := "SELECT " + lineColumns + " FROM prescription_lines WHERE visit_id = $1 ORDER BY position, id"
	rows, err := t.tx.Query(ctx, query, visitID)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()

	out := make([]*visit.Line, 0)
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) Line(ctx context.Context, id string) (*visit.Line, error) {
	if !validID(id) {
		return nil, &visit.NotFoundError{Entity: "prescription line", ID: id}
	}
	query := "SELECT " + lineColumns + " FROM prescription_lines WHERE id = $1"
	l, err := scanLine(t.tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &visit.NotFoundError{Entity: "prescription line", ID: id}
	}
	return l, err
}

func (t *pgTx) InsertLines(ctx context.Context, lines []*visit.Line) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if len(lines) == 0 {
		return nil
	}

	query := `
		INSERT INTO prescription_lines (
			id, visit_id, position, medicine_reference, dosage, quantity, frequency,
			duration, instructions, unit_price, confirmed, confirmed_at, confirming_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(query, l.ID, l.VisitID, l.Position, l.MedicineReference, l.Dosage,
			l.Quantity, l.Frequency, l.Duration, l.Instructions, amountArg(l.UnitPrice),
			l.Confirmed, l.ConfirmedAt, l.ConfirmingUserID)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert lines: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateLine(ctx context.Context, l *visit.Line) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	query := `
		UPDATE prescription_lines SET
			medicine_reference = $2, dosage = $3, quantity = $4, frequency = $5,
			duration = $6, instructions = $7, unit_price = $8, confirmed = $9,
			confirmed_at = $10, confirming_user_id = $11
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query, l.ID, l.MedicineReference, l.Dosage, l.Quantity,
		l.Frequency, l.Duration, l.Instructions, amountArg(l.UnitPrice), l.Confirmed,
		l.ConfirmedAt, l.ConfirmingUserID)
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &visit.NotFoundError{Entity: "prescription line", ID: l.ID}
	}
	return nil
}

func (t *pgTx) DeleteLine(ctx context.Context, id string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	tag, err := t.tx.Exec(ctx, "DELETE FROM prescription_lines WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &visit.NotFoundError{Entity: "prescription line", ID: id}
	}
	return nil
}

// AppendEvents writes events to the event log and the outbox
func (t *pgTx) AppendEvents(ctx context.Context, events []*visit.Event) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	query := `
		INSERT INTO visit_events
		(id, aggregate_id, event_type, event_data, version, timestamp, patient_id, practitioner_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, e := range events {
		_, err := t.tx.Exec(ctx, query, e.ID, e.AggregateID, string(e.EventType), []byte(e.EventData),
			e.Version, e.Timestamp, e.PatientID, e.PractitionerID, e.CorrelationID)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		topic, key := t.route(e)
		err = WriteEntry(ctx, t.tx, &OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    topic,
			KafkaKey:      key,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func scanVisit(row pgx.Row) (*visit.Visit, error) {
	var (
		v                                   visit.Visit
		status, payment, billing            string
		meds                                []byte
		amount                              *int64
		timeOut, cancelled, billed, claimed *time.Time
	)
	err := row.Scan(&v.ID, &v.PatientID, &v.PractitionerID, &v.QueueDay, &v.QueueNumber,
		&v.Complaint, &status, &v.Diagnosis, &meds, &v.Notes, &payment, &v.PanelName,
		&billing, &amount, &v.TimeIn, &timeOut, &cancelled, &billed, &claimed,
		&v.UpdatedAt, &v.Version)
	if err != nil {
		return nil, err
	}
	if len(meds) > 0 {
		if err := json.Unmarshal(meds, &v.Medications); err != nil {
			return nil, fmt.Errorf("decode medications: %w", err)
		}
	}
	if len(v.Medications) == 0 {
		v.Medications = nil
	}
	v.Status = visit.Status(status)
	v.PaymentType = visit.PaymentType(payment)
	v.BillingStatus = visit.BillingStatus(billing)
	if amount != nil {
		a := visit.Amount(*amount)
		v.BillAmount = &a
	}
	v.TimeOut, v.CancelledAt, v.BilledAt, v.ClaimSettledAt = timeOut, cancelled, billed, claimed
	return &v, nil
}

func scanLine(row pgx.Row) (*visit.Line, error) {
	var (
		l     visit.Line
		price *int64
	)
	err := row.Scan(&l.ID, &l.VisitID, &l.Position, &l.MedicineReference, &l.Dosage,
		&l.Quantity, &l.Frequency, &l.Duration, &l.Instructions, &price, &l.Confirmed,
		&l.ConfirmedAt, &l.ConfirmingUserID)
	if err != nil {
		return nil, err
	}
	if price != nil {
		p := visit.Amount(*price)
		l.UnitPrice = &p
	}
	return &l, nil
}

func amountArg(a *visit.Amount) *int64 {
	if a == nil {
		return nil
	}
	v := int64(*a)
	return &v
}

// validID filters out ids that would make Postgres reject a uuid parameter
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// translate maps violations of the partial unique indexes onto the
// domain's conflict errors.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "visits_one_active_per_patient":
		return fmt.Errorf("%w: %s", visit.ErrDuplicateActiveVisit, pgErr.Detail)
	case "visits_one_consultation_per_practitioner":
		return fmt.Errorf("%w: %s", visit.ErrPractitionerBusy, pgErr.Detail)
	}
	return err
}

package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/queue"
	"github.com/drfirst/go-visitflow/internal/store"
)

// CreateVisit registers a patient and puts them in today's queue.
//
// The queue number is drawn while the patient lock is held. A registration
// that fails after drawing it leaves a gap; numbers are never reused.
func (e *Engine) CreateVisit(ctx context.Context, r visit.Registration) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "create_visit", attribute.String("patient_id", r.PatientID))
	defer func() { e.finish(span, "create_visit", err) }()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.PatientID = strings.TrimSpace(r.PatientID)

	now := e.clock()
	day := queue.Day(now, e.config.Location)

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Lock(ctx, store.PatientKey(r.PatientID)); err != nil {
			return err
		}
		active, err := tx.ActiveVisitForPatient(ctx, r.PatientID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("patient %s has visit %s (%s): %w",
				r.PatientID, active.ID, active.Status, visit.ErrDuplicateActiveVisit)
		}

		number, err := e.queue.NextNumber(ctx, day)
		if err != nil {
			return fmt.Errorf("allocate queue number: %w", err)
		}

		created, err := visit.Register(e.newID(), r, day, number, now)
		if err != nil {
			return err
		}
		if err := tx.InsertVisit(ctx, created); err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, created.Changes()); err != nil {
			return err
		}
		created.ClearChanges()
		v = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.VisitRegistered()
	span.SetAttributes(attribute.String("visit_id", v.ID), attribute.Int("queue_number", v.QueueNumber))
	e.logger.Info("visit registered",
		zap.String("visit_id", v.ID),
		zap.String("patient_id", v.PatientID),
		zap.String("queue_day", v.QueueDay),
		zap.Int("queue_number", v.QueueNumber))
	return v, nil
}

// CancelVisit withdraws a waiting visit
func (e *Engine) CancelVisit(ctx context.Context, visitID string) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "cancel_visit", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "cancel_visit", err) }()

	now := e.clock()
	v, err = e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		return v.Cancel(now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("visit cancelled",
		zap.String("visit_id", v.ID),
		zap.Int("queue_number", v.QueueNumber))
	return v, nil
}

package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/store"
)

// StartConsultation claims a waiting visit for a practitioner. The claiming
// practitioner becomes the visit's practitioner.
func (e *Engine) StartConsultation(ctx context.Context, visitID, practitionerID string) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "start_consultation",
		attribute.String("visit_id", visitID),
		attribute.String("practitioner_id", practitionerID))
	defer func() { e.finish(span, "start_consultation", err) }()

	practitionerID = strings.TrimSpace(practitionerID)
	now := e.clock()

	v, err = e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		if err := v.Can(visit.ActionStart); err != nil {
			return err
		}
		if practitionerID != "" {
			if err := tx.Lock(ctx, store.PractitionerKey(practitionerID)); err != nil {
				return err
			}
			busy, err := tx.ConsultingVisitForPractitioner(ctx, practitionerID)
			if err != nil {
				return err
			}
			if busy != nil {
				return fmt.Errorf("practitioner %s is consulting visit %s: %w",
					practitionerID, busy.ID, visit.ErrPractitionerBusy)
			}
		}
		return v.StartConsultation(practitionerID, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("consultation started",
		zap.String("visit_id", v.ID),
		zap.String("practitioner_id", v.PractitionerID),
		zap.Int("queue_number", v.QueueNumber))
	return v, nil
}

// UpdateConsultationDraft overwrites the supplied draft fields of a visit
// in consultation.
func (e *Engine) UpdateConsultationDraft(ctx context.Context, visitID string, d visit.Draft) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "update_draft", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "update_draft", err) }()

	now := e.clock()
	return e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		return v.UpdateDraft(d, now)
	})
}

// EndConsultation freezes the consultation outcome, completes the visit and
// creates one unconfirmed prescription line per medication.
func (e *Engine) EndConsultation(ctx context.Context, visitID string, c visit.Conclusion) (v *visit.Visit, lines []*visit.Line, err error) {
	ctx, span := e.start(ctx, "end_consultation", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "end_consultation", err) }()

	now := e.clock()
	v, err = e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		created, err := v.EndConsultation(c, now)
		if err != nil {
			return err
		}
		if len(created) > 0 {
			if err := tx.InsertLines(ctx, created); err != nil {
				return err
			}
		}
		lines = created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	e.metrics.VisitCompleted(now.Sub(v.TimeIn))
	span.SetAttributes(attribute.Int("prescription_lines", len(lines)))
	e.logger.Info("consultation ended",
		zap.String("visit_id", v.ID),
		zap.String("practitioner_id", v.PractitionerID),
		zap.String("payment_type", string(v.PaymentType)),
		zap.Int("prescription_lines", len(lines)))
	return v, lines, nil
}

// AbortConsultation returns a visit in consultation to the waiting queue,
// keeping its queue number.
func (e *Engine) AbortConsultation(ctx context.Context, visitID string) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "abort_consultation", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "abort_consultation", err) }()

	now := e.clock()
	v, err = e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		return v.AbortConsultation(now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("consultation aborted",
		zap.String("visit_id", v.ID),
		zap.Int("queue_number", v.QueueNumber))
	return v, nil
}

package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/store"
)

// ComputeAndFinalize bills a completed visit: the consultation fee plus
// quantity times the unit price fixed at confirmation for every line. Cash
// visits become paid and panel visits to-be-claimed. Once billed, the
// recorded amount is returned unchanged.
func (e *Engine) ComputeAndFinalize(ctx context.Context, visitID string) (amount visit.Amount, err error) {
	ctx, span := e.start(ctx, "compute_and_finalize", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "compute_and_finalize", err) }()

	now := e.clock()
	var fresh bool
	v, err := e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		if v.Status != visit.StatusCompleted {
			return &visit.TransitionError{VisitID: v.ID, From: v.Status, Action: visit.ActionBill}
		}
		if v.BilledAt != nil {
			return nil
		}

		lines, err := tx.Lines(ctx, v.ID)
		if err != nil {
			return err
		}
		if !visit.AllConfirmed(lines) {
			return fmt.Errorf("visit %s: %w", v.ID, visit.ErrNotReady)
		}

		total := e.config.ConsultationFee
		for _, l := range lines {
			sub, err := l.Subtotal()
			if err != nil {
				return fmt.Errorf("line %s: %w", l.ID, err)
			}
			if total, err = total.Plus(sub); err != nil {
				return fmt.Errorf("visit %s: %w", v.ID, err)
			}
		}
		fresh = true
		return v.FinalizeBill(total, now)
	})
	if err != nil {
		return 0, err
	}

	amount = *v.BillAmount
	span.SetAttributes(attribute.Int64("amount_cents", int64(amount)))
	if fresh {
		e.metrics.BillFinalized(string(v.PaymentType), amount)
		e.logger.Info("bill finalized",
			zap.String("visit_id", v.ID),
			zap.String("payment_type", string(v.PaymentType)),
			zap.String("billing_status", string(v.BillingStatus)),
			zap.String("amount", amount.String()))
	}
	return amount, nil
}

// SettleClaim is invoked by the claim settlement process once a panel has
// paid. It moves a billed panel visit from to-be-claimed to paid.
func (e *Engine) SettleClaim(ctx context.Context, visitID string) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "settle_claim", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "settle_claim", err) }()

	now := e.clock()
	v, err = e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		return v.SettleClaim(now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("panel claim settled",
		zap.String("visit_id", v.ID),
		zap.String("panel_name", v.PanelName))
	return v, nil
}

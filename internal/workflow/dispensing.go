package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/inventory"
	"github.com/drfirst/go-visitflow/internal/store"
)

// Warning reports a confirmed line whose stock could not be fully
// decremented. The confirmation stands; pharmacy follows up manually.
type Warning struct {
	LineID            string `json:"line_id"`
	MedicineReference string `json:"medicine_reference"`
	Requested         int    `json:"requested"`
	Available         int    `json:"available"`
	Reason            string `json:"reason"`
}

// ConfirmResult is the outcome of confirming a visit's prescription
type ConfirmResult struct {
	VisitID         string        `json:"visit_id"`
	Lines           []*visit.Line `json:"lines"`
	Warnings        []Warning     `json:"warnings,omitempty"`
	ReadyForBilling bool          `json:"ready_for_billing"`
}

// ListPending returns the visit's prescription lines ordered by position
func (e *Engine) ListPending(ctx context.Context, visitID string) (lines []*visit.Line, err error) {
	ctx, span := e.start(ctx, "list_pending", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "list_pending", err) }()

	err = e.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Visit(ctx, visitID); err != nil {
			return err
		}
		lines, err = tx.Lines(ctx, visitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// EditLine overwrites the supplied fields of an unconfirmed line
func (e *Engine) EditLine(ctx context.Context, lineID string, edit visit.LineEdit) (line *visit.Line, err error) {
	ctx, span := e.start(ctx, "edit_line", attribute.String("line_id", lineID))
	defer func() { e.finish(span, "edit_line", err) }()

	now := e.clock()
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, l, err := lockLine(ctx, tx, lineID)
		if err != nil {
			return err
		}
		if err := l.Apply(edit); err != nil {
			return err
		}
		if err := dispensable(v); err != nil {
			return err
		}
		if err := tx.UpdateLine(ctx, l); err != nil {
			return err
		}
		err = v.Record(visit.EventPrescriptionLineEdited, &visit.PrescriptionLineEditedData{
			VisitID:   v.ID,
			LineID:    l.ID,
			Dosage:    l.Dosage,
			Quantity:  l.Quantity,
			Frequency: l.Frequency,
			Duration:  l.Duration,
		}, now)
		if err != nil {
			return err
		}
		line = l
		return commitVisit(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// RemoveLine deletes an unconfirmed line
func (e *Engine) RemoveLine(ctx context.Context, lineID string) (err error) {
	ctx, span := e.start(ctx, "remove_line", attribute.String("line_id", lineID))
	defer func() { e.finish(span, "remove_line", err) }()

	now := e.clock()
	return e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, l, err := lockLine(ctx, tx, lineID)
		if err != nil {
			return err
		}
		if l.Confirmed {
			return fmt.Errorf("line %s: %w", l.ID, visit.ErrLineLocked)
		}
		if err := dispensable(v); err != nil {
			return err
		}
		if err := tx.DeleteLine(ctx, l.ID); err != nil {
			return err
		}
		err = v.Record(visit.EventPrescriptionLineRemoved, &visit.PrescriptionLineRemovedData{
			VisitID:           v.ID,
			LineID:            l.ID,
			MedicineReference: l.MedicineReference,
		}, now)
		if err != nil {
			return err
		}
		return commitVisit(ctx, tx, v)
	})
}

// ConfirmAll fixes unit prices, confirms every open line and then
// decrements stock. A failed decrement does not undo the confirmation: it is
// returned as a warning and recorded as a StockShortfallReported event. A
// failed price lookup aborts the whole call without changes.
func (e *Engine) ConfirmAll(ctx context.Context, visitID, confirmingUserID string) (res *ConfirmResult, err error) {
	ctx, span := e.start(ctx, "confirm_all", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "confirm_all", err) }()

	confirmingUserID = strings.TrimSpace(confirmingUserID)
	if confirmingUserID == "" {
		return nil, &visit.ValidationError{Fields: map[string]string{"confirming_user_id": "is required"}}
	}

	now := e.clock()
	var confirmed []*visit.Line
	res = &ConfirmResult{VisitID: visitID}

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, err := tx.Visit(ctx, visitID)
		if err != nil {
			return err
		}
		if err := dispensable(v); err != nil {
			return err
		}
		lines, err := tx.Lines(ctx, visitID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("visit %s: %w", visitID, visit.ErrEmptySet)
		}

		var ids []string
		for _, l := range lines {
			if l.Confirmed {
				continue
			}
			price, err := e.catalog.UnitPrice(ctx, l.MedicineReference)
			if err != nil {
				return fmt.Errorf("price %s: %w", l.MedicineReference, err)
			}
			if err := l.Confirm(confirmingUserID, price, now); err != nil {
				return err
			}
			if err := tx.UpdateLine(ctx, l); err != nil {
				return err
			}
			confirmed = append(confirmed, l)
			ids = append(ids, l.ID)
		}
		res.Lines = lines

		if len(ids) == 0 {
			return nil
		}
		err = v.Record(visit.EventPrescriptionConfirmed, &visit.PrescriptionConfirmedData{
			VisitID:          v.ID,
			LineIDs:          ids,
			ConfirmingUserID: confirmingUserID,
			ConfirmedAt:      now,
		}, now)
		if err != nil {
			return err
		}
		return commitVisit(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}
	res.ReadyForBilling = visit.AllConfirmed(res.Lines)

	res.Warnings = e.decrementStock(ctx, confirmed)
	if len(res.Warnings) > 0 {
		if err := e.reportShortfalls(ctx, visitID, res.Warnings); err != nil {
			// the warnings are still returned to the caller
			e.logger.Error("failed to record stock shortfall",
				zap.String("visit_id", visitID), zap.Error(err))
		}
	}

	e.metrics.LinesDispensed(len(confirmed), len(res.Warnings))
	e.logger.Info("prescription confirmed",
		zap.String("visit_id", visitID),
		zap.String("confirming_user_id", confirmingUserID),
		zap.Int("lines_confirmed", len(confirmed)),
		zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

func (e *Engine) decrementStock(ctx context.Context, lines []*visit.Line) []Warning {
	var warnings []Warning
	for _, l := range lines {
		err := e.catalog.Decrement(ctx, l.MedicineReference, l.Quantity)
		if err == nil {
			continue
		}
		w := Warning{
			LineID:            l.ID,
			MedicineReference: l.MedicineReference,
			Requested:         l.Quantity,
			Reason:            err.Error(),
		}
		var short *inventory.ShortfallError
		if errors.As(err, &short) {
			w.Available = short.Available
		}
		e.logger.Warn("stock decrement failed",
			zap.String("visit_id", l.VisitID),
			zap.String("line_id", l.ID),
			zap.String("medicine", l.MedicineReference),
			zap.Error(err))
		warnings = append(warnings, w)
	}
	return warnings
}

func (e *Engine) reportShortfalls(ctx context.Context, visitID string, warnings []Warning) error {
	now := e.clock()
	_, err := e.mutateVisit(ctx, visitID, func(ctx context.Context, tx store.Tx, v *visit.Visit) error {
		for _, w := range warnings {
			err := v.Record(visit.EventStockShortfallReported, &visit.StockShortfallData{
				VisitID:           visitID,
				LineID:            w.LineID,
				MedicineReference: w.MedicineReference,
				Requested:         w.Requested,
				Available:         w.Available,
				Reason:            w.Reason,
				ReportedAt:        now,
			}, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// lockLine loads a line and its visit, locking the visit first
func lockLine(ctx context.Context, tx store.Tx, lineID string) (*visit.Visit, *visit.Line, error) {
	l, err := tx.Line(ctx, lineID)
	if err != nil {
		return nil, nil, err
	}
	v, err := tx.Visit(ctx, l.VisitID)
	if err != nil {
		return nil, nil, err
	}
	// re-read under the visit lock
	l, err = tx.Line(ctx, lineID)
	if err != nil {
		return nil, nil, err
	}
	return v, l, nil
}

// dispensable requires a completed visit: only completed visits own lines
func dispensable(v *visit.Visit) error {
	if v.Status != visit.StatusCompleted {
		return &visit.TransitionError{VisitID: v.ID, From: v.Status, Action: visit.ActionDispense}
	}
	return nil
}

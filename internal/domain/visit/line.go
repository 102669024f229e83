package visit

import (
	"fmt"
	"strings"
	"time"
)

// MaxQuantity caps a line's quantity
const MaxQuantity = 10000

// Line is one prescription line produced when a consultation ends
type Line struct {
	ID                string     `json:"id"`
	VisitID           string     `json:"visit_id"`
	Position          int        `json:"position"`
	MedicineReference string     `json:"medicine_reference"`
	Dosage            string     `json:"dosage"`
	Quantity          int        `json:"quantity"`
	Frequency         string     `json:"frequency"`
	Duration          string     `json:"duration"`
	Instructions      string     `json:"instructions,omitempty"`
	UnitPrice         *Amount    `json:"unit_price,omitempty"`
	Confirmed         bool       `json:"confirmed"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
	ConfirmingUserID  string     `json:"confirming_user_id,omitempty"`
}

// LineEdit holds line fields to overwrite; nil fields are left untouched
type LineEdit struct {
	MedicineReference *string `json:"medicine_reference,omitempty"`
	Dosage            *string `json:"dosage,omitempty"`
	Quantity          *int    `json:"quantity,omitempty"`
	Frequency         *string `json:"frequency,omitempty"`
	Duration          *string `json:"duration,omitempty"`
	Instructions      *string `json:"instructions,omitempty"`
}

func newLine(id, visitID string, position int, medicine string) *Line {
	return &Line{
		ID:                id,
		VisitID:           visitID,
		Position:          position,
		MedicineReference: medicine,
		Quantity:          1,
	}
}

// Clone returns a deep copy
func (l *Line) Clone() *Line {
	c := *l
	if l.UnitPrice != nil {
		p := *l.UnitPrice
		c.UnitPrice = &p
	}
	if l.ConfirmedAt != nil {
		at := *l.ConfirmedAt
		c.ConfirmedAt = &at
	}
	return &c
}

// Apply overwrites the supplied fields of an unconfirmed line
func (l *Line) Apply(e LineEdit) error {
	if l.Confirmed {
		return ErrLineLocked
	}

	check := validation{}
	if e.Quantity != nil {
		switch q := *e.Quantity; {
		case q <= 0:
			check["quantity"] = "must be greater than zero"
		case q > MaxQuantity:
			check["quantity"] = fmt.Sprintf("must be at most %d", MaxQuantity)
		}
	}
	if e.MedicineReference != nil {
		check.require("medicine_reference", *e.MedicineReference)
	}
	if err := check.Err(); err != nil {
		return err
	}

	if e.MedicineReference != nil {
		l.MedicineReference = strings.TrimSpace(*e.MedicineReference)
	}
	if e.Dosage != nil {
		l.Dosage = *e.Dosage
	}
	if e.Quantity != nil {
		l.Quantity = *e.Quantity
	}
	if e.Frequency != nil {
		l.Frequency = *e.Frequency
	}
	if e.Duration != nil {
		l.Duration = *e.Duration
	}
	if e.Instructions != nil {
		l.Instructions = *e.Instructions
	}
	return nil
}

// Confirm locks the line at the given unit price
func (l *Line) Confirm(userID string, unitPrice Amount, now time.Time) error {
	if l.Confirmed {
		return ErrLineLocked
	}
	l.Confirmed = true
	l.ConfirmedAt = &now
	l.ConfirmingUserID = userID
	l.UnitPrice = &unitPrice
	return nil
}

// Subtotal is quantity times the unit price fixed at confirmation
func (l *Line) Subtotal() (Amount, error) {
	if l.UnitPrice == nil {
		return 0, nil
	}
	return l.UnitPrice.Times(l.Quantity)
}

// AllConfirmed reports whether every line is confirmed. It is true for no lines.
func AllConfirmed(lines []*Line) bool {
	for _, l := range lines {
		if !l.Confirmed {
			return false
		}
	}
	return true
}

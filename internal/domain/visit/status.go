package visit

import (
	"fmt"
	"strings"
)

// Status represents visit status
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusInConsultation Status = "in-consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInConsultation, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the visit still occupies the patient's single active slot
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusInConsultation
}

// Terminal reports whether no further status transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Action names a state machine transition
type Action string

const (
	ActionStart    Action = "start consultation for"
	ActionAbort    Action = "abort consultation for"
	ActionEnd      Action = "end consultation for"
	ActionCancel   Action = "cancel"
	ActionDraft    Action = "update consultation draft for"
	ActionDispense Action = "dispense for"
	ActionBill     Action = "bill"
	ActionSettle   Action = "settle claim for"
)

type edge struct {
	from Status
	to   Status
}

// transitions is the complete visit state machine; anything absent is rejected.
var transitions = map[Action]edge{
	ActionStart:  {from: StatusWaiting, to: StatusInConsultation},
	ActionAbort:  {from: StatusInConsultation, to: StatusWaiting},
	ActionEnd:    {from: StatusInConsultation, to: StatusCompleted},
	ActionCancel: {from: StatusWaiting, to: StatusCancelled},
}

// Next returns the status reached by applying action from the given status
func Next(from Status, action Action) (Status, bool) {
	e, ok := transitions[action]
	if !ok || e.from != from {
		return from, false
	}
	return e.to, true
}

// PaymentType is decided when a consultation ends
type PaymentType string

const (
	PaymentCash  PaymentType = "cash"
	PaymentPanel PaymentType = "panel"
)

// ParsePaymentType normalises user input into a PaymentType
func ParsePaymentType(s string) (PaymentType, error) {
	switch PaymentType(strings.ToLower(strings.TrimSpace(s))) {
	case PaymentCash:
		return PaymentCash, nil
	case PaymentPanel:
		return PaymentPanel, nil
	}
	return "", fmt.Errorf("unknown payment type %q", s)
}

// BillingStatus tracks settlement independently of the visit status
type BillingStatus string

const (
	BillingPending     BillingStatus = "pending"
	BillingToBeClaimed BillingStatus = "to-be-claimed"
	BillingPaid        BillingStatus = "paid"
)

// initialBilling returns the billing status a visit enters when its consultation ends
func initialBilling(p PaymentType) BillingStatus {
	if p == PaymentPanel {
		return BillingToBeClaimed
	}
	return BillingPending
}

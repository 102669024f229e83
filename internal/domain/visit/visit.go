package visit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Visit is the aggregate root for one clinic encounter
type Visit struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	PractitionerID string `json:"practitioner_id"`
	QueueDay       string `json:"queue_day"`
	QueueNumber    int    `json:"queue_number"`
	Complaint      string `json:"complaint"`
	Status         Status `json:"status"`

	// Consultation outcome, mutable only while in consultation
	Diagnosis   string   `json:"diagnosis,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Notes       string   `json:"notes,omitempty"`

	PaymentType   PaymentType   `json:"payment_type,omitempty"`
	PanelName     string        `json:"panel_name,omitempty"`
	BillingStatus BillingStatus `json:"billing_status,omitempty"`
	BillAmount    *Amount       `json:"bill_amount,omitempty"`

	TimeIn         time.Time  `json:"time_in"`
	TimeOut        *time.Time `json:"time_out,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	BilledAt       *time.Time `json:"billed_at,omitempty"`
	ClaimSettledAt *time.Time `json:"claim_settled_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int        `json:"version"`

	changes []*Event
}

// Registration is the reception input for a new visit
type Registration struct {
	PatientID      string `json:"patient_id"`
	PractitionerID string `json:"practitioner_id"`
	Complaint      string `json:"complaint"`
}

// Validate checks the required registration fields
func (r Registration) Validate() error {
	v := validation{}
	v.require("patient_id", r.PatientID)
	v.require("practitioner_id", r.PractitionerID)
	v.require("complaint", r.Complaint)
	return v.Err()
}

// Draft holds consultation fields to overwrite; nil fields are left untouched
type Draft struct {
	Diagnosis   *string   `json:"diagnosis,omitempty"`
	Medications *[]string `json:"medications,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
}

// Conclusion is the full payload that ends a consultation
type Conclusion struct {
	Diagnosis string `json:"diagnosis"`
	// Medications yields one line per distinct item. Items are trimmed, blanks
	// dropped, and names differing only in case count as one medicine; the
	// first spelling is kept.
	Medications []string `json:"medications"`
	Notes       string   `json:"notes"`
	PaymentType string   `json:"payment_type"`
	PanelName   string   `json:"panel_name,omitempty"`
}

// Register creates a waiting visit holding the given queue number
func Register(id string, r Registration, day string, queueNumber int, now time.Time) (*Visit, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if queueNumber <= 0 {
		return nil, &ValidationError{Fields: map[string]string{"queue_number": "must be positive"}}
	}

	v := &Visit{
		ID:             id,
		PatientID:      strings.TrimSpace(r.PatientID),
		PractitionerID: strings.TrimSpace(r.PractitionerID),
		QueueDay:       day,
		QueueNumber:    queueNumber,
		Complaint:      strings.TrimSpace(r.Complaint),
		Status:         StatusWaiting,
		TimeIn:         now,
		UpdatedAt:      now,
	}

	err := v.record(EventVisitRegistered, &VisitRegisteredData{
		VisitID:        v.ID,
		PatientID:      v.PatientID,
		PractitionerID: v.PractitionerID,
		QueueDay:       day,
		QueueNumber:    queueNumber,
		Complaint:      v.Complaint,
		TimeIn:         now,
	}, now)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Changes returns uncommitted events
func (v *Visit) Changes() []*Event { return v.changes }

// ClearChanges clears uncommitted events
func (v *Visit) ClearChanges() { v.changes = nil }

// Clone returns a deep copy without uncommitted events
func (v *Visit) Clone() *Visit {
	c := *v
	c.changes = nil
	if v.Medications != nil {
		c.Medications = append([]string(nil), v.Medications...)
	}
	return &c
}

// Can reports whether action is legal from the current status
func (v *Visit) Can(action Action) error {
	if _, ok := Next(v.Status, action); !ok {
		return &TransitionError{VisitID: v.ID, From: v.Status, Action: action}
	}
	return nil
}

// Cancel withdraws a waiting visit. The queue number is not reclaimed.
func (v *Visit) Cancel(now time.Time) error {
	if err := v.move(ActionCancel, now); err != nil {
		return err
	}
	v.CancelledAt = &now
	return v.record(EventVisitCancelled, &VisitCancelledData{
		VisitID:     v.ID,
		QueueNumber: v.QueueNumber,
		CancelledAt: now,
	}, now)
}

// StartConsultation claims the visit for practitionerID
func (v *Visit) StartConsultation(practitionerID string, now time.Time) error {
	if err := v.Can(ActionStart); err != nil {
		return err
	}
	practitionerID = strings.TrimSpace(practitionerID)
	if practitionerID == "" {
		return &ValidationError{Fields: map[string]string{"practitioner_id": "is required"}}
	}

	previous := ""
	if v.PractitionerID != practitionerID {
		previous = v.PractitionerID
	}
	_ = v.move(ActionStart, now)
	v.PractitionerID = practitionerID

	return v.record(EventConsultationStarted, &ConsultationStartedData{
		VisitID:              v.ID,
		PractitionerID:       practitionerID,
		PreviousPractitioner: previous,
		StartedAt:            now,
	}, now)
}

// UpdateDraft overwrites the supplied consultation fields
func (v *Visit) UpdateDraft(d Draft, now time.Time) error {
	if v.Status != StatusInConsultation {
		return &TransitionError{VisitID: v.ID, From: v.Status, Action: ActionDraft}
	}

	var fields []string
	if d.Diagnosis != nil {
		v.Diagnosis = *d.Diagnosis
		fields = append(fields, "diagnosis")
	}
	if d.Medications != nil {
		v.Medications = append([]string(nil), (*d.Medications)...)
		fields = append(fields, "medications")
	}
	if d.Notes != nil {
		v.Notes = *d.Notes
		fields = append(fields, "notes")
	}
	if len(fields) == 0 {
		return nil
	}
	v.UpdatedAt = now

	return v.record(EventConsultationDrafted, &ConsultationDraftedData{
		VisitID: v.ID,
		Fields:  fields,
	}, now)
}

// AbortConsultation returns the visit to the queue without freezing anything
func (v *Visit) AbortConsultation(now time.Time) error {
	if err := v.move(ActionAbort, now); err != nil {
		return err
	}
	return v.record(EventConsultationAborted, &ConsultationAbortedData{
		VisitID:        v.ID,
		PractitionerID: v.PractitionerID,
		AbortedAt:      now,
	}, now)
}

// EndConsultation freezes the consultation outcome, completes the visit and
// returns one unconfirmed prescription line per medication item.
func (v *Visit) EndConsultation(c Conclusion, now time.Time) ([]*Line, error) {
	if err := v.Can(ActionEnd); err != nil {
		return nil, err
	}

	diagnosis := strings.TrimSpace(c.Diagnosis)
	panel := strings.TrimSpace(c.PanelName)

	check := validation{}
	check.require("diagnosis", diagnosis)
	payment, err := ParsePaymentType(c.PaymentType)
	if err != nil {
		check["payment_type"] = "must be cash or panel"
	}
	if payment == PaymentPanel {
		check.require("panel_name", panel)
	} else {
		panel = ""
	}
	if err := check.Err(); err != nil {
		return nil, err
	}

	meds := normaliseMedications(c.Medications)
	lines := make([]*Line, 0, len(meds))
	lineIDs := make([]string, 0, len(meds))
	for i, m := range meds {
		l := newLine(uuid.New().String(), v.ID, i, m)
		lines = append(lines, l)
		lineIDs = append(lineIDs, l.ID)
	}

	_ = v.move(ActionEnd, now)
	v.Diagnosis = diagnosis
	v.Medications = meds
	v.Notes = c.Notes
	v.PaymentType = payment
	v.PanelName = panel
	v.BillingStatus = initialBilling(payment)
	v.TimeOut = &now

	err = v.record(EventConsultationEnded, &ConsultationEndedData{
		VisitID:       v.ID,
		Diagnosis:     diagnosis,
		Medications:   meds,
		PaymentType:   payment,
		PanelName:     panel,
		BillingStatus: v.BillingStatus,
		LineIDs:       lineIDs,
		TimeOut:       now,
	}, now)
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// FinalizeBill records the payable amount. Cash visits are settled on the
// spot; panel visits stay to-be-claimed until the claim is settled.
func (v *Visit) FinalizeBill(amount Amount, now time.Time) error {
	if v.Status != StatusCompleted {
		return &TransitionError{VisitID: v.ID, From: v.Status, Action: ActionBill}
	}
	if v.BilledAt != nil {
		return nil
	}

	v.BillAmount = &amount
	v.BilledAt = &now
	if v.PaymentType == PaymentPanel {
		v.BillingStatus = BillingToBeClaimed
	} else {
		v.BillingStatus = BillingPaid
	}
	v.UpdatedAt = now

	return v.record(EventBillFinalized, &BillFinalizedData{
		VisitID:       v.ID,
		Amount:        amount,
		PaymentType:   v.PaymentType,
		PanelName:     v.PanelName,
		BillingStatus: v.BillingStatus,
		BilledAt:      now,
	}, now)
}

// SettleClaim marks a billed panel visit as paid
func (v *Visit) SettleClaim(now time.Time) error {
	if v.Status != StatusCompleted || v.PaymentType != PaymentPanel ||
		v.BilledAt == nil || v.BillingStatus != BillingToBeClaimed {
		return &TransitionError{VisitID: v.ID, From: v.Status, Action: ActionSettle}
	}

	v.BillingStatus = BillingPaid
	v.ClaimSettledAt = &now
	v.UpdatedAt = now

	return v.record(EventClaimSettled, &ClaimSettledData{
		VisitID:   v.ID,
		PanelName: v.PanelName,
		Amount:    *v.BillAmount,
		SettledAt: now,
	}, now)
}

// Record appends an event raised on behalf of the visit by a collaborator,
// such as dispensing, without changing visit state.
func (v *Visit) Record(eventType EventType, data interface{}, now time.Time) error {
	return v.record(eventType, data, now)
}

func (v *Visit) move(action Action, now time.Time) error {
	next, ok := Next(v.Status, action)
	if !ok {
		return &TransitionError{VisitID: v.ID, From: v.Status, Action: action}
	}
	v.Status = next
	v.UpdatedAt = now
	return nil
}

func (v *Visit) record(eventType EventType, data interface{}, now time.Time) error {
	event, err := NewEvent(v.ID, eventType, data, now)
	if err != nil {
		return err
	}
	v.Version++
	event.Version = v.Version
	event.WithParticipants(v.PatientID, v.PractitionerID)
	v.changes = append(v.changes, event)
	return nil
}

// normaliseMedications trims items, drops blanks and collapses
// case-insensitive duplicates, keeping first-seen order.
func normaliseMedications(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Package visit implements the visit aggregate and its domain events.
package visit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventVisitRegistered         EventType = "VisitRegistered"
	EventVisitCancelled          EventType = "VisitCancelled"
	EventConsultationStarted     EventType = "ConsultationStarted"
	EventConsultationDrafted     EventType = "ConsultationDrafted"
	EventConsultationAborted     EventType = "ConsultationAborted"
	EventConsultationEnded       EventType = "ConsultationEnded"
	EventPrescriptionLineEdited  EventType = "PrescriptionLineEdited"
	EventPrescriptionLineRemoved EventType = "PrescriptionLineRemoved"
	EventPrescriptionConfirmed   EventType = "PrescriptionConfirmed"
	EventStockShortfallReported  EventType = "StockShortfallReported"
	EventBillFinalized           EventType = "BillFinalized"
	EventClaimSettled            EventType = "ClaimSettled"
)

// AggregateType is stamped on every event emitted by a visit.
const AggregateType = "Visit"

// Event represents a domain event
type Event struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      EventType       `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	Version        int             `json:"version"`
	Timestamp      time.Time       `json:"timestamp"`
	PatientID      string          `json:"patient_id,omitempty"`
	PractitionerID string          `json:"practitioner_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithParticipants sets the patient and practitioner the event concerns
func (e *Event) WithParticipants(patientID, practitionerID string) *Event {
	e.PatientID = patientID
	e.PractitionerID = practitionerID
	return e
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// VisitRegisteredData contains registration details
type VisitRegisteredData struct {
	VisitID        string    `json:"visit_id"`
	PatientID      string    `json:"patient_id"`
	PractitionerID string    `json:"practitioner_id"`
	QueueDay       string    `json:"queue_day"`
	QueueNumber    int       `json:"queue_number"`
	Complaint      string    `json:"complaint"`
	TimeIn         time.Time `json:"time_in"`
}

// VisitCancelledData contains cancellation details
type VisitCancelledData struct {
	VisitID     string    `json:"visit_id"`
	QueueNumber int       `json:"queue_number"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ConsultationStartedData records which practitioner claimed the visit
type ConsultationStartedData struct {
	VisitID              string    `json:"visit_id"`
	PractitionerID       string    `json:"practitioner_id"`
	PreviousPractitioner string    `json:"previous_practitioner,omitempty"`
	StartedAt            time.Time `json:"started_at"`
}

// ConsultationDraftedData lists the draft fields that were overwritten
type ConsultationDraftedData struct {
	VisitID string   `json:"visit_id"`
	Fields  []string `json:"fields"`
}

// ConsultationAbortedData contains abort details
type ConsultationAbortedData struct {
	VisitID        string    `json:"visit_id"`
	PractitionerID string    `json:"practitioner_id"`
	AbortedAt      time.Time `json:"aborted_at"`
}

// ConsultationEndedData contains the frozen consultation outcome
type ConsultationEndedData struct {
	VisitID       string        `json:"visit_id"`
	Diagnosis     string        `json:"diagnosis"`
	Medications   []string      `json:"medications"`
	PaymentType   PaymentType   `json:"payment_type"`
	PanelName     string        `json:"panel_name,omitempty"`
	BillingStatus BillingStatus `json:"billing_status"`
	LineIDs       []string      `json:"line_ids,omitempty"`
	TimeOut       time.Time     `json:"time_out"`
}

// PrescriptionLineEditedData contains the state of an edited line
type PrescriptionLineEditedData struct {
	VisitID   string `json:"visit_id"`
	LineID    string `json:"line_id"`
	Dosage    string `json:"dosage"`
	Quantity  int    `json:"quantity"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// PrescriptionLineRemovedData identifies a removed line
type PrescriptionLineRemovedData struct {
	VisitID           string `json:"visit_id"`
	LineID            string `json:"line_id"`
	MedicineReference string `json:"medicine_reference"`
}

// PrescriptionConfirmedData contains dispensing confirmation details
type PrescriptionConfirmedData struct {
	VisitID          string    `json:"visit_id"`
	LineIDs          []string  `json:"line_ids"`
	ConfirmingUserID string    `json:"confirming_user_id"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}

// StockShortfallData describes a stock decrement that could not be fully applied
type StockShortfallData struct {
	VisitID           string    `json:"visit_id"`
	LineID            string    `json:"line_id"`
	MedicineReference string    `json:"medicine_reference"`
	Requested         int       `json:"requested"`
	Available         int       `json:"available"`
	Reason            string    `json:"reason"`
	ReportedAt        time.Time `json:"reported_at"`
}

// BillFinalizedData contains the finalized bill
type BillFinalizedData struct {
	VisitID       string        `json:"visit_id"`
	Amount        Amount        `json:"amount"`
	PaymentType   PaymentType   `json:"payment_type"`
	PanelName     string        `json:"panel_name,omitempty"`
	BillingStatus BillingStatus `json:"billing_status"`
	BilledAt      time.Time     `json:"billed_at"`
}

// ClaimSettledData records a settled panel claim
type ClaimSettledData struct {
	VisitID   string    `json:"visit_id"`
	PanelName string    `json:"panel_name"`
	Amount    Amount    `json:"amount"`
	SettledAt time.Time `json:"settled_at"`
}

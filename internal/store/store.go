// Package store defines the persistence contract for visits, prescription
// lines and their event log.
package store

import (
	"context"
	"errors"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("store: write in read-only unit of work")

// Tx is a unit of work. Every read returns a copy the caller may mutate;
// writes become visible to other callers only when the unit commits.
type Tx interface {
	// Lock serializes concurrent units of work on the given keys until commit.
	Lock(ctx context.Context, keys ...string) error

	// Visit returns the visit, locked for the rest of the unit of work.
	Visit(ctx context.Context, id string) (*visit.Visit, error)
	// ActiveVisitForPatient returns the patient's waiting or in-consultation visit, or nil.
	ActiveVisitForPatient(ctx context.Context, patientID string) (*visit.Visit, error)
	// ConsultingVisitForPractitioner returns the practitioner's in-consultation visit, or nil.
	ConsultingVisitForPractitioner(ctx context.Context, practitionerID string) (*visit.Visit, error)
	InsertVisit(ctx context.Context, v *visit.Visit) error
	UpdateVisit(ctx context.Context, v *visit.Visit) error

	// Lines returns the visit's prescription lines ordered by position.
	Lines(ctx context.Context, visitID string) ([]*visit.Line, error)
	Line(ctx context.Context, id string) (*visit.Line, error)
	InsertLines(ctx context.Context, lines []*visit.Line) error
	UpdateLine(ctx context.Context, l *visit.Line) error
	DeleteLine(ctx context.Context, id string) error

	AppendEvents(ctx context.Context, events []*visit.Event) error
}

// Filter narrows ListVisits. Zero fields match everything.
type Filter struct {
	Day            string
	PractitionerID string
	PatientID      string
	Statuses       []visit.Status
	Limit          int
}

// Match reports whether v satisfies the filter
func (f Filter) Match(v *visit.Visit) bool {
	if f.Day != "" && v.QueueDay != f.Day {
		return false
	}
	if f.PractitionerID != "" && v.PractitionerID != f.PractitionerID {
		return false
	}
	if f.PatientID != "" && v.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if v.Status == s {
			return true
		}
	}
	return false
}

// Store is the single authoritative owner of visit state
type Store interface {
	// RunInTx runs fn in a read-write unit of work, committing when fn returns nil.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn against a read-only unit of work. Writes fail.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListVisits returns matching visits ordered by queue day then queue number.
	ListVisits(ctx context.Context, f Filter) ([]*visit.Visit, error)
	// Events returns the visit's event log ordered by version.
	Events(ctx context.Context, visitID string) ([]*visit.Event, error)
}

// PatientKey and PractitionerKey name the serialization points passed to Tx.Lock.
func PatientKey(id string) string { return "patient:" + id }

func PractitionerKey(id string) string { return "practitioner:" + id }

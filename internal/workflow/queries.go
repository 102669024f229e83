package workflow

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/queue"
	"github.com/drfirst/go-visitflow/internal/store"
)

// QueueStats counts a day's visits by status
type QueueStats struct {
	Day            string `json:"day"`
	PractitionerID string `json:"practitioner_id,omitempty"`
	Waiting        int    `json:"waiting"`
	InConsultation int    `json:"in_consultation"`
	Completed      int    `json:"completed"`
	Cancelled      int    `json:"cancelled"`
	Total          int    `json:"total"`
	// NextQueueNumber is the lowest queue number still waiting, 0 when none
	NextQueueNumber int `json:"next_queue_number"`
}

// GetVisit returns a visit by id
func (e *Engine) GetVisit(ctx context.Context, visitID string) (v *visit.Visit, err error) {
	ctx, span := e.start(ctx, "get_visit", attribute.String("visit_id", visitID))
	defer func() { e.finish(span, "get_visit", err) }()

	err = e.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		v, err = tx.Visit(ctx, visitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVisits returns visits matching f ordered by day and queue number
func (e *Engine) ListVisits(ctx context.Context, f store.Filter) (visits []*visit.Visit, err error) {
	ctx, span := e.start(ctx, "list_visits")
	defer func() { e.finish(span, "list_visits", err) }()

	if f.Day != "" {
		if err := queue.ValidDay(f.Day); err != nil {
			return nil, &visit.ValidationError{Fields: map[string]string{"day": "must be YYYY-MM-DD"}}
		}
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, &visit.ValidationError{Fields: map[string]string{"status": "unknown status " + string(s)}}
		}
	}
	return e.store.ListVisits(ctx, f)
}

// QueueStats summarises the queue of day, today when empty, optionally for
// one practitioner.
func (e *Engine) QueueStats(ctx context.Context, day, practitionerID string) (stats QueueStats, err error) {
	if strings.TrimSpace(day) == "" {
		day = e.Today()
	}
	visits, err := e.ListVisits(ctx, store.Filter{Day: day, PractitionerID: practitionerID})
	if err != nil {
		return QueueStats{}, err
	}

	stats = QueueStats{Day: day, PractitionerID: practitionerID, Total: len(visits)}
	for _, v := range visits {
		switch v.Status {
		case visit.StatusWaiting:
			stats.Waiting++
			if stats.NextQueueNumber == 0 || v.QueueNumber < stats.NextQueueNumber {
				stats.NextQueueNumber = v.QueueNumber
			}
		case visit.StatusInConsultation:
			stats.InConsultation++
		case visit.StatusCompleted:
			stats.Completed++
		case visit.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Events returns a visit's event log
func (e *Engine) Events(ctx context.Context, visitID string) (events []*visit.Event, err error) {
	if _, err := e.GetVisit(ctx, visitID); err != nil {
		return nil, err
	}
	return e.store.Events(ctx, visitID)
}

// Today is the current operating day in the clinic's time zone
func (e *Engine) Today() string {
	return queue.Day(e.now(), e.config.Location)
}

// Package memory provides an in-memory store.Store used by tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/store"
)

var _ store.Store = (*Store)(nil)

// state maps hold values that are never mutated after insertion; writers
// replace entries with fresh clones.
type state struct {
	visits     map[string]*visit.Visit
	lines      map[string]*visit.Line
	visitLines map[string][]string
	events     map[string][]*visit.Event
}

func newState() state {
	return state{
		visits:     make(map[string]*visit.Visit),
		lines:      make(map[string]*visit.Line),
		visitLines: make(map[string][]string),
		events:     make(map[string][]*visit.Event),
	}
}

func (s state) clone() state {
	c := state{
		visits:     make(map[string]*visit.Visit, len(s.visits)),
		lines:      make(map[string]*visit.Line, len(s.lines)),
		visitLines: make(map[string][]string, len(s.visitLines)),
		events:     make(map[string][]*visit.Event, len(s.events)),
	}
	for k, v := range s.visits {
		c.visits[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.visitLines {
		c.visitLines[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// Store keeps all state behind a single lock. Units of work run on a
// clone of the state and replace it on commit, so a failed unit leaves
// nothing behind.
type Store struct {
	mu    sync.RWMutex
	state state
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{state: newState()}
}

// RunInTx runs fn under the store's write lock
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View runs fn against a read-only snapshot
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(ctx, &transaction{state: s.state, readOnly: true})
}

// ListVisits returns matching visits ordered by day and queue number
func (s *Store) ListVisits(ctx context.Context, f store.Filter) ([]*visit.Visit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*visit.Visit, 0)
	for _, v := range s.state.visits {
		if f.Match(v) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueueDay != out[j].QueueDay {
			return out[i].QueueDay < out[j].QueueDay
		}
		return out[i].QueueNumber < out[j].QueueNumber
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events returns the visit's event log
func (s *Store) Events(ctx context.Context, visitID string) ([]*visit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.state.events[visitID]
	out := make([]*visit.Event, len(events))
	for i, e := range events {
		c := *e
		out[i] = &c
	}
	return out, nil
}

type transaction struct {
	state    state
	readOnly bool
}

// Lock is a no-op: the store lock already serializes every unit of work.
func (tx *transaction) Lock(ctx context.Context, keys ...string) error {
	return nil
}

func (tx *transaction) Visit(ctx context.Context, id string) (*visit.Visit, error) {
	v, ok := tx.state.visits[id]
	if !ok {
		return nil, &visit.NotFoundError{Entity: "visit", ID: id}
	}
	return v.Clone(), nil
}

func (tx *transaction) ActiveVisitForPatient(ctx context.Context, patientID string) (*visit.Visit, error) {
	for _, v := range tx.state.visits {
		if v.PatientID == patientID && v.Status.Active() {
			return v.Clone(), nil
		}
	}
	return nil, nil
}

func (tx *transaction) ConsultingVisitForPractitioner(ctx context.Context, practitionerID string) (*visit.Visit, error) {
	for _, v := range tx.state.visits {
		if v.PractitionerID == practitionerID && v.Status == visit.StatusInConsultation {
			return v.Clone(), nil
		}
	}
	return nil, nil
}

func (tx *transaction) InsertVisit(ctx context.Context, v *visit.Visit) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	if _, exists := tx.state.visits[v.ID]; exists {
		return fmt.Errorf("visit %s already exists", v.ID)
	}
	tx.state.visits[v.ID] = v.Clone()
	return nil
}

func (tx *transaction) UpdateVisit(ctx context.Context, v *visit.Visit) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	if _, exists := tx.state.visits[v.ID]; !exists {
		return &visit.NotFoundError{Entity: "visit", ID: v.ID}
	}
	tx.state.visits[v.ID] = v.Clone()
	return nil
}

func (tx *transaction) Lines(ctx context.Context, visitID string) ([]*visit.Line, error) {
	ids := tx.state.visitLines[visitID]
	out := make([]*visit.Line, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.state.lines[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (tx *transaction) Line(ctx context.Context, id string) (*visit.Line, error) {
	l, ok := tx.state.lines[id]
	if !ok {
		return nil, &visit.NotFoundError{Entity: "prescription line", ID: id}
	}
	return l.Clone(), nil
}

func (tx *transaction) InsertLines(ctx context.Context, lines []*visit.Line) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	for _, l := range lines {
		if _, exists := tx.state.lines[l.ID]; exists {
			return fmt.Errorf("prescription line %s already exists", l.ID)
		}
		tx.state.lines[l.ID] = l.Clone()
		ids := tx.state.visitLines[l.VisitID]
		tx.state.visitLines[l.VisitID] = append(append([]string(nil), ids...), l.ID)
	}
	return nil
}

func (tx *transaction) UpdateLine(ctx context.Context, l *visit.Line) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	if _, exists := tx.state.lines[l.ID]; !exists {
		return &visit.NotFoundError{Entity: "prescription line", ID: l.ID}
	}
	tx.state.lines[l.ID] = l.Clone()
	return nil
}

func (tx *transaction) DeleteLine(ctx context.Context, id string) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	l, exists := tx.state.lines[id]
	if !exists {
		return &visit.NotFoundError{Entity: "prescription line", ID: id}
	}
	delete(tx.state.lines, id)

	ids := tx.state.visitLines[l.VisitID]
	kept := make([]string, 0, len(ids))
	for _, other := range ids {
		if other != id {
			kept = append(kept, other)
		}
	}
	tx.state.visitLines[l.VisitID] = kept
	return nil
}

func (tx *transaction) AppendEvents(ctx context.Context, events []*visit.Event) error {
	if tx.readOnly {
		return store.ErrReadOnly
	}
	for _, e := range events {
		c := *e
		log := tx.state.events[e.AggregateID]
		tx.state.events[e.AggregateID] = append(append([]*visit.Event(nil), log...), &c)
	}
	return nil
}

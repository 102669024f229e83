package visit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error kinds returned by the workflow. Callers match them with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateActiveVisit = errors.New("patient already has an active visit")
	ErrPractitionerBusy     = errors.New("practitioner already has a consultation in progress")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrValidation           = errors.New("validation failed")
	ErrLineLocked           = errors.New("prescription line is confirmed")
	ErrEmptySet             = errors.New("no prescription lines to confirm")
	ErrNotReady             = errors.New("prescription lines awaiting confirmation")
)

// TransitionError reports an action attempted from a status that does not allow it
type TransitionError struct {
	VisitID string
	From    Status
	Action  Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s visit %s while %s", e.Action, e.VisitID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError carries per-field messages
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// validation accumulates field errors; Err returns nil when nothing was added.
type validation map[string]string

func (v validation) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		v[field] = "is required"
	}
}

func (v validation) Err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: v}
}

// NotFoundError names the missing entity
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

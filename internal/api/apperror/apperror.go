// Package apperror maps workflow errors to HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
	"github.com/drfirst/go-visitflow/internal/inventory"
	"github.com/drfirst/go-visitflow/pkg/circuitbreaker"
)

// AppError is the JSON error body returned by the API
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// BadRequest is returned for bodies that cannot be decoded
func BadRequest(message string) *AppError {
	return &AppError{
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound names a missing resource
func NotFound(resource, id string) *AppError {
	return &AppError{
		Message:    resource + " not found",
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized is returned when the operator header is missing
func Unauthorized(message string) *AppError {
	return &AppError{
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

var kinds = []struct {
	target error
	code   string
	status int
}{
	{visit.ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{visit.ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest},
	{visit.ErrDuplicateActiveVisit, "DUPLICATE_ACTIVE_VISIT", http.StatusConflict},
	{visit.ErrPractitionerBusy, "PRACTITIONER_BUSY", http.StatusConflict},
	{visit.ErrInvalidTransition, "INVALID_TRANSITION", http.StatusConflict},
	{visit.ErrLineLocked, "LINE_LOCKED", http.StatusConflict},
	{visit.ErrNotReady, "NOT_READY", http.StatusConflict},
	{visit.ErrEmptySet, "EMPTY_SET", http.StatusUnprocessableEntity},
	{inventory.ErrUnknownMedicine, "UNKNOWN_MEDICINE", http.StatusUnprocessableEntity},
	{circuitbreaker.ErrOpen, "INVENTORY_UNAVAILABLE", http.StatusServiceUnavailable},
}

// From classifies err. Unknown errors become a 500 without leaking details.
func From(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}

	for _, k := range kinds {
		if !errors.Is(err, k.target) {
			continue
		}
		ae := &AppError{
			Err:        err,
			Message:    err.Error(),
			Code:       k.code,
			HTTPStatus: k.status,
		}
		var ve *visit.ValidationError
		if errors.As(err, &ve) {
			ae.Message = "validation failed"
			ae.Details = ve.Fields
		}
		var te *visit.TransitionError
		if errors.As(err, &te) {
			ae.Details = map[string]string{
				"visit_id": te.VisitID,
				"from":     string(te.From),
				"action":   string(te.Action),
			}
		}
		return ae
	}

	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL",
		HTTPStatus: http.StatusInternalServerError,
	}
}

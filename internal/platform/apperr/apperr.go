// Package apperr is the error taxonomy shared by the blood bank services.
//
// Repositories return the sentinel errors (optionally wrapped). Services
// translate them into one of the typed errors below, and the HTTP layer maps
// the typed errors onto status codes with ToHTTP.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindGateDenied Kind = "gate_denied"
	KindNotFound   Kind = "not_found"
	KindTerminal   Kind = "terminal_state"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// ValidationError reports malformed input or an illegal state-machine edge.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports a lost compare-and-swap or a uniqueness collision.
// The caller may re-read and retry.
type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// GateEvaluation is the outcome of one safety gate.
type GateEvaluation struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// GateDenied names the first safety gate that failed.
type GateDenied struct {
	Gate        string
	Reason      string
	Evaluations []GateEvaluation
}

func (e *GateDenied) Error() string {
	return fmt.Sprintf("gate %s denied: %s", e.Gate, e.Reason)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ForbiddenError reports a record outside the principal's branch scope.
type ForbiddenError struct {
	Resource string
	Message  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s forbidden: %s", e.Resource, e.Message)
}

func (e *ForbiddenError) Is(target error) bool { return target == ErrForbidden }

// TerminalStateError reports an operation on a unit that can no longer move
// forward (terminal or expired).
type TerminalStateError struct {
	UnitID  string
	Status  string
	Message string
}

func (e *TerminalStateError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unit %s is %s: %s", e.UnitID, e.Status, e.Message)
	}
	return fmt.Sprintf("unit %s is %s", e.UnitID, e.Status)
}

func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func Conflict(resource, format string, args ...interface{}) error {
	return &ConflictError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource string, id interface{}) error {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

func Forbidden(resource, format string, args ...interface{}) error {
	return &ForbiddenError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

func Denied(gate, reason string) *GateDenied {
	return &GateDenied{Gate: gate, Reason: reason}
}

// KindOf classifies err, looking through wrapping.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		ce *ConflictError
		gd *GateDenied
		nf *NotFoundError
		ts *TerminalStateError
		fe *ForbiddenError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &gd):
		return KindGateDenied
	case errors.As(err, &ts):
		return KindTerminal
	case errors.As(err, &fe), errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.As(err, &ce), errors.Is(err, ErrConflict):
		return KindConflict
	case errors.As(err, &nf), errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsRetryable reports whether re-reading and retrying could succeed.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}

// Body is the JSON error payload returned by the HTTP layer.
type Body struct {
	Kind        Kind             `json:"kind"`
	Message     string           `json:"message"`
	Field       string           `json:"field,omitempty"`
	Gate        string           `json:"gate,omitempty"`
	Evaluations []GateEvaluation `json:"evaluations,omitempty"`
}

// ToHTTP converts a service error into an echo HTTP error.
func ToHTTP(err error) error {
	kind := KindOf(err)
	body := Body{Kind: kind, Message: err.Error()}
	status := http.StatusInternalServerError

	switch kind {
	case KindValidation:
		var ve *ValidationError
		errors.As(err, &ve)
		body.Field = ve.Field
		status = http.StatusBadRequest
	case KindGateDenied:
		var gd *GateDenied
		errors.As(err, &gd)
		body.Gate = gd.Gate
		body.Evaluations = gd.Evaluations
		status = http.StatusUnprocessableEntity
	case KindConflict, KindTerminal:
		status = http.StatusConflict
	case KindNotFound:
		status = http.StatusNotFound
	case KindForbidden:
		status = http.StatusForbidden
	default:
		body.Message = "internal server error"
	}
	return echo.NewHTTPError(status, body)
}

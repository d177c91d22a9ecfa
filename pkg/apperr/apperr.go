// Package apperr defines the error taxonomy shared by the intake handlers and
// the reconciliation worker.
//
// Every failure in the core maps to one Kind, and each Kind maps to an
// HTTP-analogue status code for the ingress layer:
//
//	Validation   → 400   malformed or missing fields
//	Auth         → 403   role / self-trading / ownership / market-closed
//	Precondition → 409   wrong state, missing trigger, duplicate lifecycle id
//	NotFound     → 404   unknown order or user
//	Transient    → 503   cache/db/bus/RPC temporarily unavailable; retry-safe
//	Remote       → 400   provider business rejection with a structured reason
//	Poison       → 422   message shape incoherent after all backfills
//
// The reconciliation worker uses the same taxonomy to decide requeue policy:
// Transient errors requeue, everything else is terminal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy and status mapping.
type Kind int

const (
	Validation Kind = iota + 1
	Auth
	Precondition
	NotFound
	Transient
	Remote
	Poison
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Auth:
		return "auth"
	case Precondition:
		return "precondition"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case Remote:
		return "remote_rejection"
	case Poison:
		return "poison"
	default:
		return "unknown"
	}
}

// HTTPStatus returns the HTTP-analogue code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation, Remote:
		return http.StatusBadRequest
	case Auth:
		return http.StatusForbidden
	case Precondition:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	case Transient:
		return http.StatusServiceUnavailable
	case Poison:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Reason carries the structured rejection reason
// for Remote errors so it can be recorded verbatim.
type Error struct {
	Kind   Kind
	Reason string // machine-usable reason code, e.g. "insufficient_margin"
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithReason attaches a structured reason code.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// Transient: an unknown failure must never be treated as terminal by the
// reconciliation worker.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ReasonOf returns the structured reason, or "" for unclassified errors.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// Package apperr defines the typed error values returned by the control
// surface. Every error carries a stable short code, a human message, and an
// optional hint; callers match on Kind with errors.As / apperr.KindOf.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound          Kind = "not_found"
	NameConflict      Kind = "name_conflict"
	InvalidArgv       Kind = "invalid_argv"
	InvalidField      Kind = "invalid_field"
	InvalidExpression Kind = "invalid_expression"
	InvalidPolicy     Kind = "invalid_policy"
	UnknownPolicy     Kind = "unknown_policy"
	AlreadyActive     Kind = "already_active"
	AlreadyStopped    Kind = "already_stopped"
	TransientState    Kind = "transient_state"
	Busy              Kind = "busy"
	Timeout           Kind = "timeout"
	SpawnError        Kind = "spawn_error"
	StoreUnavailable  Kind = "store_unavailable"
	SubscriberLagged  Kind = "subscriber_lagged"
	Internal          Kind = "internal"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, keeping it unwrappable.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithHint returns a copy carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// KindOf extracts the kind of err, or Internal for untyped errors. A nil err
// yields the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps an error kind to a response status for the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return 200
	case NotFound, UnknownPolicy:
		return 404
	case NameConflict, AlreadyActive, AlreadyStopped, Busy:
		return 409
	case InvalidArgv, InvalidField, InvalidExpression, InvalidPolicy:
		return 400
	case TransientState:
		return 409
	case Timeout:
		return 504
	case StoreUnavailable:
		return 503
	default:
		return 500
	}
}

// Package ssoerr defines the error taxonomy spec.md §7 calls out: a
// closed set of kinds every boundary-crossing operation in identity,
// session, and daemon translates its failures into, so a DB-layer
// failure during store surfaces as StoreFailed rather than the
// underlying SQL status (the SQL detail is still logged, not
// discarded).
package ssoerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from spec.md §7.
type Kind string

const (
	Unknown                 Kind = "Unknown"
	PermissionDenied        Kind = "PermissionDenied"
	IdentityNotFound        Kind = "IdentityNotFound"
	ReferenceNotFound       Kind = "ReferenceNotFound"
	MethodNotKnown          Kind = "MethodNotKnown"
	MethodNotAvailable      Kind = "MethodNotAvailable"
	MechanismNotAvailable   Kind = "MechanismNotAvailable"
	CredentialsNotAvailable Kind = "CredentialsNotAvailable"
	NotAuthorized           Kind = "NotAuthorized"
	MissingData             Kind = "MissingData"
	InvalidData             Kind = "InvalidData"
	UserInteraction         Kind = "UserInteraction"
	SessionCanceled         Kind = "SessionCanceled"
	Timeout                 Kind = "Timeout"
	StoreFailed             Kind = "StoreFailed"
	RemoveFailed            Kind = "RemoveFailed"
	PluginDied              Kind = "PluginDied"
	ProtocolError           Kind = "ProtocolError"
)

// Error is a taxonomy-classified failure. Wrapped errors (via %w) stay
// reachable through errors.Unwrap/errors.Is/errors.As as usual.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error of kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of kind that wraps err, preserving it for
// errors.Is/As while presenting the taxonomy kind to callers, matching
// §7's "surfaced at the same level of abstraction; detail is logged"
// propagation rule.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns err's taxonomy kind, or Unknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return Unknown
	}
	return e.Kind
}

// Package apperr provides the control plane's error taxonomy.
//
// Errors are distinguished by Kind, not by Go type, so that callers at
// the HTTP boundary can map a Kind to a status code without a type
// switch over every possible error value.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of error categories.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindNotFound          Kind = "not_found"
	KindInvalidState      Kind = "invalid_state"
	KindInsufficientFunds Kind = "insufficient_credits"
	KindValidation        Kind = "validation"
	KindBackend           Kind = "backend"
	KindStorage           Kind = "storage"
	KindTimeout           Kind = "timeout"
	KindInternalInvariant Kind = "internal_invariant"
)

// Error is the control plane's canonical error value. It carries a Kind
// for propagation-policy mapping, a human message, optional structured
// fields for logging/API responses, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind is a string and not itself an error, so kind checks go through
// the package-level Is and KindOf below rather than errors.Is.

// New creates an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error under a Kind, preserving the chain for
// errors.Is/errors.As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField attaches a structured field and returns the same error for
// chaining at the call site.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 4)
	}
	e.Fields[key] = value
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
// Errors that don't participate in the taxonomy report KindInternalInvariant,
// since an un-typed error reaching the HTTP boundary is itself a bug.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternalInvariant
}

// Is reports whether the first *Error in err's chain (as found by
// KindOf) has the given Kind; *Error values further down are not checked.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// NotFound is a convenience constructor for the common "entity missing"
// case; resource and id are folded into the message only, never leaking
// whether a *different* owner's entity exists.
func NotFound(resource, id string) *Error {
	return Newf(KindNotFound, "%s %q not found", resource, id)
}

// InsufficientCredits builds the {available, required} shaped error
// named in spec section 4.10/8.
func InsufficientCredits(available, required int64) *Error {
	return Newf(KindInsufficientFunds, "insufficient credits: available %d, required %d", available, required).
		WithField("available", available).
		WithField("required", required)
}

// InvalidStateTransition builds the transition error named in 4.9.
func InvalidStateTransition(from, to string) *Error {
	return Newf(KindInvalidState, "invalid state transition: %s -> %s", from, to).
		WithField("from", from).
		WithField("to", to)
}

// Package errors defines the reason-coded error taxonomy shared by every
// runtime component. Errors carry a stable machine-readable Kind plus the
// component and action that produced them; user-facing surfaces expose only
// the Kind and a short message, never wrapped internals.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable error reason code.
type Kind string

const (
	KindForbidden           Kind = "forbidden"
	KindSuspectedInjection  Kind = "suspected_injection"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInvalidState        Kind = "invalid_state"
	KindConcurrentUpdate    Kind = "concurrent_update"
	KindOrphanedIntake      Kind = "orphaned_intake"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRetryExhausted      Kind = "retry_exhausted"
	KindTimedOut            Kind = "timed_out"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindDimensionMismatch   Kind = "embedding_dimension_mismatch"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error is the runtime's structured error type.
type Error struct {
	Kind      Kind
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a wrapped cause.
func New(kind Kind, component, action, message string) *Error {
	return &Error{Kind: kind, Component: component, Action: action, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, component, action, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Action: action, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(kind Kind, component, action, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Action: action, Message: message, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		return Is(e.Err, kind)
	}
	return false
}

// UserMessage returns the short reason suitable for user-facing surfaces.
// Internals (wrapped causes, provider messages) are never included.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(KindInternal)
}

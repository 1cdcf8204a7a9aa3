// Package streeterr defines the error-kind taxonomy shared by every
// component of the competition engine (spec §7). Components return
// *Error instead of panicking on expected invariant violations; panics
// stay reserved for unreachable programmer errors.
package streeterr

import (
	"errors"
	"fmt"
)

// Kind classifies why a command failed. Transport layers (HTTP, WS
// acks) map Kind to a status/ack code through a single table instead
// of inspecting error strings.
type Kind string

const (
	BadInput      Kind = "BAD_INPUT"
	NotFound      Kind = "NOT_FOUND"
	StateConflict Kind = "STATE_CONFLICT"
	NotReady      Kind = "NOT_READY"
	Transient     Kind = "TRANSIENT"
	Fatal         Kind = "FATAL"
	AlreadySynced Kind = "ALREADY_SYNCED"
)

// Error carries a Kind plus a human-readable message and optional
// wrapped cause. It implements error and Unwrap so callers can use
// errors.Is/As against sentinel causes while still switching on Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Fatal if err is not
// (or does not wrap) a *Error — an un-kinded error reaching a command
// boundary is itself a bug this taxonomy is meant to prevent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Fatal
}

// Is reports whether err's Kind equals k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// Package errs defines the error taxonomy shared by every core component:
// storage adapters, the version store, the edge store, the HNSW index, the
// embedding queue and the event bus all return errors built from this
// package so callers can dispatch on Kind with errors.Is/errors.As instead of
// matching on message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from the error taxonomy.
type Kind int

const (
	// Unknown is the zero value; never returned by this package's constructors.
	Unknown Kind = iota
	// NotFound: uuid absent in adapter.
	NotFound
	// Duplicate: uniqueness violation (entity uuid, edge composite key, embedding task).
	Duplicate
	// Corrupt: deserialization or invariant failure in persisted data.
	Corrupt
	// DimensionMismatch: vector length != configured dimension.
	DimensionMismatch
	// NotSupported: operation unavailable on this adapter.
	NotSupported
	// Timeout: an external service exceeded its deadline.
	Timeout
	// FanOutError: one or more event subscribers failed.
	FanOutError
	// NotAvailable: reconstruction requested before the earliest retained snapshot.
	NotAvailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Duplicate:
		return "Duplicate"
	case Corrupt:
		return "Corrupt"
	case DimensionMismatch:
		return "DimensionMismatch"
	case NotSupported:
		return "NotSupported"
	case Timeout:
		return "Timeout"
	case FanOutError:
		return "FanOutError"
	case NotAvailable:
		return "NotAvailable"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Kind, a message and an
// optional wrapped cause.
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

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, errs.New(errs.NotFound, "")) style sentinels work. To test
// against a bare Kind, use the package-level Is(err, kind) helper below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning Unknown if err is not one of
// ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// FanOut wraps multiple subscriber errors into a single FanOutError.
type FanOut struct {
	Errors []error
}

func (f *FanOut) Error() string {
	return fmt.Sprintf("%d subscriber(s) failed: %v", len(f.Errors), f.Errors)
}

func (f *FanOut) Unwrap() []error { return f.Errors }

// Is reports whether target is the FanOutError kind, so errors.Is(err,
// errs.New(errs.FanOutError, "")) works against a *FanOut the same way it
// works against *Error.
func (f *FanOut) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == FanOutError
	}
	return false
}

// NewFanOut builds a *FanOut from a non-empty slice of subscriber errors.
// Returns nil if errs is empty.
func NewFanOut(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &FanOut{Errors: errs}
}

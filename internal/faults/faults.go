// Package faults defines the error taxonomy shared by all preflightd
// subsystems. Transport layers translate a Kind into a status code in
// exactly one place; everything below the HTTP surface deals in Kinds.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery and transport mapping.
type Kind int

const (
	// KindInternal is the zero-value catch-all: unexpected failures.
	KindInternal Kind = iota
	// KindPayload marks caller-visible input problems. Never retried.
	KindPayload
	// KindNotFound marks missing rows, files, or expired lookups.
	KindNotFound
	// KindAccess marks confinement and authorization violations.
	KindAccess
	// KindTransientDelivery marks webhook failures recoverable by retry.
	KindTransientDelivery
	// KindPermanentDelivery marks webhook failures that dead-letter.
	KindPermanentDelivery
)

// Error carries a Kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Payloadf creates a KindPayload error.
func Payloadf(format string, args ...any) error {
	return &Error{Kind: KindPayload, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Accessf creates a KindAccess error.
func Accessf(format string, args ...any) error {
	return &Error{Kind: KindAccess, Msg: fmt.Sprintf(format, args...)}
}

// Transientf creates a KindTransientDelivery error.
func Transientf(format string, args ...any) error {
	return &Error{Kind: KindTransientDelivery, Msg: fmt.Sprintf(format, args...)}
}

// Permanentf creates a KindPermanentDelivery error.
func Permanentf(format string, args ...any) error {
	return &Error{Kind: KindPermanentDelivery, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and context to an existing error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsPayload reports whether err carries KindPayload.
func IsPayload(err error) bool { return KindOf(err) == KindPayload }

// IsAccess reports whether err carries KindAccess.
func IsAccess(err error) bool { return KindOf(err) == KindAccess }

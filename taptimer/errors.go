package taptimer

import (
	"errors"
	"fmt"
)

// FailureKind classifies every failure the tap-timer core can produce.
type FailureKind string

const (
	// KindInvalidArgument marks bad caller input, caught before any I/O.
	KindInvalidArgument FailureKind = "invalid_argument"

	// State-precondition violations.
	KindNotConnected      FailureKind = "not_connected"
	KindAlreadyConnected  FailureKind = "already_connected"
	KindAlreadyConnecting FailureKind = "already_connecting"

	// KindProtocolMismatch marks a peripheral that is Bluetooth-reachable
	// but does not expose the expected GATT service or characteristics.
	KindProtocolMismatch FailureKind = "protocol_mismatch"

	// Command-protocol failures.
	KindCommandInProgress FailureKind = "command_in_progress"
	KindCommandRejected   FailureKind = "command_rejected"
	KindCommandTimeout    FailureKind = "command_timeout"

	// KindTimeout marks a connect/disconnect deadline that expired.
	KindTimeout FailureKind = "timeout"

	// KindAdapterUnavailable is fatal: the Bluetooth stack itself is
	// missing, powered off, or rejected the request.
	KindAdapterUnavailable FailureKind = "adapter_unavailable"
)

// Error is the error type returned by the tap-timer core.
//
// Compare with errors.Is against the predefined sentinel values; two
// Errors match when their Kind matches, regardless of message.
type Error struct {
	Kind FailureKind
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare Error values by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per FailureKind.
var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrNotConnected       = &Error{Kind: KindNotConnected}
	ErrAlreadyConnected   = &Error{Kind: KindAlreadyConnected}
	ErrAlreadyConnecting  = &Error{Kind: KindAlreadyConnecting}
	ErrProtocolMismatch   = &Error{Kind: KindProtocolMismatch}
	ErrCommandInProgress  = &Error{Kind: KindCommandInProgress}
	ErrCommandRejected    = &Error{Kind: KindCommandRejected}
	ErrCommandTimeout     = &Error{Kind: KindCommandTimeout}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrAdapterUnavailable = &Error{Kind: KindAdapterUnavailable}
)

// newError builds an Error with a formatted message.
func newError(kind FailureKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is (or wraps) an Error with the given kind.
func IsKind(err error, kind FailureKind) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind == kind
	}
	return false
}

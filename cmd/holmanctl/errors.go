package main

import (
	"errors"

	"github.com/srg/holman/taptimer"
)

// FormatUserError turns core errors into messages suitable for a human
// at a terminal. Unknown errors pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, taptimer.ErrAdapterUnavailable):
		return "Bluetooth is unavailable: " + err.Error()
	case errors.Is(err, taptimer.ErrInvalidArgument):
		return "invalid argument: " + err.Error()
	case errors.Is(err, taptimer.ErrNotConnected):
		return "tap timer is not connected: " + err.Error()
	case errors.Is(err, taptimer.ErrTimeout):
		return "operation timed out: " + err.Error()
	default:
		return err.Error()
	}
}

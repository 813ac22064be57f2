// Package taptimer manages Holman Bluetooth Low Energy tap timers:
// discovery, per-device connection sessions, and the command/status
// protocol layered on the Holman GATT service.
package taptimer

// GATT identifiers of the Holman tap-timer protocol, defined by the
// peripheral firmware.
const (
	// ServiceUUID is advertised by Holman tap timers and contains the
	// manual and state characteristics.
	ServiceUUID = "0a75f000-f9ad-467a-e564-3c19163ad543"

	// ManualCharacteristicUUID accepts run/stop command frames.
	ManualCharacteristicUUID = "0000f006-0000-1000-8000-00805f9b34fb"

	// StateCharacteristicUUID carries status frames via notifications.
	StateCharacteristicUUID = "0000f004-0000-1000-8000-00805f9b34fb"
)

// MaxRuntimeMinutes is the longest run the wire format can represent:
// the runtime travels in a single byte of the command frame.
const MaxRuntimeMinutes = 255

// frameLen is the fixed size of both command and status frames.
const frameLen = 4

// TapState is the reported valve state of a tap timer.
type TapState byte

const (
	TapIdle    TapState = 0x00
	TapRunning TapState = 0x01
)

func (s TapState) String() string {
	switch s {
	case TapIdle:
		return "idle"
	case TapRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Status is the last-known state of a tap timer as reported by the
// peripheral's state characteristic.
type Status struct {
	State     TapState
	Remaining int // remaining runtime in minutes
}

// Notification is a decoded state-characteristic payload. It is either
// a StatusNotification or, for malformed frames, an UnknownNotification.
type Notification interface {
	notification()
}

// StatusNotification is a well-formed status frame.
type StatusNotification struct {
	Status
}

func (StatusNotification) notification() {}

// UnknownNotification wraps a payload the codec does not recognize.
// Malformed frames decode to this instead of failing: corrupt data
// from the radio must never take down a session.
type UnknownNotification struct {
	Raw []byte
}

func (UnknownNotification) notification() {}

// EncodeStart builds the command frame that starts a manual run of the
// given length. The runtime must be in (0, MaxRuntimeMinutes].
func EncodeStart(minutes int) ([]byte, error) {
	if minutes <= 0 {
		return nil, newError(KindInvalidArgument, "runtime must be positive, got %d", minutes)
	}
	if minutes > MaxRuntimeMinutes {
		return nil, newError(KindInvalidArgument, "runtime %d exceeds maximum of %d minutes", minutes, MaxRuntimeMinutes)
	}
	return []byte{0x01, 0x00, 0x00, byte(minutes)}, nil
}

// EncodeStop builds the immediate-stop command frame.
func EncodeStop() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00}
}

// EncodeStatus builds the status frame the peripheral reports for s.
// It is the inverse of DecodeNotification for valid statuses and is
// used by test doubles standing in for the peripheral.
func EncodeStatus(s Status) ([]byte, error) {
	if s.State != TapIdle && s.State != TapRunning {
		return nil, newError(KindInvalidArgument, "invalid tap state %d", s.State)
	}
	if s.Remaining < 0 || s.Remaining > MaxRuntimeMinutes {
		return nil, newError(KindInvalidArgument, "remaining %d out of range [0, %d]", s.Remaining, MaxRuntimeMinutes)
	}
	return []byte{byte(s.State), 0x00, 0x00, byte(s.Remaining)}, nil
}

// DecodeNotification parses a state-characteristic payload. Frames must
// be exactly four bytes with a known state in the first byte; everything
// else comes back as an UnknownNotification. The two middle bytes are
// reserved by the firmware and ignored.
func DecodeNotification(raw []byte) Notification {
	if len(raw) != frameLen {
		return UnknownNotification{Raw: raw}
	}
	state := TapState(raw[0])
	if state != TapIdle && state != TapRunning {
		return UnknownNotification{Raw: raw}
	}
	return StatusNotification{Status{
		State:     state,
		Remaining: int(raw[3]),
	}}
}

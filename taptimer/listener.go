package taptimer

// DisconnectReason tells a listener why a session left the Connected
// (or Connecting) state.
type DisconnectReason int

const (
	// ReasonRequested: the caller asked for the disconnect.
	ReasonRequested DisconnectReason = iota
	// ReasonLost: the link dropped without a local request.
	ReasonLost
	// ReasonTimeout: a connect/disconnect deadline expired and the
	// session was forced back to Disconnected.
	ReasonTimeout
	// ReasonProtocolMismatch: the peripheral was reachable but does not
	// implement the expected Holman GATT service.
	ReasonProtocolMismatch
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonLost:
		return "lost"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolMismatch:
		return "protocol-mismatch"
	default:
		return "unknown"
	}
}

// Listener receives the events of one TapTimer session. Each TapTimer
// holds a single listener slot (last assignment wins). Every method is
// invoked synchronously on the manager's event loop, never concurrently
// with another callback for the same timer, at most once per event and
// in event order.
//
// Any type implementing the set qualifies; embed BaseListener to pick
// only the callbacks of interest.
type Listener interface {
	StartedConnecting()
	Connected()
	ConnectFailed(err error)
	StartedDisconnecting()
	Disconnected(reason DisconnectReason)
	StatusChanged(status Status)
	CommandFailed(err error)
}

// ManagerListener receives discovery events from a Manager.
type ManagerListener interface {
	// TapTimerDiscovered fires exactly once per address per discovery
	// session.
	TapTimerDiscovered(t *TapTimer)
}

// BaseListener is a no-op Listener for embedding.
type BaseListener struct{}

func (BaseListener) StartedConnecting()            {}
func (BaseListener) Connected()                    {}
func (BaseListener) ConnectFailed(error)           {}
func (BaseListener) StartedDisconnecting()         {}
func (BaseListener) Disconnected(DisconnectReason) {}
func (BaseListener) StatusChanged(Status)          {}
func (BaseListener) CommandFailed(error)           {}

package taptimer

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the connection state of a TapTimer session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "invalid"
	}
}

// pendingCommand tracks the single command write that may be in flight.
type pendingCommand struct {
	token uuid.UUID
	name  string
	timer *time.Timer
}

// TapTimer is the session state machine for one Holman tap timer,
// identified by its MAC address. Instances are obtained from a Manager,
// either through discovery or via Manager.TapTimer, and live for the
// lifetime of the Manager.
//
// Connect, Disconnect, Start and StopRun are non-blocking: they issue a
// request to the Bluetooth stack and return; completion and failure are
// reported through the registered Listener on the manager's event loop.
type TapTimer struct {
	addr   string
	mgr    *Manager
	logger *logrus.Entry

	mu       sync.Mutex
	state    State
	listener Listener

	// GATT handles, valid only while state == StateConnected.
	manualChar Characteristic
	stateChar  Characteristic

	lastStatus  Status
	statusKnown bool

	pending *pendingCommand

	// transTimer bounds the Connecting/Disconnecting states; gen guards
	// its callback against firing for a transition that already ended.
	transTimer *time.Timer
	gen        uint64
}

// Address returns the normalized MAC address. It never changes after
// construction.
func (t *TapTimer) Address() string {
	return t.addr
}

// State returns the current connection state.
func (t *TapTimer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetListener assigns the single listener slot; the last assignment
// wins. Pass nil to clear.
func (t *TapTimer) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// LastStatus returns the most recent decoded status and whether one has
// been received during the current or any previous connection.
func (t *TapTimer) LastStatus() (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStatus, t.statusKnown
}

// Connect requests a connection. Valid only from Disconnected; the
// outcome arrives via Listener.Connected or Listener.ConnectFailed.
func (t *TapTimer) Connect() error {
	t.mu.Lock()
	switch t.state {
	case StateConnecting:
		t.mu.Unlock()
		return newError(KindAlreadyConnecting, "connect already in progress for %s", t.addr)
	case StateConnected, StateDisconnecting:
		t.mu.Unlock()
		return newError(KindAlreadyConnected, "%s is %s", t.addr, t.state)
	}
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.armTransitionTimer(t.mgr.cfg.ConnectTimeout, func() { t.handleConnectTimeout(gen) })
	l := t.listener
	t.mu.Unlock()

	t.logger.Info("Connecting...")
	t.notify(l, func(l Listener) { l.StartedConnecting() })

	if err := t.mgr.adapter.Connect(t.addr); err != nil {
		t.mu.Lock()
		if t.state == StateConnecting && t.gen == gen {
			t.clearTransitionTimer()
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		return fmt.Errorf("%w: connect request rejected: %v", ErrAdapterUnavailable, err)
	}
	return nil
}

// Disconnect requests teardown of the connection. Valid from Connecting
// or Connected; a no-op when the session is already disconnected or
// disconnecting. Completion arrives via Listener.Disconnected with
// ReasonRequested.
func (t *TapTimer) Disconnect() error {
	t.mu.Lock()
	if t.state == StateDisconnected || t.state == StateDisconnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateDisconnecting
	t.manualChar = nil
	t.stateChar = nil
	pend := t.takePendingLocked()
	t.gen++
	gen := t.gen
	t.armTransitionTimer(t.mgr.cfg.DisconnectTimeout, func() { t.handleDisconnectTimeout(gen) })
	l := t.listener
	t.mu.Unlock()

	t.logger.Info("Disconnecting...")
	t.notify(l, func(l Listener) { l.StartedDisconnecting() })
	if pend != nil {
		t.notify(l, func(l Listener) {
			l.CommandFailed(fmt.Errorf("%w: %s command abandoned by disconnect", ErrCommandRejected, pend.name))
		})
	}

	if err := t.mgr.adapter.Disconnect(t.addr); err != nil {
		// The request never reached the stack; don't hang in
		// Disconnecting waiting for a confirmation that cannot come.
		t.mu.Lock()
		if t.state == StateDisconnecting && t.gen == gen {
			t.clearTransitionTimer()
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		t.notify(l, func(l Listener) { l.Disconnected(ReasonRequested) })
		return fmt.Errorf("disconnect request for %s failed: %w", t.addr, err)
	}
	return nil
}

// Start turns on the tap for the given number of minutes. Valid only
// while Connected, with at most one command outstanding at a time.
// Rejected when the peripheral already reports a run in progress.
func (t *TapTimer) Start(minutes int) error {
	return t.submitCommand("start", func() ([]byte, error) { return EncodeStart(minutes) }, true)
}

// StopRun turns off the tap immediately. Valid only while Connected,
// with at most one command outstanding at a time.
func (t *TapTimer) StopRun() error {
	return t.submitCommand("stop", func() ([]byte, error) { return EncodeStop(), nil }, false)
}

// submitCommand validates preconditions, encodes the frame and writes
// it to the manual characteristic. Precondition checks happen before
// any adapter I/O.
func (t *TapTimer) submitCommand(name string, encode func() ([]byte, error), rejectWhileRunning bool) error {
	t.mu.Lock()
	if t.state != StateConnected {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot %s while %s", ErrNotConnected, name, state)
	}
	payload, err := encode()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.pending != nil {
		inFlight := t.pending.name
		t.mu.Unlock()
		return fmt.Errorf("%w: %s command still awaiting acknowledgment", ErrCommandInProgress, inFlight)
	}
	if rejectWhileRunning && t.statusKnown && t.lastStatus.State == TapRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: peripheral reports a run already in progress", ErrCommandRejected)
	}

	manual := t.manualChar
	pend := &pendingCommand{token: uuid.New(), name: name}
	timeout := t.mgr.cfg.CommandTimeout
	pend.timer = time.AfterFunc(timeout, func() {
		t.mgr.post(func() { t.handleCommandTimeout(pend.token) })
	})
	t.pending = pend
	t.mu.Unlock()

	if err := manual.Write(payload); err != nil {
		t.mu.Lock()
		if t.pending == pend {
			pend.timer.Stop()
			t.pending = nil
		}
		t.mu.Unlock()
		return fmt.Errorf("%w: %s write rejected: %v", ErrCommandRejected, name, err)
	}

	t.logger.WithFields(logrus.Fields{
		"command": name,
		"token":   pend.token,
	}).Info("Command submitted")
	return nil
}

// ----------------------------
// Adapter-driven transitions. All handlers below run on the manager's
// event loop, routed by address.
// ----------------------------

func (t *TapTimer) handleConnected() {
	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		t.logger.WithField("state", t.state).Debug("Ignoring connect confirmation")
		return
	}
	gen := t.gen
	t.mu.Unlock()

	// Resolve the protocol characteristics outside the lock; the stack
	// call may block.
	chars, err := t.mgr.adapter.ResolveCharacteristics(
		t.addr, ServiceUUID, []string{ManualCharacteristicUUID, StateCharacteristicUUID})
	var manual, state Characteristic
	if err == nil {
		manual = chars[ManualCharacteristicUUID]
		state = chars[StateCharacteristicUUID]
		if manual == nil || state == nil {
			err = fmt.Errorf("characteristic set incomplete")
		}
	}
	var subErr error
	if err == nil {
		subErr = state.Subscribe()
	}

	t.mu.Lock()
	if t.state != StateConnecting || t.gen != gen {
		// The transition ended (timeout, disconnect) while we resolved.
		t.mu.Unlock()
		return
	}
	t.clearTransitionTimer()
	l := t.listener

	if err != nil {
		t.state = StateDisconnected
		t.mu.Unlock()
		_ = t.mgr.adapter.Disconnect(t.addr)
		t.logger.WithField("error", err).Warn("Peripheral does not implement the Holman service")
		ferr := fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
		t.notify(l,
			func(l Listener) { l.ConnectFailed(ferr) },
			func(l Listener) { l.Disconnected(ReasonProtocolMismatch) })
		return
	}
	if subErr != nil {
		t.state = StateDisconnected
		t.mu.Unlock()
		_ = t.mgr.adapter.Disconnect(t.addr)
		t.logger.WithField("error", subErr).Warn("Status subscription failed")
		ferr := fmt.Errorf("status subscription for %s failed: %w", t.addr, subErr)
		t.notify(l,
			func(l Listener) { l.ConnectFailed(ferr) },
			func(l Listener) { l.Disconnected(ReasonLost) })
		return
	}

	t.manualChar = manual
	t.stateChar = state
	t.state = StateConnected
	t.mu.Unlock()

	t.logger.Info("Connected")
	t.notify(l, func(l Listener) { l.Connected() })
}

func (t *TapTimer) handleConnectFailed(err error) {
	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		return
	}
	t.clearTransitionTimer()
	t.state = StateDisconnected
	t.gen++
	l := t.listener
	t.mu.Unlock()

	t.logger.WithField("error", err).Warn("Connect failed")
	t.notify(l,
		func(l Listener) { l.ConnectFailed(err) },
		func(l Listener) { l.Disconnected(ReasonLost) })
}

func (t *TapTimer) handleDisconnected() {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		t.logger.Debug("Ignoring disconnect event while disconnected")
		return
	}
	prev := t.state
	t.clearTransitionTimer()
	pend := t.takePendingLocked()
	t.manualChar = nil
	t.stateChar = nil
	t.state = StateDisconnected
	t.gen++
	l := t.listener
	t.mu.Unlock()

	switch prev {
	case StateDisconnecting:
		t.logger.Info("Disconnected")
		t.notify(l, func(l Listener) { l.Disconnected(ReasonRequested) })
	case StateConnected:
		t.logger.Warn("Connection lost")
		if pend != nil {
			t.notify(l, func(l Listener) {
				l.CommandFailed(fmt.Errorf("%w: connection lost before %s was acknowledged", ErrCommandRejected, pend.name))
			})
		}
		t.notify(l, func(l Listener) { l.Disconnected(ReasonLost) })
	case StateConnecting:
		t.logger.Warn("Link terminated while connecting")
		lerr := fmt.Errorf("connection to %s lost while connecting", t.addr)
		t.notify(l,
			func(l Listener) { l.ConnectFailed(lerr) },
			func(l Listener) { l.Disconnected(ReasonLost) })
	}
}

func (t *TapTimer) handleConnectTimeout(gen uint64) {
	t.mu.Lock()
	if t.state != StateConnecting || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.transTimer = nil
	t.state = StateDisconnected
	t.gen++
	l := t.listener
	t.mu.Unlock()

	// Cancel whatever the stack still has in flight for this address.
	_ = t.mgr.adapter.Disconnect(t.addr)

	t.logger.WithField("timeout", t.mgr.cfg.ConnectTimeout).Warn("Connect timed out")
	terr := fmt.Errorf("%w: no connection to %s within %s", ErrTimeout, t.addr, t.mgr.cfg.ConnectTimeout)
	t.notify(l,
		func(l Listener) { l.ConnectFailed(terr) },
		func(l Listener) { l.Disconnected(ReasonTimeout) })
}

func (t *TapTimer) handleDisconnectTimeout(gen uint64) {
	t.mu.Lock()
	if t.state != StateDisconnecting || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.transTimer = nil
	t.state = StateDisconnected
	t.gen++
	l := t.listener
	t.mu.Unlock()

	t.logger.WithField("timeout", t.mgr.cfg.DisconnectTimeout).Warn("Disconnect confirmation timed out, forcing state")
	t.notify(l, func(l Listener) { l.Disconnected(ReasonTimeout) })
}

func (t *TapTimer) handleNotification(charUUID string, value []byte) {
	if !uuidEqual(charUUID, StateCharacteristicUUID) {
		t.logger.WithField("char_uuid", charUUID).Debug("Ignoring notification from unexpected characteristic")
		return
	}
	switch n := DecodeNotification(value).(type) {
	case StatusNotification:
		t.mu.Lock()
		t.lastStatus = n.Status
		t.statusKnown = true
		l := t.listener
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"state":     n.State,
			"remaining": n.Remaining,
		}).Debug("Status changed")
		t.notify(l, func(l Listener) { l.StatusChanged(n.Status) })
	case UnknownNotification:
		t.logger.WithField("payload", hex.EncodeToString(n.Raw)).Debug("Ignoring unrecognized status frame")
	}
}

func (t *TapTimer) handleCommandTimeout(token uuid.UUID) {
	t.mu.Lock()
	pend := t.pending
	if pend == nil || pend.token != token {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	l := t.listener
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"command": pend.name,
		"timeout": t.mgr.cfg.CommandTimeout,
	}).Warn("Command acknowledgment timed out")
	t.notify(l, func(l Listener) {
		l.CommandFailed(fmt.Errorf("%w: no acknowledgment for %s within %s", ErrCommandTimeout, pend.name, t.mgr.cfg.CommandTimeout))
	})
}

func (t *TapTimer) handleWriteConfirmed(charUUID string, err error) {
	if !uuidEqual(charUUID, ManualCharacteristicUUID) {
		return
	}
	t.mu.Lock()
	pend := t.takePendingLocked()
	l := t.listener
	t.mu.Unlock()
	if pend == nil {
		t.logger.Debug("Ignoring write confirmation with no command outstanding")
		return
	}
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"command": pend.name,
			"error":   err,
		}).Warn("Command rejected")
		t.notify(l, func(l Listener) {
			l.CommandFailed(fmt.Errorf("%w: %s: %v", ErrCommandRejected, pend.name, err))
		})
		return
	}
	t.logger.WithField("command", pend.name).Debug("Command acknowledged")
}

// ----------------------------
// Internals
// ----------------------------

// notify schedules listener callbacks on the event loop, preserving
// order. A nil listener drops the events.
func (t *TapTimer) notify(l Listener, fns ...func(Listener)) {
	if l == nil {
		return
	}
	for _, fn := range fns {
		fn := fn
		t.mgr.post(func() { fn(l) })
	}
}

// armTransitionTimer replaces the connect/disconnect deadline. Caller
// must hold t.mu.
func (t *TapTimer) armTransitionTimer(d time.Duration, expired func()) {
	if t.transTimer != nil {
		t.transTimer.Stop()
	}
	t.transTimer = time.AfterFunc(d, func() {
		t.mgr.post(expired)
	})
}

// clearTransitionTimer stops the deadline, if armed. Caller must hold
// t.mu.
func (t *TapTimer) clearTransitionTimer() {
	if t.transTimer != nil {
		t.transTimer.Stop()
		t.transTimer = nil
	}
}

// takePendingLocked detaches the outstanding command, stopping its
// timeout. Caller must hold t.mu.
func (t *TapTimer) takePendingLocked() *pendingCommand {
	pend := t.pending
	if pend != nil {
		pend.timer.Stop()
		t.pending = nil
	}
	return pend
}

package testutils

import (
	"time"

	"github.com/srg/holman/taptimer"
)

// TimerEvent is one recorded listener callback.
type TimerEvent struct {
	Name   string
	Err    error
	Reason taptimer.DisconnectReason
	Status taptimer.Status
}

// Listener callback names recorded by RecordingListener.
const (
	EventStartedConnecting    = "started_connecting"
	EventConnected            = "connected"
	EventConnectFailed        = "connect_failed"
	EventStartedDisconnecting = "started_disconnecting"
	EventDisconnected         = "disconnected"
	EventStatusChanged        = "status_changed"
	EventCommandFailed        = "command_failed"
)

// RecordingListener is a taptimer.Listener that forwards every callback
// into a buffered channel for assertion.
type RecordingListener struct {
	Events chan TimerEvent
}

func NewRecordingListener() *RecordingListener {
	return &RecordingListener{Events: make(chan TimerEvent, 64)}
}

func (r *RecordingListener) StartedConnecting() {
	r.Events <- TimerEvent{Name: EventStartedConnecting}
}

func (r *RecordingListener) Connected() {
	r.Events <- TimerEvent{Name: EventConnected}
}

func (r *RecordingListener) ConnectFailed(err error) {
	r.Events <- TimerEvent{Name: EventConnectFailed, Err: err}
}

func (r *RecordingListener) StartedDisconnecting() {
	r.Events <- TimerEvent{Name: EventStartedDisconnecting}
}

func (r *RecordingListener) Disconnected(reason taptimer.DisconnectReason) {
	r.Events <- TimerEvent{Name: EventDisconnected, Reason: reason}
}

func (r *RecordingListener) StatusChanged(status taptimer.Status) {
	r.Events <- TimerEvent{Name: EventStatusChanged, Status: status}
}

func (r *RecordingListener) CommandFailed(err error) {
	r.Events <- TimerEvent{Name: EventCommandFailed, Err: err}
}

// Next waits for the next recorded event.
func (r *RecordingListener) Next(timeout time.Duration) (TimerEvent, bool) {
	select {
	case ev := <-r.Events:
		return ev, true
	case <-time.After(timeout):
		return TimerEvent{}, false
	}
}

// NextNamed waits for the next event with the given name, skipping
// others.
func (r *RecordingListener) NextNamed(name string, timeout time.Duration) (TimerEvent, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.Events:
			if ev.Name == name {
				return ev, true
			}
		case <-deadline:
			return TimerEvent{}, false
		}
	}
}

// RecordingManagerListener forwards discovery callbacks into a channel.
type RecordingManagerListener struct {
	Discovered chan *taptimer.TapTimer
}

func NewRecordingManagerListener() *RecordingManagerListener {
	return &RecordingManagerListener{Discovered: make(chan *taptimer.TapTimer, 16)}
}

func (r *RecordingManagerListener) TapTimerDiscovered(t *taptimer.TapTimer) {
	r.Discovered <- t
}

// NextDiscovered waits for the next discovery callback.
func (r *RecordingManagerListener) NextDiscovered(timeout time.Duration) (*taptimer.TapTimer, bool) {
	select {
	case t := <-r.Discovered:
		return t, true
	case <-time.After(timeout):
		return nil, false
	}
}

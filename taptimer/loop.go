package taptimer

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Loop lifecycle states.
const (
	loopIdle uint32 = iota
	loopRunning
	loopStopped
)

// Loop is the scheduler all session and manager callbacks run on.
//
// Exactly one goroutine executes posted tasks, strictly in post order,
// so state transitions and listener callbacks never run concurrently.
// Other goroutines hand work off with Post; Stop requests exit after
// the task in flight completes.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	state  uint32 // atomic, one of the loop* constants
	logger *logrus.Logger
}

// NewLoop creates a loop with the given task queue capacity.
func NewLoop(queueSize int, logger *logrus.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted tasks on the calling goroutine until Stop is
// invoked. It returns immediately when the loop already ran to
// completion, and fails when called while another Run is active.
func (l *Loop) Run() error {
	if !atomic.CompareAndSwapUint32(&l.state, loopIdle, loopRunning) {
		if atomic.LoadUint32(&l.state) == loopStopped {
			return nil
		}
		return newError(KindInvalidArgument, "event loop is already running")
	}

	defer close(l.done)
	l.logger.Debug("Event loop started")

	for fn := range l.tasks {
		fn()
		if atomic.LoadUint32(&l.state) == loopStopped {
			l.logger.Debug("Event loop stopped")
			return nil
		}
	}
	return nil
}

// Post hands fn off to the loop goroutine. It is safe to call from any
// goroutine, including loop tasks themselves. Returns false once the
// loop has been stopped; the task is then discarded.
func (l *Loop) Post(fn func()) bool {
	if atomic.LoadUint32(&l.state) == loopStopped {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Stop requests the loop to exit after the currently executing task
// completes. Idempotent and safe from any goroutine; tasks still queued
// are discarded.
func (l *Loop) Stop() {
	swapped := atomic.CompareAndSwapUint32(&l.state, loopRunning, loopStopped) ||
		atomic.CompareAndSwapUint32(&l.state, loopIdle, loopStopped)
	if !swapped {
		return
	}
	// Nudge Run in case it is parked on an empty queue. When the queue
	// is full the loop is mid-task anyway and will observe the state.
	select {
	case l.tasks <- func() {}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used to decouple bursty Bluetooth scan callbacks from their
// consumer.
package ringchan

import "sync/atomic"

// Ring is a bounded channel-like buffer with overwrite-oldest
// semantics: producers never block indefinitely, at the price of
// dropping the oldest element when the buffer is full. Advertisement
// streams are lossy by nature, so dropping stale entries is safe.
type Ring[T any] struct {
	ch          chan T
	written     int64 // atomic
	overwritten int64 // atomic
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range
// over it until Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest buffered element if the ring is
// full. It never blocks indefinitely and reports whether an element was
// dropped.
func (r *Ring[T]) Send(v T) bool {
	dropped := false
	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch: // drop oldest
			atomic.AddInt64(&r.overwritten, 1)
			dropped = true
		default:
		}
		r.ch <- v
	}
	atomic.AddInt64(&r.written, 1)
	return dropped
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Close closes the underlying channel. Send panics afterwards.
func (r *Ring[T]) Close() {
	close(r.ch)
}

// Written returns the total number of elements accepted.
func (r *Ring[T]) Written() int64 {
	return atomic.LoadInt64(&r.written)
}

// Overwritten returns the number of elements lost to overwrites.
func (r *Ring[T]) Overwritten() int64 {
	return atomic.LoadInt64(&r.overwritten)
}

// Package syncslot implements a single-shot rendezvous cell: a slot
// starts empty, accepts at most one Put (or is killed/closed), and
// any number of concurrent Get callers observe the same outcome. Once
// closed, the slot never transitions again.
package syncslot

import "sync"

// Slot is a single-producer, multi-consumer one-shot cell.
type Slot[T any] struct {
	mu     sync.Mutex
	done   chan struct{}
	value  T
	err    error
	filled bool
}

// New creates an empty slot.
func New[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Put fills the slot with x. It returns true if this call was the one
// that filled it, false if the slot was already filled or closed.
func (s *Slot[T]) Put(x T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.value = x
	s.filled = true
	close(s.done)
	return true
}

// Get blocks until Put or Close/Kill resolves the slot.
func (s *Slot[T]) Get() (T, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

// Close causes pending and future Gets to fail with err. A no-op if
// the slot is already resolved.
func (s *Slot[T]) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
}

// Kill aborts the current waiter; it has identical semantics to
// Close (a slot has at most one logical waiter: the original
// requester).
func (s *Slot[T]) Kill(err error) { s.Close(err) }

// Resolved reports whether the slot has transitioned out of empty.
func (s *Slot[T]) Resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

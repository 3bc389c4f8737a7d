package broadcast

import (
	"context"
	"sync"
)

// Subscriber is one consumer's cursor into a Broadcaster. Recv must be
// called from a single goroutine; Close may be called from any.
type Subscriber[T any] struct {
	b      *Broadcaster[T]
	notify chan struct{}
	stop   func() bool

	mu       sync.Mutex
	ring     []T
	head     int
	n        int
	lagged   uint64 // skipped since the last LagError
	dropped  uint64
	received uint64
	done     bool // no further values will be queued
}

func newSubscriber[T any](b *Broadcaster[T]) *Subscriber[T] {
	return &Subscriber[T]{
		b:      b,
		notify: make(chan struct{}, 1),
		ring:   make([]T, b.depth),
	}
}

func (s *Subscriber[T]) push(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if s.n == len(s.ring) {
		var zero T
		s.ring[s.head] = zero
		s.head = (s.head + 1) % len(s.ring)
		s.n--
		s.lagged++
		s.dropped++
	}
	s.ring[(s.head+s.n)%len(s.ring)] = v
	s.n++
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finish marks the end of the stream while keeping queued values.
func (s *Subscriber[T]) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

// Recv returns the next value. After a gap it returns a *LagError once
// before resuming. It returns ErrClosed when the stream has ended and the
// queue is empty, or ctx.Err() if ctx is cancelled while waiting.
func (s *Subscriber[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.lagged > 0 {
			n := s.lagged
			s.lagged = 0
			s.mu.Unlock()
			return zero, &LagError{Skipped: n}
		}
		if s.n > 0 {
			v := s.ring[s.head]
			s.ring[s.head] = zero
			s.head = (s.head + 1) % len(s.ring)
			s.n--
			s.received++
			s.mu.Unlock()
			return v, nil
		}
		if s.done {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close unregisters the subscriber and discards its queue. It is
// idempotent.
func (s *Subscriber[T]) Close() {
	s.b.remove(s)

	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.done = true
	s.ring = make([]T, 1)
	s.head, s.n, s.lagged = 0, 0, 0
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.wake()
}

// Pending returns the number of queued values.
func (s *Subscriber[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Dropped returns the total number of values discarded for this
// subscriber because its queue was full.
func (s *Subscriber[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Received returns the number of values returned by Recv.
func (s *Subscriber[T]) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

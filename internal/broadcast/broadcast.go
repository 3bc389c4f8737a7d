// Package broadcast fans values from a single producer out to many
// consumers. Every subscriber owns a bounded queue; when a queue is full
// the oldest value is discarded for that subscriber only, so a slow
// consumer never blocks the producer or its peers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Recv once the broadcaster is closed and the
// subscriber's queue is drained, or after the subscriber itself is closed.
var ErrClosed = errors.New("broadcast: closed")

// LagError reports that values were discarded because the subscriber fell
// more than the queue depth behind. It is returned once per gap; the next
// Recv continues with the oldest retained value.
type LagError struct {
	Skipped uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("broadcast: subscriber lagged, %d values skipped", e.Skipped)
}

// Broadcaster delivers every published value to all current subscribers.
// All methods are safe for concurrent use.
type Broadcaster[T any] struct {
	depth int

	mu     sync.Mutex
	subs   map[*Subscriber[T]]struct{}
	closed bool

	published atomic.Uint64
}

// New creates a Broadcaster whose subscribers each buffer up to depth
// values. A depth below 1 is raised to 1.
func New[T any](depth int) *Broadcaster[T] {
	return &Broadcaster[T]{
		depth: max(depth, 1),
		subs:  make(map[*Subscriber[T]]struct{}),
	}
}

// Depth returns the per-subscriber queue depth.
func (b *Broadcaster[T]) Depth() int { return b.depth }

// Subscribe registers a subscriber that observes values published after
// this call. The subscription is removed when ctx is cancelled or Close is
// called. Subscribing to a closed broadcaster returns a subscriber whose
// Recv reports ErrClosed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) *Subscriber[T] {
	sub := newSubscriber(b)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.finish()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, sub.Close)
		sub.mu.Lock()
		sub.stop = stop
		sub.mu.Unlock()
	}
	return sub
}

// Publish enqueues v for every subscriber without blocking and returns the
// number of subscribers it reached. Publishing after Close is a no-op.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.published.Add(1)
	for sub := range b.subs {
		sub.push(v)
	}
	return len(b.subs)
}

// Close stops the broadcaster. Subscribers drain what is already queued
// and then receive ErrClosed. It is safe to call Close multiple times.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.finish()
	}
	clear(b.subs)
}

// Closed reports whether Close has been called.
func (b *Broadcaster[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of registered subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Published returns the number of values published so far.
func (b *Broadcaster[T]) Published() uint64 { return b.published.Load() }

func (b *Broadcaster[T]) remove(sub *Subscriber[T]) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

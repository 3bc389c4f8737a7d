// Package stream maps stream names to their relay state, creating state on
// first reference and releasing it once neither a publisher nor any
// subscriber remains.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/flvrelay/internal/relay"
)

// ErrPublisherActive is returned when a second publisher tries to attach
// to a stream that already has one.
var ErrPublisherActive = errors.New("stream: publisher already active")

// Registry owns every live relay.Stream. Each operation runs as a single
// critical section, so there is at most one state per name. The registry
// lock is always taken before a stream's own lock.
type Registry struct {
	log     *slog.Logger
	baseLog *slog.Logger
	depth   int

	mu      sync.Mutex
	streams map[string]*relay.Stream
}

// NewRegistry creates a registry whose streams use the given
// per-subscriber queue depth. If log is nil, slog.Default() is used.
func NewRegistry(depth int, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "stream-registry"),
		baseLog: log,
		depth:   depth,
		streams: make(map[string]*relay.Stream),
	}
}

// acquire returns the state for name, creating it if absent. r.mu must be
// held.
func (r *Registry) acquire(name string) *relay.Stream {
	if s, ok := r.streams[name]; ok {
		return s
	}
	s := relay.New(name, r.depth, r.baseLog)
	r.streams[name] = s
	r.log.Info("stream created", "key", name)
	return s
}

// AttachPublisher marks name as having a publisher, creating the state if
// needed. It fails with ErrPublisherActive if one is already attached.
func (r *Registry) AttachPublisher(name string) (*relay.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.acquire(name)
	if s.Publishing() {
		r.log.Warn("rejecting duplicate publisher", "key", name)
		return nil, ErrPublisherActive
	}
	s.SetPublishing(true)
	return s, nil
}

// Subscribe attaches a subscriber to name, creating the state if needed.
func (r *Registry) Subscribe(ctx context.Context, name, remote string) (*relay.Stream, *relay.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.acquire(name)
	sub, err := s.Subscribe(ctx, remote)
	if err != nil {
		return nil, nil, err
	}
	return s, sub, nil
}

// Release closes sub and drops s if it is still registered and now idle.
func (r *Registry) Release(s *relay.Stream, sub *relay.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.Close()
	if r.streams[s.Name()] == s && s.Idle() {
		delete(r.streams, s.Name())
		s.Close()
		r.log.Info("idle stream released", "key", s.Name())
	}
}

// Remove closes s and unregisters it if it is still the state for its
// name. Subscribers drain queued records and then end.
func (r *Registry) Remove(s *relay.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streams[s.Name()] == s {
		delete(r.streams, s.Name())
		r.log.Info("stream removed", "key", s.Name())
	}
	s.Close()
}

// Get returns the state for name.
func (r *Registry) Get(name string) (*relay.Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	return s, ok
}

// List returns all registered streams ordered by name.
func (r *Registry) List() []*relay.Stream {
	r.mu.Lock()
	streams := make([]*relay.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].Name() < streams[j].Name()
	})
	return streams
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

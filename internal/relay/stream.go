// Package relay holds the per-stream state shared between one publisher
// and its subscribers: the cached container header and configuration
// record used to bootstrap late joiners, and the broadcaster carrying live
// tags.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/flvrelay/internal/broadcast"
	"github.com/zsiec/flvrelay/internal/flv"
)

// DefaultQueueDepth is the per-subscriber queue depth used when none is
// configured.
const DefaultQueueDepth = 1024

// previewLen is the number of leading bytes rendered in hex log previews.
const previewLen = 32

// ErrStreamClosed is returned when subscribing to a stream whose publisher
// has already finished.
var ErrStreamClosed = errors.New("relay: stream closed")

// Decision is the outcome of HandleTag.
type Decision int

const (
	Dropped Decision = iota
	Forwarded
	Cached // forwarded and kept as the configuration record
)

func (d Decision) String() string {
	switch d {
	case Dropped:
		return "dropped"
	case Forwarded:
		return "forwarded"
	case Cached:
		return "cached"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Stream is the relay state for one stream name. Forwarding and
// subscribing are serialised on the stream mutex, so a new subscriber
// receives the cached snapshot followed by exactly the tags published
// after it, with no gap and no duplicate.
type Stream struct {
	name      string
	log       *slog.Logger
	createdAt time.Time

	mu         sync.Mutex
	header     flv.Header
	config     *flv.Tag
	bcast      *broadcast.Broadcaster[flv.Record]
	subs       map[string]*Subscription
	publishing bool
	closed     bool

	tagsIn         atomic.Int64
	tagsForwarded  atomic.Int64
	bytesForwarded atomic.Int64
	audioDropped   atomic.Int64
	configRecords  atomic.Int64
	keyframes      atomic.Int64
}

// New creates the state for name with the given per-subscriber queue
// depth. If log is nil, slog.Default() is used.
func New(name string, depth int, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Stream{
		name:      name,
		log:       log.With("component", "relay", "stream", name),
		createdAt: time.Now(),
		bcast:     broadcast.New[flv.Record](depth),
		subs:      make(map[string]*Subscription),
	}
}

func (s *Stream) Name() string { return s.name }

// CreatedAt is when the state was first referenced.
func (s *Stream) CreatedAt() time.Time { return s.createdAt }

// SetHeader caches and forwards the container header after rewriting its
// flags: the audio bit is always cleared and the video bit is set only
// when lookahead, the bytes already buffered after the header, shows a
// video tag header. The rewritten header is returned.
func (s *Stream) SetHeader(h flv.Header, lookahead []byte) flv.Header {
	flags := h.Flags() &^ (flv.FlagAudio | flv.FlagVideo)
	if flv.ContainsKind(lookahead, flv.KindVideo) {
		flags |= flv.FlagVideo
	}
	mod := h.WithFlags(flags)

	s.mu.Lock()
	s.header = mod
	s.bcast.Publish(mod)
	s.mu.Unlock()

	s.log.Info("received header",
		"orig", flv.HexPreview(h.Bytes(), previewLen),
		"orig_flags", fmt.Sprintf("0x%02x", h.Flags()), "orig_bits", h.FlagString())
	s.log.Info("rewrote header",
		"mod", flv.HexPreview(mod.Bytes(), previewLen),
		"mod_flags", fmt.Sprintf("0x%02x", mod.Flags()), "mod_bits", mod.FlagString())
	return mod
}

// HandleTag applies the forwarding policy to t. Audio tags are dropped.
// AVC sequence headers replace the cached configuration record and are
// forwarded. Everything else is forwarded unchanged.
func (s *Stream) HandleTag(t *flv.Tag) Decision {
	s.tagsIn.Add(1)
	if t.Kind == flv.KindAudio {
		s.audioDropped.Add(1)
		return Dropped
	}

	d := Forwarded
	s.mu.Lock()
	if t.IsConfigRecord() {
		s.config = t
		d = Cached
	}
	if t.Kind == flv.KindVideo && !s.header.IsZero() && !s.header.HasVideo() {
		// Later joiners must see a header that matches what they receive.
		s.header = s.header.WithFlags(s.header.Flags() | flv.FlagVideo)
		s.log.Debug("header upgraded with video flag", "bits", s.header.FlagString())
	}
	s.bcast.Publish(t)
	s.mu.Unlock()

	s.tagsForwarded.Add(1)
	s.bytesForwarded.Add(int64(t.Size()))
	if t.IsKeyframe() {
		s.keyframes.Add(1)
	}
	if d == Cached {
		s.configRecords.Add(1)
		s.log.Info("cached configuration record",
			"bytes", t.Size(), "preview", flv.HexPreview(t.Bytes(), previewLen))
	} else {
		s.log.Debug("forwarding tag", "type", t.Type, "data_size", t.PayloadSize)
	}
	return d
}

// Header returns the cached header, which is zero before the publisher
// sends one.
func (s *Stream) Header() flv.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// ConfigRecord returns the cached configuration record, or nil.
func (s *Stream) ConfigRecord() *flv.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Subscribe registers a subscriber. Its first records are the cached
// header and configuration record, if present, followed by live records.
// The subscription ends when ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context, remote string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}

	var snapshot []flv.Record
	if !s.header.IsZero() {
		snapshot = append(snapshot, s.header)
	}
	if s.config != nil {
		snapshot = append(snapshot, s.config)
	}

	sub := &Subscription{
		id:          uuid.NewString(),
		remote:      remote,
		connectedAt: time.Now(),
		stream:      s,
		snapshot:    snapshot,
		cursor:      s.bcast.Subscribe(ctx),
	}
	s.subs[sub.id] = sub

	s.log.Info("subscriber connected", "id", sub.id, "remote", remote,
		"subscribers", len(s.subs), "header", !s.header.IsZero(), "config", s.config != nil)
	return sub, nil
}

func (s *Stream) removeSubscription(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	n := len(s.subs)
	s.mu.Unlock()
	s.log.Debug("subscriber removed", "id", id, "subscribers", n)
}

// SubscriberCount returns the number of open subscriptions.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// SetPublishing marks whether a publisher is attached.
func (s *Stream) SetPublishing(v bool) {
	s.mu.Lock()
	s.publishing = v
	s.mu.Unlock()
}

// Publishing reports whether a publisher is attached.
func (s *Stream) Publishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishing
}

// Idle reports whether the stream has neither a publisher nor subscribers.
func (s *Stream) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.publishing && len(s.subs) == 0
}

// Close ends the stream. Subscribers drain what is queued and then see
// the end of the stream. Close is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.publishing = false
	s.bcast.Close()
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

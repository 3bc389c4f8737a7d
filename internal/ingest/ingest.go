// Package ingest runs publisher sessions, coupling an inbound FLV byte
// stream from any transport with its relay state, connection metrics and
// teardown.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/flvrelay/internal/flv"
	"github.com/zsiec/flvrelay/internal/pipeline"
	"github.com/zsiec/flvrelay/internal/stream"
)

// Ingest protocol names reported in session stats.
const (
	ProtocolHTTP    = "HTTP"
	ProtocolHTTP3   = "HTTP/3"
	ProtocolSRT     = "SRT"
	ProtocolSRTPull = "SRT-PULL"
)

// IngestStats captures connection-level metrics for a publisher session,
// exposed via the API for monitoring source health.
type IngestStats struct {
	ID            string         `json:"id"`
	Protocol      string         `json:"protocol"`
	BytesReceived int64          `json:"bytesReceived"`
	ReadCount     int64          `json:"readCount"`
	ConnectedAt   int64          `json:"connectedAt"`
	UptimeMs      int64          `json:"uptimeMs"`
	RemoteAddr    string         `json:"remoteAddr"`
	Pipeline      pipeline.Stats `json:"pipeline"`
}

// Session is one active publisher connection.
type Session struct {
	Key       string
	ID        string
	Protocol  string
	StartedAt time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
	pipeline      atomic.Pointer[pipeline.Pipeline]
}

// RecordRead increments the byte and read counters after each successful
// read from the publisher connection.
func (s *Session) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the publisher for
// diagnostics.
func (s *Session) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// IngestStats returns a snapshot of session metrics.
func (s *Session) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	st := IngestStats{
		ID:            s.ID,
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
	if p := s.pipeline.Load(); p != nil {
		st.Pipeline = p.Stats()
	}
	return st
}

type countingReader struct {
	r io.Reader
	s *Session
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.s.RecordRead(n)
	}
	return n, err
}

// Service is the rendezvous point between the transports that accept
// publishers and the stream registry.
type Service struct {
	log      *slog.Logger
	registry *stream.Registry
	cfg      pipeline.Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates a Service publishing into registry. If log is nil,
// slog.Default() is used.
func NewService(registry *stream.Registry, cfg pipeline.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:      log.With("component", "ingest"),
		registry: registry,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Publish attaches a publisher to key and relays r until it ends. The
// stream state is always removed afterwards, which ends every subscriber
// once it drains its queue. The returned error is nil on EOF; it wraps
// stream.ErrPublisherActive, flv.ErrProtocol or pipeline.ErrTransport
// otherwise.
func (s *Service) Publish(ctx context.Context, key, protocol, remote string, r io.Reader) error {
	st, err := s.registry.AttachPublisher(key)
	if err != nil {
		return err
	}

	sess := &Session{
		Key:       key,
		ID:        uuid.NewString(),
		Protocol:  protocol,
		StartedAt: time.Now(),
	}
	sess.SetRemoteAddr(remote)

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.log.Info("publisher connected", "key", key, "protocol", protocol, "remote", remote, "session", sess.ID)

	defer func() {
		s.registry.Remove(st)
		s.mu.Lock()
		if s.sessions[key] == sess {
			delete(s.sessions, key)
		}
		s.mu.Unlock()

		stats := sess.IngestStats()
		s.log.Info("publisher disconnected; removed stream state", "key", key,
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"tags", stats.Pipeline.Tags, "uptime_ms", stats.UptimeMs)
	}()

	p := pipeline.New(key, countingReader{r: r, s: sess}, st, s.cfg, s.log)
	sess.pipeline.Store(p)

	err = p.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, flv.ErrProtocol):
		s.log.Warn("rejecting malformed publisher stream", "key", key, "error", err)
	case errors.Is(err, pipeline.ErrTransport):
		s.log.Warn("error reading publisher body", "key", key, "error", err)
	default:
		s.log.Debug("publish ended", "key", key, "error", err)
	}
	return err
}

// Session returns the active session for key.
func (s *Service) Session(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Sessions returns all active sessions ordered by key.
func (s *Service) Sessions() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Registry returns the stream registry the service publishes into.
func (s *Service) Registry() *stream.Registry { return s.registry }

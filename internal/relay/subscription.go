package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/flvrelay/internal/broadcast"
	"github.com/zsiec/flvrelay/internal/flv"
)

// Subscription is one subscriber's view of a Stream: the catch-up snapshot
// taken at subscribe time followed by the live tail.
type Subscription struct {
	id          string
	remote      string
	connectedAt time.Time
	stream      *Stream
	snapshot    []flv.Record
	cursor      *broadcast.Subscriber[flv.Record]

	delivered atomic.Int64
	bytesSent atomic.Int64
	lagged    atomic.Int64
	closeOnce sync.Once
}

func (s *Subscription) ID() string { return s.id }

// Next returns the next record to deliver. A *broadcast.LagError reports
// skipped records and is not fatal; the following call continues with the
// live tail. broadcast.ErrClosed marks the end of the stream.
func (s *Subscription) Next(ctx context.Context) (flv.Record, error) {
	if len(s.snapshot) > 0 {
		rec := s.snapshot[0]
		s.snapshot[0] = nil
		s.snapshot = s.snapshot[1:]
		s.delivered.Add(1)
		return rec, nil
	}
	rec, err := s.cursor.Recv(ctx)
	if err != nil {
		var lag *broadcast.LagError
		if errors.As(err, &lag) {
			s.lagged.Add(int64(lag.Skipped))
		}
		return nil, err
	}
	s.delivered.Add(1)
	return rec, nil
}

// RecordWrite adds n to the bytes delivered to the subscriber.
func (s *Subscription) RecordWrite(n int) {
	s.bytesSent.Add(int64(n))
}

// Close unregisters the subscription and releases its queue. It is
// idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cursor.Close()
		s.stream.removeSubscription(s.id)
	})
}

package relay

import (
	"sort"
	"time"
)

// Stats is a point-in-time summary of a stream, served by the REST API.
type Stats struct {
	Name           string `json:"name"`
	Live           bool   `json:"live"`
	Subscribers    int    `json:"subscribers"`
	HeaderFlags    string `json:"headerFlags,omitempty"`
	HasConfig      bool   `json:"hasConfig"`
	TagsIn         int64  `json:"tagsIn"`
	TagsForwarded  int64  `json:"tagsForwarded"`
	BytesForwarded int64  `json:"bytesForwarded"`
	AudioDropped   int64  `json:"audioDropped"`
	ConfigRecords  int64  `json:"configRecords"`
	Keyframes      int64  `json:"keyframes"`
	LagDrops       int64  `json:"lagDrops"`
	CreatedAt      int64  `json:"createdAt"`
	UptimeMs       int64  `json:"uptimeMs"`
}

// SubscriberStats describes delivery to one subscriber.
type SubscriberStats struct {
	ID          string `json:"id"`
	Remote      string `json:"remote,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
	Delivered   int64  `json:"delivered"`
	BytesSent   int64  `json:"bytesSent"`
	Lagged      int64  `json:"lagged"`
	Pending     int    `json:"pending"`
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Name:        s.name,
		Live:        s.publishing,
		Subscribers: len(s.subs),
		HasConfig:   s.config != nil,
	}
	if !s.header.IsZero() {
		st.HeaderFlags = s.header.FlagString()
	}
	for _, sub := range s.subs {
		st.LagDrops += sub.lagged.Load()
	}
	s.mu.Unlock()

	st.TagsIn = s.tagsIn.Load()
	st.TagsForwarded = s.tagsForwarded.Load()
	st.BytesForwarded = s.bytesForwarded.Load()
	st.AudioDropped = s.audioDropped.Load()
	st.ConfigRecords = s.configRecords.Load()
	st.Keyframes = s.keyframes.Load()
	st.CreatedAt = s.createdAt.UnixMilli()
	st.UptimeMs = time.Since(s.createdAt).Milliseconds()
	return st
}

// SubscriberStats returns per-subscriber delivery stats ordered by
// connection time.
func (s *Stream) SubscriberStats() []SubscriberStats {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].connectedAt.Before(subs[j].connectedAt)
	})

	out := make([]SubscriberStats, len(subs))
	for i, sub := range subs {
		out[i] = SubscriberStats{
			ID:          sub.id,
			Remote:      sub.remote,
			ConnectedAt: sub.connectedAt.UnixMilli(),
			Delivered:   sub.delivered.Load(),
			BytesSent:   sub.bytesSent.Load(),
			Lagged:      sub.lagged.Load(),
			Pending:     sub.cursor.Pending(),
		}
	}
	return out
}

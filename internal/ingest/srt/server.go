package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/flvrelay/internal/ingest"
)

// srtLatencyNs is the SRT receive latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Publisher is the subset of ingest.Service used by the SRT transports.
type Publisher interface {
	Publish(ctx context.Context, key, protocol, remote string, r io.Reader) error
}

// Server accepts incoming SRT publish connections carrying FLV and relays
// them under the stream key taken from the SRT stream id.
type Server struct {
	log       *slog.Logger
	addr      string
	publisher Publisher
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, publisher Publisher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "srt-server"),
		addr:      addr,
		publisher: publisher,
	}
}

// Start accepts SRT publish connections until ctx is cancelled.
// Connections whose stream id does not name a usable key are rejected
// during the handshake.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, err := parseStreamID(req.StreamID); err != nil {
			s.log.Warn("rejecting connection", "stream_id", req.StreamID, "error", err)
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key, err := parseStreamID(conn.StreamID())
		if err != nil {
			conn.Close()
			continue
		}
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	s.log.Info("publish", "stream_key", key, "remote", remote)

	err := s.publisher.Publish(ctx, key, ingest.ProtocolSRT, remote, conn)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("connection ended", "stream_key", key, "error", err)
	}
}

// parseStreamID maps an SRT stream id to a relay stream key. Both plain
// paths ("/live/cam", "cam") and the access control syntax
// ("#!::r=cam,m=publish") are accepted. Keys must be a single path
// segment so players can address them as /live/{key}.
func parseStreamID(streamID string) (string, error) {
	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		var key, mode string
		for _, kv := range strings.Split(rest, ",") {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "r":
				key = v
			case "m":
				mode = v
			}
		}
		if mode != "" && mode != "publish" {
			return "", fmt.Errorf("unsupported mode %q", mode)
		}
		streamID = key
	}

	key := extractStreamKey(streamID)
	if strings.Contains(key, "/") {
		return "", fmt.Errorf("stream key %q has more than one path segment", key)
	}
	return key, nil
}

// extractStreamKey maps an SRT stream id such as "/live/cam" to the
// relay stream key "cam".
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

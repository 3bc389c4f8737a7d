// Package pipeline drives the publish path for a single stream: it reads
// the ingest byte stream in chunks, splits it into FLV records and hands
// them to the relay in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/flvrelay/internal/flv"
	"github.com/zsiec/flvrelay/internal/relay"
)

// DefaultReadBufferSize is the chunk size used for ingest reads.
const DefaultReadBufferSize = 64 << 10

// ErrTransport wraps read failures on the ingest connection. It ends the
// stream without indicating malformed input.
var ErrTransport = errors.New("pipeline: transport error")

// Sink is the subset of relay.Stream the pipeline feeds. Accepting an
// interface keeps the pipeline testable with stubs.
type Sink interface {
	SetHeader(h flv.Header, lookahead []byte) flv.Header
	HandleTag(t *flv.Tag) relay.Decision
}

// Config tunes the read loop and the tag parser.
type Config struct {
	ReadBufferSize int
	MaxPayload     uint32
	LenientTrailer bool
}

// Stats are the pipeline's forwarding counters.
type Stats struct {
	BytesRead     int64 `json:"bytesRead"`
	ReadCount     int64 `json:"readCount"`
	Tags          int64 `json:"tags"`
	Dropped       int64 `json:"dropped"`
	DiscardedTail int64 `json:"discardedTail"`
	UptimeMs      int64 `json:"uptimeMs"`
}

// Pipeline bridges one ingest reader and one Sink.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	input     io.Reader
	sink      Sink
	reader    *flv.Reader
	bufSize   int
	startTime time.Time

	bytesRead     atomic.Int64
	readCount     atomic.Int64
	tags          atomic.Int64
	dropped       atomic.Int64
	discardedTail atomic.Int64
}

// New creates a Pipeline that reads FLV bytes from input and forwards the
// parsed records to sink. If log is nil, slog.Default() is used.
func New(streamKey string, input io.Reader, sink Sink, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	opts := []func(*flv.Reader){flv.ReaderOptMaxPayload(cfg.MaxPayload)}
	if cfg.LenientTrailer {
		opts = append(opts, flv.ReaderOptLenientTrailer())
	}
	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "stream", streamKey),
		streamKey: streamKey,
		input:     input,
		sink:      sink,
		reader:    flv.NewReader(opts...),
		bufSize:   bufSize,
		startTime: time.Now(),
	}
}

// Run reads until EOF, a read failure, a protocol violation or ctx
// cancellation. All records decodable from a chunk are delivered before the
// next read. EOF returns nil; trailing bytes of an incomplete tag are
// discarded. Protocol violations wrap flv.ErrProtocol and read failures
// wrap ErrTransport.
func (p *Pipeline) Run(ctx context.Context) error {
	buf := make([]byte, p.bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.input.Read(buf)
		if n > 0 {
			p.bytesRead.Add(int64(n))
			p.readCount.Add(1)
			p.reader.Feed(buf[:n])
			if derr := p.drain(); derr != nil {
				p.log.Warn("protocol violation", "error", derr)
				return derr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.finish()
				return nil
			}
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
}

func (p *Pipeline) drain() error {
	for {
		rec, err := p.reader.Next()
		if errors.Is(err, flv.ErrNeedMore) {
			return nil
		}
		if err != nil {
			return err
		}

		switch rec := rec.(type) {
		case flv.Header:
			p.sink.SetHeader(rec, p.reader.Buffered())
		case *flv.Tag:
			p.tags.Add(1)
			if p.sink.HandleTag(rec) == relay.Dropped {
				p.dropped.Add(1)
			}
		}
	}
}

func (p *Pipeline) finish() {
	if !p.reader.HeaderSeen() {
		p.log.Info("ingest ended before header", "bytes", p.bytesRead.Load())
		return
	}
	if tail := len(p.reader.Buffered()); tail > 0 {
		p.discardedTail.Store(int64(tail))
		p.log.Info("discarding incomplete trailing tag", "bytes", tail)
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		BytesRead:     p.bytesRead.Load(),
		ReadCount:     p.readCount.Load(),
		Tags:          p.tags.Load(),
		Dropped:       p.dropped.Load(),
		DiscardedTail: p.discardedTail.Load(),
		UptimeMs:      time.Since(p.startTime).Milliseconds(),
	}
}

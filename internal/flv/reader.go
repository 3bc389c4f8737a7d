package flv

import (
	"encoding/binary"
	"fmt"
)

type readerState int

const (
	stateAwaitingHeader readerState = iota
	stateAwaitingTagHeader
	stateAwaitingTagBody
	stateFailed
)

func (s readerState) String() string {
	switch s {
	case stateAwaitingHeader:
		return "awaiting-header"
	case stateAwaitingTagHeader:
		return "awaiting-tag-header"
	case stateAwaitingTagBody:
		return "awaiting-tag-body"
	}
	return "failed"
}

// tagHeader holds the decoded fixed fields of a tag whose body has not
// fully arrived.
type tagHeader struct {
	typ         uint8
	payloadSize uint32
	timestamp   uint32
	streamID    uint32
}

func (h tagHeader) total() int {
	return TagHeaderSize + int(h.payloadSize) + TrailerSize
}

// Reader incrementally splits an FLV byte stream into records. Bytes are
// supplied with Feed in chunks of any size; Next yields the container
// header once and then each complete tag in order. The records produced
// do not depend on how the input was fragmented.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	buf        []byte
	off        int
	consumed   int64
	state      readerState
	pending    tagHeader
	maxPayload uint32
	lenient    bool
	headerSeen bool
	err        error
}

// NewReader creates a Reader expecting a container header first.
func NewReader(opts ...func(*Reader)) *Reader {
	r := &Reader{maxPayload: DefaultMaxPayload}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReaderOptMaxPayload sets the largest accepted tag payload size.
func ReaderOptMaxPayload(n uint32) func(*Reader) {
	return func(r *Reader) {
		if n > 0 {
			r.maxPayload = n
		}
	}
}

// ReaderOptLenientTrailer disables PreviousTagSize validation. Some
// encoders write incorrect trailers.
func ReaderOptLenientTrailer() func(*Reader) {
	return func(r *Reader) {
		r.lenient = true
	}
}

// ReaderOptSkipHeader starts the Reader in tag mode, for input that is
// already positioned after the container header.
func ReaderOptSkipHeader() func(*Reader) {
	return func(r *Reader) {
		r.state = stateAwaitingTagHeader
	}
}

// Feed appends p to the internal buffer. The slice is copied. Feeding a
// failed Reader is a no-op.
func (r *Reader) Feed(p []byte) {
	if r.state == stateFailed || len(p) == 0 {
		return
	}
	r.compact()
	r.buf = append(r.buf, p...)
}

// compact drops the consumed prefix once it makes up at least half of the
// buffer, keeping the copying cost amortised constant per byte.
func (r *Reader) compact() {
	if r.off == 0 {
		return
	}
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
		return
	}
	if r.off >= len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
}

// Buffered returns the unconsumed bytes. The slice aliases internal storage
// and is only valid until the next call to Feed.
func (r *Reader) Buffered() []byte {
	return r.buf[r.off:]
}

// Consumed is the number of stream bytes turned into records so far.
func (r *Reader) Consumed() int64 { return r.consumed }

// Err returns the error that failed the Reader, if any.
func (r *Reader) Err() error { return r.err }

// HeaderSeen reports whether the container header has been produced.
func (r *Reader) HeaderSeen() bool { return r.headerSeen }

// Next returns the next complete record: a Header the first time, then
// *Tag values. It returns ErrNeedMore when more input is required. Any
// error wrapping ErrProtocol is permanent; every later call returns it
// again.
func (r *Reader) Next() (Record, error) {
	for {
		switch r.state {
		case stateFailed:
			return nil, r.err

		case stateAwaitingHeader:
			if len(r.buf)-r.off < HeaderSize {
				return nil, ErrNeedMore
			}
			h, err := ParseHeader(r.buf[r.off:])
			if err != nil {
				return nil, r.fail(err)
			}
			r.advance(HeaderSize)
			r.headerSeen = true
			r.state = stateAwaitingTagHeader
			return h, nil

		case stateAwaitingTagHeader:
			if len(r.buf)-r.off < TagHeaderSize {
				return nil, ErrNeedMore
			}
			th := decodeTagHeader(r.buf[r.off:])
			if th.payloadSize > r.maxPayload {
				return nil, r.fail(fmt.Errorf("%w: %d bytes at offset %d, limit %d",
					ErrTagTooLarge, th.payloadSize, r.consumed, r.maxPayload))
			}
			r.pending = th
			r.state = stateAwaitingTagBody

		case stateAwaitingTagBody:
			n := r.pending.total()
			if len(r.buf)-r.off < n {
				return nil, ErrNeedMore
			}
			t, err := buildTag(r.pending, r.buf[r.off:r.off+n], r.lenient)
			if err != nil {
				return nil, r.fail(fmt.Errorf("%w at offset %d", err, r.consumed))
			}
			r.advance(n)
			r.state = stateAwaitingTagHeader
			return t, nil
		}
	}
}

func (r *Reader) advance(n int) {
	r.off += n
	r.consumed += int64(n)
}

func (r *Reader) fail(err error) error {
	r.state = stateFailed
	r.err = err
	r.buf = nil
	r.off = 0
	return err
}

func decodeTagHeader(b []byte) tagHeader {
	return tagHeader{
		typ:         b[0],
		payloadSize: uint24(b[1:4]),
		timestamp:   uint24(b[4:7]) | uint32(b[7])<<24,
		streamID:    uint24(b[8:11]),
	}
}

// buildTag copies a complete tag out of b, which must be exactly
// th.total() bytes long.
func buildTag(th tagHeader, b []byte, lenient bool) (*Tag, error) {
	want := uint32(TagHeaderSize) + th.payloadSize
	if got := binary.BigEndian.Uint32(b[len(b)-TrailerSize:]); got != want && !lenient {
		return nil, fmt.Errorf("%w: trailer %d, want %d", ErrBadTrailer, got, want)
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return &Tag{
		Kind:        kindOf(th.typ),
		Type:        th.typ,
		PayloadSize: th.payloadSize,
		Timestamp:   th.timestamp,
		StreamID:    th.streamID,
		raw:         raw,
	}, nil
}

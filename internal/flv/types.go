// Package flv parses FLV container byte streams into a header and a
// sequence of tags, preserving the exact bytes of every record so they can
// be forwarded without re-encoding.
package flv

import (
	"encoding/binary"
	"fmt"
)

// Byte sizes of the fixed-length parts of an FLV stream.
const (
	HeaderSize    = 13 // signature, version, flags, data offset, PreviousTagSize0
	TagHeaderSize = 11
	TrailerSize   = 4
)

// DefaultMaxPayload bounds the declared payload size of a single tag. A
// larger declaration is treated as a protocol violation.
const DefaultMaxPayload = 8 << 20

// Header flag bits.
const (
	FlagAudio    byte = 0x01
	FlagReserved byte = 0x02
	FlagVideo    byte = 0x04
)

const avcCodecID = 7

// Kind classifies a tag by its type byte.
type Kind uint8

// Tag kinds. Any type byte not listed here is KindUnknown and is forwarded
// unchanged.
const (
	KindUnknown  Kind = 0
	KindAudio    Kind = 8
	KindVideo    Kind = 9
	KindMetadata Kind = 18
)

func kindOf(b byte) Kind {
	switch Kind(b) {
	case KindAudio, KindVideo, KindMetadata:
		return Kind(b)
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindMetadata:
		return "metadata"
	}
	return "unknown"
}

// Record is any unit the relay forwards to subscribers: the container
// header or a tag. Bytes returns the exact wire representation and must
// not be modified by the caller.
type Record interface {
	Bytes() []byte
}

// Header is the 13-byte container header. It is immutable; WithFlags
// returns a new value.
type Header struct {
	raw []byte
}

// ParseHeader validates and copies a container header from the first
// HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("flv: header needs %d bytes, have %d", HeaderSize, len(b))
	}
	if b[0] != 'F' || b[1] != 'L' || b[2] != 'V' {
		return Header{}, fmt.Errorf("%w: got % x", ErrBadSignature, b[:3])
	}
	raw := make([]byte, HeaderSize)
	copy(raw, b)
	return Header{raw: raw}, nil
}

// NewHeader builds a version 1 header with the given flags and the standard
// data offset of 9.
func NewHeader(flags byte) Header {
	raw := make([]byte, HeaderSize)
	copy(raw, "FLV")
	raw[3] = 1
	raw[4] = flags
	binary.BigEndian.PutUint32(raw[5:9], 9)
	return Header{raw: raw}
}

// Bytes returns the header bytes.
func (h Header) Bytes() []byte { return h.raw }

// IsZero reports whether h was never set.
func (h Header) IsZero() bool { return h.raw == nil }

func (h Header) Version() uint8 {
	if h.IsZero() {
		return 0
	}
	return h.raw[3]
}

func (h Header) Flags() byte {
	if h.IsZero() {
		return 0
	}
	return h.raw[4]
}

func (h Header) HasAudio() bool { return h.Flags()&FlagAudio != 0 }
func (h Header) HasVideo() bool { return h.Flags()&FlagVideo != 0 }

// DataOffset is the declared offset of the first tag, normally 9.
func (h Header) DataOffset() uint32 {
	if h.IsZero() {
		return 0
	}
	return binary.BigEndian.Uint32(h.raw[5:9])
}

// WithFlags returns a copy of h with the flags byte replaced.
func (h Header) WithFlags(flags byte) Header {
	raw := make([]byte, HeaderSize)
	copy(raw, h.raw)
	raw[4] = flags
	return Header{raw: raw}
}

// FlagString renders the flags byte as three characters: A for audio,
// R for the reserved bit, V for video, or '-' when the bit is clear.
func (h Header) FlagString() string {
	return FlagString(h.Flags())
}

// Tag is a single FLV tag including its 11-byte header and 4-byte
// PreviousTagSize trailer, exactly as received. Tags are shared between
// subscribers and must be treated as read-only.
type Tag struct {
	Kind        Kind
	Type        uint8
	PayloadSize uint32
	Timestamp   uint32 // milliseconds, including the extension byte
	StreamID    uint32

	raw []byte
}

// Bytes returns the full wire bytes of the tag.
func (t *Tag) Bytes() []byte { return t.raw }

// Size is the total number of wire bytes: header, payload and trailer.
func (t *Tag) Size() int { return len(t.raw) }

// Payload returns the tag body without the header or trailer.
func (t *Tag) Payload() []byte {
	return t.raw[TagHeaderSize : TagHeaderSize+int(t.PayloadSize)]
}

// PreviousTagSize returns the trailer value.
func (t *Tag) PreviousTagSize() uint32 {
	return binary.BigEndian.Uint32(t.raw[len(t.raw)-TrailerSize:])
}

// IsConfigRecord reports whether t is an AVC sequence header: a video tag
// whose codec id nibble is 7 and whose packet type byte is 0.
func (t *Tag) IsConfigRecord() bool {
	if t.Kind != KindVideo || t.PayloadSize < 2 {
		return false
	}
	p := t.Payload()
	return p[0]&0x0f == avcCodecID && p[1] == 0
}

// IsKeyframe reports whether t is a video tag carrying a key frame.
func (t *Tag) IsKeyframe() bool {
	if t.Kind != KindVideo || t.PayloadSize < 1 {
		return false
	}
	return t.Payload()[0]>>4 == 1
}

func (t *Tag) String() string {
	return fmt.Sprintf("%s tag type=%d size=%d ts=%d", t.Kind, t.Type, t.PayloadSize, t.Timestamp)
}

// NewTag encodes a tag with the given type byte, timestamp and payload,
// computing the size fields and trailer.
func NewTag(typ uint8, timestamp uint32, payload []byte) *Tag {
	size := len(payload)
	raw := make([]byte, TagHeaderSize+size+TrailerSize)
	raw[0] = typ
	putUint24(raw[1:4], uint32(size))
	putUint24(raw[4:7], timestamp&0xffffff)
	raw[7] = byte(timestamp >> 24)
	copy(raw[TagHeaderSize:], payload)
	binary.BigEndian.PutUint32(raw[TagHeaderSize+size:], uint32(TagHeaderSize+size))
	return &Tag{
		Kind:        kindOf(typ),
		Type:        typ,
		PayloadSize: uint32(size),
		Timestamp:   timestamp,
		raw:         raw,
	}
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

package flv

import (
	"bytes"
	"errors"
	"testing"
)

func buildStream(flags byte, tags ...*Tag) []byte {
	var b bytes.Buffer
	b.Write(NewHeader(flags).Bytes())
	for _, t := range tags {
		b.Write(t.Bytes())
	}
	return b.Bytes()
}

func sampleTags() []*Tag {
	return []*Tag{
		NewTag(byte(KindMetadata), 0, []byte{0x02, 0x00, 0x0a, 'o', 'n', 'M', 'e', 't', 'a', 'D', 'a', 't', 'a'}),
		NewTag(byte(KindVideo), 0, []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x1f}),
		NewTag(byte(KindAudio), 0, []byte{0xaf, 0x00, 0x12, 0x10}),
		NewTag(byte(KindVideo), 33, []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xaa, 0xbb}),
		NewTag(byte(KindAudio), 40, []byte{0xaf, 0x01, 0xde, 0xad}),
		NewTag(0x42, 50, []byte{0x01}),
	}
}

// drain pulls records until the reader needs more input.
func drain(t *testing.T, r *Reader) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, ErrNeedMore) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func TestReader_WholeStream(t *testing.T) {
	t.Parallel()
	tags := sampleTags()
	stream := buildStream(FlagAudio|FlagVideo, tags...)

	r := NewReader()
	r.Feed(stream)
	recs := drain(t, r)

	if len(recs) != len(tags)+1 {
		t.Fatalf("got %d records, want %d", len(recs), len(tags)+1)
	}
	h, ok := recs[0].(Header)
	if !ok {
		t.Fatalf("first record is %T, want Header", recs[0])
	}
	if h.Flags() != FlagAudio|FlagVideo {
		t.Errorf("flags = %#x", h.Flags())
	}
	if h.DataOffset() != 9 {
		t.Errorf("data offset = %d, want 9", h.DataOffset())
	}
	for i, want := range tags {
		got := recs[i+1].(*Tag)
		if !bytes.Equal(got.Bytes(), want.Bytes()) {
			t.Errorf("tag %d bytes differ", i)
		}
		if got.Kind != want.Kind || got.Type != want.Type {
			t.Errorf("tag %d kind = %v/%d, want %v/%d", i, got.Kind, got.Type, want.Kind, want.Type)
		}
	}
	if recs[6].(*Tag).Kind != KindUnknown {
		t.Error("type 0x42 should classify as unknown")
	}
	if r.Consumed() != int64(len(stream)) {
		t.Errorf("consumed = %d, want %d", r.Consumed(), len(stream))
	}
	if len(r.Buffered()) != 0 {
		t.Errorf("buffered = %d bytes, want 0", len(r.Buffered()))
	}
}

func TestReader_FragmentationIndependence(t *testing.T) {
	t.Parallel()
	stream := buildStream(FlagVideo, sampleTags()...)

	ref := NewReader()
	ref.Feed(stream)
	want := drain(t, ref)

	for chunk := 1; chunk <= len(stream); chunk++ {
		r := NewReader()
		var got []Record
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			r.Feed(stream[off:end])
			got = append(got, drain(t, r)...)
		}
		if len(got) != len(want) {
			t.Fatalf("chunk %d: got %d records, want %d", chunk, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i].Bytes(), want[i].Bytes()) {
				t.Fatalf("chunk %d: record %d differs", chunk, i)
			}
		}
	}
}

func TestReader_BadSignature(t *testing.T) {
	t.Parallel()
	stream := buildStream(FlagVideo, sampleTags()...)
	copy(stream, "XYZ")

	r := NewReader()
	r.Feed(stream)
	_, err := r.Next()
	if !errors.Is(err, ErrBadSignature) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}

	// The reader stays failed.
	r.Feed(sampleTags()[1].Bytes())
	if _, err := r.Next(); !errors.Is(err, ErrBadSignature) {
		t.Errorf("second Next err = %v, want ErrBadSignature", err)
	}
	if r.HeaderSeen() {
		t.Error("HeaderSeen should be false")
	}
}

func TestReader_NeedsFullHeader(t *testing.T) {
	t.Parallel()
	r := NewReader()
	r.Feed([]byte("FLV\x01\x05\x00\x00\x00"))
	if _, err := r.Next(); !errors.Is(err, ErrNeedMore) {
		t.Fatalf("err = %v, want ErrNeedMore", err)
	}
	r.Feed([]byte{0x09, 0, 0, 0, 0})
	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if h := rec.(Header); h.FlagString() != "A-V" {
		t.Errorf("flags = %s, want A-V", h.FlagString())
	}
}

func TestReader_TagTooLarge(t *testing.T) {
	t.Parallel()
	big := NewTag(byte(KindVideo), 0, make([]byte, 2048))
	stream := buildStream(FlagVideo, big)

	r := NewReader(ReaderOptMaxPayload(1024))
	// Only the tag header is needed to detect the oversized declaration.
	r.Feed(stream[:HeaderSize+TagHeaderSize])
	if _, err := r.Next(); err != nil {
		t.Fatalf("header: %v", err)
	}
	_, err := r.Next()
	if !errors.Is(err, ErrTagTooLarge) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrTagTooLarge", err)
	}
}

func TestReader_BadTrailer(t *testing.T) {
	t.Parallel()
	tag := NewTag(byte(KindVideo), 0, []byte{0x27, 0x01, 0xff})
	stream := buildStream(FlagVideo, tag)
	stream[len(stream)-1] ^= 0xff

	r := NewReader()
	r.Feed(stream)
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrBadTrailer) {
		t.Fatalf("err = %v, want ErrBadTrailer", err)
	}

	lenient := NewReader(ReaderOptLenientTrailer())
	lenient.Feed(stream)
	recs := drain(t, lenient)
	if len(recs) != 2 {
		t.Fatalf("lenient: got %d records, want 2", len(recs))
	}
	if !bytes.Equal(recs[1].Bytes(), stream[HeaderSize:]) {
		t.Error("lenient reader must keep the received trailer bytes")
	}
}

func TestReader_ExtendedTimestamp(t *testing.T) {
	t.Parallel()
	ts := uint32(0x01abcdef)
	r := NewReader()
	r.Feed(buildStream(FlagVideo, NewTag(byte(KindVideo), ts, []byte{0x27, 0x01})))
	recs := drain(t, r)
	if got := recs[1].(*Tag).Timestamp; got != ts {
		t.Errorf("timestamp = %#x, want %#x", got, ts)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tags := sampleTags()
	var buf []byte
	for _, tag := range tags {
		buf = append(buf, tag.Bytes()...)
	}
	partial := tags[1].Bytes()[:7]
	buf = append(buf, partial...)

	got, rest, err := Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(tags) {
		t.Fatalf("got %d tags, want %d", len(got), len(tags))
	}
	if !bytes.Equal(rest, partial) {
		t.Errorf("rest = % x, want % x", rest, partial)
	}
}

func TestContainsKind(t *testing.T) {
	t.Parallel()
	audio := NewTag(byte(KindAudio), 0, []byte{0xaf, 0x01})
	video := NewTag(byte(KindVideo), 0, []byte{0x27, 0x01, 0x00})

	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{name: "empty", buf: nil, want: false},
		{name: "audio only", buf: audio.Bytes(), want: false},
		{name: "video after audio", buf: append(append([]byte{}, audio.Bytes()...), video.Bytes()...), want: true},
		{name: "video body partial", buf: video.Bytes()[:video.Size()-1], want: true},
		{name: "video header only", buf: video.Bytes()[:TagHeaderSize], want: true},
		{name: "video header truncated", buf: video.Bytes()[:TagHeaderSize-1], want: false},
		{name: "video header after audio", buf: append(append([]byte{}, audio.Bytes()...), video.Bytes()[:TagHeaderSize]...), want: true},
		{name: "partial audio only", buf: audio.Bytes()[:TagHeaderSize+1], want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ContainsKind(tc.buf, KindVideo); got != tc.want {
				t.Errorf("ContainsKind = %v, want %v", got, tc.want)
			}
		})
	}
}

func FuzzReader(f *testing.F) {
	f.Add(buildStream(FlagVideo, sampleTags()...), 7)
	f.Add([]byte("FLV\x01\x05\x00\x00\x00\x09\x00\x00\x00\x00\x09\xff\xff\xff"), 3)

	f.Fuzz(func(t *testing.T, data []byte, chunk int) {
		if chunk <= 0 {
			chunk = 1
		}
		r := NewReader(ReaderOptMaxPayload(1 << 16))
		for off := 0; off < len(data); off += chunk {
			r.Feed(data[off:min(off+chunk, len(data))])
			for {
				if _, err := r.Next(); err != nil {
					break
				}
			}
		}
	})
}

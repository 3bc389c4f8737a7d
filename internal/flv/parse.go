package flv

import "errors"

// Parse extracts every complete tag from buf, which must begin at a tag
// boundary. The returned rest holds the trailing bytes of an incomplete
// tag and aliases buf; the tags are copies.
func Parse(buf []byte, opts ...func(*Reader)) ([]*Tag, []byte, error) {
	r := NewReader(append(opts, ReaderOptSkipHeader())...)
	r.buf = buf

	var tags []*Tag
	for {
		rec, err := r.Next()
		if errors.Is(err, ErrNeedMore) {
			return tags, buf[r.off:], nil
		}
		if err != nil {
			return tags, nil, err
		}
		tags = append(tags, rec.(*Tag))
	}
}

// ContainsKind reports whether buf, starting at a tag boundary, shows the
// header of at least one tag of kind k. A tag matches once its 11 header
// bytes are present, even if its body is still partial. The scan stops
// when it cannot skip past an incomplete tag. Trailers are not validated.
func ContainsKind(buf []byte, k Kind) bool {
	for len(buf) >= TagHeaderSize {
		th := decodeTagHeader(buf)
		if kindOf(th.typ) == k {
			return true
		}
		n := th.total()
		if len(buf) < n {
			return false
		}
		buf = buf[n:]
	}
	return false
}

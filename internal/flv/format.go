package flv

import (
	"encoding/hex"
	"strings"
)

// HexPreview renders up to n leading bytes of data as space separated
// lowercase hex pairs.
func HexPreview(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

// FlagString renders a header flags byte as A/R/V characters, '-' for
// each clear bit.
func FlagString(b byte) string {
	out := []byte("---")
	if b&FlagAudio != 0 {
		out[0] = 'A'
	}
	if b&FlagReserved != 0 {
		out[1] = 'R'
	}
	if b&FlagVideo != 0 {
		out[2] = 'V'
	}
	return string(out)
}

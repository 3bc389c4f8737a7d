package flv

import (
	"errors"
	"fmt"
)

// ErrProtocol is the parent of every error caused by a malformed stream.
// Callers test for it with errors.Is to distinguish bad input from
// transport failures.
var ErrProtocol = errors.New("flv: protocol violation")

var (
	ErrBadSignature = fmt.Errorf("%w: bad signature", ErrProtocol)
	ErrTagTooLarge  = fmt.Errorf("%w: tag payload exceeds limit", ErrProtocol)
	ErrBadTrailer   = fmt.Errorf("%w: previous tag size mismatch", ErrProtocol)
)

// ErrNeedMore is returned by Reader.Next when the buffered bytes do not
// yet hold a complete record.
var ErrNeedMore = errors.New("flv: need more data")

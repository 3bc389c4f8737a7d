package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/zsiec/flvrelay/internal/broadcast"
	"github.com/zsiec/flvrelay/internal/relay"
)

// Serve writes sub's records to w until the stream ends, ctx is cancelled
// or a write fails. flush, when non-nil, is called after every record.
// The end of the stream returns nil. Lag is logged and skipped.
func Serve(ctx context.Context, w io.Writer, flush func() error, sub *relay.Subscription, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			var lag *broadcast.LagError
			switch {
			case errors.As(err, &lag):
				log.Debug("subscriber lagged", "skipped", lag.Skipped)
				continue
			case errors.Is(err, broadcast.ErrClosed):
				return nil
			}
			return err
		}

		n, err := w.Write(rec.Bytes())
		sub.RecordWrite(n)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if flush != nil {
			if err := flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return fmt.Errorf("flush: %w", err)
			}
		}
	}
}

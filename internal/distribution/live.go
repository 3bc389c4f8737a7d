package distribution

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/flvrelay/internal/flv"
	"github.com/zsiec/flvrelay/internal/ingest"
	"github.com/zsiec/flvrelay/internal/pipeline"
	"github.com/zsiec/flvrelay/internal/stream"
)

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream")
	if key == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	protocol := ingest.ProtocolHTTP
	if r.ProtoMajor == 3 {
		protocol = ingest.ProtocolHTTP3
	}

	err := s.config.Publisher.Publish(r.Context(), key, protocol, r.RemoteAddr, r.Body)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	case errors.Is(err, stream.ErrPublisherActive):
		http.Error(w, "stream already has a publisher", http.StatusConflict)
	case errors.Is(err, flv.ErrProtocol):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pipeline.ErrTransport), errors.Is(err, context.Canceled):
		// The publisher connection is gone; there is nobody to answer.
	default:
		s.log.Error("publish failed", "stream", key, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream")
	if key == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	st, sub, err := s.config.Registry.Subscribe(r.Context(), key, r.RemoteAddr)
	if err != nil {
		s.log.Warn("subscribe failed", "stream", key, "error", err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.config.Registry.Release(st, sub)

	h := w.Header()
	h.Set("Content-Type", "video/x-flv")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		s.log.Debug("flush unsupported", "stream", key, "error", err)
	}

	err = Serve(r.Context(), w, rc.Flush, sub, s.log.With("stream", key, "subscriber", sub.ID()))
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("subscriber ended", "stream", key, "subscriber", sub.ID(), "error", err)
	}
}

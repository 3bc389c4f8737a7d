// Package distribution serves the relay over HTTP: the HTTP-FLV publish and
// play endpoints, the JSON stats API and an optional HTTP/3 listener.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/flvrelay/internal/certs"
	"github.com/zsiec/flvrelay/internal/ingest"
	"github.com/zsiec/flvrelay/internal/stream"
)

const defaultShutdownTimeout = 5 * time.Second

// Publisher relays an inbound FLV body under a stream key.
type Publisher interface {
	Publish(ctx context.Context, key, protocol, remote string, r io.Reader) error
}

// IngestLookup resolves a stream key to its publisher session stats, or
// nil if nothing is publishing it.
type IngestLookup func(key string) *ingest.IngestStats

// SRTPullFunc initiates an SRT caller-mode pull from a remote address.
type SRTPullFunc func(address, streamKey, streamID string) error

// SRTStopFunc stops an active SRT pull by stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT caller-mode pull, returned by the
// /api/srt-pull GET endpoint.
type SRTPullInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	Addr            string
	H3Addr          string
	Cert            *certs.CertInfo // required when H3Addr is set
	Registry        *stream.Registry
	Publisher       Publisher
	IngestLookup    IngestLookup
	SRTPull         SRTPullFunc
	SRTStop         SRTStopFunc
	SRTList         SRTListFunc
	ShutdownTimeout time.Duration
	Log             *slog.Logger
}

// Server serves publishers, subscribers and the REST API.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
	router chi.Router
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Registry == nil {
		return nil, errors.New("distribution: Registry is required")
	}
	if config.Publisher == nil {
		return nil, errors.New("distribution: Publisher is required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("distribution: Cert is required for HTTP/3")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		config: config,
		log:    log.With("component", "distribution"),
	}
	if config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      config.H3Addr,
			TLSConfig: config.Cert.TLSConfig(),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	s.router = s.routes()
	if s.h3 != nil {
		s.h3.Handler = s.router
	}
	return s, nil
}

// Handler returns the router shared by the HTTP/1 and HTTP/3 listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.log.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(s.altSvcMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	})

	r.Post("/live/{stream}", s.handlePublish)
	r.Get("/live/{stream}", s.handleSubscribe)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Get("/streams", s.handleListStreams)
		r.Get("/streams/{key}", s.handleStream)
		r.Get("/cert-hash", s.handleCertHash)
		r.Get("/srt-pull", s.handleSRTPullList)
		r.Post("/srt-pull", s.handleSRTPullCreate)
		r.Delete("/srt-pull", s.handleSRTPullStop)
		r.Options("/srt-pull", s.handleSRTPullOptions)
	})
	return r
}

// altSvcMiddleware advertises the HTTP/3 listener on plain HTTP responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	if s.h3 == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			_ = s.h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves plain HTTP on Addr and blocks until the context is
// cancelled or the listener fails. Request contexts derive from ctx, so
// open subscriber streams end on shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP shutdown timed out, closing connections", "error", err)
		srv.Close()
	}
	return nil
}

// StartH3 serves HTTP/3 on H3Addr and blocks until the context is
// cancelled or a fatal error occurs. It returns immediately when HTTP/3 is
// not configured.
func (s *Server) StartH3(ctx context.Context) error {
	if s.h3 == nil {
		return nil
	}

	s.log.Info("HTTP/3 server listening", "addr", s.config.H3Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("HTTP/3 server: %w", err)
}

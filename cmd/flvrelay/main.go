package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flvrelay/internal/certs"
	"github.com/zsiec/flvrelay/internal/config"
	"github.com/zsiec/flvrelay/internal/distribution"
	"github.com/zsiec/flvrelay/internal/ingest"
	srtingest "github.com/zsiec/flvrelay/internal/ingest/srt"
	"github.com/zsiec/flvrelay/internal/pipeline"
	"github.com/zsiec/flvrelay/internal/stream"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cfg, loadErr := config.Load()

	cmd := &cobra.Command{
		Use:           "flvrelay",
		Short:         "HTTP-FLV live stream relay",
		Long:          "flvrelay accepts FLV publishers over HTTP, HTTP/3 or SRT and fans each stream out to any number of HTTP-FLV players.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if envFile != "" {
				fileCfg, err := config.Load(envFile)
				if err != nil {
					return err
				}
				mergeUnset(cmd, &cfg, fileCfg)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			setupLogging(cfg, os.Stderr)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, cfg); err != nil {
				slog.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", "", "additional .env file to load")
	f.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address (HTTP_ADDR)")
	f.StringVar(&cfg.H3Addr, "h3", cfg.H3Addr, "HTTP/3 listen address, empty disables (H3_ADDR)")
	f.StringVar(&cfg.SRTAddr, "srt", cfg.SRTAddr, "SRT publish listen address, empty disables (SRT_ADDR)")
	f.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "per-subscriber queue depth (QUEUE_DEPTH)")
	f.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "ingest read chunk size in bytes (READ_BUFFER_SIZE)")
	f.Uint32Var(&cfg.MaxTagSize, "max-tag-size", cfg.MaxTagSize, "largest accepted tag payload in bytes (MAX_TAG_SIZE)")
	f.BoolVar(&cfg.LenientTrailer, "lenient-trailer", cfg.LenientTrailer, "accept tags with a wrong PreviousTagSize (LENIENT_TRAILER)")
	f.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "PEM certificate for HTTP/3 (TLS_CERT_FILE)")
	f.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "PEM private key for HTTP/3 (TLS_KEY_FILE)")
	f.StringSliceVar(&cfg.TLSHosts, "tls-host", cfg.TLSHosts, "extra host names for the self-signed certificate (TLS_HOSTS)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (LOG_FORMAT)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout (SHUTDOWN_TIMEOUT)")
	return cmd
}

// mergeUnset copies values from an explicitly named env file for every
// setting not given on the command line.
func mergeUnset(cmd *cobra.Command, dst *config.Config, src config.Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if !f.Changed(name) {
			apply()
		}
	}
	set("http", func() { dst.HTTPAddr = src.HTTPAddr })
	set("h3", func() { dst.H3Addr = src.H3Addr })
	set("srt", func() { dst.SRTAddr = src.SRTAddr })
	set("queue-depth", func() { dst.QueueDepth = src.QueueDepth })
	set("read-buffer", func() { dst.ReadBufferSize = src.ReadBufferSize })
	set("max-tag-size", func() { dst.MaxTagSize = src.MaxTagSize })
	set("lenient-trailer", func() { dst.LenientTrailer = src.LenientTrailer })
	set("tls-cert", func() { dst.TLSCertFile = src.TLSCertFile })
	set("tls-key", func() { dst.TLSKeyFile = src.TLSKeyFile })
	set("tls-host", func() { dst.TLSHosts = src.TLSHosts })
	set("log-level", func() { dst.LogLevel = src.LogLevel })
	set("log-format", func() { dst.LogFormat = src.LogFormat })
	set("shutdown-timeout", func() { dst.ShutdownTimeout = src.ShutdownTimeout })
	dst.Debug = dst.Debug || src.Debug
}

func setupLogging(cfg config.Config, w io.Writer) {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

type app struct {
	registry  *stream.Registry
	ingest    *ingest.Service
	srtCaller *srtingest.Caller
	distSrv   *distribution.Server
}

func run(ctx context.Context, cfg config.Config) error {
	var cert *certs.CertInfo
	if cfg.H3Addr != "" {
		var err error
		cert, err = loadCert(cfg)
		if err != nil {
			return err
		}
	}

	slog.Info("flvrelay starting",
		"version", version,
		"http", cfg.HTTPAddr,
		"h3", cfg.H3Addr,
		"srt", cfg.SRTAddr,
		"queue_depth", cfg.QueueDepth,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Pulls started from the API run under the errgroup context.
	a := &app{registry: stream.NewRegistry(cfg.QueueDepth, nil)}
	a.ingest = ingest.NewService(a.registry, pipeline.Config{
		ReadBufferSize: cfg.ReadBufferSize,
		MaxPayload:     cfg.MaxTagSize,
		LenientTrailer: cfg.LenientTrailer,
	}, nil)
	a.srtCaller = srtingest.NewCaller(a.ingest, nil)

	var err error
	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{
		Addr:      cfg.HTTPAddr,
		H3Addr:    cfg.H3Addr,
		Cert:      cert,
		Registry:  a.registry,
		Publisher: a.ingest,
		SRTPull: func(address, streamKey, streamID string) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   address,
				StreamKey: streamKey,
				StreamID:  streamID,
			})
		},
		SRTStop:         a.srtCaller.Stop,
		SRTList:         a.listSRTPulls,
		IngestLookup:    a.lookupIngest,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create distribution server: %w", err)
	}

	if cfg.HTTPAddr != "" {
		g.Go(func() error {
			return a.distSrv.Start(ctx)
		})
	}

	g.Go(func() error {
		return a.distSrv.StartH3(ctx)
	})

	if cfg.SRTAddr != "" {
		srtSrv := srtingest.NewServer(cfg.SRTAddr, a.ingest, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	return g.Wait()
}

func loadCert(cfg config.Config) (*certs.CertInfo, error) {
	if cfg.TLSCertFile != "" {
		cert, err := certs.Load(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		slog.Info("certificate loaded", "file", cfg.TLSCertFile, "expires", cert.NotAfter.Format(time.RFC3339))
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity, cfg.TLSHosts...)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

func (a *app) listSRTPulls() []distribution.SRTPullInfo {
	pulls := a.srtCaller.ActivePulls()
	out := make([]distribution.SRTPullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = distribution.SRTPullInfo{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}

func (a *app) lookupIngest(key string) *ingest.IngestStats {
	sess, ok := a.ingest.Session(key)
	if !ok {
		return nil
	}
	s := sess.IngestStats()
	return &s
}

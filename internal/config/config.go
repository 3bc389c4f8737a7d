// Package config loads relay settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting. Command-line flags override the
// values parsed from the environment.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"` // plain HTTP publish/subscribe/API listener
	H3Addr   string `env:"H3_ADDR"`                      // HTTP/3 listener, disabled when empty
	SRTAddr  string `env:"SRT_ADDR"`                     // SRT publish listener, disabled when empty

	QueueDepth     int    `env:"QUEUE_DEPTH" envDefault:"1024"`
	ReadBufferSize int    `env:"READ_BUFFER_SIZE" envDefault:"65536"`
	MaxTagSize     uint32 `env:"MAX_TAG_SIZE" envDefault:"8388608"`
	LenientTrailer bool   `env:"LENIENT_TRAILER"`

	TLSCertFile string   `env:"TLS_CERT_FILE"`
	TLSKeyFile  string   `env:"TLS_KEY_FILE"`
	TLSHosts    []string `env:"TLS_HOSTS" envSeparator:","` // extra names for the self-signed certificate

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	Debug     bool   `env:"DEBUG"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load reads the given .env files (".env" when none are named), ignoring
// missing ones, then parses the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// FromMap parses cfg from an explicit environment instead of the process
// environment.
func FromMap(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" && c.H3Addr == "" {
		errs = append(errs, errors.New("at least one of HTTP_ADDR or H3_ADDR is required"))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_DEPTH must be positive, got %d", c.QueueDepth))
	}
	if c.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("READ_BUFFER_SIZE must be positive, got %d", c.ReadBufferSize))
	}
	if c.MaxTagSize == 0 {
		errs = append(errs, errors.New("MAX_TAG_SIZE must be positive"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel. DEBUG forces the debug level.
func (c Config) SlogLevel() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := FromMap(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Empty(t, cfg.H3Addr)
	assert.Empty(t, cfg.SRTAddr)
	assert.Equal(t, 1024, cfg.QueueDepth)
	assert.Equal(t, 65536, cfg.ReadBufferSize)
	assert.Equal(t, uint32(8<<20), cfg.MaxTagSize)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestFromMapOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := FromMap(map[string]string{
		"HTTP_ADDR":        ":9000",
		"H3_ADDR":          ":9443",
		"QUEUE_DEPTH":      "64",
		"LENIENT_TRAILER":  "true",
		"TLS_HOSTS":        "relay.local,10.0.0.5",
		"LOG_FORMAT":       "json",
		"SHUTDOWN_TIMEOUT": "2s",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, ":9443", cfg.H3Addr)
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.True(t, cfg.LenientTrailer)
	assert.Equal(t, []string{"relay.local", "10.0.0.5"}, cfg.TLSHosts)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestFromMapInvalidNumber(t *testing.T) {
	t.Parallel()
	_, err := FromMap(map[string]string{"QUEUE_DEPTH": "many"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base, err := FromMap(map[string]string{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no listeners", mutate: func(c *Config) { c.HTTPAddr = "" }},
		{name: "zero queue depth", mutate: func(c *Config) { c.QueueDepth = 0 }},
		{name: "negative read buffer", mutate: func(c *Config) { c.ReadBufferSize = -1 }},
		{name: "zero max tag", mutate: func(c *Config) { c.MaxTagSize = 0 }},
		{name: "cert without key", mutate: func(c *Config) { c.TLSCertFile = "cert.pem" }},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	level, err := Config{LogLevel: "warn"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = Config{LogLevel: "warn", Debug: true}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("SRT_ADDR=:7000\n"), 0o600))
	t.Setenv("SRT_ADDR", "")
	require.NoError(t, os.Unsetenv("SRT_ADDR"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.SRTAddr)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-netbridge/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "env", cfg.Engine.ImportModule)
	assert.Equal(t, "dynCall_", cfg.Engine.Exports.DynCallPrefix)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.NotEmpty(t, cfg.WebRTC.ICEServers)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  entry: main
  memory_limit_pages: 256
  exports:
    malloc: cabi_realloc
http:
  timeout: 5s
  rate_limit: 10
  burst: 2
websocket:
  handshake_timeout: 1500ms
webrtc:
  ice_servers:
    - stun:a.example:3478
    - turn:b.example:3478
log:
  level: debug
  development: true
metrics:
  enabled: true
  listen: 127.0.0.1:9100
`))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Engine.Entry)
	assert.Equal(t, uint32(256), cfg.Engine.MemoryLimitPages)
	assert.Equal(t, "cabi_realloc", cfg.Engine.Exports.Malloc)
	assert.Equal(t, "free", cfg.Engine.Exports.Free, "unset keys keep their default")
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 10.0, cfg.HTTP.RateLimit)
	assert.Equal(t, 1500*time.Millisecond, cfg.WebSocket.HandshakeTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.WebRTC.ICEServers)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("http:\n  timout: 5s\n"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidData}))
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("http:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty import module", func(c *Config) { c.Engine.ImportModule = "" }, "engine.import_module"},
		{"empty entry", func(c *Config) { c.Engine.Entry = "" }, "engine.entry"},
		{"empty export", func(c *Config) { c.Engine.Exports.Free = "" }, "engine.exports"},
		{"memory limit", func(c *Config) { c.Engine.MemoryLimitPages = 70000 }, "memory_limit_pages"},
		{"negative timeout", func(c *Config) { c.HTTP.Timeout = -time.Second }, "http.timeout"},
		{"rate without burst", func(c *Config) { c.HTTP.RateLimit = 5 }, "http.burst"},
		{"write queue", func(c *Config) { c.WebSocket.WriteQueue = 0 }, "websocket.write_queue"},
		{"ice scheme", func(c *Config) { c.WebRTC.ICEServers = []string{"http://x"} }, "webrtc.ice_servers"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"metrics namespace", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Namespace = "" }, "metrics.namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput}))
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Engine.Entry = ""
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, 2, e.Value)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  entry: run\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "run", cfg.Engine.Entry)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindNotFound}))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NETBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("NETBRIDGE_HTTP_TIMEOUT", "2s")
	t.Setenv("NETBRIDGE_HTTP_RATE_LIMIT", "not-a-number")
	t.Setenv("NETBRIDGE_ICE_SERVERS", " stun:a.example , ,turn:b.example")
	t.Setenv("NETBRIDGE_METRICS_LISTEN", ":9200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.HTTP.Timeout)
	assert.Zero(t, cfg.HTTP.RateLimit)
	assert.Equal(t, []string{"stun:a.example", "turn:b.example"}, cfg.WebRTC.ICEServers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Metrics.Listen)
}

func TestBuildLogger(t *testing.T) {
	l, err := LogConfig{Level: "warn"}.BuildLogger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = LogConfig{Level: "nope"}.BuildLogger()
	require.Error(t, err)
}

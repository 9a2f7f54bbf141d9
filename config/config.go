package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-netbridge/errors"
)

// Config is the top-level configuration of a bridge run.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EngineConfig configures guest loading and the import surface.
type EngineConfig struct {
	ImportModule     string        `yaml:"import_module"`
	Entry            string        `yaml:"entry"`
	Exports          ExportsConfig `yaml:"exports"`
	Args             []string      `yaml:"args"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages"`
	WASI             bool          `yaml:"wasi"`
}

// ExportsConfig names the guest exports the bridge calls.
type ExportsConfig struct {
	Memory        string `yaml:"memory"`
	Malloc        string `yaml:"malloc"`
	Free          string `yaml:"free"`
	DynCallPrefix string `yaml:"dyncall_prefix"`
}

// HTTPConfig configures the native HTTP client.
type HTTPConfig struct {
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst        int           `yaml:"burst"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// WebSocketConfig configures the native WebSocket dialer.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	WriteQueue       int           `yaml:"write_queue"`
}

// WebRTCConfig configures peer connections.
type WebRTCConfig struct {
	// ICEServers are used when the guest creates a peer connection without
	// any.
	ICEServers []string `yaml:"ice_servers"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures Prometheus collection.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"` // empty = no HTTP endpoint
	Enabled   bool   `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ImportModule: "env",
			Entry:        "_start",
			Exports: ExportsConfig{
				Memory:        "memory",
				Malloc:        "malloc",
				Free:          "free",
				DynCallPrefix: "dynCall_",
			},
			WASI: true,
		},
		HTTP: HTTPConfig{
			UserAgent:    "wasm-netbridge",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 64 << 20,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
			ReadLimit:        16 << 20,
			WriteQueue:       64,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "netbridge",
		},
	}
}

// Load reads a YAML file over the defaults, applies NETBRIDGE_* environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		ApplyEnvOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	cfg, err := parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse config")
	}
	return cfg, nil
}

// ApplyEnvOverrides maps NETBRIDGE_* environment variables onto cfg.
// Malformed values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NETBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NETBRIDGE_ENTRY"); v != "" {
		cfg.Engine.Entry = v
	}
	if v := os.Getenv("NETBRIDGE_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HTTP.Timeout = d
		}
	}
	if v := os.Getenv("NETBRIDGE_HTTP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.HTTP.RateLimit = f
		}
	}
	if v := os.Getenv("NETBRIDGE_ICE_SERVERS"); v != "" {
		cfg.WebRTC.ICEServers = splitAndTrim(v, ",")
	}
	if v := os.Getenv("NETBRIDGE_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildLogger creates the zap logger described by the log section.
func (l LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	var zc zap.Config
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

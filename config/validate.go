package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-netbridge/errors"
)

// iceSchemes are the URL schemes accepted for ICE servers.
var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

// Validate checks cfg for values the runtime cannot use. The returned
// error lists every problem found.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	e := c.Engine
	if e.ImportModule == "" {
		add("engine.import_module is required")
	}
	if e.Entry == "" {
		add("engine.entry is required")
	}
	if e.Exports.Memory == "" || e.Exports.Malloc == "" || e.Exports.Free == "" || e.Exports.DynCallPrefix == "" {
		add("engine.exports names must not be empty")
	}
	if e.MemoryLimitPages > 65536 {
		add("engine.memory_limit_pages %d exceeds 65536", e.MemoryLimitPages)
	}

	if c.HTTP.Timeout < 0 {
		add("http.timeout must not be negative")
	}
	if c.HTTP.RateLimit < 0 {
		add("http.rate_limit must not be negative")
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.Burst < 1 {
		add("http.burst must be at least 1 when rate_limit is set")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		add("http.max_body_bytes must not be negative")
	}

	if c.WebSocket.HandshakeTimeout < 0 {
		add("websocket.handshake_timeout must not be negative")
	}
	if c.WebSocket.ReadLimit < 0 {
		add("websocket.read_limit must not be negative")
	}
	if c.WebSocket.WriteQueue < 1 {
		add("websocket.write_queue must be at least 1")
	}

	for _, url := range c.WebRTC.ICEServers {
		if !hasICEScheme(url) {
			add("webrtc.ice_servers: %q is not a stun/turn URL", url)
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is not a zap level", c.Log.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		add("metrics.namespace is required when metrics are enabled")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Value(len(problems)).
		Detail("%s", strings.Join(problems, "; ")).
		Build()
}

func hasICEScheme(url string) bool {
	for _, s := range iceSchemes {
		if strings.HasPrefix(url, s) {
			return true
		}
	}
	return false
}

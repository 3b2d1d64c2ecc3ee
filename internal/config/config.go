package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON5.
// Discord snowflakes exceed float64 precision, so bare numbers are kept as
// their literal digits instead of round-tripping through a float.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json5.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = nil
		return nil
	}
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return fmt.Errorf("expected a list of ids, got %s", raw)
	}
	result := make([]string, 0)
	for _, part := range strings.Split(raw[1:len(raw)-1], ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			result = append(result, part)
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the weavebot relay.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Agent     AgentConfig     `json:"agent"`
	Relay     RelayConfig     `json:"relay"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig locates the external parsing agent.
type AgentConfig struct {
	URL            string `json:"url"`                       // parse endpoint (default http://localhost:8000/parse)
	CallbackURL    string `json:"callback_url,omitempty"`    // URL the agent calls back; default http://<gateway.host>:<gateway.port>/callback
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // dispatch round-trip timeout (default 30)
}

// RelayConfig tunes the correlation core.
type RelayConfig struct {
	// RequestTimeoutSeconds is how long a dispatched request may wait for its
	// callback before the sweeper times it out. Required: there is no default.
	RequestTimeoutSeconds int   `json:"request_timeout_seconds"`
	SweepIntervalSeconds  int   `json:"sweep_interval_seconds,omitempty"` // default 15
	DispatchRetries       int   `json:"dispatch_retries,omitempty"`       // 0 or 1; larger values are clamped to 1
	CallbackGraceMs       int   `json:"callback_grace_ms,omitempty"`      // default 2000, <= 0 disables
	MediaMaxBytes         int64 `json:"media_max_bytes,omitempty"`        // image download cap (default 10 MiB)

	// ReplaceOnFinish deletes the working message and posts the final result as
	// a fresh reply, so the chat notifies the author. Default edits in place.
	ReplaceOnFinish bool `json:"replace_on_finish,omitempty"`
}

// DatabaseConfig selects the correlation store backend.
// PostgresDSN is NEVER read from config.json (secret), only from env WEAVEBOT_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "memory" (default), "file", "sqlite", "postgres", "redis"
	Path        string `json:"path,omitempty"`   // file/sqlite location (default ~/.weavebot/weavebot.db)
	PostgresDSN string `json:"-"`
	RedisAddr   string `json:"redis_addr,omitempty"` // host:port or redis:// URL
}

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "weavebot")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// RequestTimeout returns the callback deadline.
func (r RelayConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper tick.
func (r RelayConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// CallbackGrace returns how long an unknown callback id is re-looked up; 0 when disabled.
func (r RelayConfig) CallbackGrace() time.Duration {
	if r.CallbackGraceMs <= 0 {
		return 0
	}
	return time.Duration(r.CallbackGraceMs) * time.Millisecond
}

// Retries returns the dispatch retry budget clamped to {0, 1}.
func (r RelayConfig) Retries() int {
	if r.DispatchRetries > 0 {
		return 1
	}
	return 0
}

// Timeout returns the dispatch round-trip timeout.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ResolvedCallbackURL returns the explicit callback URL or one derived from the gateway address.
func (c *Config) ResolvedCallbackURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.CallbackURL != "" {
		return c.Agent.CallbackURL
	}
	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/callback", host, c.Gateway.Port)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = src.Channels
	c.Agent = src.Agent
	c.Relay = src.Relay
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}

// ChannelsSnapshot returns a copy of the channel section under the read lock.
func (c *Config) ChannelsSnapshot() ChannelsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels
}

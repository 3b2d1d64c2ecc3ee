package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Defaults.
const (
	DefaultAgentURL        = "http://localhost:8000/parse"
	DefaultPort            = 3000
	DefaultAgentTimeout    = 30
	DefaultSweepInterval   = 15
	DefaultCallbackGraceMs = 2000
	DefaultMediaMaxBytes   = 10 << 20
	DefaultRateLimitRPM    = 120
	DefaultDBPath          = "~/.weavebot/weavebot.db"
)

// Default returns a Config with sensible defaults. Relay.RequestTimeoutSeconds is
// deliberately left at zero: Validate rejects a config that does not set it.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			URL:            DefaultAgentURL,
			TimeoutSeconds: DefaultAgentTimeout,
		},
		Relay: RelayConfig{
			SweepIntervalSeconds: DefaultSweepInterval,
			CallbackGraceMs:      DefaultCallbackGraceMs,
			MediaMaxBytes:        DefaultMediaMaxBytes,
		},
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         DefaultPort,
			RateLimitRPM: DefaultRateLimitRPM,
		},
		Database: DatabaseConfig{
			Driver: DriverMemory,
			Path:   DefaultDBPath,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "weavebot",
		},
	}
}

// LoadDotEnv loads .env files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: env vars alone can configure the relay.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. The unprefixed names used by the
// first bot release are honoured first so existing .env files keep working;
// WEAVEBOT_* wins when both are set.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envList := func(key string, dst *FlexibleStringSlice) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Legacy names.
	envStr("DISCORD_TOKEN", &c.Channels.Discord.Token)
	envList("DISCORD_CHANNELS", &c.Channels.Discord.Channels)
	envStr("AGENT_API_URL", &c.Agent.URL)
	envStr("CALLBACK_URL", &c.Agent.CallbackURL)
	envStr("WEBHOOK_HOST", &c.Gateway.Host)
	envInt("WEBHOOK_PORT", &c.Gateway.Port)
	envStr("DB_PATH", &c.Database.Path)

	// Channels
	envStr("WEAVEBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envList("WEAVEBOT_DISCORD_CHANNELS", &c.Channels.Discord.Channels)
	envList("WEAVEBOT_DISCORD_ALLOW_FROM", &c.Channels.Discord.AllowFrom)
	envStr("WEAVEBOT_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("WEAVEBOT_TELEGRAM_PROXY", &c.Channels.Telegram.Proxy)
	envList("WEAVEBOT_TELEGRAM_CHATS", &c.Channels.Telegram.Chats)
	envList("WEAVEBOT_TELEGRAM_ALLOW_FROM", &c.Channels.Telegram.AllowFrom)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Discord.Token != "" && os.Getenv("WEAVEBOT_DISCORD_ENABLED") != "false" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" && os.Getenv("WEAVEBOT_TELEGRAM_ENABLED") != "false" {
		c.Channels.Telegram.Enabled = true
	}

	// Agent
	envStr("WEAVEBOT_AGENT_URL", &c.Agent.URL)
	envStr("WEAVEBOT_AGENT_CALLBACK_URL", &c.Agent.CallbackURL)
	envInt("WEAVEBOT_AGENT_TIMEOUT_SECONDS", &c.Agent.TimeoutSeconds)

	// Relay
	envInt("WEAVEBOT_REQUEST_TIMEOUT_SECONDS", &c.Relay.RequestTimeoutSeconds)
	envInt("WEAVEBOT_SWEEP_INTERVAL_SECONDS", &c.Relay.SweepIntervalSeconds)
	envInt("WEAVEBOT_DISPATCH_RETRIES", &c.Relay.DispatchRetries)
	envInt("WEAVEBOT_CALLBACK_GRACE_MS", &c.Relay.CallbackGraceMs)
	envBool("WEAVEBOT_REPLACE_ON_FINISH", &c.Relay.ReplaceOnFinish)

	// Gateway host/port
	envStr("WEAVEBOT_HOST", &c.Gateway.Host)
	envInt("WEAVEBOT_PORT", &c.Gateway.Port)
	envStr("WEAVEBOT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("WEAVEBOT_CALLBACK_TOKEN", &c.Gateway.CallbackToken)
	envInt("WEAVEBOT_RATE_LIMIT_RPM", &c.Gateway.RateLimitRPM)

	// Database
	envStr("WEAVEBOT_DB_DRIVER", &c.Database.Driver)
	envStr("WEAVEBOT_DB_PATH", &c.Database.Path)
	envStr("WEAVEBOT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("WEAVEBOT_REDIS_ADDR", &c.Database.RedisAddr)

	// Telemetry
	envBool("WEAVEBOT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("WEAVEBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WEAVEBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WEAVEBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("WEAVEBOT_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

func splitList(v string) FlexibleStringSlice {
	var out FlexibleStringSlice
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required"))
	} else if u, err := url.Parse(c.Agent.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("agent.url %q is not an http(s) URL", c.Agent.URL))
	}
	if c.Relay.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("relay.request_timeout_seconds must be set to a positive number of seconds"))
	}
	if c.Relay.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("relay.sweep_interval_seconds must be positive"))
	}

	d, tg := c.Channels.Discord, c.Channels.Telegram
	if !d.Enabled && !tg.Enabled {
		errs = append(errs, errors.New("at least one channel (discord or telegram) must be enabled"))
	}
	if d.Enabled {
		if d.Token == "" {
			errs = append(errs, errors.New("channels.discord.token is required"))
		}
		if len(d.Channels) == 0 {
			errs = append(errs, errors.New("channels.discord.channels must list at least one channel id"))
		}
	}
	if tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, errors.New("channels.telegram.token is required"))
		}
		if len(tg.Chats) == 0 {
			errs = append(errs, errors.New("channels.telegram.chats must list at least one chat id"))
		}
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("database.path is required for driver %q", c.Database.Driver))
		}
	case DriverPostgres:
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("WEAVEBOT_POSTGRES_DSN is required for driver \"postgres\""))
		}
	case DriverRedis:
		if c.Database.RedisAddr == "" {
			errs = append(errs, errors.New("database.redis_addr is required for driver \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	return errors.Join(errs...)
}

// Save writes the config to a JSON file. Secrets that only come from env are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by `weavebot doctor` to print the effective configuration.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{
		Channels:  c.Channels,
		Agent:     c.Agent,
		Relay:     c.Relay,
		Gateway:   c.Gateway,
		Database:  c.Database,
		Telemetry: c.Telemetry,
	}
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.CallbackToken)
	maskNonEmpty(&cp.Database.PostgresDSN)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// DBPath returns the expanded database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

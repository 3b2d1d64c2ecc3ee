package config

// ChannelsConfig contains per-platform channel configs.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	Channels  FlexibleStringSlice `json:"channels"`   // channel ids the relay watches (required)
	AllowFrom FlexibleStringSlice `json:"allow_from"` // user ids; empty = everyone in a watched channel
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	Proxy     string              `json:"proxy,omitempty"` // http(s) proxy for the Bot API
	Chats     FlexibleStringSlice `json:"chats"`           // chat ids the relay watches (required)
	AllowFrom FlexibleStringSlice `json:"allow_from"`      // "id" or "id|username" or "@username"
}

// GatewayConfig is the HTTP surface: agent callbacks, health, admin API and metrics.
type GatewayConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Token         string `json:"token,omitempty"`          // bearer token for the admin API (empty = admin API disabled)
	CallbackToken string `json:"callback_token,omitempty"` // shared secret the agent must send (empty = unauthenticated)
	RateLimitRPM  int    `json:"rate_limit_rpm,omitempty"` // callback requests per minute per client (default 120, 0 = disabled)
}

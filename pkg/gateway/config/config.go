package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Upstream realtime speech service.
	UpstreamURL              string
	UpstreamAPIKey           string
	UpstreamModel            string
	UpstreamHandshakeTimeout time.Duration
	Voice                    string

	// Music action backend.
	SpotifyBaseURL string

	// Playlist generation (optional; empty key disables create_playlist).
	GeminiAPIKey string
	GeminiModel  string

	// Web search backend (optional; empty key disables web_search).
	TavilyAPIKey  string
	TavilyBaseURL string

	// Playlist creation quota. Empty RedisAddr falls back to the in-memory
	// gate, which is per-process only.
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	PlaylistDailyLimit int

	// Conversation tuning.
	BargeInGrace          time.Duration
	ToolResultSettleDelay time.Duration
	HistoryLimit          int

	// Client WebSocket budgets.
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveWSReadTimeout       time.Duration
	LiveMaxJSONMessageBytes int64
	LiveOutboundQueueSize   int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("MELODY_GW_ADDR", ":8080"),
		AuthMode:                 AuthMode(envOr("MELODY_GW_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                  make(map[string]struct{}),
		CORSAllowedOrigins:       make(map[string]struct{}),
		UpstreamURL:              envOr("MELODY_GW_UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamAPIKey:           strings.TrimSpace(os.Getenv("MELODY_GW_OPENAI_API_KEY")),
		UpstreamModel:            envOr("MELODY_GW_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		UpstreamHandshakeTimeout: envDurationOr("MELODY_GW_UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
		Voice:                    envOr("MELODY_GW_VOICE", "alloy"),
		SpotifyBaseURL:           envOr("MELODY_GW_SPOTIFY_BASE_URL", "https://api.spotify.com/v1"),
		GeminiAPIKey:             strings.TrimSpace(os.Getenv("MELODY_GW_GEMINI_API_KEY")),
		GeminiModel:              envOr("MELODY_GW_GEMINI_MODEL", "gemini-2.5-flash"),
		TavilyAPIKey:             strings.TrimSpace(os.Getenv("MELODY_GW_TAVILY_API_KEY")),
		TavilyBaseURL:            envOr("MELODY_GW_TAVILY_BASE_URL", "https://api.tavily.com"),
		RedisAddr:                envOr("MELODY_GW_REDIS_ADDR", ""),
		RedisPassword:            os.Getenv("MELODY_GW_REDIS_PASSWORD"),
		RedisDB:                  envIntOr("MELODY_GW_REDIS_DB", 0),
		PlaylistDailyLimit:       envIntOr("MELODY_GW_PLAYLIST_DAILY_LIMIT", 5),
		BargeInGrace:             envDurationOr("MELODY_GW_BARGE_IN_GRACE", 0),
		ToolResultSettleDelay:    envDurationOr("MELODY_GW_TOOL_SETTLE_DELAY", 500*time.Millisecond),
		HistoryLimit:             envIntOr("MELODY_GW_HISTORY_LIMIT", 12),
		LiveWSPingInterval:       envDurationOr("MELODY_GW_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:       envDurationOr("MELODY_GW_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:        envDurationOr("MELODY_GW_WS_READ_TIMEOUT", 0),
		LiveMaxJSONMessageBytes:  envInt64Or("MELODY_GW_WS_MAX_JSON_MESSAGE_BYTES", 512*1024),
		LiveOutboundQueueSize:    envIntOr("MELODY_GW_WS_OUTBOUND_QUEUE_SIZE", 128),
		ReadHeaderTimeout:        envDurationOr("MELODY_GW_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:      envDurationOr("MELODY_GW_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("MELODY_GW_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("MELODY_GW_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("MELODY_GW_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.UpstreamAPIKey == "" {
		return Config{}, fmt.Errorf("MELODY_GW_OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("MELODY_GW_UPSTREAM_URL must not be empty")
	}
	if strings.TrimSpace(cfg.UpstreamModel) == "" {
		return Config{}, fmt.Errorf("MELODY_GW_REALTIME_MODEL must not be empty")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.SpotifyBaseURL) == "" {
		return Config{}, fmt.Errorf("MELODY_GW_SPOTIFY_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.TavilyBaseURL) == "" {
		return Config{}, fmt.Errorf("MELODY_GW_TAVILY_BASE_URL must not be empty")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("MELODY_GW_REDIS_DB must be >= 0")
	}
	if cfg.PlaylistDailyLimit < 0 {
		return Config{}, fmt.Errorf("MELODY_GW_PLAYLIST_DAILY_LIMIT must be >= 0")
	}
	if cfg.BargeInGrace < 0 {
		return Config{}, fmt.Errorf("MELODY_GW_BARGE_IN_GRACE must be >= 0")
	}
	if cfg.ToolResultSettleDelay <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_TOOL_SETTLE_DELAY must be > 0")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_HISTORY_LIMIT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("MELODY_GW_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_WS_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_WS_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("MELODY_GW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("MELODY_GW_API_KEYS must be set when MELODY_GW_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

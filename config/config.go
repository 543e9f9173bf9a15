// Package config loads environment variables and provides a typed Config used across the service.
// It applies defaults so the relay can run locally with only channel names set; a platform
// without a channel is simply not ingested.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

// RateLimit bounds sends on one platform to Messages per rolling Window.
type RateLimit struct {
	Messages int
	Window   time.Duration
}

// defaultRateLimits are conservative figures under each platform's published chat limits.
var defaultRateLimits = map[platform.Platform]RateLimit{
	platform.Twitch:  {Messages: 20, Window: 30 * time.Second},
	platform.Kick:    {Messages: 15, Window: 30 * time.Second},
	platform.YouTube: {Messages: 10, Window: 30 * time.Second},
}

type Config struct {
	// Channels
	TwitchChannel    string
	KickChannel      string
	KickChatroomID   int
	YouTubeChannelID string

	// Credentials
	TwitchClientID     string
	TwitchClientSecret string
	TwitchBotUsername  string
	KickClientID       string
	KickClientSecret   string
	YTClientID         string
	YTClientSecret     string
	OwnerUserID        string

	// Outbound pacing
	RateLimits     map[platform.Platform]RateLimit
	SendMinSpacing time.Duration
	QueueRetryCap  int

	// YouTube liveness
	YouTubeSlowInterval  time.Duration
	YouTubeFastInterval  time.Duration
	YouTubeQuotaCooldown time.Duration

	// Commands
	CommandPrefix   string
	CommandCooldown time.Duration
	CommandsFile    string

	DedupWindow int

	// Storage
	StoreBackend  string // postgres or memory
	DBDsn         string
	EncryptionKey string
	EncryptionKID string
	RetiredKeys   string

	// Token refresher
	TokenRefreshInterval time.Duration
	TokenRefreshWindow   time.Duration

	WebhookURL string

	// HTTP
	HTTPAddr          string
	AdminToken        string
	AdminUsername     string
	AdminPassword     string
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSPermissive    bool
	CORSOrigins       []string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Tracing; disabled without an endpoint
	OTelEndpoint    string
	OTelSampleRatio float64
	OTelInsecure    bool
}

// Load reads environment variables and applies defaults. Malformed numbers or durations are
// reported rather than silently replaced.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string
	fail := func(key string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", key, err))
	}
	intVar := func(key string, def int) int {
		n, err := envInt(key, def)
		if err != nil {
			fail(key, err)
		}
		return n
	}
	durVar := func(key string, def time.Duration) time.Duration {
		d, err := envDuration(key, def)
		if err != nil {
			fail(key, err)
		}
		return d
	}

	cfg.TwitchChannel = strings.TrimPrefix(strings.ToLower(os.Getenv("TWITCH_CHANNEL")), "#")
	cfg.KickChannel = strings.ToLower(os.Getenv("KICK_CHANNEL"))
	cfg.KickChatroomID = intVar("KICK_CHATROOM_ID", 0)
	cfg.YouTubeChannelID = os.Getenv("YOUTUBE_CHANNEL_ID")

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.KickClientID = os.Getenv("KICK_CLIENT_ID")
	cfg.KickClientSecret = os.Getenv("KICK_CLIENT_SECRET")
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.OwnerUserID = os.Getenv("OWNER_USER_ID")

	cfg.RateLimits = make(map[platform.Platform]RateLimit, len(defaultRateLimits))
	for _, p := range platform.All() {
		def := defaultRateLimits[p]
		prefix := strings.ToUpper(string(p))
		cfg.RateLimits[p] = RateLimit{
			Messages: intVar(prefix+"_MESSAGES_PER_WINDOW", def.Messages),
			Window:   durVar(prefix+"_WINDOW", def.Window),
		}
	}
	cfg.SendMinSpacing = durVar("SEND_MIN_SPACING", time.Second)
	cfg.QueueRetryCap = intVar("QUEUE_RETRY_CAP", 3)

	cfg.YouTubeSlowInterval = durVar("YOUTUBE_SLOW_INTERVAL", 5*time.Minute)
	cfg.YouTubeFastInterval = durVar("YOUTUBE_FAST_INTERVAL", 5*time.Second)
	cfg.YouTubeQuotaCooldown = durVar("YOUTUBE_QUOTA_COOLDOWN", time.Hour)

	cfg.CommandPrefix = envString("COMMAND_PREFIX", "!")
	cfg.CommandCooldown = durVar("COMMAND_COOLDOWN", 5*time.Second)
	cfg.CommandsFile = os.Getenv("COMMANDS_FILE")

	cfg.DedupWindow = intVar("DEDUP_WINDOW", 5000)

	cfg.StoreBackend = strings.ToLower(envString("STORE_BACKEND", "postgres"))
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.EncryptionKID = envString("ENCRYPTION_KEY_ID", "v1")
	cfg.RetiredKeys = os.Getenv("ENCRYPTION_RETIRED_KEYS")

	cfg.TokenRefreshInterval = durVar("TOKEN_REFRESH_INTERVAL", 5*time.Minute)
	cfg.TokenRefreshWindow = durVar("TOKEN_REFRESH_WINDOW", 15*time.Minute)

	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")

	cfg.HTTPAddr = envString("HTTP_ADDR", ":8080")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.RateLimitEnabled = os.Getenv("RATE_LIMIT_ENABLED") != "0"
	cfg.RateLimitRequests = intVar("RATE_LIMIT_REQUESTS_PER_IP", 30)
	cfg.RateLimitWindow = durVar("RATE_LIMIT_WINDOW", time.Minute)

	mode := strings.ToLower(os.Getenv("ENV"))
	cfg.CORSPermissive = mode == "" || mode == "dev" || mode == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.CORSPermissive = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	cfg.LogLevel = envString("LOG_LEVEL", "info")
	cfg.LogFormat = envString("LOG_FORMAT", "text")
	cfg.LogFile = os.Getenv("LOG_FILE")

	cfg.OTelEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.OTelInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") != "false"
	cfg.OTelSampleRatio = 1
	if v := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			fail("OTEL_TRACES_SAMPLER_ARG", fmt.Errorf("want a ratio between 0 and 1, got %q", v))
		} else {
			cfg.OTelSampleRatio = f
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks combinations Load cannot: at least one channel, and a usable store backend.
func (c *Config) Validate() error {
	if c.TwitchChannel == "" && c.KickChannel == "" && c.YouTubeChannelID == "" {
		return fmt.Errorf("no channels configured: set TWITCH_CHANNEL, KICK_CHANNEL or YOUTUBE_CHANNEL_ID")
	}
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want postgres or memory)", c.StoreBackend)
	}
	for p, rl := range c.RateLimits {
		if rl.Messages > 0 && rl.Window <= 0 {
			return fmt.Errorf("%s rate limit window must be positive", p)
		}
	}
	return nil
}

// Channels lists the platforms that have a channel configured.
func (c *Config) Channels() []platform.Platform {
	var out []platform.Platform
	if c.TwitchChannel != "" {
		out = append(out, platform.Twitch)
	}
	if c.KickChannel != "" {
		out = append(out, platform.Kick)
	}
	if c.YouTubeChannelID != "" {
		out = append(out, platform.YouTube)
	}
	return out
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("not an integer: %q", v)
	}
	if n < 0 {
		return def, fmt.Errorf("must not be negative: %d", n)
	}
	return n, nil
}

// envDuration accepts Go duration syntax ("90s", "5m") or a bare number of milliseconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return def, fmt.Errorf("must not be negative: %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("not a duration: %q", v)
	}
	if d < 0 {
		return def, fmt.Errorf("must not be negative: %s", d)
	}
	return d, nil
}

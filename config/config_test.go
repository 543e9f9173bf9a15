package config

import (
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWITCH_CHANNEL", "KICK_CHANNEL", "YOUTUBE_CHANNEL_ID", "KICK_CHATROOM_ID",
		"TWITCH_MESSAGES_PER_WINDOW", "TWITCH_WINDOW", "KICK_MESSAGES_PER_WINDOW", "KICK_WINDOW",
		"YOUTUBE_MESSAGES_PER_WINDOW", "YOUTUBE_WINDOW", "SEND_MIN_SPACING", "QUEUE_RETRY_CAP",
		"YOUTUBE_SLOW_INTERVAL", "YOUTUBE_FAST_INTERVAL", "YOUTUBE_QUOTA_COOLDOWN",
		"COMMAND_COOLDOWN", "COMMAND_PREFIX", "STORE_BACKEND", "ENCRYPTION_KEY",
		"ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS", "RATE_LIMIT_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_TRACES_SAMPLER_ARG",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.QueueRetryCap != 3 {
		t.Errorf("QueueRetryCap = %d, want 3", cfg.QueueRetryCap)
	}
	if cfg.YouTubeSlowInterval != 5*time.Minute || cfg.YouTubeFastInterval != 5*time.Second {
		t.Errorf("youtube intervals = %s/%s", cfg.YouTubeSlowInterval, cfg.YouTubeFastInterval)
	}
	if cfg.YouTubeQuotaCooldown != time.Hour {
		t.Errorf("quota cooldown = %s, want 1h", cfg.YouTubeQuotaCooldown)
	}
	if cfg.CommandCooldown != 5*time.Second || cfg.CommandPrefix != "!" {
		t.Errorf("command defaults = %s %q", cfg.CommandCooldown, cfg.CommandPrefix)
	}
	if got := cfg.RateLimits[platform.Twitch]; got.Messages != 20 || got.Window != 30*time.Second {
		t.Errorf("twitch limits = %+v", got)
	}
	if !cfg.CORSPermissive || !cfg.RateLimitEnabled {
		t.Errorf("expected permissive CORS and rate limiting on by default")
	}
	if cfg.StoreBackend != "postgres" {
		t.Errorf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.OTelEndpoint != "" || cfg.OTelSampleRatio != 1 || !cfg.OTelInsecure {
		t.Errorf("tracing defaults = %q %v %t", cfg.OTelEndpoint, cfg.OTelSampleRatio, cfg.OTelInsecure)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_CHANNEL", "#SomeChannel")
	t.Setenv("KICK_MESSAGES_PER_WINDOW", "5")
	t.Setenv("KICK_WINDOW", "10s")
	t.Setenv("SEND_MIN_SPACING", "1500")
	t.Setenv("QUEUE_RETRY_CAP", "7")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("ENV", "production")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchChannel != "somechannel" {
		t.Errorf("TwitchChannel = %q", cfg.TwitchChannel)
	}
	if got := cfg.RateLimits[platform.Kick]; got.Messages != 5 || got.Window != 10*time.Second {
		t.Errorf("kick limits = %+v", got)
	}
	if cfg.SendMinSpacing != 1500*time.Millisecond {
		t.Errorf("SendMinSpacing = %s, want 1.5s", cfg.SendMinSpacing)
	}
	if cfg.QueueRetryCap != 7 {
		t.Errorf("QueueRetryCap = %d", cfg.QueueRetryCap)
	}
	if cfg.CORSPermissive {
		t.Errorf("production should not be permissive")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.OTelEndpoint != "otel-collector:4317" || cfg.OTelSampleRatio != 0.25 {
		t.Errorf("tracing = %q %v", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUEUE_RETRY_CAP", "three")
	t.Setenv("YOUTUBE_WINDOW", "-5s")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "2")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for malformed values")
	}
	for _, key := range []string{"QUEUE_RETRY_CAP", "YOUTUBE_WINDOW", "OTEL_TRACES_SAMPLER_ARG"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok memory", func(c *Config) { c.StoreBackend = "memory" }, false},
		{"no channels", func(c *Config) { c.TwitchChannel = ""; c.StoreBackend = "memory" }, true},
		{"postgres without key", func(c *Config) {}, true},
		{"postgres with key", func(c *Config) { c.EncryptionKey = "k" }, false},
		{"unknown backend", func(c *Config) { c.StoreBackend = "redis" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("TWITCH_CHANNEL", "chan")
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChannels(t *testing.T) {
	cfg := &Config{KickChannel: "k", YouTubeChannelID: "UC1"}
	got := cfg.Channels()
	if len(got) != 2 || got[0] != platform.Kick || got[1] != platform.YouTube {
		t.Errorf("Channels() = %v", got)
	}
}

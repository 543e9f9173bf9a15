// Command chatrelay is the entrypoint for the multi-platform chat relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the linked-account store (Postgres with encrypted tokens, or in memory).
//   - Starts the ingestion adapters for every configured channel (Twitch IRC, Kick
//     Pusher websocket, YouTube live chat polling) feeding one event bus.
//   - Runs the command processor, the rate-limited outbound queue and the OAuth refresher.
//   - Exposes the HTTP API with SSE streams, send/queue/moderation endpoints and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatrelay/command"
	"github.com/onnwee/chatrelay/config"
	"github.com/onnwee/chatrelay/crypto"
	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/ingest"
	"github.com/onnwee/chatrelay/ingest/kickchat"
	"github.com/onnwee/chatrelay/ingest/twitchchat"
	"github.com/onnwee/chatrelay/ingest/youtubechat"
	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/logging"
	"github.com/onnwee/chatrelay/moderation"
	"github.com/onnwee/chatrelay/notify"
	"github.com/onnwee/chatrelay/oauth"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/queue"
	"github.com/onnwee/chatrelay/ratelimit"
	"github.com/onnwee/chatrelay/relay"
	"github.com/onnwee/chatrelay/server"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/telemetry"
	"github.com/onnwee/chatrelay/twitchapi"
	"github.com/onnwee/chatrelay/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	logCloser, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		slog.Error("logging setup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(context.Background(), telemetry.TracingOptions{
		ServiceName:    "chatrelay",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, database, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	hc := &http.Client{Timeout: 10 * time.Second}
	channels := cfg.Channels()
	enabled := make(map[platform.Platform]bool, len(channels))
	for _, p := range channels {
		enabled[p] = true
	}

	// OAuth refresh for every platform with client credentials
	refreshFuncs := map[platform.Platform]oauth.RefreshFunc{}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		refreshFuncs[platform.Twitch] = oauth.TwitchRefresher(cfg.TwitchClientID, cfg.TwitchClientSecret, hc)
	}
	if cfg.KickClientID != "" && cfg.KickClientSecret != "" {
		refreshFuncs[platform.Kick] = oauth.OAuth2Refresher(kickapi.OAuthConfig(cfg.KickClientID, cfg.KickClientSecret, ""), hc)
	}
	if cfg.YTClientID != "" && cfg.YTClientSecret != "" {
		refreshFuncs[platform.YouTube] = oauth.OAuth2Refresher(youtubeapi.OAuthConfig(cfg.YTClientID, cfg.YTClientSecret, ""), hc)
	}
	tokens := oauth.NewManager(accounts, refreshFuncs)
	tokens.StartRefresher(ctx, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)

	// API clients
	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: hc},
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     hc,
	}
	kick := &kickapi.Client{HTTPClient: hc}
	breaker := youtubeapi.NewBreaker(cfg.YouTubeQuotaCooldown)
	yt := &youtubeapi.Client{
		Tokens: func(ctx context.Context, force bool) (string, error) {
			return tokens.Token(ctx, cfg.OwnerUserID, platform.YouTube, force)
		},
		Breaker:    breaker,
		HTTPClient: hc,
	}

	hub := events.NewHub(cfg.DedupWindow)
	tracker := ingest.NewTracker()
	hub.Status.Subscribe(tracker.Observe)
	activity := ingest.NewActivitySignal()

	// Ingestion adapters, one per configured channel
	var (
		adapters []ingest.Adapter
		ytChat   *youtubechat.Adapter
	)
	if enabled[platform.Twitch] {
		tcfg := twitchchat.Config{Channel: cfg.TwitchChannel, Username: cfg.TwitchBotUsername}
		if cfg.TwitchBotUsername != "" && cfg.OwnerUserID != "" {
			tcfg.Token = func(ctx context.Context) (string, error) {
				return tokens.Token(ctx, cfg.OwnerUserID, platform.Twitch, false)
			}
		}
		adapters = append(adapters, twitchchat.New(tcfg, hub, activity))
	}
	if enabled[platform.Kick] {
		adapters = append(adapters, kickchat.New(kickchat.Config{Channel: cfg.KickChannel, ChatroomID: cfg.KickChatroomID}, kick, hub, activity))
	}
	if enabled[platform.YouTube] {
		ytChat = youtubechat.New(youtubechat.Config{
			Channel:      cfg.YouTubeChannelID,
			SlowInterval: cfg.YouTubeSlowInterval,
			FastInterval: cfg.YouTubeFastInterval,
		}, yt, breaker, hub, activity)
		adapters = append(adapters, ytChat)
	}

	// Outbound: per-platform senders behind the shared window and the queue
	senders := map[platform.Platform]relay.Sender{}
	if enabled[platform.Twitch] {
		senders[platform.Twitch] = &relay.TwitchSender{Helix: helix, Channel: cfg.TwitchChannel}
	}
	if enabled[platform.Kick] {
		senders[platform.Kick] = &relay.KickSender{API: kick, Channel: cfg.KickChannel}
	}
	if ytChat != nil {
		senders[platform.YouTube] = &relay.YouTubeSender{API: yt, Chat: ytChat}
	}
	relaySvc := relay.NewService(accounts, tokens, cfg.OwnerUserID, senders)

	limits := make(map[platform.Platform]ratelimit.Limits, len(cfg.RateLimits))
	for p, rl := range cfg.RateLimits {
		limits[p] = ratelimit.Limits{MessagesPerWindow: rl.Messages, Window: rl.Window}
	}
	limiter := ratelimit.New(limits, cfg.SendMinSpacing)

	notifier := notify.NewWebhook(cfg.WebhookURL)
	outbound := queue.New(relaySvc, limiter, queue.Options{
		RetryCap: cfg.QueueRetryCap,
		OnDrop: func(m queue.Message, undelivered []platform.Platform) {
			targets := make([]string, 0, len(undelivered))
			for _, p := range undelivered {
				targets = append(targets, string(p))
			}
			notify.Fire(ctx, notifier, notify.Notification{
				Type: "queue_drop",
				Text: m.Text,
				Data: map[string]any{"id": m.ID, "undelivered": targets, "retries": m.RetryCount},
			})
		},
	})
	go outbound.Run(ctx)

	// Commands
	defs, err := command.LoadDefinitions(cfg.CommandsFile)
	if err != nil {
		slog.Error("failed to load command definitions", slog.String("file", cfg.CommandsFile), slog.Any("err", err))
		os.Exit(1)
	}
	commands := command.New(outbound, notifier, command.Options{
		Prefix:   cfg.CommandPrefix,
		Cooldown: cfg.CommandCooldown,
		Custom:   defs,
	})
	hub.Chat.Subscribe(commands.Handle)

	// Moderation
	owner := moderation.Owner{Accounts: accounts, UserID: cfg.OwnerUserID, Refresher: tokens}
	providers := map[platform.Platform]moderation.Provider{}
	if enabled[platform.Twitch] {
		providers[platform.Twitch] = &moderation.Twitch{Helix: helix, Owner: owner}
	}
	if enabled[platform.Kick] {
		providers[platform.Kick] = &moderation.Kick{API: kick, Channel: cfg.KickChannel, Owner: owner}
	}
	if enabled[platform.YouTube] {
		ytMods := moderation.NewYouTube(0, 0)
		hub.Chat.Subscribe(ytMods.Observe)
		providers[platform.YouTube] = ytMods
	}
	mods := moderation.NewService(accounts, providers)

	group := ingest.NewGroup(adapters...)
	group.Start(ctx)
	slog.Info("relay started", slog.Any("platforms", group.Names()), slog.Int("custom_commands", len(defs)))

	handler := server.NewMux(server.Deps{
		Hub:         hub,
		Relay:       relaySvc,
		Queue:       outbound,
		Moderation:  mods,
		Tracker:     tracker,
		Limiter:     limiter,
		DB:          database,
		Platforms:   group.Names(),
		OwnerUserID: cfg.OwnerUserID,
	}, server.Options{
		AdminToken:        cfg.AdminToken,
		AdminUsername:     cfg.AdminUsername,
		AdminPassword:     cfg.AdminPassword,
		RateLimitEnabled:  cfg.RateLimitEnabled,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSPermissive:    cfg.CORSPermissive,
		CORSOrigins:       cfg.CORSOrigins,
	})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, handler); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	group.Stop()
}

// openStore returns the configured linked-account store. The database handle is nil for
// the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (store.LinkedAccountStore, *sql.DB, error) {
	if cfg.StoreBackend == "memory" {
		slog.Warn("using in-memory account store; linked accounts are lost on restart")
		return store.NewMemory(), nil, nil
	}
	keys, err := crypto.ParseKeyring(cfg.EncryptionKID, cfg.EncryptionKey, cfg.RetiredKeys)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("token encryption enabled", slog.String("key_id", keys.CurrentID()), slog.Any("readable_keys", keys.IDs()))
	database, err := db.Connect(ctx, cfg.DBDsn, 10)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(database); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return store.NewPostgres(database, keys), database, nil
}

// Package main provides a CLI tool to link a platform account to a relay user.
//
// The relay has no OAuth login flow of its own; tokens obtained elsewhere are stored
// with this tool (encrypted at rest) and kept fresh by the service's refresher.
//
// Usage:
//
//	link-account --user USER --platform twitch|kick|youtube --access-token T [flags]
//
// Flags:
//
//	--refresh-token: refresh token used by the background refresher
//	--expires-in: access token lifetime (e.g. 4h); zero means unknown
//	--scopes: space separated granted scopes
//	--platform-user-id, --username: the account's identity on the platform
//	--moderator: mark the account as a channel moderator
//	--validate: twitch only, fill identity, scopes and expiry from id.twitch.tv
//	--authorize-url: twitch only, print the consent URL for --redirect-uri and --scopes, then exit
//	--code: twitch only, exchange an authorization code (with --redirect-uri) instead of --access-token
//	--dry-run: print the account instead of storing it
//
// Environment Variables:
//
//	DB_DSN: Database connection string
//	TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET: app credentials for --authorize-url and --code
//	ENCRYPTION_KEY, ENCRYPTION_KEY_ID, ENCRYPTION_RETIRED_KEYS: token encryption keys
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatrelay/config"
	"github.com/onnwee/chatrelay/crypto"
	"github.com/onnwee/chatrelay/db"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
)

type linkOptions struct {
	UserID         string
	Platform       string
	PlatformUserID string
	Username       string
	AccessToken    string
	RefreshToken   string
	ExpiresIn      time.Duration
	Scopes         string
	Moderator      bool
	Validate       bool
	Code           string
	RedirectURI    string
}

// validator reports who owns a twitch token.
type validator func(ctx context.Context, token string) (*twitchapi.TokenInfo, error)

// exchanger trades a twitch authorization code for tokens.
type exchanger func(ctx context.Context, code, redirectURI string) (*twitchapi.TokenResult, error)

func main() {
	var opts linkOptions
	flag.StringVar(&opts.UserID, "user", "", "relay user id (required)")
	flag.StringVar(&opts.Platform, "platform", "", "twitch, kick or youtube (required)")
	flag.StringVar(&opts.PlatformUserID, "platform-user-id", "", "account id on the platform")
	flag.StringVar(&opts.Username, "username", "", "account login on the platform")
	flag.StringVar(&opts.AccessToken, "access-token", "", "access token")
	flag.StringVar(&opts.RefreshToken, "refresh-token", "", "refresh token")
	flag.DurationVar(&opts.ExpiresIn, "expires-in", 0, "access token lifetime")
	flag.StringVar(&opts.Scopes, "scopes", "", "space separated scopes")
	flag.BoolVar(&opts.Moderator, "moderator", false, "mark as channel moderator")
	flag.BoolVar(&opts.Validate, "validate", false, "twitch only: look up identity and scopes")
	flag.StringVar(&opts.Code, "code", "", "twitch only: authorization code to exchange")
	flag.StringVar(&opts.RedirectURI, "redirect-uri", "", "redirect uri registered for the twitch app")
	authorizeURL := flag.Bool("authorize-url", false, "twitch only: print the consent url and exit")
	dryRun := flag.Bool("dry-run", false, "print the account instead of storing it")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	if *authorizeURL {
		u, err := twitchapi.BuildAuthorizeURL(cfg.TwitchClientID, opts.RedirectURI, opts.Scopes, opts.UserID)
		if err != nil {
			slog.Error("cannot build authorize url", slog.Any("error", err))
			os.Exit(2)
		}
		fmt.Println(u)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hc := &http.Client{Timeout: 10 * time.Second}
	exchange := func(ctx context.Context, code, redirectURI string) (*twitchapi.TokenResult, error) {
		return twitchapi.ExchangeAuthCode(ctx, hc, cfg.TwitchClientID, cfg.TwitchClientSecret, code, redirectURI)
	}
	if err := applyCode(ctx, &opts, exchange); err != nil {
		slog.Error("code exchange failed", slog.Any("error", err))
		os.Exit(2)
	}
	acct, err := buildAccount(ctx, opts, func(ctx context.Context, token string) (*twitchapi.TokenInfo, error) {
		return twitchapi.ValidateToken(ctx, hc, token)
	}, time.Now())
	if err != nil {
		slog.Error("invalid account", slog.Any("error", err))
		os.Exit(2)
	}
	if *dryRun {
		fmt.Printf("user=%s platform=%s platform_user_id=%s username=%s scopes=%q expires_at=%s moderator=%t\n",
			acct.UserID, acct.Platform, acct.PlatformUserID, acct.Username, store.JoinScopes(acct.Scopes),
			acct.ExpiresAt.Format(time.RFC3339), acct.IsModerator)
		return
	}

	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required")
		os.Exit(1)
	}
	keys, err := crypto.ParseKeyring(cfg.EncryptionKID, cfg.EncryptionKey, cfg.RetiredKeys)
	if err != nil {
		slog.Error("failed to load encryption keys", slog.Any("error", err))
		os.Exit(1)
	}
	database, err := db.Connect(ctx, cfg.DBDsn, 5)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("error", err))
		}
	}()
	if err := db.Migrate(database); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := link(ctx, store.NewPostgres(database, keys), acct); err != nil {
		slog.Error("link failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("account linked",
		slog.String("user", acct.UserID),
		slog.String("platform", string(acct.Platform)),
		slog.String("username", acct.Username),
		slog.Int("scopes", len(acct.Scopes)))
}

// applyCode replaces the token flags with the result of a twitch authorization
// code grant. The new token is always validated to learn its owner.
func applyCode(ctx context.Context, opts *linkOptions, exchange exchanger) error {
	if opts.Code == "" {
		return nil
	}
	p, err := platform.Parse(opts.Platform)
	if err != nil {
		return err
	}
	if p != platform.Twitch {
		return fmt.Errorf("--code is only supported for twitch, not %s", p)
	}
	if opts.AccessToken != "" {
		return errors.New("--code and --access-token are mutually exclusive")
	}
	tok, err := exchange(ctx, opts.Code, opts.RedirectURI)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	opts.AccessToken = tok.AccessToken
	opts.RefreshToken = tok.RefreshToken
	if tok.ExpiresIn > 0 {
		opts.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	}
	opts.Scopes = strings.Join(tok.Scope, " ")
	opts.Validate = true
	return nil
}

// buildAccount validates flags and assembles the account to store.
func buildAccount(ctx context.Context, opts linkOptions, validate validator, now time.Time) (store.LinkedAccount, error) {
	var acct store.LinkedAccount
	if strings.TrimSpace(opts.UserID) == "" {
		return acct, errors.New("--user is required")
	}
	p, err := platform.Parse(opts.Platform)
	if err != nil {
		return acct, err
	}
	if opts.AccessToken == "" {
		return acct, errors.New("--access-token or --code is required")
	}
	acct = store.LinkedAccount{
		UserID:         strings.TrimSpace(opts.UserID),
		Platform:       p,
		PlatformUserID: opts.PlatformUserID,
		Username:       opts.Username,
		AccessToken:    strings.TrimPrefix(opts.AccessToken, "oauth:"),
		RefreshToken:   opts.RefreshToken,
		Scopes:         store.ParseScopes(opts.Scopes),
		IsModerator:    opts.Moderator,
	}
	if opts.ExpiresIn > 0 {
		acct.ExpiresAt = now.Add(opts.ExpiresIn)
	}

	if opts.Validate {
		if p != platform.Twitch {
			return acct, fmt.Errorf("--validate is only supported for twitch, not %s", p)
		}
		info, err := validate(ctx, acct.AccessToken)
		if err != nil {
			return acct, fmt.Errorf("validate token: %w", err)
		}
		acct.PlatformUserID = info.UserID
		acct.Username = info.Login
		acct.Scopes = info.Scopes
		if info.ExpiresIn > 0 {
			acct.ExpiresAt = twitchapi.ComputeExpiry(info.ExpiresIn)
		}
	}
	if acct.PlatformUserID == "" && acct.Username == "" {
		return acct, errors.New("--platform-user-id or --username is required without --validate")
	}
	return acct, nil
}

func link(ctx context.Context, accounts store.LinkedAccountStore, acct store.LinkedAccount) error {
	if err := accounts.Upsert(ctx, acct); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	if acct.IsModerator {
		if err := accounts.PropagateModerator(ctx, acct.UserID, true); err != nil {
			return fmt.Errorf("propagate moderator: %w", err)
		}
	}
	return nil
}

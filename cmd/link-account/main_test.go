package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
)

func noValidate(t *testing.T) validator {
	return func(context.Context, string) (*twitchapi.TokenInfo, error) {
		t.Error("validator should not be called")
		return nil, errors.New("unexpected")
	}
}

func TestBuildAccount_Flags(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	acct, err := buildAccount(context.Background(), linkOptions{
		UserID:         "owner",
		Platform:       "Kick",
		PlatformUserID: "77",
		AccessToken:    "at",
		RefreshToken:   "rt",
		ExpiresIn:      2 * time.Hour,
		Scopes:         "chat:write, moderation:ban",
	}, noValidate(t), now)
	if err != nil {
		t.Fatalf("buildAccount: %v", err)
	}
	if acct.Platform != platform.Kick || acct.PlatformUserID != "77" || acct.RefreshToken != "rt" {
		t.Errorf("unexpected account %+v", acct)
	}
	if !acct.ExpiresAt.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("ExpiresAt = %s", acct.ExpiresAt)
	}
	if !acct.HasScope("moderation:ban") || len(acct.Scopes) != 2 {
		t.Errorf("Scopes = %v", acct.Scopes)
	}
}

func TestBuildAccount_ValidateTwitch(t *testing.T) {
	var gotToken string
	acct, err := buildAccount(context.Background(), linkOptions{
		UserID:      "owner",
		Platform:    "twitch",
		AccessToken: "oauth:abc",
		Validate:    true,
	}, func(_ context.Context, token string) (*twitchapi.TokenInfo, error) {
		gotToken = token
		return &twitchapi.TokenInfo{UserID: "123", Login: "streamer", Scopes: []string{"user:write:chat"}, ExpiresIn: 3600}, nil
	}, time.Now())
	if err != nil {
		t.Fatalf("buildAccount: %v", err)
	}
	if gotToken != "abc" {
		t.Errorf("validator got %q, want the token without the oauth: prefix", gotToken)
	}
	if acct.PlatformUserID != "123" || acct.Username != "streamer" || !acct.HasScope("user:write:chat") {
		t.Errorf("unexpected account %+v", acct)
	}
	if acct.ExpiresAt.IsZero() {
		t.Error("expected expiry from validation")
	}
}

func TestBuildAccount_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts linkOptions
	}{
		{"missing user", linkOptions{Platform: "twitch", AccessToken: "a", Username: "x"}},
		{"bad platform", linkOptions{UserID: "u", Platform: "myspace", AccessToken: "a", Username: "x"}},
		{"missing token", linkOptions{UserID: "u", Platform: "twitch", Username: "x"}},
		{"no identity", linkOptions{UserID: "u", Platform: "twitch", AccessToken: "a"}},
		{"validate non-twitch", linkOptions{UserID: "u", Platform: "youtube", AccessToken: "a", Validate: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildAccount(context.Background(), tt.opts, noValidate(t), time.Now()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLinkPropagatesModerator(t *testing.T) {
	ctx := context.Background()
	accounts := store.NewMemory()
	if err := accounts.Upsert(ctx, store.LinkedAccount{UserID: "u", Platform: platform.YouTube, PlatformUserID: "UC1", AccessToken: "y"}); err != nil {
		t.Fatal(err)
	}

	err := link(ctx, accounts, store.LinkedAccount{UserID: "u", Platform: platform.Kick, Username: "mod", AccessToken: "k", IsModerator: true})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	yt, err := accounts.Get(ctx, "u", platform.YouTube)
	if err != nil {
		t.Fatal(err)
	}
	if !yt.IsModerator {
		t.Error("moderator flag should propagate to the user's other identities")
	}
}

func TestApplyCode(t *testing.T) {
	opts := linkOptions{UserID: "u", Platform: "twitch", Code: "c0de", RedirectURI: "http://localhost/cb"}
	var gotCode, gotRedirect string
	err := applyCode(context.Background(), &opts, func(_ context.Context, code, redirectURI string) (*twitchapi.TokenResult, error) {
		gotCode, gotRedirect = code, redirectURI
		return &twitchapi.TokenResult{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 600, Scope: []string{"chat:read", "user:write:chat"}}, nil
	})
	if err != nil {
		t.Fatalf("applyCode: %v", err)
	}
	if gotCode != "c0de" || gotRedirect != "http://localhost/cb" {
		t.Errorf("exchange called with %q %q", gotCode, gotRedirect)
	}
	if opts.AccessToken != "at" || opts.RefreshToken != "rt" || opts.ExpiresIn != 10*time.Minute {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Scopes != "chat:read user:write:chat" || !opts.Validate {
		t.Errorf("scopes %q validate %t", opts.Scopes, opts.Validate)
	}
}

func TestApplyCodeErrors(t *testing.T) {
	never := func(context.Context, string, string) (*twitchapi.TokenResult, error) {
		t.Error("exchange should not be called")
		return nil, errors.New("unexpected")
	}
	tests := []struct {
		name string
		opts linkOptions
	}{
		{"kick", linkOptions{Platform: "kick", Code: "c"}},
		{"with access token", linkOptions{Platform: "twitch", Code: "c", AccessToken: "a"}},
		{"bad platform", linkOptions{Platform: "myspace", Code: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if err := applyCode(context.Background(), &opts, never); err == nil {
				t.Error("expected error")
			}
		})
	}

	opts := linkOptions{Platform: "twitch", AccessToken: "a"}
	if err := applyCode(context.Background(), &opts, never); err != nil || opts.Validate {
		t.Errorf("no code should leave options untouched, got err=%v validate=%t", err, opts.Validate)
	}

	failing := func(context.Context, string, string) (*twitchapi.TokenResult, error) {
		return nil, errors.New("invalid authorization code")
	}
	opts = linkOptions{Platform: "twitch", Code: "bad"}
	if err := applyCode(context.Background(), &opts, failing); err == nil {
		t.Error("expected exchange error")
	}
}

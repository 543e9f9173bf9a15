package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const idBase = "https://id.twitch.tv/oauth2"

// Endpoint is the Twitch authorization server. Client credentials travel in
// the form body.
var Endpoint = oauth2.Endpoint{
	AuthURL:   idBase + "/authorize",
	TokenURL:  idBase + "/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// DefaultScopes covers chatting as the user plus the moderation calls.
var DefaultScopes = []string{
	"chat:read",
	"user:write:chat",
	"moderation:read",
	"channel:manage:moderators",
	"moderator:manage:banned_users",
}

// OAuthConfig builds the client config used for linking and refreshing.
// Empty scopes select DefaultScopes.
func OAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// TokenResult is the outcome of a code or refresh_token grant.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        []string
	ExpiresIn    int
}

// TokenInfo is the body of /oauth2/validate.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

func splitScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// BuildAuthorizeURL constructs the user authorization URL for OAuth code grant.
// scopes is space or comma separated; empty requests DefaultScopes.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return OAuthConfig(clientID, "", redirectURI, splitScopes(scopes)).AuthCodeURL(state), nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func withClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// Twitch returns scope as a JSON array, which oauth2 leaves in the raw extras.
func tokenResult(tok *oauth2.Token) *TokenResult {
	res := &TokenResult{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, TokenType: tok.TokenType}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = int(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	switch v := tok.Extra("scope").(type) {
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				res.Scope = append(res.Scope, str)
			}
		}
	case string:
		res.Scope = splitScopes(v)
	}
	return res
}

// tokenError wraps ErrTokenExpired when Twitch rejected the grant itself.
func tokenError(what string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
		return fmt.Errorf("%w: twitch %s failed: %w", ErrTokenExpired, what, err)
	}
	return fmt.Errorf("twitch %s failed: %w", what, err)
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func ExchangeAuthCode(ctx context.Context, hc *http.Client, clientID, clientSecret, code, redirectURI string) (*TokenResult, error) {
	if clientID == "" || clientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := OAuthConfig(clientID, clientSecret, redirectURI, nil).Exchange(withClient(ctx, hc), code)
	if err != nil {
		return nil, tokenError("auth code exchange", err)
	}
	return tokenResult(tok), nil
}

// RefreshToken exchanges a refresh token for a new access token. A rejected
// refresh token wraps ErrTokenExpired so callers know to re-link the account.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*TokenResult, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	src := OAuthConfig(clientID, clientSecret, "", nil).TokenSource(withClient(ctx, hc), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, tokenError("refresh", err)
	}
	return tokenResult(tok), nil
}

// ValidateToken asks Twitch who owns token and which scopes it carries.
func ValidateToken(ctx context.Context, hc *http.Client, token string) (*TokenInfo, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, idBase+"/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrTokenExpired
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, string(b))
	}
	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &info, nil
}

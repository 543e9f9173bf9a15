// Package twitchapi contains the Twitch Helix and OAuth calls the relay needs:
// user lookup, chat send, moderator management and bans.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const helixBase = "https://api.twitch.tv/helix"

var (
	// ErrTokenExpired means Helix rejected the access token (401).
	ErrTokenExpired = errors.New("twitch: token expired or invalid")
	// ErrMissingScope means the token lacks a scope the endpoint requires.
	ErrMissingScope = errors.New("twitch: token missing required scope")
	// ErrRateLimited is returned on HTTP 429.
	ErrRateLimited = errors.New("twitch: rate limited")
	// ErrForbidden covers 403 responses such as a banned or restricted sender.
	ErrForbidden = errors.New("twitch: forbidden")
	// ErrNotFound is returned when a lookup yields no user.
	ErrNotFound = errors.New("twitch: not found")
	// ErrMessageDropped means Helix accepted the request but did not post the message.
	ErrMessageDropped = errors.New("twitch: message dropped")
)

// Scopes required by the moderation operations.
const (
	ScopeModerationRead    = "moderation:read"
	ScopeManageModerators  = "channel:manage:moderators"
	ScopeManageBannedUsers = "moderator:manage:banned_users"
	ScopeChatEdit          = "user:write:chat"
)

// HelixClient calls Helix. App-token calls use AppTokenSource; user-token
// calls take the token explicitly.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// APIError carries the Helix error body.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("helix %d: %s", e.Status, e.Message) }

// classify maps a non-2xx response onto the package sentinels.
func classify(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	_ = json.Unmarshal(body, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "missing scope"):
		return fmt.Errorf("%w: %w", ErrMissingScope, apiErr)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrTokenExpired, apiErr)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, apiErr)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrForbidden, apiErr)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}

func (hc *HelixClient) do(ctx context.Context, method, path, token string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := helixBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify(resp.StatusCode, b)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUser resolves a login with the given token; an empty token uses the app token.
func (hc *HelixClient) GetUser(ctx context.Context, token, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	if token == "" {
		if hc.AppTokenSource == nil {
			return nil, errors.New("no app token source configured")
		}
		var err error
		if token, err = hc.AppTokenSource.Get(ctx); err != nil {
			return nil, err
		}
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", token, url.Values{"login": {login}}, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, login)
	}
	return &body.Data[0], nil
}

// GetUserID resolves a login name to its user ID using the app token.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, "", login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// SendChatMessage posts text to the broadcaster's chat as senderID and
// returns the Helix message id.
func (hc *HelixClient) SendChatMessage(ctx context.Context, token, broadcasterID, senderID, text string) (string, error) {
	in := map[string]string{"broadcaster_id": broadcasterID, "sender_id": senderID, "message": text}
	var body struct {
		Data []struct {
			MessageID  string `json:"message_id"`
			IsSent     bool   `json:"is_sent"`
			DropReason *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"drop_reason"`
		} `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/chat/messages", token, nil, in, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrMessageDropped)
	}
	d := body.Data[0]
	if !d.IsSent {
		reason := "unknown"
		if d.DropReason != nil {
			reason = d.DropReason.Code + ": " + d.DropReason.Message
			if strings.Contains(d.DropReason.Code, "rate") {
				return "", fmt.Errorf("%w: %s", ErrRateLimited, reason)
			}
		}
		return "", fmt.Errorf("%w: %s", ErrMessageDropped, reason)
	}
	return d.MessageID, nil
}

// IsModerator reports whether userID moderates the broadcaster's channel.
// Requires moderation:read on the broadcaster's token.
func (hc *HelixClient) IsModerator(ctx context.Context, token, broadcasterID, userID string) (bool, error) {
	var body struct {
		Data []struct {
			UserID string `json:"user_id"`
		} `json:"data"`
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	if err := hc.do(ctx, http.MethodGet, "/moderation/moderators", token, q, nil, &body); err != nil {
		return false, err
	}
	for _, d := range body.Data {
		if d.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// AddModerator grants moderator status. Requires channel:manage:moderators.
func (hc *HelixClient) AddModerator(ctx context.Context, token, broadcasterID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	return hc.do(ctx, http.MethodPost, "/moderation/moderators", token, q, nil, nil)
}

// RemoveModerator revokes moderator status. Requires channel:manage:moderators.
func (hc *HelixClient) RemoveModerator(ctx context.Context, token, broadcasterID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "user_id": {userID}}
	return hc.do(ctx, http.MethodDelete, "/moderation/moderators", token, q, nil, nil)
}

// BanUser bans userID, or times them out when durationSeconds > 0.
// Requires moderator:manage:banned_users.
func (hc *HelixClient) BanUser(ctx context.Context, token, broadcasterID, moderatorID, userID string, durationSeconds int, reason string) error {
	data := map[string]any{"user_id": userID}
	if durationSeconds > 0 {
		data["duration"] = durationSeconds
	}
	if reason != "" {
		data["reason"] = reason
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}}
	return hc.do(ctx, http.MethodPost, "/moderation/bans", token, q, map[string]any{"data": data}, nil)
}

// UnbanUser lifts a ban or timeout.
func (hc *HelixClient) UnbanUser(ctx context.Context, token, broadcasterID, moderatorID, userID string) error {
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "user_id": {userID}}
	return hc.do(ctx, http.MethodDelete, "/moderation/bans", token, q, nil, nil)
}

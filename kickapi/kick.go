// Package kickapi wraps the Kick endpoints the relay uses: the legacy channel
// lookup (chatroom id, channel users) and the public v1 chat and moderation API.
package kickapi

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
	"strconv"
	"time"
)

const (
	siteBase   = "https://kick.com/api/v2"
	publicBase = "https://api.kick.com/public/v1"
)

var (
	ErrTokenExpired = errors.New("kick: token expired or invalid")
	ErrRateLimited  = errors.New("kick: rate limited")
	ErrForbidden    = errors.New("kick: forbidden")
	ErrNotFound     = errors.New("kick: not found")
)

// Client talks to kick.com. The zero value uses a 10s timeout client.
type Client struct {
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func statusErr(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	base := fmt.Errorf("kick API returned status %d: %s", resp.StatusCode, string(b))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrTokenExpired, base)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, base)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrForbidden, base)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, base)
	}
	return base
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusErr(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("JSON decode failed: %w", err)
	}
	return nil
}

// browserHeaders are required by the Cloudflare front of the legacy API.
func browserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
}

// Channel is the subset of the channel lookup the relay uses.
type Channel struct {
	ID       int    `json:"id"`
	UserID   int    `json:"user_id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int `json:"id"`
	} `json:"chatroom"`
}

// GetChannel looks up a channel by slug.
func (c *Client) GetChannel(ctx context.Context, slug string) (*Channel, error) {
	if slug == "" {
		return nil, errors.New("channel slug empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, siteBase+"/channels/"+url.PathEscape(slug), nil)
	if err != nil {
		return nil, err
	}
	browserHeaders(req)
	var ch Channel
	if err := c.do(req, &ch); err != nil {
		return nil, err
	}
	if ch.Chatroom.ID == 0 {
		return nil, fmt.Errorf("%w: channel %q has no chatroom", ErrNotFound, slug)
	}
	return &ch, nil
}

// ChannelUser is a user as seen from one channel.
type ChannelUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
	Badges   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"badges"`
}

// IsModerator reports whether the user carries a moderator or broadcaster badge.
func (u *ChannelUser) IsModerator() bool {
	for _, b := range u.Badges {
		if b.Type == "moderator" || b.Type == "broadcaster" {
			return true
		}
	}
	return false
}

// GetChannelUser reads a user's standing in a channel.
func (c *Client) GetChannelUser(ctx context.Context, slug, username string) (*ChannelUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		siteBase+"/channels/"+url.PathEscape(slug)+"/users/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, err
	}
	browserHeaders(req)
	var u ChannelUser
	if err := c.do(req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) public(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, publicBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// SendChatMessage posts content to the broadcaster's chat as the token owner.
func (c *Client) SendChatMessage(ctx context.Context, token string, broadcasterUserID int, content string) (string, error) {
	in := map[string]any{"broadcaster_user_id": broadcasterUserID, "content": content, "type": "user"}
	var out struct {
		Data struct {
			IsSent    bool   `json:"is_sent"`
			MessageID string `json:"message_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := c.public(ctx, http.MethodPost, "/chat", token, in, &out); err != nil {
		return "", err
	}
	if !out.Data.IsSent {
		return "", fmt.Errorf("kick did not send message: %s", out.Message)
	}
	return out.Data.MessageID, nil
}

// Ban bans userID from the channel; durationSeconds > 0 issues a timeout,
// rounded up to whole minutes as the API requires.
func (c *Client) Ban(ctx context.Context, token string, broadcasterUserID, userID, durationSeconds int, reason string) error {
	in := map[string]any{"broadcaster_user_id": broadcasterUserID, "user_id": userID}
	if durationSeconds > 0 {
		in["duration"] = (durationSeconds + 59) / 60
	}
	if reason != "" {
		in["reason"] = reason
	}
	return c.public(ctx, http.MethodPost, "/moderation/bans", token, in, nil)
}

// Unban lifts a ban or timeout.
func (c *Client) Unban(ctx context.Context, token string, broadcasterUserID, userID int) error {
	in := map[string]any{"broadcaster_user_id": broadcasterUserID, "user_id": userID}
	return c.public(ctx, http.MethodDelete, "/moderation/bans", token, in, nil)
}

// ParseUserID converts a stored platform user id to Kick's integer id.
func ParseUserID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid kick user id %q", s)
	}
	return id, nil
}

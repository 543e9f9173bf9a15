// Package youtubeapi wraps the YouTube Data API live chat endpoints behind a
// quota breaker. Every call, ingest or send, goes through Client.call so a
// single quota failure silences the whole platform for the cooldown.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatrelay/telemetry"
)

var (
	ErrQuotaExhausted = errors.New("youtube: quota exhausted")
	// ErrRateLimited is a short-term throttle. It leaves the breaker closed.
	ErrRateLimited = errors.New("youtube: rate limited")
	// ErrQuotaBlocked is returned without a network call while the breaker is open.
	ErrQuotaBlocked = errors.New("youtube: calls blocked by quota breaker")
	ErrTokenExpired = errors.New("youtube: token expired or invalid")
	// ErrChatEnded means the live chat no longer exists or is closed (404/403).
	ErrChatEnded = errors.New("youtube: live chat ended")
	ErrNotLive   = errors.New("youtube: no active broadcast")
)

// Scopes needed to read and post live chat.
var Scopes = []string{"https://www.googleapis.com/auth/youtube.force-ssl"}

// OAuthConfig builds the Google client config used for linking and refresh.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
	}
}

// TokenFunc returns the channel owner's access token. force asks the
// collaborator to refresh even if the stored token looks valid.
type TokenFunc func(ctx context.Context, force bool) (string, error)

// Client issues YouTube calls with the owner's token.
type Client struct {
	Tokens     TokenFunc
	Breaker    *Breaker
	HTTPClient *http.Client // base transport; nil uses http.DefaultClient
	Endpoint   string       // overrides the API root, for tests
}

func (c *Client) service(ctx context.Context, token string) (*yt.Service, error) {
	base := http.DefaultTransport
	if c.HTTPClient != nil && c.HTTPClient.Transport != nil {
		base = c.HTTPClient.Transport
	}
	hc := &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   base,
	}}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	return yt.NewService(ctx, opts...)
}

var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

var rateReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

var endedReasons = map[string]bool{
	"liveChatEnded":    true,
	"liveChatNotFound": true,
	"liveChatDisabled": true,
	"forbidden":        true,
	"notFound":         true,
}

// Classify maps a googleapi error onto the package sentinels.
func Classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	for _, item := range gerr.Errors {
		switch {
		case quotaReasons[item.Reason]:
			return fmt.Errorf("%w: %s", ErrQuotaExhausted, item.Reason)
		case rateReasons[item.Reason]:
			return fmt.Errorf("%w: %s", ErrRateLimited, item.Reason)
		}
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrChatEnded, err)
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if endedReasons[item.Reason] {
				return fmt.Errorf("%w: %s", ErrChatEnded, item.Reason)
			}
		}
		if strings.Contains(strings.ToLower(gerr.Message), "quota") {
			return fmt.Errorf("%w: %s", ErrQuotaExhausted, gerr.Message)
		}
	}
	return err
}

// call runs fn with a service bound to the owner's token. A 401 forces one
// token refresh and a single retry. Only quota failures trip the breaker;
// rate limits are returned to the caller.
func (c *Client) call(ctx context.Context, fn func(svc *yt.Service) error) error {
	if c.Breaker != nil && c.Breaker.Blocked() {
		return ErrQuotaBlocked
	}
	if c.Tokens == nil {
		return errors.New("youtube: no token source configured")
	}
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.Tokens(ctx, attempt > 0)
		if err != nil {
			return fmt.Errorf("youtube token: %w", err)
		}
		svc, err := c.service(ctx, tok)
		if err != nil {
			return err
		}
		err = Classify(fn(svc))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrQuotaExhausted):
			if c.Breaker != nil {
				c.Breaker.Trip()
			}
			return err
		case errors.Is(err, ErrTokenExpired) && attempt == 0:
			continue
		default:
			return err
		}
	}
	return ErrTokenExpired
}

// Broadcast identifies an active broadcast and its chat.
type Broadcast struct {
	VideoID string
	ChatID  string
	Title   string
}

// FindActiveChat looks up the owner's active broadcast. It returns ErrNotLive
// when nothing is on air or the broadcast has no chat.
func (c *Client) FindActiveChat(ctx context.Context) (*Broadcast, error) {
	ctx, span := telemetry.StartPlatformSpan(ctx, "youtube.find_active_chat", "youtube")
	defer span.End()
	var out *Broadcast
	err := c.call(ctx, func(svc *yt.Service) error {
		res, err := svc.LiveBroadcasts.List([]string{"id", "snippet"}).
			BroadcastStatus("active").BroadcastType("all").Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, b := range res.Items {
			if b.Snippet != nil && b.Snippet.LiveChatId != "" {
				out = &Broadcast{VideoID: b.Id, ChatID: b.Snippet.LiveChatId, Title: b.Snippet.Title}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if out == nil {
		return nil, ErrNotLive
	}
	return out, nil
}

// MessagePage is one page of live chat messages.
type MessagePage struct {
	Items                 []*yt.LiveChatMessage
	NextPageToken         string
	PollingIntervalMillis int64
}

// ListMessages fetches the page after pageToken (empty for the first page).
func (c *Client) ListMessages(ctx context.Context, chatID, pageToken string) (*MessagePage, error) {
	ctx, span := telemetry.StartPlatformSpan(ctx, "youtube.list_messages", "youtube")
	defer span.End()
	var page *MessagePage
	err := c.call(ctx, func(svc *yt.Service) error {
		req := svc.LiveChatMessages.List(chatID, []string{"id", "snippet", "authorDetails"}).MaxResults(2000).Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		res, err := req.Do()
		if err != nil {
			return err
		}
		if res.OfflineAt != "" {
			return fmt.Errorf("%w: offline at %s", ErrChatEnded, res.OfflineAt)
		}
		page = &MessagePage{Items: res.Items, NextPageToken: res.NextPageToken, PollingIntervalMillis: res.PollingIntervalMillis}
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return page, nil
}

// InsertMessage posts text to the chat and returns the new message id.
func (c *Client) InsertMessage(ctx context.Context, chatID, text string) (string, error) {
	ctx, span := telemetry.StartPlatformSpan(ctx, "youtube.insert_message", "youtube")
	defer span.End()
	var id string
	err := c.call(ctx, func(svc *yt.Service) error {
		msg := &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId:         chatID,
			Type:               "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
		}}
		res, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
		if err != nil {
			return err
		}
		id = res.Id
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	return id, nil
}

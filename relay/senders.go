package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
	"github.com/onnwee/chatrelay/youtubeapi"
)

// Classify maps an API client error to a send result.
func Classify(err error) SendResult {
	switch {
	case err == nil:
		return OK("")
	case errors.Is(err, twitchapi.ErrTokenExpired),
		errors.Is(err, kickapi.ErrTokenExpired),
		errors.Is(err, youtubeapi.ErrTokenExpired):
		return Fail(CodeTokenExpired, err)
	case errors.Is(err, twitchapi.ErrRateLimited),
		errors.Is(err, kickapi.ErrRateLimited),
		errors.Is(err, youtubeapi.ErrRateLimited):
		return Fail(CodeRateLimited, err)
	case errors.Is(err, youtubeapi.ErrQuotaExhausted),
		errors.Is(err, youtubeapi.ErrQuotaBlocked):
		return Fail(CodeQuotaExhausted, err)
	case errors.Is(err, youtubeapi.ErrNotLive),
		errors.Is(err, youtubeapi.ErrChatEnded):
		return Fail(CodeDisabled, err)
	}
	return Fail(CodeUnknown, err)
}

// cachedID resolves an id once and remembers it until a resolution succeeds.
type cachedID struct {
	mu sync.Mutex
	v  string
}

func (c *cachedID) get(resolve func() (string, error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v != "" {
		return c.v, nil
	}
	v, err := resolve()
	if err != nil {
		return "", err
	}
	c.v = v
	return v, nil
}

// TwitchSender posts through Helix Send Chat Message as the account holder.
type TwitchSender struct {
	Helix   *twitchapi.HelixClient
	Channel string // broadcaster login

	broadcaster cachedID
}

func (s *TwitchSender) Send(ctx context.Context, a *store.LinkedAccount, text string) SendResult {
	bid, err := s.broadcaster.get(func() (string, error) {
		u, err := s.Helix.GetUser(ctx, a.AccessToken, s.Channel)
		if err != nil {
			return "", err
		}
		return u.ID, nil
	})
	if err != nil {
		return Classify(err)
	}
	id, err := s.Helix.SendChatMessage(ctx, a.AccessToken, bid, a.PlatformUserID, text)
	if err != nil {
		return Classify(err)
	}
	return OK(id)
}

// KickSender posts through the Kick public chat API.
type KickSender struct {
	API     *kickapi.Client
	Channel string // channel slug

	broadcaster cachedID
}

func (s *KickSender) Send(ctx context.Context, a *store.LinkedAccount, text string) SendResult {
	bid, err := s.broadcaster.get(func() (string, error) {
		ch, err := s.API.GetChannel(ctx, s.Channel)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(ch.UserID), nil
	})
	if err != nil {
		return Classify(err)
	}
	n, err := kickapi.ParseUserID(bid)
	if err != nil {
		return Fail(CodeUnknown, err)
	}
	id, err := s.API.SendChatMessage(ctx, a.AccessToken, n, text)
	if err != nil {
		return Classify(err)
	}
	return OK(id)
}

// ChatSource exposes the live chat currently being polled.
type ChatSource interface {
	ActiveChatID() string
}

// YouTubeSender inserts into the active live chat. It shares the API
// client's quota breaker, so a tripped breaker blocks sends too.
type YouTubeSender struct {
	API  *youtubeapi.Client
	Chat ChatSource
}

func (s *YouTubeSender) Send(ctx context.Context, a *store.LinkedAccount, text string) SendResult {
	chatID := ""
	if s.Chat != nil {
		chatID = s.Chat.ActiveChatID()
	}
	if chatID == "" {
		return Fail(CodeDisabled, youtubeapi.ErrNotLive)
	}
	// Token refresh is the caller's job: a 401 surfaces as TOKEN_EXPIRED.
	c := *s.API
	c.Tokens = func(_ context.Context, force bool) (string, error) {
		if force {
			return "", youtubeapi.ErrTokenExpired
		}
		return a.AccessToken, nil
	}
	id, err := c.InsertMessage(ctx, chatID, text)
	if err != nil {
		return Classify(err)
	}
	return OK(id)
}

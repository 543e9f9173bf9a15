package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource caches a Twitch app access (client credentials) token for
// lookups that need no user context. Chat and moderation always use the
// linked user's token instead.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

func (ts *TokenSource) init() {
	cfg := &clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     idBase + "/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	// the token is reused until a minute before it expires
	base := cfg.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, hc))
	ts.src = oauth2.ReuseTokenSourceWithExpiry(nil, base, time.Minute)
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ts.once.Do(ts.init)
	tok, err := ts.src.Token()
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	return tok.AccessToken, nil
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
	"github.com/onnwee/chatrelay/youtubeapi"
)

// tokenSender succeeds only with the wanted token.
type tokenSender struct {
	want  string
	calls []string
}

func (s *tokenSender) Send(_ context.Context, a *store.LinkedAccount, _ string) SendResult {
	s.calls = append(s.calls, a.AccessToken)
	if a.AccessToken != s.want {
		return Fail(CodeTokenExpired, twitchapi.ErrTokenExpired)
	}
	return OK("sent")
}

type fakeRefresher struct {
	accounts store.LinkedAccountStore
	calls    int
	newToken string
	err      error
}

func (f *fakeRefresher) Refresh(ctx context.Context, userID string, p platform.Platform) (*store.LinkedAccount, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := f.accounts.UpdateTokens(ctx, userID, p, store.TokenUpdate{AccessToken: f.newToken, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		return nil, err
	}
	return f.accounts.Get(ctx, userID, p)
}

func linked(t *testing.T, token string) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	require.NoError(t, s.Upsert(context.Background(), store.LinkedAccount{
		UserID: "u1", Platform: platform.Twitch, AccessToken: token, RefreshToken: "rt",
	}))
	return s
}

func TestSendAsUserRefreshesOnceOnExpiredToken(t *testing.T) {
	accounts := linked(t, "stale")
	snd := &tokenSender{want: "fresh"}
	ref := &fakeRefresher{accounts: accounts, newToken: "fresh"}
	svc := NewService(accounts, ref, "u1", map[platform.Platform]Sender{platform.Twitch: snd})

	res, err := svc.SendAsUser(context.Background(), "u1", platform.Twitch, "hello")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, ref.calls, "exactly one refresh")
	assert.Equal(t, []string{"stale", "fresh"}, snd.calls)

	a, _ := accounts.Get(context.Background(), "u1", platform.Twitch)
	assert.Equal(t, "fresh", a.AccessToken, "token is updated in the store")
}

func TestSendAsUserReauthRequired(t *testing.T) {
	accounts := linked(t, "stale")
	snd := &tokenSender{want: "never"}
	ref := &fakeRefresher{accounts: accounts, newToken: "still-bad"}
	svc := NewService(accounts, ref, "u1", map[platform.Platform]Sender{platform.Twitch: snd})

	res, err := svc.SendAsUser(context.Background(), "u1", platform.Twitch, "hello")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.False(t, res.Success)
	assert.Equal(t, 1, ref.calls)
	assert.Len(t, snd.calls, 2, "one send plus exactly one retry")

	ref.err = errors.New("refresh token revoked")
	ref.calls = 0
	_, err = svc.SendAsUser(context.Background(), "u1", platform.Twitch, "hello")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Equal(t, 1, ref.calls)
}

func TestSendAsUserDoesNotRefreshOtherFailures(t *testing.T) {
	accounts := linked(t, "tok")
	ref := &fakeRefresher{accounts: accounts}
	svc := NewService(accounts, ref, "u1", map[platform.Platform]Sender{
		platform.Twitch: SenderFunc(func(context.Context, *store.LinkedAccount, string) SendResult {
			return Fail(CodeRateLimited, twitchapi.ErrRateLimited)
		}),
	})
	res, err := svc.SendAsUser(context.Background(), "u1", platform.Twitch, "x")
	require.NoError(t, err)
	assert.Equal(t, CodeRateLimited, res.ErrorCode)
	assert.Zero(t, ref.calls)
}

func TestDisabledAndUnlinked(t *testing.T) {
	accounts := linked(t, "tok")
	svc := NewService(accounts, nil, "u1", map[platform.Platform]Sender{
		platform.Twitch: &tokenSender{want: "tok"},
		platform.Kick:   &tokenSender{want: "tok"},
	})

	res := svc.Deliver(context.Background(), platform.YouTube, "x")
	assert.Equal(t, CodeDisabled, res.ErrorCode, "no sender registered")

	res = svc.Deliver(context.Background(), platform.Kick, "x")
	assert.Equal(t, CodeDisabled, res.ErrorCode, "owner has no kick account")

	res = svc.Deliver(context.Background(), platform.Twitch, "x")
	assert.True(t, res.Success)

	assert.Equal(t, []platform.Platform{platform.Twitch, platform.Kick}, svc.Platforms())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{fmt.Errorf("wrap: %w", kickapi.ErrTokenExpired), CodeTokenExpired},
		{twitchapi.ErrRateLimited, CodeRateLimited},
		{youtubeapi.ErrQuotaBlocked, CodeQuotaExhausted},
		{fmt.Errorf("%w: rateLimitExceeded", youtubeapi.ErrRateLimited), CodeRateLimited},
		{youtubeapi.ErrNotLive, CodeDisabled},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err).ErrorCode, tt.err.Error())
	}
	assert.True(t, Classify(nil).Success)
}

func TestYouTubeSenderWithoutChatIsDisabled(t *testing.T) {
	s := &YouTubeSender{API: &youtubeapi.Client{}, Chat: chatID("")}
	res := s.Send(context.Background(), &store.LinkedAccount{AccessToken: "t"}, "hi")
	assert.Equal(t, CodeDisabled, res.ErrorCode)
}

type chatID string

func (c chatID) ActiveChatID() string { return string(c) }

type rewriteTransport struct{ host string }

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(t.host, "http://")
	return http.DefaultTransport.RoundTrip(req)
}

func TestTwitchSenderResolvesBroadcasterOnce(t *testing.T) {
	lookups := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/helix/users":
			lookups++
			_, _ = io.WriteString(w, `{"data":[{"id":"b1","login":"chan"}]}`)
		case "/helix/chat/messages":
			if r.Header.Get("Authorization") != "Bearer user-tok" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"status":401,"message":"invalid"}`)
				return
			}
			_, _ = io.WriteString(w, `{"data":[{"message_id":"m1","is_sent":true}]}`)
		}
	}))
	t.Cleanup(srv.Close)

	s := &TwitchSender{
		Helix:   &twitchapi.HelixClient{ClientID: "cid", HTTPClient: &http.Client{Transport: &rewriteTransport{host: srv.URL}}},
		Channel: "chan",
	}
	acct := &store.LinkedAccount{AccessToken: "user-tok", PlatformUserID: "s1"}
	for i := 0; i < 2; i++ {
		res := s.Send(context.Background(), acct, "hello")
		require.True(t, res.Success, "send %d: %v", i, res.Err)
		assert.Equal(t, "m1", res.MessageID)
	}
	assert.Equal(t, 1, lookups)

	res := s.Send(context.Background(), &store.LinkedAccount{AccessToken: "bad"}, "hello")
	assert.Equal(t, CodeTokenExpired, res.ErrorCode)
}

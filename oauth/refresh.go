// Package oauth is the token collaborator: it refreshes linked-account tokens
// on demand (one forced refresh after a rejected send) and in the background
// before they expire.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
)

var (
	// ErrNoRefresher means no refresh function is registered for the platform.
	ErrNoRefresher = errors.New("oauth: no refresher for platform")
	// ErrNoRefreshToken means the account cannot be refreshed and must be re-linked.
	ErrNoRefreshToken = errors.New("oauth: account has no refresh token")
)

// RefreshFunc performs the provider-specific refresh_token grant.
type RefreshFunc func(ctx context.Context, refreshToken string) (store.TokenUpdate, error)

// Manager refreshes tokens held by the linked-account store.
type Manager struct {
	accounts store.LinkedAccountStore
	funcs    map[platform.Platform]RefreshFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Skew treats tokens expiring within this margin as already expired.
	Skew time.Duration
}

// NewManager builds a manager with one refresh function per platform.
func NewManager(accounts store.LinkedAccountStore, funcs map[platform.Platform]RefreshFunc) *Manager {
	m := &Manager{
		accounts: accounts,
		funcs:    make(map[platform.Platform]RefreshFunc, len(funcs)),
		locks:    make(map[string]*sync.Mutex),
		Skew:     time.Minute,
	}
	for p, fn := range funcs {
		m.funcs[p] = fn
	}
	return m
}

// lock serializes refreshes of one account; providers that rotate refresh
// tokens invalidate the old one on first use.
func (m *Manager) lock(userID string, p platform.Platform) func() {
	key := userID + "/" + string(p)
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Refresh exchanges the account's refresh token and persists the result.
func (m *Manager) Refresh(ctx context.Context, userID string, p platform.Platform) (*store.LinkedAccount, error) {
	fn, ok := m.funcs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRefresher, p)
	}
	unlock := m.lock(userID, p)
	defer unlock()

	acct, err := m.accounts.Get(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	if acct.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	upd, err := fn(ctx2, acct.RefreshToken)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("refresh %s token for %s: %w", p, userID, err)
	}
	if err := m.accounts.UpdateTokens(ctx, userID, p, upd); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	slog.Info("token refreshed", slog.String("platform", string(p)), slog.String("user", userID))
	return m.accounts.Get(ctx, userID, p)
}

// Token returns a usable access token, refreshing first when force is set or
// the stored token is about to expire.
func (m *Manager) Token(ctx context.Context, userID string, p platform.Platform, force bool) (string, error) {
	acct, err := m.accounts.Get(ctx, userID, p)
	if err != nil {
		return "", err
	}
	if !force && !acct.Expired(time.Now(), m.Skew) {
		return acct.AccessToken, nil
	}
	acct, err = m.Refresh(ctx, userID, p)
	if err != nil {
		return "", err
	}
	return acct.AccessToken, nil
}

// StartRefresher launches a goroutine that periodically refreshes every
// linked account whose token expires within window.
func (m *Manager) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			m.RefreshExpiring(ctx, window)
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: scheduling jitter
			nextSleep := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// RefreshExpiring runs one refresher pass and returns how many accounts were
// refreshed.
func (m *Manager) RefreshExpiring(ctx context.Context, window time.Duration) int {
	accts, err := m.accounts.ListExpiring(ctx, time.Now().Add(window))
	if err != nil {
		slog.Warn("list expiring tokens failed", slog.Any("err", err))
		return 0
	}
	n := 0
	for _, a := range accts {
		if _, ok := m.funcs[a.Platform]; !ok {
			continue
		}
		if _, err := m.Refresh(ctx, a.UserID, a.Platform); err != nil {
			slog.Warn("token refresh failed", slog.String("platform", string(a.Platform)), slog.String("user", a.UserID), slog.Any("err", err))
			continue
		}
		n++
	}
	return n
}

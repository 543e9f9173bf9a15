// Package store is the linked-account collaborator: per user and platform
// OAuth tokens, granted scopes and moderator flag.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

// ErrNotFound is returned when no account is linked for the lookup.
var ErrNotFound = errors.New("store: linked account not found")

// LinkedAccount is one user's identity on one platform.
type LinkedAccount struct {
	UserID         string
	Platform       platform.Platform
	PlatformUserID string
	Username       string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Scopes         []string
	IsModerator    bool
}

// HasScope reports whether the account's token was granted scope.
func (a *LinkedAccount) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// Expired reports whether the access token expires within skew of now.
func (a *LinkedAccount) Expired(now time.Time, skew time.Duration) bool {
	return !a.ExpiresAt.IsZero() && now.Add(skew).After(a.ExpiresAt)
}

// TokenUpdate carries the result of a refresh.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string // empty keeps the stored refresh token
	ExpiresAt    time.Time
	Scopes       []string // nil keeps the stored scopes
}

// LinkedAccountStore is consumed, never owned, by the relay core.
type LinkedAccountStore interface {
	Get(ctx context.Context, userID string, p platform.Platform) (*LinkedAccount, error)
	// FindByUsername matches case-insensitively; usernames are not a
	// trustworthy identity across platforms.
	FindByUsername(ctx context.Context, p platform.Platform, username string) (*LinkedAccount, error)
	FindByPlatformUserID(ctx context.Context, p platform.Platform, platformUserID string) (*LinkedAccount, error)
	Upsert(ctx context.Context, acct LinkedAccount) error
	UpdateTokens(ctx context.Context, userID string, p platform.Platform, upd TokenUpdate) error
	SetModerator(ctx context.Context, userID string, p platform.Platform, isMod bool) error
	// PropagateModerator sets the moderator flag on every identity the user
	// has linked.
	PropagateModerator(ctx context.Context, userID string, isMod bool) error
	// ListExpiring returns accounts with a refresh token whose access token
	// expires before the deadline.
	ListExpiring(ctx context.Context, before time.Time) ([]LinkedAccount, error)
}

// ParseScopes splits a space or comma separated scope string.
func ParseScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// JoinScopes is the inverse of ParseScopes.
func JoinScopes(scopes []string) string { return strings.Join(scopes, " ") }

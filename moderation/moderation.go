// Package moderation exposes a uniform moderator/ban API over platforms whose
// capabilities differ. Unsupported operations return a Result, never an error.
package moderation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/relay"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonUnsupported    = "unsupported"
	ReasonMissingScope   = "missing_scope"
	ReasonNotLinked      = "not_linked"
	ReasonNotFound       = "not_found"
	ReasonNotObserved    = "not_observed"
	ReasonReauthRequired = "reauth_required"
	ReasonRateLimited    = "rate_limited"
	ReasonForbidden      = "forbidden"
	ReasonError          = "error"
)

// Result is the outcome of a moderation operation.
type Result struct {
	Success     bool   `json:"success"`
	IsModerator bool   `json:"is_moderator,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func unsupported() Result         { return Result{Reason: ReasonUnsupported} }
func failed(reason string) Result { return Result{Reason: reason} }

// Target identifies the user acted upon. Either field may be empty; providers
// resolve what they need.
type Target struct {
	PlatformUserID string `json:"user_id"`
	Username       string `json:"username"`
}

// Provider implements moderation for one platform.
type Provider interface {
	CheckModerator(ctx context.Context, t Target) (Result, error)
	GrantModerator(ctx context.Context, t Target) (Result, error)
	RevokeModerator(ctx context.Context, t Target) (Result, error)
	BanOrTimeout(ctx context.Context, t Target, durationSeconds int, reason string) (Result, error)
}

// Unbanner is implemented by providers that can lift bans.
type Unbanner interface {
	Unban(ctx context.Context, t Target) (Result, error)
}

// Action names an operation for Do.
type Action string

const (
	ActionCheck  Action = "check"
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
	ActionBan    Action = "ban"
	ActionUnban  Action = "unban"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionCheck, ActionGrant, ActionRevoke, ActionBan, ActionUnban:
		return a, true
	}
	return "", false
}

// Service dispatches to the provider registered for each platform.
type Service struct {
	providers map[platform.Platform]Provider
	accounts  store.LinkedAccountStore
}

// NewService builds a service. accounts may be nil, which disables
// propagation of confirmed moderator status.
func NewService(accounts store.LinkedAccountStore, providers map[platform.Platform]Provider) *Service {
	m := make(map[platform.Platform]Provider, len(providers))
	for p, pr := range providers {
		m[p] = pr
	}
	return &Service{providers: m, accounts: accounts}
}

// CheckModerator reports whether t moderates the channel on p.
func (s *Service) CheckModerator(ctx context.Context, p platform.Platform, t Target) Result {
	return s.Do(ctx, ActionCheck, p, t, 0, "")
}

// GrantModerator makes t a moderator on p.
func (s *Service) GrantModerator(ctx context.Context, p platform.Platform, t Target) Result {
	return s.Do(ctx, ActionGrant, p, t, 0, "")
}

// RevokeModerator removes t's moderator role on p.
func (s *Service) RevokeModerator(ctx context.Context, p platform.Platform, t Target) Result {
	return s.Do(ctx, ActionRevoke, p, t, 0, "")
}

// BanOrTimeout bans t on p; a positive duration makes it a timeout.
func (s *Service) BanOrTimeout(ctx context.Context, p platform.Platform, t Target, durationSeconds int, reason string) Result {
	return s.Do(ctx, ActionBan, p, t, durationSeconds, reason)
}

// Do runs action against the provider for p.
func (s *Service) Do(ctx context.Context, action Action, p platform.Platform, t Target, durationSeconds int, reason string) Result {
	prov, ok := s.providers[p]
	if !ok {
		return unsupported()
	}
	var (
		res Result
		err error
	)
	switch action {
	case ActionCheck:
		res, err = prov.CheckModerator(ctx, t)
	case ActionGrant:
		res, err = prov.GrantModerator(ctx, t)
	case ActionRevoke:
		res, err = prov.RevokeModerator(ctx, t)
	case ActionBan:
		res, err = prov.BanOrTimeout(ctx, t, durationSeconds, reason)
	case ActionUnban:
		u, ok := prov.(Unbanner)
		if !ok {
			return unsupported()
		}
		res, err = u.Unban(ctx, t)
	default:
		return unsupported()
	}
	if err != nil {
		slog.Warn("moderation call failed", slog.String("component", "moderation"), slog.String("platform", string(p)),
			slog.String("action", string(action)), slog.Any("err", err))
		return failed(reasonFor(err))
	}
	if res.Success {
		switch {
		case action == ActionCheck && res.IsModerator, action == ActionGrant:
			s.propagate(ctx, p, t, true)
		case action == ActionRevoke:
			s.propagate(ctx, p, t, false)
		}
	}
	return res
}

// propagate mirrors a confirmed role change onto the user's linked identities.
// Grants spread to every identity; revocations only touch this platform.
func (s *Service) propagate(ctx context.Context, p platform.Platform, t Target, isMod bool) {
	if s.accounts == nil {
		return
	}
	var (
		acct *store.LinkedAccount
		err  error
	)
	if t.PlatformUserID != "" {
		acct, err = s.accounts.FindByPlatformUserID(ctx, p, t.PlatformUserID)
	}
	if (acct == nil || errors.Is(err, store.ErrNotFound)) && t.Username != "" {
		acct, err = s.accounts.FindByUsername(ctx, p, t.Username)
	}
	if err != nil || acct == nil {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("moderator propagation lookup failed", slog.String("platform", string(p)), slog.Any("err", err))
		}
		return
	}
	if isMod {
		err = s.accounts.PropagateModerator(ctx, acct.UserID, true)
	} else {
		err = s.accounts.SetModerator(ctx, acct.UserID, p, false)
	}
	if err != nil {
		slog.Warn("moderator propagation failed", slog.String("user_id", acct.UserID), slog.Any("err", err))
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, twitchapi.ErrMissingScope):
		return ReasonMissingScope
	case errors.Is(err, relay.ErrReauthRequired):
		return ReasonReauthRequired
	case errors.Is(err, store.ErrNotFound), errors.Is(err, relay.ErrNotLinked):
		return ReasonNotLinked
	case errors.Is(err, twitchapi.ErrNotFound), errors.Is(err, kickapi.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, twitchapi.ErrRateLimited), errors.Is(err, kickapi.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, twitchapi.ErrForbidden), errors.Is(err, kickapi.ErrForbidden):
		return ReasonForbidden
	}
	return ReasonError
}

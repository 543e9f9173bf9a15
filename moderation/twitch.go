package moderation

import (
	"context"

	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
)

// Twitch moderates through Helix as the broadcaster. The owner's linked
// account must be the broadcaster's.
type Twitch struct {
	Helix *twitchapi.HelixClient
	Owner Owner
}

// run checks scope on the owner account, resolves the target id and calls fn.
func (tw *Twitch) run(ctx context.Context, scope string, t Target, fn func(a *store.LinkedAccount, userID string) error) (Result, error) {
	var missing bool
	err := tw.Owner.call(ctx, platform.Twitch, func(a *store.LinkedAccount) error {
		if !a.HasScope(scope) {
			missing = true
			return nil
		}
		uid := t.PlatformUserID
		if uid == "" {
			u, err := tw.Helix.GetUser(ctx, a.AccessToken, t.Username)
			if err != nil {
				return err
			}
			uid = u.ID
		}
		return fn(a, uid)
	})
	if missing {
		return failed(ReasonMissingScope), nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true}, nil
}

func (tw *Twitch) CheckModerator(ctx context.Context, t Target) (Result, error) {
	var isMod bool
	res, err := tw.run(ctx, twitchapi.ScopeModerationRead, t, func(a *store.LinkedAccount, uid string) error {
		if uid == a.PlatformUserID {
			isMod = true
			return nil
		}
		var err error
		isMod, err = tw.Helix.IsModerator(ctx, a.AccessToken, a.PlatformUserID, uid)
		return err
	})
	res.IsModerator = res.Success && isMod
	return res, err
}

func (tw *Twitch) GrantModerator(ctx context.Context, t Target) (Result, error) {
	return tw.run(ctx, twitchapi.ScopeManageModerators, t, func(a *store.LinkedAccount, uid string) error {
		return tw.Helix.AddModerator(ctx, a.AccessToken, a.PlatformUserID, uid)
	})
}

func (tw *Twitch) RevokeModerator(ctx context.Context, t Target) (Result, error) {
	return tw.run(ctx, twitchapi.ScopeManageModerators, t, func(a *store.LinkedAccount, uid string) error {
		return tw.Helix.RemoveModerator(ctx, a.AccessToken, a.PlatformUserID, uid)
	})
}

func (tw *Twitch) BanOrTimeout(ctx context.Context, t Target, durationSeconds int, reason string) (Result, error) {
	return tw.run(ctx, twitchapi.ScopeManageBannedUsers, t, func(a *store.LinkedAccount, uid string) error {
		return tw.Helix.BanUser(ctx, a.AccessToken, a.PlatformUserID, a.PlatformUserID, uid, durationSeconds, reason)
	})
}

func (tw *Twitch) Unban(ctx context.Context, t Target) (Result, error) {
	return tw.run(ctx, twitchapi.ScopeManageBannedUsers, t, func(a *store.LinkedAccount, uid string) error {
		return tw.Helix.UnbanUser(ctx, a.AccessToken, a.PlatformUserID, a.PlatformUserID, uid)
	})
}

package moderation

import (
	"context"
	"errors"

	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
)

// Kick reads roles from the channel user lookup and bans through the public
// API. Kick exposes no endpoint for changing moderators.
type Kick struct {
	API     *kickapi.Client
	Channel string // slug
	Owner   Owner
}

func (k *Kick) lookup(ctx context.Context, t Target) (*kickapi.ChannelUser, error) {
	name := t.Username
	if name == "" && t.PlatformUserID != "" && k.Owner.Accounts != nil {
		if a, err := k.Owner.Accounts.FindByPlatformUserID(ctx, platform.Kick, t.PlatformUserID); err == nil {
			name = a.Username
		}
	}
	if name == "" {
		return nil, kickapi.ErrNotFound
	}
	return k.API.GetChannelUser(ctx, k.Channel, name)
}

func (k *Kick) CheckModerator(ctx context.Context, t Target) (Result, error) {
	u, err := k.lookup(ctx, t)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, IsModerator: u.IsModerator()}, nil
}

func (k *Kick) GrantModerator(context.Context, Target) (Result, error)  { return unsupported(), nil }
func (k *Kick) RevokeModerator(context.Context, Target) (Result, error) { return unsupported(), nil }

// ids resolves the broadcaster and target numeric ids.
func (k *Kick) ids(ctx context.Context, a *store.LinkedAccount, t Target) (int, int, error) {
	bid, err := kickapi.ParseUserID(a.PlatformUserID)
	if err != nil {
		return 0, 0, err
	}
	if t.PlatformUserID != "" {
		uid, err := kickapi.ParseUserID(t.PlatformUserID)
		return bid, uid, err
	}
	u, err := k.lookup(ctx, t)
	if err != nil {
		return 0, 0, err
	}
	if u.ID == 0 {
		return 0, 0, errors.New("kick: channel user has no id")
	}
	return bid, u.ID, nil
}

func (k *Kick) BanOrTimeout(ctx context.Context, t Target, durationSeconds int, reason string) (Result, error) {
	err := k.Owner.call(ctx, platform.Kick, func(a *store.LinkedAccount) error {
		bid, uid, err := k.ids(ctx, a, t)
		if err != nil {
			return err
		}
		return k.API.Ban(ctx, a.AccessToken, bid, uid, durationSeconds, reason)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true}, nil
}

func (k *Kick) Unban(ctx context.Context, t Target) (Result, error) {
	err := k.Owner.call(ctx, platform.Kick, func(a *store.LinkedAccount) error {
		bid, uid, err := k.ids(ctx, a, t)
		if err != nil {
			return err
		}
		return k.API.Unban(ctx, a.AccessToken, bid, uid)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true}, nil
}

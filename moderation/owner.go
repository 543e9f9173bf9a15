package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/relay"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
)

// Owner resolves the channel owner's linked account, which moderation calls
// are made with.
type Owner struct {
	Accounts  store.LinkedAccountStore
	UserID    string
	Refresher relay.Refresher
}

func (o Owner) account(ctx context.Context, p platform.Platform) (*store.LinkedAccount, error) {
	if o.Accounts == nil || o.UserID == "" {
		return nil, relay.ErrNotLinked
	}
	a, err := o.Accounts.Get(ctx, o.UserID, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", relay.ErrNotLinked, p)
	}
	return a, err
}

func tokenRejected(err error) bool {
	return errors.Is(err, twitchapi.ErrTokenExpired) || errors.Is(err, kickapi.ErrTokenExpired)
}

// call runs fn with the owner's account, refreshing the token once if the
// platform rejects it.
func (o Owner) call(ctx context.Context, p platform.Platform, fn func(a *store.LinkedAccount) error) error {
	a, err := o.account(ctx, p)
	if err != nil {
		return err
	}
	err = fn(a)
	if !tokenRejected(err) {
		return err
	}
	if o.Refresher == nil {
		return fmt.Errorf("%w: %w", relay.ErrReauthRequired, err)
	}
	fresh, rerr := o.Refresher.Refresh(ctx, o.UserID, p)
	if rerr != nil {
		return fmt.Errorf("%w: %w", relay.ErrReauthRequired, rerr)
	}
	if err = fn(fresh); tokenRejected(err) {
		return fmt.Errorf("%w: %w", relay.ErrReauthRequired, err)
	}
	return err
}

package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/twitchapi"
)

// ErrRefreshRejected means the provider refused the refresh token; the
// account must be linked again.
var ErrRefreshRejected = errors.New("oauth: refresh token rejected")

// TwitchRefresher refreshes through id.twitch.tv.
func TwitchRefresher(clientID, clientSecret string, hc *http.Client) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (store.TokenUpdate, error) {
		res, err := twitchapi.RefreshToken(ctx, hc, clientID, clientSecret, refreshToken)
		if err != nil {
			if errors.Is(err, twitchapi.ErrTokenExpired) {
				return store.TokenUpdate{}, errors.Join(ErrRefreshRejected, err)
			}
			return store.TokenUpdate{}, err
		}
		return store.TokenUpdate{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
			ExpiresAt:    twitchapi.ComputeExpiry(res.ExpiresIn),
			Scopes:       res.Scope,
		}, nil
	}
}

// OAuth2Refresher refreshes through a standard oauth2 token endpoint
// (Google for YouTube, id.kick.com for Kick).
func OAuth2Refresher(cfg *oauth2.Config, hc *http.Client) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (store.TokenUpdate, error) {
		if hc != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
		}
		expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
		tok, err := cfg.TokenSource(ctx, expired).Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode == http.StatusBadRequest {
				return store.TokenUpdate{}, errors.Join(ErrRefreshRejected, err)
			}
			return store.TokenUpdate{}, err
		}
		upd := store.TokenUpdate{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
		if tok.RefreshToken != refreshToken {
			upd.RefreshToken = tok.RefreshToken
		}
		if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
			upd.Scopes = store.ParseScopes(scope)
		}
		return upd, nil
	}
}

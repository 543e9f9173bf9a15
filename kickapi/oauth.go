package kickapi

import (
	"golang.org/x/oauth2"
)

// Endpoint is Kick's OAuth 2.1 authorization server.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://id.kick.com/oauth/authorize",
	TokenURL:  "https://id.kick.com/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// DefaultScopes covers reading the user, chatting and moderating.
var DefaultScopes = []string{"user:read", "channel:read", "chat:write", "moderation:ban"}

// OAuthConfig builds the client config used for linking and refreshing.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       DefaultScopes,
	}
}

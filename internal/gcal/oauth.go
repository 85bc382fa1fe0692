package gcal

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

var (
	ErrNoRefreshToken = errors.New("no refresh token")
)

// Scopes requested at login: calendar access plus the OpenID identity claims.
var Scopes = []string{calendar.CalendarScope, "openid", "email", "profile"}

// OAuthConfig returns the Google OAuth client configuration.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
}

// Factory builds authenticated Clients from stored refresh tokens.
type Factory struct {
	oauth *oauth2.Config
	opts  []Option
}

// NewFactory creates a Factory for the given OAuth client.
func NewFactory(cfg *oauth2.Config, opts ...Option) *Factory {
	return &Factory{oauth: cfg, opts: opts}
}

// New exchanges refreshToken for an access token immediately, so a revoked
// or expired grant is reported here rather than by the first API call. The
// returned client refreshes the access token again whenever it expires.
func (f *Factory) New(ctx context.Context, refreshToken string) (*Client, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	ts := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}

	return NewClient(ctx, oauth2.NewClient(ctx, ts), f.opts...)
}

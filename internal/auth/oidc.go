package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// GoogleIssuer is the issuer of Google-signed ID tokens.
const GoogleIssuer = "https://accounts.google.com"

var (
	ErrOIDCInit         = errors.New("OIDC initialization failed")
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrTokenVerify      = errors.New("token verification failed")
	ErrMissingEmail     = errors.New("email claim is required")
	ErrEmailNotVerified = errors.New("email is not verified")
)

// OIDCClaims represents the claims extracted from an ID token.
type OIDCClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// LoginProvider handles Google sign-in. Login requests offline access so the
// callback receives the refresh token that syncs run with.
type LoginProvider struct {
	verifier *oidc.IDTokenVerifier
	config   *oauth2.Config
}

// NewLoginProvider discovers the Google issuer and wraps cfg, which must
// carry the calendar and OpenID scopes.
func NewLoginProvider(ctx context.Context, cfg *oauth2.Config) (*LoginProvider, error) {
	provider, err := oidc.NewProvider(ctx, GoogleIssuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}
	return newLoginProvider(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg), nil
}

func newLoginProvider(verifier *oidc.IDTokenVerifier, cfg *oauth2.Config) *LoginProvider {
	return &LoginProvider{verifier: verifier, config: cfg}
}

// AuthCodeURL returns the consent URL. The consent prompt is forced so Google
// issues a fresh refresh token on every login.
func (p *LoginProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange exchanges an authorization code for tokens.
func (p *LoginProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	return token, nil
}

// VerifyIDToken verifies the ID token returned with token and extracts its claims.
func (p *LoginProvider) VerifyIDToken(ctx context.Context, token *oauth2.Token) (*OIDCClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}
	return verifyClaims(ctx, p.verifier, rawIDToken)
}

func verifyClaims(ctx context.Context, verifier *oidc.IDTokenVerifier, rawIDToken string) (*OIDCClaims, error) {
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}

	if claims.Email == "" {
		return nil, ErrMissingEmail
	}
	if !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	return &claims, nil
}

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/rpc-server-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the JWT access token
// authenticator (scopes, algorithms, leeway, etc.).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences too,
// typically a localhost URL during development.
func WithAdditionalAudiences(aud ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// WithPlainJWT accepts tokens whose "typ" header is not "at+jwt". Browser
// sessions often carry ID-token style JWTs in a cookie.
func WithPlainJWT() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.AcceptAnyTyp = true }
}

// NewFromDiscovery returns an Authenticator that verifies JWT access tokens
// using keys found through OpenID Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromJWKS returns an Authenticator for an issuer whose key set lives at a
// known URL, skipping discovery.
func NewFromJWKS(ctx context.Context, issuer, jwksURL, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := newConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromJWKS(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

func newConfig(issuer, audience string, opts []AccessTokenAuthOption) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// adapter maps the verifier's sentinel errors onto the public ones.
type adapter struct {
	v *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.v.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

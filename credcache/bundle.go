package credcache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// IdToken is an oidc id_token
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// Claims retrieves the IdToken claims WITHOUT verifying anything about the
// token.  It is intended for display-adjacent uses after the token has been
// validated by a ClaimValidator, never as a substitute for validation.
func (t IdToken) Claims(claims interface{}) error {
	const op = "IdToken.Claims"
	if len(t) == 0 {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	return UnmarshalClaims(string(t), claims)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// UnmarshalClaims decodes the payload segment of a compact JWT into claims.
// No signature verification of any kind is performed.
func UnmarshalClaims(token string, claims interface{}) error {
	const op = "credcache.UnmarshalClaims"
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%s: expected 3 segments, got %d: %w", op, len(parts), ErrMalformedToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%s: unable to decode payload segment: %w", op, ErrMalformedToken)
	}
	if err := json.Unmarshal(raw, claims); err != nil {
		return fmt.Errorf("%s: unable to unmarshal claims: %w", op, ErrMalformedToken)
	}
	return nil
}

// RawTokenResponse is the deserialized JSON body of a token-endpoint
// response, handed to the core by the flow orchestration layer.  How the
// response was obtained (HTTP transport, endpoint construction) is the
// caller's concern.
type RawTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IdToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewRawTokenResponse converts an *oauth2.Token, as returned by an
// authorization code exchange, into the RawTokenResponse the
// TokenLifecycleManager ingests.
func NewRawTokenResponse(t *oauth2.Token) (*RawTokenResponse, error) {
	const op = "credcache.NewRawTokenResponse"
	if t == nil {
		return nil, fmt.Errorf("%s: token is nil: %w", op, ErrNilParameter)
	}
	r := &RawTokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if idToken, ok := t.Extra("id_token").(string); ok {
		r.IdToken = idToken
	}
	if scope, ok := t.Extra("scope").(string); ok {
		r.Scope = scope
	}
	if !t.Expiry.IsZero() {
		if secs := int64(time.Until(t.Expiry).Seconds()); secs > 0 {
			r.ExpiresIn = secs
		}
	}
	return r, nil
}

// TokenBundle is the unit stored per session slot: the full set of tokens
// obtained by one flow.  A bundle is only ever replaced whole; there are no
// partial updates.
type TokenBundle struct {
	AccessToken  AccessToken
	IdToken      IdToken
	RefreshToken RefreshToken

	// TokenType of the access token, "Bearer" unless the server said
	// otherwise.
	TokenType string

	// Scope granted by the server, when it reported one.
	Scope string

	// IssuedAt is set by the CredentialStore when the bundle is saved.  It is
	// deliberately not taken from the server response.
	IssuedAt time.Time

	// ExpiresIn is the server-declared access token lifetime in seconds.
	// Zero means the server declared none.
	ExpiresIn int64
}

func newTokenBundle(raw *RawTokenResponse) *TokenBundle {
	tokenType := raw.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &TokenBundle{
		AccessToken:  AccessToken(raw.AccessToken),
		IdToken:      IdToken(raw.IdToken),
		RefreshToken: RefreshToken(raw.RefreshToken),
		TokenType:    tokenType,
		Scope:        raw.Scope,
		ExpiresIn:    raw.ExpiresIn,
	}
}

// ExpiresAt derives the token-declared expiration.  The zero time is
// returned when the server declared no lifetime.
func (b *TokenBundle) ExpiresAt() time.Time {
	if b.ExpiresIn == 0 || b.IssuedAt.IsZero() {
		return time.Time{}
	}
	return b.IssuedAt.Add(time.Duration(b.ExpiresIn) * time.Second)
}

// Expired returns true when the bundle's token-declared expiration has
// passed.  Supports WithNow and WithExpirySkew options; the default skew is
// zero so the boundary is exactly ExpiresAt.
func (b *TokenBundle) Expired(opt ...Option) bool {
	exp := b.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	opts := getBundleOpts(opt...)
	return exp.Round(0).Before(opts.withNowFunc().Add(opts.withExpirySkew))
}

// Valid returns true when the bundle carries an access token that has not
// expired.
func (b *TokenBundle) Valid(opt ...Option) bool {
	if b == nil {
		return false
	}
	if b.AccessToken == "" {
		return false
	}
	return !b.Expired(opt...)
}

// bundleOptions is the set of available options for TokenBundle functions
type bundleOptions struct {
	withNowFunc    func() time.Time
	withExpirySkew time.Duration
}

// bundleDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func bundleDefaults() bundleOptions {
	return bundleOptions{
		withNowFunc: time.Now,
	}
}

// getBundleOpts gets the bundle defaults and applies the opt overrides
// passed in.
func getBundleOpts(opt ...Option) bundleOptions {
	opts := bundleDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

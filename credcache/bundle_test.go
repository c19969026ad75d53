package credcache

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestRedaction(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	b := &TokenBundle{
		AccessToken:  "at-secret",
		IdToken:      "idt-secret",
		RefreshToken: "rt-secret",
		TokenType:    "Bearer",
	}
	assert.Equal(RedactedAccessToken, b.AccessToken.String())
	assert.Equal(RedactedIdToken, b.IdToken.String())
	assert.Equal(RedactedRefreshToken, b.RefreshToken.String())

	raw, err := json.Marshal(b)
	require.NoError(err)
	assert.NotContains(string(raw), "secret")
	assert.Contains(string(raw), RedactedAccessToken)
}

func TestIdToken_Claims(t *testing.T) {
	t.Parallel()
	_, priv := TestGenerateKeys(t)
	now := time.Now()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		raw := TestSignJWT(t, priv, testClaims(now), map[string]interface{}{"email": "alice@example.com"})
		var claims map[string]interface{}
		require.NoError(IdToken(raw).Claims(&claims))
		assert.Equal(testIssuer, claims["iss"])
		assert.Equal("alice@example.com", claims["email"])
	})
	t.Run("empty-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		var claims map[string]interface{}
		err := IdToken("").Claims(&claims)
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("nil-claims", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		err := IdToken("a.b.c").Claims(nil)
		require.Error(err)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("malformed", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		var claims map[string]interface{}
		err := IdToken("only-one-segment").Claims(&claims)
		require.Error(err)
		assert.True(errors.Is(err, ErrMalformedToken))
	})
}

func TestNewRawTokenResponse(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tok := (&oauth2.Token{
			AccessToken:  "at-1",
			TokenType:    "Bearer",
			RefreshToken: "rt-1",
			Expiry:       time.Now().Add(time.Hour),
		}).WithExtra(map[string]interface{}{
			"id_token": "a.b.c",
			"scope":    "openid",
		})
		got, err := NewRawTokenResponse(tok)
		require.NoError(err)
		assert.Equal("at-1", got.AccessToken)
		assert.Equal("rt-1", got.RefreshToken)
		assert.Equal("a.b.c", got.IdToken)
		assert.Equal("openid", got.Scope)
		assert.InDelta(3600, got.ExpiresIn, 5)
	})
	t.Run("no-expiry", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := NewRawTokenResponse(&oauth2.Token{AccessToken: "at-1"})
		require.NoError(err)
		assert.Zero(got.ExpiresIn)
	})
	t.Run("nil-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, err := NewRawTokenResponse(nil)
		require.Error(err)
		assert.True(errors.Is(err, ErrNilParameter))
	})
}

func TestTokenBundle_Expired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name        string
		bundle      *TokenBundle
		opts        []Option
		wantExpired bool
	}{
		{
			name:        "no-declared-lifetime-never-expires",
			bundle:      &TokenBundle{AccessToken: "at", IssuedAt: now.Add(-time.Hour)},
			wantExpired: false,
		},
		{
			name:        "within-lifetime",
			bundle:      &TokenBundle{AccessToken: "at", IssuedAt: now, ExpiresIn: 3600},
			wantExpired: false,
		},
		{
			name:        "past-lifetime",
			bundle:      &TokenBundle{AccessToken: "at", IssuedAt: now.Add(-2 * time.Hour), ExpiresIn: 3600},
			wantExpired: true,
		},
		{
			name:        "skew-widens-the-boundary",
			bundle:      &TokenBundle{AccessToken: "at", IssuedAt: now, ExpiresIn: 5},
			opts:        []Option{WithExpirySkew(10 * time.Second)},
			wantExpired: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			opts := append([]Option{WithNow(func() time.Time { return now })}, tt.opts...)
			assert.Equal(tt.wantExpired, tt.bundle.Expired(opts...))
		})
	}
}

func TestTokenBundle_Valid(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	var nilBundle *TokenBundle
	assert.False(nilBundle.Valid())
	assert.False((&TokenBundle{}).Valid())
	assert.True((&TokenBundle{AccessToken: "at"}).Valid())
}

func TestTokenBundle_ExpiresAt(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	now := time.Now()
	b := &TokenBundle{AccessToken: "at", IssuedAt: now, ExpiresIn: 60}
	assert.Equal(now.Add(time.Minute), b.ExpiresAt())
	assert.True((&TokenBundle{AccessToken: "at", IssuedAt: now}).ExpiresAt().IsZero())
	assert.True((&TokenBundle{AccessToken: "at", ExpiresIn: 60}).ExpiresAt().IsZero())
}

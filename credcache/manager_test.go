package credcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	manager *TokenLifecycleManager
	ledger  *NonceLedger
	storage *MemoryStorage
	priv    string
}

func newTestHarness(t *testing.T, nowFunc func() time.Time, opt ...Option) *testHarness {
	t.Helper()
	require := require.New(t)
	pub, priv := TestGenerateKeys(t)

	storage := NewMemoryStorage()
	box, err := NewCipherBox(nil)
	require.NoError(err)
	store, err := NewCredentialStore(box, storage, WithNow(nowFunc))
	require.NoError(err)
	ledger, err := NewNonceLedger(WithNow(nowFunc))
	require.NoError(err)
	validator, err := NewClaimValidator(TestKeySetSource(t, pub), ledger, WithNow(nowFunc))
	require.NoError(err)
	m, err := NewTokenLifecycleManager(store, validator, ledger, opt...)
	require.NoError(err)

	return &testHarness{
		manager: m,
		ledger:  ledger,
		storage: storage,
		priv:    priv,
	}
}

func (h *testHarness) signedResponse(t *testing.T, now time.Time, privateClaims map[string]interface{}) *RawTokenResponse {
	t.Helper()
	return &RawTokenResponse{
		AccessToken: "at-e2e-1234",
		TokenType:   "Bearer",
		ExpiresIn:   3600,
		IdToken:     TestSignJWT(t, h.priv, testClaims(now), privateClaims),
	}
}

func TestTokenLifecycleManager_IngestAndCurrent(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	now := time.Now()
	h := newTestHarness(t, func() time.Time { return now })

	nonce, err := h.manager.IssueNonce()
	require.NoError(err)

	bundle, identity, err := h.manager.Ingest(ctx, "session-1", h.signedResponse(t, now, map[string]interface{}{"nonce": nonce}), nonce, testPolicy())
	require.NoError(err)
	require.NotNil(bundle)
	require.NotNil(identity)
	assert.Equal("alice@example.com", identity.Subject)

	got, err := h.manager.Current("session-1")
	require.NoError(err)
	require.NotNil(got)
	assert.Equal(bundle, got)
}

func TestTokenLifecycleManager_AudienceMismatchStoresNothing(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	now := time.Now()
	h := newTestHarness(t, func() time.Time { return now })

	nonce, err := h.manager.IssueNonce()
	require.NoError(err)
	raw := h.signedResponse(t, now, map[string]interface{}{"nonce": nonce})

	p := testPolicy()
	p.Audience = "other-client"
	_, _, err = h.manager.Ingest(ctx, "session-1", raw, nonce, p)
	require.Error(err)
	assert.True(errors.Is(err, ErrInvalidAudience))

	// nothing was stored, access token included
	got, err := h.manager.Current("session-1")
	require.NoError(err)
	assert.Nil(got)
}

func TestTokenLifecycleManager_ReplayRejected(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	now := time.Now()
	h := newTestHarness(t, func() time.Time { return now })

	nonce, err := h.manager.IssueNonce()
	require.NoError(err)
	raw := h.signedResponse(t, now, map[string]interface{}{"nonce": nonce})

	_, _, err = h.manager.Ingest(ctx, "session-1", raw, nonce, testPolicy())
	require.NoError(err)

	// the exact same response delivered again, e.g. a duplicated browser
	// navigation event
	_, _, err = h.manager.Ingest(ctx, "session-2", raw, nonce, testPolicy())
	require.Error(err)
	assert.True(errors.Is(err, ErrReplayDetected))

	got, err := h.manager.Current("session-2")
	require.NoError(err)
	assert.Nil(got)
}

func TestTokenLifecycleManager_ExpiryEvictsBackingKey(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	now := time.Now()
	current := now
	h := newTestHarness(t, func() time.Time { return current })

	raw := &RawTokenResponse{
		AccessToken: "at-short-lived",
		ExpiresIn:   1,
	}
	_, _, err := h.manager.Ingest(ctx, "session-1", raw, "", testPolicy())
	require.NoError(err)

	current = now.Add(2 * time.Second)
	got, err := h.manager.Current("session-1")
	require.NoError(err)
	assert.Nil(got)

	// the slot itself is gone from the backing store
	rawRec, err := h.storage.Get("session-1")
	require.NoError(err)
	assert.Nil(rawRec)
}

func TestTokenLifecycleManager_Ingest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	h := newTestHarness(t, func() time.Time { return now })

	tests := []struct {
		name          string
		raw           *RawTokenResponse
		expectedNonce string
		wantIsErr     error
	}{
		{
			name:      "nil-response",
			raw:       nil,
			wantIsErr: ErrNilParameter,
		},
		{
			name:      "no-access-token",
			raw:       &RawTokenResponse{IdToken: "a.b.c"},
			wantIsErr: ErrInvalidParameter,
		},
		{
			name:          "nonce-issued-but-no-id-token",
			raw:           &RawTokenResponse{AccessToken: "at-1"},
			expectedNonce: "n_issued",
			wantIsErr:     ErrMissingIdToken,
		},
		{
			name: "pure-oauth-no-id-token",
			raw:  &RawTokenResponse{AccessToken: "at-1", ExpiresIn: 60},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			bundle, _, err := h.manager.Ingest(ctx, SlotId("slot-"+tt.name), tt.raw, tt.expectedNonce, testPolicy())
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			require.NotNil(bundle)
			assert.Equal("Bearer", bundle.TokenType)
		})
	}
}

func TestTokenLifecycleManager_ConsumeState(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	now := time.Now()
	h := newTestHarness(t, func() time.Time { return now })

	state, err := h.manager.IssueState()
	require.NoError(err)
	require.NoError(h.manager.ConsumeState(state))

	err = h.manager.ConsumeState(state)
	require.Error(err)
	assert.True(errors.Is(err, ErrNotFound))
}

func TestTokenLifecycleManager_Revoke(t *testing.T) {
	t.Parallel()
	t.Run("clears-and-notifies", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ctx := context.Background()
		now := time.Now()
		var revoked *TokenBundle
		cb := func(_ context.Context, b *TokenBundle) error {
			revoked = b
			return nil
		}
		h := newTestHarness(t, func() time.Time { return now }, WithRevocationCallback(cb))

		_, _, err := h.manager.Ingest(ctx, "session-1", &RawTokenResponse{AccessToken: "at-1"}, "", testPolicy())
		require.NoError(err)

		require.NoError(h.manager.Revoke(ctx, "session-1"))
		require.NotNil(revoked)
		assert.Equal(AccessToken("at-1"), revoked.AccessToken)

		got, err := h.manager.Current("session-1")
		require.NoError(err)
		assert.Nil(got)
	})
	t.Run("callback-failure-is-best-effort", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ctx := context.Background()
		now := time.Now()
		cb := func(context.Context, *TokenBundle) error {
			return errors.New("revocation endpoint unreachable")
		}
		h := newTestHarness(t, func() time.Time { return now }, WithRevocationCallback(cb))

		_, _, err := h.manager.Ingest(ctx, "session-1", &RawTokenResponse{AccessToken: "at-1"}, "", testPolicy())
		require.NoError(err)

		// the local clear still succeeds
		require.NoError(h.manager.Revoke(ctx, "session-1"))
		got, err := h.manager.Current("session-1")
		require.NoError(err)
		assert.Nil(got)
	})
	t.Run("empty-slot", func(t *testing.T) {
		require := require.New(t)
		now := time.Now()
		h := newTestHarness(t, func() time.Time { return now })
		require.NoError(h.manager.Revoke(context.Background(), "never-used"))
	})
}

func TestNewTokenLifecycleManager(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	now := time.Now()
	h := newTestHarness(t, func() time.Time { return now })

	_, err := NewTokenLifecycleManager(nil, nil, nil)
	require.Error(err)
	assert.True(errors.Is(err, ErrNilParameter))

	_, err = NewTokenLifecycleManager(h.manager.store, h.manager.validator, nil)
	require.Error(err)
	assert.True(errors.Is(err, ErrNilParameter))
}

package credcache

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// RevocationCallback is notified, best effort, when a slot is revoked.
// Calling the authorization server's revocation endpoint from it is the
// collaborator's concern; a callback failure never blocks the local revoke.
type RevocationCallback func(ctx context.Context, b *TokenBundle) error

// TokenLifecycleManager is the facade combining the CredentialStore,
// ClaimValidator and NonceLedger; it is the only contract the rest of the
// application uses.
type TokenLifecycleManager struct {
	store     *CredentialStore
	validator *ClaimValidator
	ledger    *NonceLedger

	revocationCallback RevocationCallback
	logger             hclog.Logger
}

// NewTokenLifecycleManager creates the facade from its three collaborators.
// Supported options: WithRevocationCallback, WithLogger
func NewTokenLifecycleManager(store *CredentialStore, validator *ClaimValidator, ledger *NonceLedger, opt ...Option) (*TokenLifecycleManager, error) {
	const op = "credcache.NewTokenLifecycleManager"
	if store == nil {
		return nil, fmt.Errorf("%s: credential store is nil: %w", op, ErrNilParameter)
	}
	if validator == nil {
		return nil, fmt.Errorf("%s: claim validator is nil: %w", op, ErrNilParameter)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%s: nonce ledger is nil: %w", op, ErrNilParameter)
	}
	opts := getManagerOpts(opt...)
	return &TokenLifecycleManager{
		store:              store,
		validator:          validator,
		ledger:             ledger,
		revocationCallback: opts.withRevocationCallback,
		logger:             opts.withLogger,
	}, nil
}

// IssueState generates and records a single-use CSRF state value for the
// caller to embed in its outgoing authorization request.
func (m *TokenLifecycleManager) IssueState() (string, error) {
	return m.ledger.Issue(PurposeState)
}

// IssueNonce generates and records a single-use nonce value to be bound into
// the id_token the caller is about to request.
func (m *TokenLifecycleManager) IssueNonce() (string, error) {
	return m.ledger.Issue(PurposeNonce)
}

// ConsumeState consumes the state echoed back on the redirect callback.  It
// must succeed before the authorization response is processed any further.
func (m *TokenLifecycleManager) ConsumeState(value string) error {
	return m.ledger.Consume(PurposeState, value)
}

// Ingest accepts a raw token-endpoint response for a slot.  When the
// response carries an id_token it is run through the ClaimValidator with
// expectedNonce and the policy; on any validation failure the whole ingest
// is rejected and nothing is stored, access and refresh tokens included —
// partial trust is not allowed.  On success (or when there was no id_token
// to validate, as in pure OAuth flows) the bundle is encrypted, stored as a
// full overwrite of the slot and returned, together with the validated
// identity when one was produced.
func (m *TokenLifecycleManager) Ingest(ctx context.Context, slot SlotId, raw *RawTokenResponse, expectedNonce string, p ValidationPolicy) (*TokenBundle, *ValidatedIdentity, error) {
	const op = "TokenLifecycleManager.Ingest"
	if raw == nil {
		return nil, nil, fmt.Errorf("%s: raw token response is nil: %w", op, ErrNilParameter)
	}
	if raw.AccessToken == "" {
		return nil, nil, fmt.Errorf("%s: access token is empty: %w", op, ErrInvalidParameter)
	}
	var identity *ValidatedIdentity
	switch {
	case raw.IdToken != "":
		var err error
		identity, err = m.validator.Validate(ctx, IdToken(raw.IdToken), expectedNonce, p)
		if err != nil {
			m.logger.Debug("rejecting token response", "slot", slot)
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
	case expectedNonce != "":
		// A nonce was issued for this flow, so an id_token was requested;
		// a response without one is not trustworthy.
		return nil, nil, fmt.Errorf("%s: nonce was issued but response carries no id_token: %w", op, ErrMissingIdToken)
	}
	bundle, err := m.store.Save(slot, newTokenBundle(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return bundle, identity, nil
}

// Current returns the slot's bundle, or nil when the slot is empty, expired
// or unreadable.  Reading self-evicts stale records, so callers wanting
// proactive eviction can simply call Current periodically.
func (m *TokenLifecycleManager) Current(slot SlotId) (*TokenBundle, error) {
	const op = "TokenLifecycleManager.Current"
	b, err := m.store.Load(slot)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// Revoke clears the slot and, when a RevocationCallback is configured,
// notifies it with the bundle that was present.  Callback failures are
// logged and swallowed; the local clear is what matters.
func (m *TokenLifecycleManager) Revoke(ctx context.Context, slot SlotId) error {
	const op = "TokenLifecycleManager.Revoke"
	b, err := m.store.Load(slot)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := m.store.Clear(slot); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if m.revocationCallback != nil && b != nil {
		if err := m.revocationCallback(ctx, b); err != nil {
			m.logger.Warn("revocation callback failed", "slot", slot, "error", err)
		}
	}
	return nil
}

// WithRevocationCallback provides an optional callback notified when a slot
// is revoked.
func WithRevocationCallback(cb RevocationCallback) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withRevocationCallback = cb
		}
	}
}

// managerOptions is the set of available options for TokenLifecycleManager
// functions
type managerOptions struct {
	withRevocationCallback RevocationCallback
	withLogger             hclog.Logger
}

// managerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func managerDefaults() managerOptions {
	return managerOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

// getManagerOpts gets the manager defaults and applies the opt overrides
// passed in.
func getManagerOpts(opt ...Option) managerOptions {
	opts := managerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

package credcache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// SlotId names one logical session slot in the backing store.
type SlotId string

// DefaultMaxBundleAge bounds how long a bundle may live regardless of the
// lifetime the server declared for it.  It is a defense against clock skew
// and forged long-lived tokens, not a substitute for token expiry.
const DefaultMaxBundleAge = 24 * time.Hour

// CredentialStore manages one encrypted TokenBundle per session slot on top
// of a CipherBox and a pluggable backing Storage.
//
// Corruption and expiration are handled internally as absence: from the
// caller's perspective an expired or tampered credential is indistinguishable
// from "log in again".  Only genuine backing store failures surface as
// errors.
type CredentialStore struct {
	box     *CipherBox
	storage Storage

	maxBundleAge time.Duration
	expirySkew   time.Duration
	nowFunc      func() time.Time
	logger       hclog.Logger
}

// storedBundle is the cleartext serialization of a TokenBundle before it is
// sealed by the CipherBox.  It carries the real token values, which is why it
// stays private to the store.
type storedBundle struct {
	AccessToken  string `json:"access_token"`
	IdToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope,omitempty"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

func (sb *storedBundle) bundle() *TokenBundle {
	return &TokenBundle{
		AccessToken:  AccessToken(sb.AccessToken),
		IdToken:      IdToken(sb.IdToken),
		RefreshToken: RefreshToken(sb.RefreshToken),
		TokenType:    sb.TokenType,
		Scope:        sb.Scope,
		IssuedAt:     time.Unix(sb.IssuedAt, 0),
		ExpiresIn:    sb.ExpiresIn,
	}
}

// NewCredentialStore creates a store over the given CipherBox and Storage.
// Supported options: WithMaxBundleAge, WithExpirySkew, WithNow, WithLogger
func NewCredentialStore(box *CipherBox, storage Storage, opt ...Option) (*CredentialStore, error) {
	const op = "credcache.NewCredentialStore"
	if box == nil {
		return nil, fmt.Errorf("%s: cipher box is nil: %w", op, ErrNilParameter)
	}
	if storage == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	if opts.withMaxBundleAge <= 0 {
		return nil, fmt.Errorf("%s: max bundle age not greater than zero: %w", op, ErrInvalidParameter)
	}
	return &CredentialStore{
		box:          box,
		storage:      storage,
		maxBundleAge: opts.withMaxBundleAge,
		expirySkew:   opts.withExpirySkew,
		nowFunc:      opts.withNowFunc,
		logger:       opts.withLogger,
	}, nil
}

func (s *CredentialStore) now() time.Time {
	return s.nowFunc()
}

// Save serializes and encrypts the bundle, then writes it to the slot as a
// single overwrite.  The bundle's IssuedAt is set by the store at save time,
// at second resolution; the stored bundle is returned.  A bundle without an
// access token is rejected.
func (s *CredentialStore) Save(slot SlotId, b *TokenBundle) (*TokenBundle, error) {
	const op = "CredentialStore.Save"
	if slot == "" {
		return nil, fmt.Errorf("%s: slot is empty: %w", op, ErrInvalidParameter)
	}
	if b == nil {
		return nil, fmt.Errorf("%s: bundle is nil: %w", op, ErrNilParameter)
	}
	if b.AccessToken == "" {
		return nil, fmt.Errorf("%s: bundle access token is empty: %w", op, ErrInvalidParameter)
	}
	sb := &storedBundle{
		AccessToken:  string(b.AccessToken),
		IdToken:      string(b.IdToken),
		RefreshToken: string(b.RefreshToken),
		TokenType:    b.TokenType,
		Scope:        b.Scope,
		IssuedAt:     s.now().Unix(),
		ExpiresIn:    b.ExpiresIn,
	}
	plaintext, err := json.Marshal(sb)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to serialize bundle: %w", op, err)
	}
	rec, err := s.box.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encrypt bundle: %w", op, err)
	}
	raw, err := rec.Encode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.storage.Put(string(slot), raw); err != nil {
		return nil, fmt.Errorf("%s: unable to write slot: %w", op, multierror.Append(ErrBackingStore, err))
	}
	return sb.bundle(), nil
}

// Load reads and decrypts the slot's bundle.  An absent slot returns nil,
// nil.  A record that fails authentication or deserialization is proactively
// deleted and reported as absent (self-healing): corruption is expected
// after key or version changes and is never a caller-facing error.  A bundle
// past its token-declared expiry, or older than the store's absolute max
// age, is likewise deleted and reported as absent.
func (s *CredentialStore) Load(slot SlotId) (*TokenBundle, error) {
	const op = "CredentialStore.Load"
	if slot == "" {
		return nil, fmt.Errorf("%s: slot is empty: %w", op, ErrInvalidParameter)
	}
	raw, err := s.storage.Get(string(slot))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read slot: %w", op, multierror.Append(ErrBackingStore, err))
	}
	if raw == nil {
		return nil, nil
	}
	rec, err := DecodeEncryptedRecord(raw)
	if err != nil {
		s.selfHeal(slot, "undecodable record")
		return nil, nil
	}
	plaintext, err := s.box.Decrypt(rec)
	if err != nil {
		s.selfHeal(slot, "record failed authentication")
		return nil, nil
	}
	var sb storedBundle
	if err := json.Unmarshal(plaintext, &sb); err != nil {
		s.selfHeal(slot, "undecodable bundle")
		return nil, nil
	}
	b := sb.bundle()
	now := s.now()
	if b.Expired(WithNow(s.nowFunc), WithExpirySkew(s.expirySkew)) {
		s.selfHeal(slot, "bundle expired")
		return nil, nil
	}
	if now.Sub(b.IssuedAt) > s.maxBundleAge {
		s.selfHeal(slot, "bundle past absolute max age")
		return nil, nil
	}
	return b, nil
}

// Clear unconditionally deletes the slot.  Clearing an empty slot is not an
// error.
func (s *CredentialStore) Clear(slot SlotId) error {
	const op = "CredentialStore.Clear"
	if slot == "" {
		return fmt.Errorf("%s: slot is empty: %w", op, ErrInvalidParameter)
	}
	if err := s.storage.Delete(string(slot)); err != nil {
		return fmt.Errorf("%s: unable to delete slot: %w", op, multierror.Append(ErrBackingStore, err))
	}
	return nil
}

// IsPresentAndFresh reports whether the slot currently holds a readable,
// unexpired bundle, with the same expiration logic (and lazy eviction) as
// Load.
func (s *CredentialStore) IsPresentAndFresh(slot SlotId) bool {
	b, err := s.Load(slot)
	return err == nil && b != nil
}

// selfHeal removes a slot whose record can no longer be trusted or used.
// Only the reason and slot are logged; record contents never are.
func (s *CredentialStore) selfHeal(slot SlotId, reason string) {
	s.logger.Debug("removing credential record", "slot", slot, "reason", reason)
	if err := s.storage.Delete(string(slot)); err != nil {
		s.logger.Warn("unable to remove credential record", "slot", slot, "error", err)
	}
}

// WithMaxBundleAge provides an optional absolute maximum age for stored
// bundles, independent of any server-declared lifetime.  See
// DefaultMaxBundleAge.
func WithMaxBundleAge(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*storeOptions); ok {
			o.withMaxBundleAge = d
		}
	}
}

// storeOptions is the set of available options for CredentialStore functions
type storeOptions struct {
	withMaxBundleAge time.Duration
	withExpirySkew   time.Duration
	withNowFunc      func() time.Time
	withLogger       hclog.Logger
}

// storeDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func storeDefaults() storeOptions {
	return storeOptions{
		withMaxBundleAge: DefaultMaxBundleAge,
		withNowFunc:      time.Now,
		withLogger:       hclog.NewNullLogger(),
	}
}

// getStoreOpts gets the store defaults and applies the opt overrides passed
// in.
func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

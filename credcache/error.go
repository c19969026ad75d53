package credcache

import (
	"errors"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrIdGeneratorFailed = errors.New("id generation failed")
	ErrInvalidIssuer     = errors.New("invalid issuer")

	// ErrAuthenticationFailed reports that an EncryptedRecord's integrity tag
	// did not verify: tampering, the wrong key, or a corrupted backing store.
	// The CredentialStore recovers it locally by treating the record as
	// absent; it is never surfaced to callers of Load.
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")

	// ErrBackingStore reports a genuine infrastructure failure of the backing
	// key-value medium.  Unlike corruption or expiration, it is propagated to
	// the caller as a hard error.
	ErrBackingStore = errors.New("backing store failure")

	// ErrNotFound reports that no unconsumed ledger entry matched.  It covers
	// both "never issued" and "already consumed"; the distinction is not
	// observable to avoid leaking whether a value ever existed.
	ErrNotFound     = errors.New("not found")
	ErrExpiredEntry = errors.New("entry is expired")

	ErrMissingIdToken       = errors.New("id_token is missing")
	ErrMalformedToken       = errors.New("malformed token")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidAudience      = errors.New("invalid audience")
	ErrExpiredToken         = errors.New("token is expired")
	ErrIssuedInFuture       = errors.New("token issued in the future")
	ErrInvalidNonce         = errors.New("invalid nonce")
	ErrReplayDetected       = errors.New("replay detected")
	ErrAuthenticationTooOld = errors.New("authentication too old")
	ErrMissingAuthTime      = errors.New("auth_time claim is missing")
)

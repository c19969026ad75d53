package credcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Purpose identifies what a ledger value protects against: State entries
// guard the redirect callback against CSRF, Nonce entries bind an id_token to
// the request that asked for it.
type Purpose int

const (
	PurposeState Purpose = iota
	PurposeNonce
)

// String returns the wire name of the purpose.
func (p Purpose) String() string {
	switch p {
	case PurposeState:
		return "state"
	case PurposeNonce:
		return "nonce"
	default:
		return "unknown"
	}
}

// prefix returns the short prefix embedded in issued values, which makes a
// state and a nonce visually distinct in redirect URLs.
func (p Purpose) prefix() string {
	switch p {
	case PurposeState:
		return "st"
	case PurposeNonce:
		return "n"
	default:
		return ""
	}
}

// DefaultEntryTTL bounds how long an issued state/nonce remains consumable.
// An authorization round trip that takes longer than this has gone wrong.
const DefaultEntryTTL = 10 * time.Minute

type ledgerKey struct {
	purpose Purpose
	value   string
}

type nonceEntry struct {
	createdAt time.Time
}

// NonceLedger tracks single-use CSRF state and OIDC nonce values.  A value is
// issued before the caller redirects to the authorization server and consumed
// exactly once when the response comes back; consuming a missing, expired or
// already-consumed value is a validation failure, never a silent pass.
type NonceLedger struct {
	mu      sync.Mutex
	entries map[ledgerKey]nonceEntry

	entryTTL time.Duration
	nowFunc  func() time.Time
	logger   hclog.Logger
}

// NewNonceLedger creates an empty ledger.
// Supported options: WithEntryTTL, WithNow, WithLogger
func NewNonceLedger(opt ...Option) (*NonceLedger, error) {
	const op = "credcache.NewNonceLedger"
	opts := getLedgerOpts(opt...)
	if opts.withEntryTTL <= 0 {
		return nil, fmt.Errorf("%s: entry TTL not greater than zero: %w", op, ErrInvalidParameter)
	}
	return &NonceLedger{
		entries:  map[ledgerKey]nonceEntry{},
		entryTTL: opts.withEntryTTL,
		nowFunc:  opts.withNowFunc,
		logger:   opts.withLogger,
	}, nil
}

// Issue generates a random value for the purpose, records it as unconsumed
// and returns it for the caller to embed in the outgoing authorization
// request.  Issue also garbage collects entries whose TTL has lapsed; there
// is no background housekeeping.
func (l *NonceLedger) Issue(p Purpose) (string, error) {
	const op = "NonceLedger.Issue"
	value, err := NewID(p.prefix())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	now := l.nowFunc()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked(now)
	l.entries[ledgerKey{purpose: p, value: value}] = nonceEntry{createdAt: now}
	return value, nil
}

// Consume marks the (purpose, value) entry used, in a single check-and-mark
// step, so two near-simultaneous callback deliveries can never both pass.
// It fails with ErrNotFound when no unconsumed entry matches (never issued
// and already consumed are deliberately indistinguishable) and with
// ErrExpiredEntry when the entry outlived its TTL.
func (l *NonceLedger) Consume(p Purpose, value string) error {
	const op = "NonceLedger.Consume"
	if value == "" {
		return fmt.Errorf("%s: value is empty: %w", op, ErrInvalidParameter)
	}
	now := l.nowFunc()
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{purpose: p, value: value}
	e, ok := l.entries[k]
	if !ok {
		return fmt.Errorf("%s: no unconsumed %s entry: %w", op, p, ErrNotFound)
	}
	delete(l.entries, k)
	if now.Sub(e.createdAt) > l.entryTTL {
		return fmt.Errorf("%s: %s entry outlived its TTL: %w", op, p, ErrExpiredEntry)
	}
	return nil
}

// Len reports how many unconsumed entries the ledger currently tracks.
func (l *NonceLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *NonceLedger) gcLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.createdAt) > l.entryTTL {
			l.logger.Debug("garbage collecting ledger entry", "purpose", k.purpose.String())
			delete(l.entries, k)
		}
	}
}

// WithEntryTTL provides an optional TTL for issued ledger entries.  See
// DefaultEntryTTL.
func WithEntryTTL(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*ledgerOptions); ok {
			o.withEntryTTL = d
		}
	}
}

// ledgerOptions is the set of available options for NonceLedger functions
type ledgerOptions struct {
	withEntryTTL time.Duration
	withNowFunc  func() time.Time
	withLogger   hclog.Logger
}

// ledgerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func ledgerDefaults() ledgerOptions {
	return ledgerOptions{
		withEntryTTL: DefaultEntryTTL,
		withNowFunc:  time.Now,
		withLogger:   hclog.NewNullLogger(),
	}
}

// getLedgerOpts gets the ledger defaults and applies the opt overrides
// passed in.
func getLedgerOpts(opt ...Option) ledgerOptions {
	opts := ledgerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

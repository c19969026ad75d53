package credcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/curtismu7/oauthPlayground-sub008/credcache/internal/strutils"
)

// DefaultClockSkew is the allowance applied when comparing token timestamps
// against the local clock.
const DefaultClockSkew = 60 * time.Second

// ValidationPolicy states what an id_token must satisfy before it is
// trusted: who must have issued it, who it must be for, which signing
// algorithms are acceptable and, optionally, how recently the end user must
// have authenticated.
type ValidationPolicy struct {
	// Issuer is compared against the token's iss claim by exact string
	// equality; no normalization is applied.
	Issuer string

	// Audience is the client identifier the token's aud claim must contain.
	Audience string

	// SupportedSigningAlgs is the explicit allow-list of signing algorithms.
	// Tokens whose header names any other algorithm, including "none", are
	// rejected before a verifier is ever consulted.
	SupportedSigningAlgs []Alg

	// MaxAge, when greater than zero, requires the token to carry an
	// auth_time claim no further than MaxAge in the past.
	MaxAge time.Duration
}

// Validate the policy, reporting every problem found rather than the first.
func (p ValidationPolicy) Validate() error {
	const op = "ValidationPolicy.Validate"
	var result *multierror.Error
	if p.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("issuer is empty: %w", ErrInvalidParameter))
	}
	if p.Audience == "" {
		result = multierror.Append(result, fmt.Errorf("audience is empty: %w", ErrInvalidParameter))
	}
	if len(p.SupportedSigningAlgs) == 0 {
		result = multierror.Append(result, fmt.Errorf("supported algorithms is empty: %w", ErrInvalidParameter))
	}
	for _, a := range p.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			result = multierror.Append(result, fmt.Errorf("unsupported algorithm %q: %w", a, ErrInvalidParameter))
		}
	}
	if p.MaxAge < 0 {
		result = multierror.Append(result, fmt.Errorf("max age is negative: %w", ErrInvalidParameter))
	}
	if result != nil {
		return fmt.Errorf("%s: %w", op, result)
	}
	return nil
}

// ValidatedIdentity is the output of successful id_token validation.  It is
// immutable once produced and is meant for the caller's immediate use, not
// for caching.
type ValidatedIdentity struct {
	Issuer   string
	Subject  string
	Audience []string

	// AuthTime is the end user's authentication time, when the token carried
	// one.  Zero otherwise.
	AuthTime time.Time

	ExpiresAt time.Time

	// RawClaims is the full, signature-verified claim set.
	RawClaims map[string]interface{}
}

// ClaimValidator determines whether a decoded id_token is trustworthy before
// any claim in it is used by calling code.  Validation is a linear pipeline;
// every stage is mandatory and terminal on failure, so a reduced-security
// mode cannot happen by omission.
type ClaimValidator struct {
	keys   KeySetSource
	ledger *NonceLedger

	clockSkew time.Duration
	nowFunc   func() time.Time
	logger    hclog.Logger
}

// NewClaimValidator creates a validator over an injected key source and
// nonce ledger.
// Supported options: WithClockSkew, WithNow, WithLogger
func NewClaimValidator(keys KeySetSource, ledger *NonceLedger, opt ...Option) (*ClaimValidator, error) {
	const op = "credcache.NewClaimValidator"
	if keys == nil {
		return nil, fmt.Errorf("%s: key set source is nil: %w", op, ErrNilParameter)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%s: nonce ledger is nil: %w", op, ErrNilParameter)
	}
	opts := getValidatorOpts(opt...)
	if opts.withClockSkew < 0 {
		return nil, fmt.Errorf("%s: clock skew is negative: %w", op, ErrInvalidParameter)
	}
	return &ClaimValidator{
		keys:      keys,
		ledger:    ledger,
		clockSkew: opts.withClockSkew,
		nowFunc:   opts.withNowFunc,
		logger:    opts.withLogger,
	}, nil
}

// tokenHeader is the subset of the JOSE header the validator inspects before
// any verifier sees the token.
type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Validate runs the id_token through the validation pipeline and returns a
// ValidatedIdentity on success.
//
// The stages, in order: structural parse, signature verification against the
// policy's algorithm allow-list, issuer equality, audience membership,
// exp/iat freshness, nonce single-use consumption and, when the policy asks
// for it, auth_time recency.  expectedNonce is the value previously obtained
// from NonceLedger.Issue(PurposeNonce); pass the empty string for flows that
// requested no nonce — a token carrying a nonce claim anyway is rejected,
// since its presence implies a request this caller never made.
//
// Resolving signing keys may perform network I/O bounded by the key source's
// timeout; a timeout fails closed as an ErrInvalidSignature class failure.
func (v *ClaimValidator) Validate(ctx context.Context, t IdToken, expectedNonce string, p ValidationPolicy) (*ValidatedIdentity, error) {
	const op = "ClaimValidator.Validate"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Structural parse: exactly three non-empty base64url segments and a
	// decodable JOSE header.
	hdr, err := parseCompactHeader(string(t))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The allow-list check happens before any verifier is consulted, so a
	// token claiming alg "none" (or an alg the policy never listed) can
	// never reach signature verification, let alone pass it.
	if !algAllowed(p.SupportedSigningAlgs, hdr.Alg) {
		return nil, fmt.Errorf("%s: algorithm %q is not allowed: %w", op, hdr.Alg, ErrInvalidSignature)
	}
	ks, err := v.keys.KeysFor(ctx, p.Issuer)
	if err != nil {
		// Fail closed: not being able to resolve keys is indistinguishable
		// from an unverifiable signature.
		return nil, fmt.Errorf("%s: unable to resolve signing keys: %w", op, ErrInvalidSignature)
	}
	claims, err := ks.VerifySignature(ctx, string(t))
	if err != nil {
		v.logger.Debug("id_token signature verification failed", "issuer", p.Issuer)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidSignature)
	}

	iss, _ := claims["iss"].(string)
	if iss != p.Issuer {
		return nil, fmt.Errorf("%s: iss does not match expected issuer: %w", op, ErrInvalidIssuer)
	}

	auds, err := audienceClaim(claims["aud"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !strutils.StrListContains(auds, p.Audience) {
		return nil, fmt.Errorf("%s: aud does not contain expected audience: %w", op, ErrInvalidAudience)
	}

	now := v.nowFunc()
	exp, ok := numericDateClaim(claims["exp"])
	if !ok {
		return nil, fmt.Errorf("%s: exp claim is missing or not a number: %w", op, ErrMalformedToken)
	}
	if !exp.After(now.Add(-v.clockSkew)) {
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredToken)
	}
	iat, ok := numericDateClaim(claims["iat"])
	if !ok {
		return nil, fmt.Errorf("%s: iat claim is missing or not a number: %w", op, ErrMalformedToken)
	}
	if iat.After(now.Add(v.clockSkew)) {
		return nil, fmt.Errorf("%s: %w", op, ErrIssuedInFuture)
	}

	nonceClaim, _ := claims["nonce"].(string)
	switch {
	case expectedNonce == "":
		if nonceClaim != "" {
			return nil, fmt.Errorf("%s: token carries a nonce no flow requested: %w", op, ErrInvalidNonce)
		}
	default:
		if nonceClaim != expectedNonce {
			return nil, fmt.Errorf("%s: nonce does not match expected nonce: %w", op, ErrInvalidNonce)
		}
		if err := v.ledger.Consume(PurposeNonce, nonceClaim); err != nil {
			return nil, fmt.Errorf("%s: %v: %w", op, err, ErrReplayDetected)
		}
	}

	var authTime time.Time
	if p.MaxAge > 0 {
		at, ok := numericDateClaim(claims["auth_time"])
		if !ok {
			return nil, fmt.Errorf("%s: %w", op, ErrMissingAuthTime)
		}
		if now.Sub(at) > p.MaxAge+v.clockSkew {
			return nil, fmt.Errorf("%s: %w", op, ErrAuthenticationTooOld)
		}
		authTime = at
	}

	sub, _ := claims["sub"].(string)
	return &ValidatedIdentity{
		Issuer:    iss,
		Subject:   sub,
		Audience:  auds,
		AuthTime:  authTime,
		ExpiresAt: exp,
		RawClaims: claims,
	}, nil
}

// parseCompactHeader splits a compact JWT and decodes its JOSE header.
func parseCompactHeader(token string) (*tokenHeader, error) {
	const op = "credcache.parseCompactHeader"
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%s: expected 3 segments, got %d: %w", op, len(parts), ErrMalformedToken)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%s: empty segment: %w", op, ErrMalformedToken)
		}
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decode header segment: %w", op, ErrMalformedToken)
	}
	var hdr tokenHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal header: %w", op, ErrMalformedToken)
	}
	return &hdr, nil
}

func algAllowed(allowed []Alg, alg string) bool {
	if alg == "" {
		return false
	}
	for _, a := range allowed {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// audienceClaim normalizes the aud claim, which may be a single string or an
// array of strings.
func audienceClaim(v interface{}) ([]string, error) {
	const op = "credcache.audienceClaim"
	switch aud := v.(type) {
	case string:
		return []string{aud}, nil
	case []interface{}:
		auds := make([]string, 0, len(aud))
		for _, a := range aud {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("%s: aud element is not a string: %w", op, ErrMalformedToken)
			}
			auds = append(auds, s)
		}
		return auds, nil
	default:
		return nil, fmt.Errorf("%s: aud claim is missing or malformed: %w", op, ErrMalformedToken)
	}
}

// numericDateClaim converts a JSON NumericDate claim value to a time.
func numericDateClaim(v interface{}) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(i, 0), true
	case int64:
		return time.Unix(n, 0), true
	default:
		return time.Time{}, false
	}
}

// WithClockSkew provides an optional allowance used when comparing token
// timestamps against the local clock.  See DefaultClockSkew.
func WithClockSkew(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*validatorOptions); ok {
			o.withClockSkew = d
		}
	}
}

// validatorOptions is the set of available options for ClaimValidator
// functions
type validatorOptions struct {
	withClockSkew time.Duration
	withNowFunc   func() time.Time
	withLogger    hclog.Logger
}

// validatorDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func validatorDefaults() validatorOptions {
	return validatorOptions{
		withClockSkew: DefaultClockSkew,
		withNowFunc:   time.Now,
		withLogger:    hclog.NewNullLogger(),
	}
}

// getValidatorOpts gets the validator defaults and applies the opt overrides
// passed in.
func getValidatorOpts(opt ...Option) validatorOptions {
	opts := validatorDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

package credcache

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/square/go-jose.v2/jwt"
)

// KeySet represents a set of keys that can be used to verify the signatures
// of JWTs.  A KeySet is expected to be backed by a set of local or remote
// keys.
type KeySet interface {
	// VerifySignature parses the given JWT, verifies its signature, and
	// returns the claims in its payload.
	VerifySignature(ctx context.Context, token string) (claims map[string]interface{}, err error)
}

// KeySetSource resolves the KeySet for an issuer.  It is injected into the
// ClaimValidator rather than hard-coded so tests can supply fixed key
// fixtures.
type KeySetSource interface {
	KeysFor(ctx context.Context, issuer string) (KeySet, error)
}

// KeySetSourceFunc is an adapter allowing an ordinary func as a KeySetSource.
type KeySetSourceFunc func(ctx context.Context, issuer string) (KeySet, error)

// KeysFor implements the KeySetSource interface.
func (f KeySetSourceFunc) KeysFor(ctx context.Context, issuer string) (KeySet, error) {
	return f(ctx, issuer)
}

// DefaultKeyFetchTimeout bounds discovery and JWKS requests.  A fetch that
// exceeds it fails closed; a slow keys endpoint never yields a trusted token.
const DefaultKeyFetchTimeout = 10 * time.Second

// RemoteKeySetSource resolves signing keys via OIDC discovery: the issuer's
// well-known configuration names a jwks_uri, whose keys are fetched and
// cached in memory for the life of the source.  The underlying remote key
// set re-fetches when a token names an unknown kid, with its own cooldown, so
// repeated invalid tokens cannot drive unbounded network calls.
type RemoteKeySetSource struct {
	mu   sync.Mutex
	sets map[string]KeySet

	client  *http.Client
	timeout time.Duration
	logger  hclog.Logger

	// backgroundCtx is the context used for the remote key sets' background
	// refreshes; it must outlive any single request context.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// ensure that RemoteKeySetSource implements the KeySetSource interface
var _ KeySetSource = (*RemoteKeySetSource)(nil)

// NewRemoteKeySetSource creates a source that discovers and caches one remote
// key set per issuer.
//
// See RemoteKeySetSource.Done() which must be called to release its
// resources.
//
// Supported options: WithKeyFetchTimeout, WithHTTPClient, WithLogger
func NewRemoteKeySetSource(opt ...Option) (*RemoteKeySetSource, error) {
	const op = "credcache.NewRemoteKeySetSource"
	opts := getRemoteSourceOpts(opt...)
	if opts.withTimeout <= 0 {
		return nil, fmt.Errorf("%s: key fetch timeout not greater than zero: %w", op, ErrInvalidParameter)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteKeySetSource{
		sets:                map[string]KeySet{},
		client:              opts.withClient,
		timeout:             opts.withTimeout,
		logger:              opts.withLogger,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}, nil
}

// Done with the source's background resources and must be called for every
// RemoteKeySetSource created
func (s *RemoteKeySetSource) Done() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backgroundCtxCancel != nil {
		s.backgroundCtxCancel()
		s.backgroundCtxCancel = nil
	}
}

// KeysFor returns the issuer's KeySet, performing discovery on first use.
// The returned KeySet is cached for the life of the source.
func (s *RemoteKeySetSource) KeysFor(ctx context.Context, issuer string) (KeySet, error) {
	const op = "RemoteKeySetSource.KeysFor"
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.sets[issuer]; ok {
		return ks, nil
	}
	jwksURL, err := s.discoverJWKSURL(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Debug("discovered jwks endpoint", "issuer", issuer)
	remote := oidc.NewRemoteKeySet(oidc.ClientContext(s.backgroundCtx, s.client), jwksURL)
	ks := &remoteKeySet{remote: remote, timeout: s.timeout}
	s.sets[issuer] = ks
	return ks, nil
}

// discoverJWKSURL reads the issuer's well-known openid-configuration and
// returns its jwks_uri.
func (s *RemoteKeySetSource) discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	const op = "RemoteKeySetSource.discoverJWKSURL"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("%s: unable to create discovery request: %w", op, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: discovery request failed: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: discovery request returned status %d: %w", op, resp.StatusCode, ErrInvalidIssuer)
	}
	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURL string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("%s: unable to decode discovery document: %w", op, err)
	}
	// The discovered issuer must match what was asked for exactly; see the
	// oidc discovery spec on issuer validation.
	if doc.Issuer != issuer {
		return "", fmt.Errorf("%s: discovery document issuer %q does not match %q: %w", op, doc.Issuer, issuer, ErrInvalidIssuer)
	}
	if doc.JWKSURL == "" {
		return "", fmt.Errorf("%s: discovery document has no jwks_uri: %w", op, ErrInvalidIssuer)
	}
	return doc.JWKSURL, nil
}

// remoteKeySet adapts a go-oidc remote key set to the KeySet interface,
// bounding every verification by the source's fetch timeout.
type remoteKeySet struct {
	remote  oidc.KeySet
	timeout time.Duration
}

// VerifySignature parses the given JWT, verifies its signature using the
// remote JWKS keys, and returns the claims in its payload.
func (k *remoteKeySet) VerifySignature(ctx context.Context, token string) (map[string]interface{}, error) {
	const op = "remoteKeySet.VerifySignature"
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	payload, err := k.remote.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	allClaims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &allClaims); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal claims: %w", op, err)
	}
	return allClaims, nil
}

// StaticKeySet verifies JWT signatures using local PEM-encoded public keys.
type StaticKeySet struct {
	publicKeys []interface{}
}

// ensure that StaticKeySet implements the KeySet interface
var _ KeySet = (*StaticKeySet)(nil)

// NewStaticKeySet returns a KeySet that verifies JWT signatures using
// PEM-encoded public keys.  The given publicKeys must be of PEM-encoded x509
// certificate or PKIX public key forms.
func NewStaticKeySet(publicKeys []string) (*StaticKeySet, error) {
	const op = "credcache.NewStaticKeySet"
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("%s: public keys are empty: %w", op, ErrInvalidParameter)
	}
	parsed := make([]interface{}, 0, len(publicKeys))
	for _, k := range publicKeys {
		key, err := parsePublicKeyPEM([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		parsed = append(parsed, key)
	}
	return &StaticKeySet{publicKeys: parsed}, nil
}

// VerifySignature parses the given JWT, verifies its signature using the
// local keys, and returns the claims in its payload.
func (ks *StaticKeySet) VerifySignature(_ context.Context, token string) (map[string]interface{}, error) {
	const op = "StaticKeySet.VerifySignature"
	parsedJWT, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token: %w", op, ErrMalformedToken)
	}
	var valid bool
	allClaims := map[string]interface{}{}
	for _, key := range ks.publicKeys {
		if err := parsedJWT.Claims(key, &allClaims); err == nil {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%s: no known key successfully validated the token signature: %w", op, ErrInvalidSignature)
	}
	return allClaims, nil
}

// parsePublicKeyPEM is used to parse RSA, ECDSA and Ed25519 public keys from
// PEMs.
func parsePublicKeyPEM(data []byte) (interface{}, error) {
	block, _ := pem.Decode(data)
	if block != nil {
		var rawKey interface{}
		var err error
		if rawKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				rawKey = cert.PublicKey
			} else {
				return nil, err
			}
		}
		switch k := rawKey.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
			return k, nil
		}
	}
	return nil, fmt.Errorf("data does not contain any valid public keys: %w", ErrInvalidParameter)
}

// WithKeyFetchTimeout provides an optional bound on discovery and JWKS
// requests.  See DefaultKeyFetchTimeout.
func WithKeyFetchTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*remoteSourceOptions); ok {
			o.withTimeout = d
		}
	}
}

// WithHTTPClient provides an optional http client for the remote source,
// handy when the issuer requires a private CA.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*remoteSourceOptions); ok {
			if c != nil {
				o.withClient = c
			}
		}
	}
}

// remoteSourceOptions is the set of available options for RemoteKeySetSource
// functions
type remoteSourceOptions struct {
	withTimeout time.Duration
	withClient  *http.Client
	withLogger  hclog.Logger
}

// remoteSourceDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func remoteSourceDefaults() remoteSourceOptions {
	return remoteSourceOptions{
		withTimeout: DefaultKeyFetchTimeout,
		withClient:  cleanhttp.DefaultPooledClient(),
		withLogger:  hclog.NewNullLogger(),
	}
}

// getRemoteSourceOpts gets the source defaults and applies the opt overrides
// passed in.
func getRemoteSourceOpts(opt ...Option) remoteSourceOptions {
	opts := remoteSourceDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

package credcache

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithNow provides an optional func to determine what the current time is,
// which is handy for tests that need a deterministic clock.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *storeOptions:
			v.withNowFunc = now
		case *ledgerOptions:
			v.withNowFunc = now
		case *validatorOptions:
			v.withNowFunc = now
		case *bundleOptions:
			v.withNowFunc = now
		}
	}
}

// WithExpirySkew provides an optional expiry skew duration for: TokenBundle,
// CredentialStore
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *storeOptions:
			v.withExpirySkew = d
		case *bundleOptions:
			v.withExpirySkew = d
		}
	}
}

// WithLogger provides an optional hclog.Logger.  Only error kinds and
// redacted identifiers are ever logged; token material never is.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *storeOptions:
			v.withLogger = l
		case *ledgerOptions:
			v.withLogger = l
		case *validatorOptions:
			v.withLogger = l
		case *managerOptions:
			v.withLogger = l
		case *remoteSourceOptions:
			v.withLogger = l
		}
	}
}

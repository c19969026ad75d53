// credcache is the security boundary for an OAuth/OIDC relying party's
// session credentials.  It stores token bundles confidentially (authenticated
// encryption over a pluggable, volatile backing store) and validates OIDC
// id_tokens (signature, issuer, audience, freshness, nonce and auth_time
// policy) before any claim in them is trusted by calling code.
//
// The TokenLifecycleManager is the package's facade: an external OAuth/OIDC
// flow acquires raw tokens and hands them to Ingest, which validates the
// id_token (consuming a single-use nonce from the NonceLedger), encrypts the
// bundle via the CipherBox and writes it through the CredentialStore.  Later
// reads go through Current, which lazily evicts expired or unreadable
// records.
package credcache

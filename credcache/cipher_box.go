package credcache

import (
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size, in bytes, of a CipherBox key.
const KeySize = chacha20poly1305.KeySize

// GenerateKey returns a new random CipherBox key.  The key is expected to
// live for the session only and must never be persisted alongside the
// ciphertext it protects.
func GenerateKey() ([]byte, error) {
	const op = "credcache.GenerateKey"
	key, err := uuid.GenerateRandomBytes(KeySize)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate key: %w", op, err)
	}
	return key, nil
}

// EncryptedRecord is the opaque wire format a CipherBox produces and the
// CredentialStore writes to its backing store.  Any field failing to parse,
// or whose tag fails verification, causes the whole record to be treated as
// absent; partially trusted records do not exist.
type EncryptedRecord struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag"`
	CreatedAt  time.Time `json:"created_at"`
}

// Encode serializes the record for the backing store.
func (r *EncryptedRecord) Encode() ([]byte, error) {
	const op = "EncryptedRecord.Encode"
	if r == nil {
		return nil, fmt.Errorf("%s: record is nil: %w", op, ErrNilParameter)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode record: %w", op, err)
	}
	return raw, nil
}

// DecodeEncryptedRecord parses a record previously produced by Encode.  A
// record that cannot be parsed fails with ErrAuthenticationFailed, since an
// undecodable record and a tampered one are indistinguishable to callers.
func DecodeEncryptedRecord(raw []byte) (*EncryptedRecord, error) {
	const op = "credcache.DecodeEncryptedRecord"
	var r EncryptedRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%s: undecodable record: %w", op, ErrAuthenticationFailed)
	}
	return &r, nil
}

// CipherBox provides confidentiality and integrity for arbitrary byte
// payloads using XChaCha20-Poly1305 under a session-scoped key.
type CipherBox struct {
	aead cipher.AEAD
}

// NewCipherBox creates a CipherBox from a KeySize byte key.  Pass a nil key
// to have a fresh random key generated for the life of the box.
func NewCipherBox(key []byte) (*CipherBox, error) {
	const op = "credcache.NewCipherBox"
	if key == nil {
		var err error
		key, err = GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s: key must be %d bytes, got %d: %w", op, KeySize, len(key), ErrInvalidParameter)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to init cipher: %w", op, err)
	}
	return &CipherBox{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce.  The nonce is drawn
// from a CSPRNG on every call; XChaCha20's 192 bit nonce makes accidental
// reuse under the same key statistically impossible.
func (b *CipherBox) Encrypt(plaintext []byte) (*EncryptedRecord, error) {
	const op = "CipherBox.Encrypt"
	if b == nil {
		return nil, fmt.Errorf("%s: cipher box is nil: %w", op, ErrNilParameter)
	}
	nonce, err := uuid.GenerateRandomBytes(b.aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate nonce: %w", op, err)
	}
	sealed := b.aead.Seal(nil, nonce, plaintext, nil)
	tagAt := len(sealed) - b.aead.Overhead()
	return &EncryptedRecord{
		Ciphertext: sealed[:tagAt],
		Nonce:      nonce,
		Tag:        sealed[tagAt:],
		CreatedAt:  time.Now(),
	}, nil
}

// Decrypt opens a record, verifying its tag before any plaintext is
// returned.  Tampering, a wrong key or a corrupted record all fail with
// ErrAuthenticationFailed; unauthenticated plaintext is never surfaced.
func (b *CipherBox) Decrypt(r *EncryptedRecord) ([]byte, error) {
	const op = "CipherBox.Decrypt"
	if b == nil {
		return nil, fmt.Errorf("%s: cipher box is nil: %w", op, ErrNilParameter)
	}
	if r == nil {
		return nil, fmt.Errorf("%s: record is nil: %w", op, ErrNilParameter)
	}
	if len(r.Nonce) != b.aead.NonceSize() || len(r.Tag) != b.aead.Overhead() {
		return nil, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
	}
	sealed := make([]byte, 0, len(r.Ciphertext)+len(r.Tag))
	sealed = append(sealed, r.Ciphertext...)
	sealed = append(sealed, r.Tag...)
	plaintext, err := b.aead.Open(nil, r.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
	}
	return plaintext, nil
}

package credcache

import (
	"sync"
)

// Storage is the minimal capability the CredentialStore requires of its
// backing key-value medium: single-key get/put/delete over a volatile,
// origin-scoped store.  Get reports absence with a nil value and nil error.
// Put and Delete must be atomic single-key operations so a concurrent reader
// never observes a half-written record.
type Storage interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// MemoryStorage is a mutex-guarded in-memory Storage.  It serves as the test
// double and as a reasonable default for hosts without a session-scoped
// native store.
type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// ensure that MemoryStorage implements the Storage interface
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		m: map[string][]byte{},
	}
}

// Get returns a copy of the stored value, or nil if the key is absent.
func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Put stores a copy of value under key, overwriting any prior value.
func (s *MemoryStorage) Put(key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = cp
	return nil
}

// Delete removes key.  Deleting an absent key is not an error.
func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Package storage provides the persistence capability for SDK identifiers
// and the identity state built on top of it.
package storage

import "sync"

// Well-known store keys.
const (
	KeyAnonID = "anon-id"
	KeyOptOut = "opt-out"
)

// Store is the key-value persistence capability. Every implementation is
// best-effort: backend failures are swallowed so a broken or absent backend
// degrades silently to in-memory-only identifiers.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Close() error
}

// MemoryStore keeps values for the client lifetime only. It is the backend
// for the "memory" persistence mode, which deliberately never touches disk.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *MemoryStore) Close() error { return nil }

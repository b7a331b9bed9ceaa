// Package credstore persists the opaque internal session token issued by the
// alternate sign-in paths. Storage is ephemeral and page-scoped: nothing
// survives the process, and presence of a non-empty token implies an
// authenticated internal session.
package credstore

import (
	"context"
	"sync"
)

// Store is the get/set/clear surface over the internal session token.
type Store interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the token in process memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the stored token, or the empty string when none is present.
// Absence is not an error: the caller is unauthenticated, not failing.
func (s *MemoryStore) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Set stores a token, replacing any previous one.
func (s *MemoryStore) Set(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// Clear removes the stored token.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

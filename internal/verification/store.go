// Package verification provides an in-memory store for short-lived device
// verification codes. Codes are hashed before storage and consumed on first
// successful verification.
package verification

import (
	"context"
	"sync"
	"time"

	"device-trust-plane/internal/security"
)

// Store holds hashed verification codes keyed by challenge id.
type Store interface {
	// Put stores code for challengeID until expiresAt, replacing any
	// previous code for the same challenge.
	Put(ctx context.Context, challengeID, code string, expiresAt time.Time) error
	// Verify consumes the code for challengeID. Returns false when the
	// challenge is missing, expired, or the code does not match. A matching
	// code can be verified exactly once.
	Verify(ctx context.Context, challengeID, code string) bool
	// CleanupExpired drops expired challenges and returns how many were removed.
	CleanupExpired(ctx context.Context) int
}

type entry struct {
	hash      string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	m      map[string]entry
	hasher *security.Hasher
	nowF   func() time.Time
}

// NewMemoryStore returns a new in-memory verification store.
func NewMemoryStore(hasher *security.Hasher) *MemoryStore {
	return &MemoryStore{
		m:      make(map[string]entry),
		hasher: hasher,
		nowF:   func() time.Time { return time.Now().UTC() },
	}
}

// Put stores the hash of code for challengeID until expiresAt.
func (s *MemoryStore) Put(ctx context.Context, challengeID, code string, expiresAt time.Time) error {
	hash, err := s.hasher.Hash(code)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[challengeID] = entry{hash: hash, expiresAt: expiresAt}
	return nil
}

// Verify consumes the code for challengeID if present, unexpired, and matching.
func (s *MemoryStore) Verify(ctx context.Context, challengeID, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[challengeID]
	if !ok {
		return false
	}
	if !e.expiresAt.After(s.nowF()) {
		delete(s.m, challengeID)
		return false
	}
	if !s.hasher.Compare(e.hash, code) {
		return false
	}
	delete(s.m, challengeID)
	return true
}

// CleanupExpired drops expired challenges.
func (s *MemoryStore) CleanupExpired(ctx context.Context) int {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.m {
		if !e.expiresAt.After(now) {
			delete(s.m, id)
			removed++
		}
	}
	return removed
}

package sessionstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	meta      Metadata
	expiresAt time.Time // zero means no expiry
}

// MemoryStore implements Store in process memory. It mirrors the Redis
// semantics exactly, including the no-expiry orphan state, so it can serve
// both as the single-node backend and as the test double for everything
// layered on top of the store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// purgeLocked drops expired entries touching the given identity. Called
// with mu held.
func (s *MemoryStore) purgeLocked(identity string, now time.Time) {
	e, ok := s.entries[identity]
	if ok && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(s.entries, identity)
	}
}

func (s *MemoryStore) Put(_ context.Context, identity string, meta *Metadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{meta: *meta}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[identity] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(identity, time.Now())
	e, ok := s.entries[identity]
	if !ok {
		return nil, nil
	}
	meta := e.meta
	return &meta, nil
}

func (s *MemoryStore) RefreshTTL(_ context.Context, identity string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.purgeLocked(identity, now)
	e, ok := s.entries[identity]
	if !ok {
		return nil
	}
	e.expiresAt = now.Add(ttl)
	s.entries[identity] = e
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, identity)
	return nil
}

func (s *MemoryStore) RemainingTTL(_ context.Context, identity string) (time.Duration, TTLState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.purgeLocked(identity, now)
	e, ok := s.entries[identity]
	if !ok {
		return 0, TTLAbsent, nil
	}
	if e.expiresAt.IsZero() {
		return 0, TTLNone, nil
	}
	return e.expiresAt.Sub(now), TTLSet, nil
}

func (s *MemoryStore) ListIdentities(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var identities []string
	for identity, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, identity)
			continue
		}
		if strings.HasPrefix(identity, prefix) {
			identities = append(identities, identity)
		}
	}
	return identities, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]memEntry)
	return nil
}

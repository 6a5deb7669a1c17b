package consent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Thread-safe via RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	consents map[string]*Consent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{consents: make(map[string]*Consent)}
}

func (s *MemoryStore) Create(ctx context.Context, c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *c
	s.consents[c.ID] = &val
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy to avoid race on mutation outside lock
	val := *c
	return &val, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consents[id]
	if !ok {
		return ErrNotFound
	}
	if c.RevokedAt == nil {
		t := at
		c.RevokedAt = &t
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Consent, 0, len(s.consents))
	for _, c := range s.consents {
		val := *c
		out = append(out, &val)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package authorize

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements the ledger in memory. Thread-safe via RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Authorization
	byCode map[string]*Authorization
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Authorization),
		byCode: make(map[string]*Authorization),
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *a
	s.byID[a.ID] = &val
	if a.AuthorizationCode != "" {
		s.byCode[a.AuthorizationCode] = &val
	}
	return nil
}

func (s *MemoryStore) GetByCode(ctx context.Context, code string) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byCode[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	val := *a
	return &val, nil
}

func (s *MemoryStore) List(ctx context.Context, principalID string, limit int) ([]*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Authorization
	for _, a := range s.byID {
		if principalID != "" && a.PrincipalID != principalID {
			continue
		}
		val := *a
		out = append(out, &val)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

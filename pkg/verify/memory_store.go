package verify

import (
	"context"
	"sync"
)

// MemoryProofStore caches proofs in memory.
type MemoryProofStore struct {
	mu     sync.RWMutex
	byCode map[string]*Proof
}

func NewMemoryProofStore() *MemoryProofStore {
	return &MemoryProofStore{byCode: make(map[string]*Proof)}
}

func (s *MemoryProofStore) Get(ctx context.Context, authorizationCode string) (*Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byCode[authorizationCode]
	if !ok {
		return nil, ErrProofNotFound
	}
	val := *p
	return &val, nil
}

// Put stores the proof unless one already exists for the code. First
// write wins; later writers must re-read the canonical proof.
func (s *MemoryProofStore) Put(ctx context.Context, p *Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[p.AuthorizationCode]; ok {
		return nil
	}
	val := *p
	s.byCode[p.AuthorizationCode] = &val
	return nil
}

package authcode

import (
	"context"
	"sync"

	"github.com/casfa/casfa/internal/syncutil"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]*AuthCode
	locks syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory authorization-code store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]*AuthCode)}
}

func (s *MemoryStore) Create(ctx context.Context, record *AuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.codes[record.Code] = &cp
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, code string, now int64) (*AuthCode, error) {
	unlock := s.locks.Lock(code)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.codes[code]
	if !exists || rec.Used || rec.ExpiresAt <= now {
		return nil, nil
	}
	rec.Used = true
	cp := *rec
	return &cp, nil
}

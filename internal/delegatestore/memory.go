package delegatestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/casfa/casfa/internal/pagination"
	"github.com/casfa/casfa/internal/syncutil"
)

// MemoryStore is an in-memory Store, suitable for tests and for the MCP
// dispatcher's local development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Delegate
	rootByKey map[string]string // realm -> root delegate id
	locks     syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory delegate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Delegate),
		rootByKey: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, delegate *Delegate) error {
	unlock := s.locks.Lock(delegate.DelegateID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[delegate.DelegateID]; exists {
		return ErrAlreadyExists
	}
	cp := *delegate
	s.byID[delegate.DelegateID] = &cp
	if delegate.IsRoot() {
		if _, exists := s.rootByKey[delegate.Realm]; !exists {
			s.rootByKey[delegate.Realm] = delegate.DelegateID
		}
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, delegateID string) (*Delegate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.byID[delegateID]
	if !exists {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) RotateTokens(ctx context.Context, req RotateRequest) (bool, error) {
	unlock := s.locks.Lock(req.DelegateID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.byID[req.DelegateID]
	if !exists {
		return false, nil
	}
	if d.CurrentRTHash != req.ExpectedRTHash {
		return false, nil
	}
	d.CurrentRTHash = req.NewRTHash
	d.CurrentATHash = req.NewATHash
	d.ATExpiresAt = req.NewATExpiresAt
	return true, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, delegateID, by string, now int64) (bool, error) {
	unlock := s.locks.Lock(delegateID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.byID[delegateID]
	if !exists || d.IsRevoked {
		return false, nil
	}
	d.IsRevoked = true
	d.RevokedAt = now
	d.RevokedBy = by
	return true, nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, realm, parentID string, limit int, cursor string) (ChildPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*Delegate
	for _, d := range s.byID {
		if d.Realm == realm && d.ParentID == parentID {
			cp := *d
			matches = append(matches, &cp)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt != matches[j].CreatedAt {
			return matches[i].CreatedAt < matches[j].CreatedAt
		}
		return matches[i].DelegateID < matches[j].DelegateID
	})

	after, err := pagination.Decode(cursor)
	if err != nil {
		return ChildPage{}, err
	}
	if after != nil {
		cutoff := after.CreatedAt.UnixMilli()
		cutID := after.ID
		filtered := matches[:0:0]
		for _, d := range matches {
			if d.CreatedAt > cutoff || (d.CreatedAt == cutoff && d.DelegateID > cutID) {
				filtered = append(filtered, d)
			}
		}
		matches = filtered
	}

	page, nextCursor, hasMore := pagination.ComputePage(matches, limit, func(d *Delegate) (time.Time, string) {
		return time.UnixMilli(d.CreatedAt), d.DelegateID
	})

	return ChildPage{Delegates: page, Cursor: nextCursor, HasMore: hasMore}, nil
}

func (s *MemoryStore) GetOrCreateRoot(ctx context.Context, realm string, proposedID string, now int64) (*Delegate, bool, error) {
	unlock := s.locks.Lock("root:" + realm)
	defer unlock()

	s.mu.Lock()
	if id, exists := s.rootByKey[realm]; exists {
		d := s.byID[id]
		cp := *d
		s.mu.Unlock()
		return &cp, false, nil
	}
	s.mu.Unlock()

	root := &Delegate{
		DelegateID:     proposedID,
		Realm:          realm,
		ParentID:       "",
		Chain:          []string{proposedID},
		Depth:          0,
		CanUpload:      true,
		CanManageDepot: true,
		CreatedAt:      now,
	}
	if err := s.Create(ctx, root); err != nil {
		if err == ErrAlreadyExists {
			// Lost a race against a concurrent root creation under a
			// different proposed id; re-read the winner.
			s.mu.RLock()
			id := s.rootByKey[realm]
			d := s.byID[id]
			cp := *d
			s.mu.RUnlock()
			return &cp, false, nil
		}
		return nil, false, err
	}

	s.mu.Lock()
	s.rootByKey[realm] = proposedID
	s.mu.Unlock()

	cp := *root
	return &cp, true, nil
}

package delegatestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// ScopeSetNode is a reference-counted record deduplicating a delegate's
// multi-root scope.
type ScopeSetNode struct {
	ID        string
	Children  []string
	RefCount  int
	CreatedAt int64
}

// MemoryScopeSetStore is an in-memory scoperesolver.ScopeSetStore.
type MemoryScopeSetStore struct {
	mu    sync.Mutex
	nodes map[string]*ScopeSetNode
}

// NewMemoryScopeSetStore creates an empty in-memory scope-set-node store.
func NewMemoryScopeSetStore() *MemoryScopeSetStore {
	return &MemoryScopeSetStore{nodes: make(map[string]*ScopeSetNode)}
}

func (s *MemoryScopeSetStore) CreateOrIncrement(ctx context.Context, id string, children []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, exists := s.nodes[id]; exists {
		n.RefCount++
		return nil
	}
	s.nodes[id] = &ScopeSetNode{ID: id, Children: append([]string(nil), children...), RefCount: 1}
	return nil
}

// Get returns the node by id, or nil if absent.
func (s *MemoryScopeSetStore) Get(ctx context.Context, id string) (*ScopeSetNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, exists := s.nodes[id]
	if !exists {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

// SetChildren implements scoperesolver.ScopeSetStore.
func (s *MemoryScopeSetStore) SetChildren(ctx context.Context, id string) ([]string, bool, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	return n.Children, true, nil
}

// PostgresScopeSetStore implements scoperesolver.ScopeSetStore against the
// scope_set_nodes table using an upsert.
type PostgresScopeSetStore struct {
	db *sql.DB
}

// NewPostgresScopeSetStore creates a Postgres-backed scope-set-node store.
func NewPostgresScopeSetStore(db *sql.DB) *PostgresScopeSetStore {
	return &PostgresScopeSetStore{db: db}
}

func (p *PostgresScopeSetStore) CreateOrIncrement(ctx context.Context, id string, children []string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scope_set_nodes (id, children, ref_count, created_at)
		VALUES ($1, $2, 1, extract(epoch from now()) * 1000)
		ON CONFLICT (id) DO UPDATE SET ref_count = scope_set_nodes.ref_count + 1
	`, id, pq.Array(children))
	if err != nil {
		return fmt.Errorf("delegatestore: scope set create-or-increment: %w", err)
	}
	return nil
}

// Get returns the node by id, or nil if absent.
func (p *PostgresScopeSetStore) Get(ctx context.Context, id string) (*ScopeSetNode, error) {
	var n ScopeSetNode
	err := p.db.QueryRowContext(ctx, `
		SELECT id, children, ref_count, created_at FROM scope_set_nodes WHERE id = $1
	`, id).Scan(&n.ID, pq.Array(&n.Children), &n.RefCount, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delegatestore: scope set get: %w", err)
	}
	return &n, nil
}

// SetChildren implements scoperesolver.ScopeSetStore.
func (p *PostgresScopeSetStore) SetChildren(ctx context.Context, id string) ([]string, bool, error) {
	n, err := p.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	return n.Children, true, nil
}

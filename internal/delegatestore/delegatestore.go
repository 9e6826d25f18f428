// Package delegatestore persists the per-realm delegate tree: conditional
// create, point lookup, atomic token rotation, atomic revoke, and a
// paginated child index.
//
// A root delegate (parentId == "") is stored under the same table with a
// NULL parent_id instead of a literal sentinel parent id, and is looked up
// through a partial index on realm where parent_id IS NULL. That index is
// not unique: a second root insert is rejected only when its id collides
// with an existing row's primary key.
package delegatestore

import (
	"context"
	"errors"
)

// Delegate is a capability-holding node in a realm's delegate tree.
type Delegate struct {
	DelegateID string // "dlt_..." string form
	Realm      string
	ParentID   string // "" for root
	Chain      []string
	Depth      int

	CanUpload       bool
	CanManageDepot  bool
	DelegatedDepots []string // nil = unrestricted

	ScopeNodeHash  string // mutually exclusive with ScopeSetNodeID
	ScopeSetNodeID string

	ExpiresAt int64 // epoch-ms; 0 = never

	IsRevoked bool
	RevokedAt int64
	RevokedBy string

	CreatedAt int64

	CurrentRTHash string // 32-hex; "" for root
	CurrentATHash string // 32-hex; "" for root
	ATExpiresAt   int64  // 0 for root

	Name string
}

// IsRoot reports whether d is a realm's depth-0 delegate.
func (d *Delegate) IsRoot() bool {
	return d.ParentID == ""
}

// StoreError is a typed store failure distinguishable without string matching.
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return e.Message
}

var (
	ErrAlreadyExists = &StoreError{Code: "ALREADY_EXISTS", Message: "delegate id already exists"}
	ErrNotFound      = &StoreError{Code: "NOT_FOUND", Message: "delegate not found"}
)

// RotateRequest is the atomic token-rotation compare-and-swap request.
type RotateRequest struct {
	DelegateID     string
	ExpectedRTHash string
	NewRTHash      string
	NewATHash      string
	NewATExpiresAt int64
}

// ChildPage is one page of a parent's children.
type ChildPage struct {
	Delegates []*Delegate
	Cursor    string
	HasMore   bool
}

// Store is the delegate tree's persistence contract.
type Store interface {
	// Create inserts delegate, failing with ErrAlreadyExists if its id is taken.
	Create(ctx context.Context, delegate *Delegate) error

	// Get returns the delegate by id, or (nil, nil) if absent.
	Get(ctx context.Context, delegateID string) (*Delegate, error)

	// RotateTokens atomically swaps the token-hash fields if and only if the
	// stored CurrentRTHash still equals req.ExpectedRTHash. Returns false,
	// without error, when the compare-and-swap condition fails.
	RotateTokens(ctx context.Context, req RotateRequest) (bool, error)

	// Revoke atomically marks delegateID revoked if not already revoked.
	// Returns false, without error, if already revoked or missing.
	Revoke(ctx context.Context, delegateID, by string, now int64) (bool, error)

	// ListChildren returns a page of parentID's direct children ordered by
	// creation time, using the opaque cursor form from internal/pagination.
	ListChildren(ctx context.Context, realm, parentID string, limit int, cursor string) (ChildPage, error)

	// GetOrCreateRoot returns realm's root delegate, creating it with
	// proposedID if none exists yet. created reports which branch ran.
	// On a create race, the losing caller re-reads and returns the winner.
	GetOrCreateRoot(ctx context.Context, realm string, proposedID string, now int64) (delegate *Delegate, created bool, err error)
}

// errRace reports a create conflict after which the re-read still finds no
// root for the realm; PostgresStore.GetOrCreateRoot returns it wrapped.
var errRace = errors.New("delegatestore: create race, re-read required")

// Package scoperesolver resolves a child delegate's requested scope against
// its parent's scope roots, and deduplicates multi-root scopes into
// reference-counted set-nodes.
//
// A requested scope is either the inherit sentinel "." or a relative path
// like "~0/~1": each "~N" segment indexes into the child-hash list of the
// CAS node reached so far, starting from one of the parent's scope roots.
// This guarantees a child can never name a node outside its parent's
// reachable subtree.
package scoperesolver

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/casfa/casfa/internal/tokencodec"
)

// ResolveError is a typed scope-resolution failure.
type ResolveError struct {
	Code    string
	Message string
}

func (e *ResolveError) Error() string {
	return e.Message
}

var ErrInvalidScope = &ResolveError{Code: "INVALID_SCOPE", Message: "requested scope is malformed or unreachable"}

// NodeReader reads a CAS node's list of child hashes. It is an abstract
// read-only view over the CAS filesystem's Merkle-DAG, supplied by the
// caller; scoperesolver never writes to CAS storage.
type NodeReader interface {
	// Children returns the ordered child hashes of the node at hash, or
	// (nil, false) if the node does not exist.
	Children(ctx context.Context, hash string) (children []string, ok bool)
}

// ScopeSetStore creates or increments the reference count of a multi-root
// scope set-node, and reads one back by id.
type ScopeSetStore interface {
	// CreateOrIncrement ensures a set-node with id exists holding children,
	// incrementing its ref count if it already does.
	CreateOrIncrement(ctx context.Context, id string, children []string) error
	// SetChildren returns the children of the set-node with id, or
	// (nil, false) if no such node exists.
	SetChildren(ctx context.Context, id string) (children []string, ok bool, err error)
}

// Result is the outcome of resolving a requested scope: exactly one of
// ScopeNodeHash / ScopeSetNodeID is set, mirroring the Delegate fields.
type Result struct {
	ScopeNodeHash  string
	ScopeSetNodeID string
}

const inherit = "."

// Resolve resolves requested scope paths against parentRoots.
//
// requested == nil or == ["."] means "inherit the parent's scope
// directly" and parentRoots is echoed back verbatim (collapsed to a
// single hash or a set-node, same as any other result).
func Resolve(ctx context.Context, reader NodeReader, setStore ScopeSetStore, requested []string, parentRoots []string) (Result, error) {
	var roots []string
	if len(requested) == 0 || (len(requested) == 1 && requested[0] == inherit) {
		roots = append(roots, parentRoots...)
	} else {
		for _, path := range requested {
			resolved, err := resolvePath(ctx, reader, path, parentRoots)
			if err != nil {
				return Result{}, err
			}
			roots = append(roots, resolved...)
		}
	}

	roots = dedupeSorted(roots)
	if len(roots) == 0 {
		return Result{}, ErrInvalidScope
	}
	if len(roots) == 1 {
		return Result{ScopeNodeHash: roots[0]}, nil
	}

	id := tokencodec.DeriveSetNodeID(roots)
	idStr := tokencodec.IDBytesToString(id)
	if err := setStore.CreateOrIncrement(ctx, idStr, roots); err != nil {
		return Result{}, err
	}
	return Result{ScopeSetNodeID: idStr}, nil
}

// resolvePath walks a single "~N/~N/..." path from every parent root,
// returning the node reached from each; it fails with ErrInvalidScope if
// the path cannot be walked from any one of the parent roots.
func resolvePath(ctx context.Context, reader NodeReader, path string, parentRoots []string) ([]string, error) {
	if path == inherit {
		return append([]string(nil), parentRoots...), nil
	}

	segments := strings.Split(path, "/")
	indices := make([]int, len(segments))
	for i, seg := range segments {
		if !strings.HasPrefix(seg, "~") {
			return nil, ErrInvalidScope
		}
		n, err := strconv.Atoi(seg[1:])
		if err != nil || n < 0 {
			return nil, ErrInvalidScope
		}
		indices[i] = n
	}

	var out []string
	for _, root := range parentRoots {
		current := root
		reached := true
		for _, idx := range indices {
			children, ok := reader.Children(ctx, current)
			if !ok || idx >= len(children) {
				reached = false
				break
			}
			current = children[idx]
		}
		if !reached {
			return nil, ErrInvalidScope
		}
		out = append(out, current)
	}
	if len(out) == 0 {
		return nil, ErrInvalidScope
	}
	return out, nil
}

// dedupeSorted returns roots deduplicated and sorted for deterministic
// set-node ids.
func dedupeSorted(roots []string) []string {
	seen := make(map[string]struct{}, len(roots))
	out := roots[:0:0]
	for _, r := range roots {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Package cache wraps a delegatestore.Store with an optional Redis
// read-through cache for the hot delegate-by-id lookup that the
// access-token middleware performs on every authenticated request.
//
// When REDIS_URL is unset, New returns a cache whose Get simply
// pass-throughs to the underlying store, so the rest of the service never
// needs to branch on whether caching is configured.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casfa/casfa/internal/delegatestore"
)

const (
	keyPrefix      = "casfa:delegate:"
	defaultTTL     = 30 * time.Second
	storageTimeout = 2 * time.Second
)

// DelegateCache wraps delegatestore.Store with a read-through cache.
// The zero value (rdb == nil) is a valid pass-through cache.
type DelegateCache struct {
	store delegatestore.Store
	rdb   *redis.Client
	ttl   time.Duration
}

var _ delegatestore.Store = (*DelegateCache)(nil)

// New returns a DelegateCache backed by store. If redisURL is empty,
// the returned cache never touches Redis.
func New(store delegatestore.Store, redisURL string) (*DelegateCache, error) {
	c := &DelegateCache{store: store, ttl: defaultTTL}
	if redisURL == "" {
		return c, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse REDIS_URL: %w", err)
	}
	c.rdb = redis.NewClient(opts)
	return c, nil
}

// Get returns the delegate by id, consulting Redis first when configured.
// Negative results (delegate not found) are never cached, since a
// newly-created delegate must be visible immediately.
func (c *DelegateCache) Get(ctx context.Context, delegateID string) (*delegatestore.Delegate, error) {
	if c.rdb == nil {
		return c.store.Get(ctx, delegateID)
	}

	cctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	if cached, err := c.getCached(cctx, delegateID); err == nil && cached != nil {
		return cached, nil
	}

	d, err := c.store.Get(ctx, delegateID)
	if err != nil || d == nil {
		return d, err
	}

	c.setCached(cctx, d)
	return d, nil
}

// Invalidate evicts delegateID from the cache.
func (c *DelegateCache) Invalidate(ctx context.Context, delegateID string) {
	if c.rdb == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	_ = c.rdb.Del(cctx, keyPrefix+delegateID).Err()
}

// Create delegates to the underlying store; a fresh delegate has nothing
// to invalidate.
func (c *DelegateCache) Create(ctx context.Context, delegate *delegatestore.Delegate) error {
	return c.store.Create(ctx, delegate)
}

// RotateTokens delegates to the underlying store and evicts delegateID on
// success, so a cached pre-rotation hash can never be served again.
func (c *DelegateCache) RotateTokens(ctx context.Context, req delegatestore.RotateRequest) (bool, error) {
	ok, err := c.store.RotateTokens(ctx, req)
	if ok {
		c.Invalidate(ctx, req.DelegateID)
	}
	return ok, err
}

// Revoke delegates to the underlying store and evicts delegateID on
// success, so a revoked delegate can never be served from a stale cache
// entry.
func (c *DelegateCache) Revoke(ctx context.Context, delegateID, by string, now int64) (bool, error) {
	ok, err := c.store.Revoke(ctx, delegateID, by, now)
	if ok {
		c.Invalidate(ctx, delegateID)
	}
	return ok, err
}

// ListChildren delegates to the underlying store; child listings are not cached.
func (c *DelegateCache) ListChildren(ctx context.Context, realm, parentID string, limit int, cursor string) (delegatestore.ChildPage, error) {
	return c.store.ListChildren(ctx, realm, parentID, limit, cursor)
}

// GetOrCreateRoot delegates to the underlying store; root delegates carry
// no live tokens, so there is nothing that can go stale by caching them.
func (c *DelegateCache) GetOrCreateRoot(ctx context.Context, realm, proposedID string, now int64) (*delegatestore.Delegate, bool, error) {
	return c.store.GetOrCreateRoot(ctx, realm, proposedID, now)
}

func (c *DelegateCache) getCached(ctx context.Context, delegateID string) (*delegatestore.Delegate, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+delegateID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d delegatestore.Delegate
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DelegateCache) setCached(ctx context.Context, d *delegatestore.Delegate) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, keyPrefix+d.DelegateID, raw, c.ttl).Err()
}

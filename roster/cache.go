package roster

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/unionhall/allotment-engine/reconcile"
)

const (
	memberKeyPrefix   = "member:"
	divisionKeyPrefix = "division:"
)

// Cached decorates a MemberStore with a TTL cache. A run lists the
// roster once, so the win is across runs and API calls, not within one.
// Implements both reconcile.MemberStore and Directory.
type Cached struct {
	inner reconcile.MemberStore
	data  *cache.Cache
}

// NewCached wraps inner with a cache holding entries for ttl.
func NewCached(inner reconcile.MemberStore, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		data:  cache.New(ttl, 2*ttl),
	}
}

func (c *Cached) GetMember(ctx context.Context, id reconcile.MemberID) (*reconcile.Member, error) {
	key := memberKeyPrefix + string(id)
	if v, found := c.data.Get(key); found {
		m := v.(reconcile.Member)
		return &m, nil
	}

	m, err := c.inner.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	c.data.Set(key, *m, cache.DefaultExpiration)
	return m, nil
}

func (c *Cached) ListMembers(ctx context.Context, division string) ([]reconcile.Member, error) {
	key := divisionKeyPrefix + division
	if v, found := c.data.Get(key); found {
		cached := v.([]reconcile.Member)
		// Copy so callers cannot mutate the cached slice.
		out := make([]reconcile.Member, len(cached))
		copy(out, cached)
		return out, nil
	}

	members, err := c.inner.ListMembers(ctx, division)
	if err != nil {
		return nil, err
	}
	stored := make([]reconcile.Member, len(members))
	copy(stored, members)
	c.data.Set(key, stored, cache.DefaultExpiration)
	return members, nil
}

// PutMember writes through and flushes. A member can change divisions,
// so the new row alone cannot name every stale division list.
func (c *Cached) PutMember(ctx context.Context, m reconcile.Member) error {
	if err := c.inner.PutMember(ctx, m); err != nil {
		return err
	}
	c.data.Flush()
	return nil
}

// Flush drops every cached entry. Callers that write to the underlying
// store directly (scenario loads, database resets) must call this.
func (c *Cached) Flush() {
	c.data.Flush()
}

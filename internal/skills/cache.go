package skills

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedRegistry memoizes skill definitions of another registry
type CachedRegistry struct {
	inner Registry
	cache *ristretto.Cache
}

// NewCachedRegistry wraps inner with a cache bounded by maxCost content bytes
func NewCachedRegistry(inner Registry, maxCost int64) (*CachedRegistry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * 1000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create skill cache: %w", err)
	}
	return &CachedRegistry{inner: inner, cache: cache}, nil
}

// Fetch serves cached skills and loads the rest from the inner registry
func (r *CachedRegistry) Fetch(ctx context.Context, ids []string) ([]Skill, error) {
	ids = dedupeIDs(ids)
	found := make(map[string]Skill, len(ids))
	var missing []string
	for _, id := range ids {
		if v, ok := r.cache.Get(id); ok {
			found[id] = v.(Skill)
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		loaded, err := r.inner.Fetch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, s := range loaded {
			found[s.ID] = s
			r.cache.Set(s.ID, s, cost(s))
		}
		r.cache.Wait()
	}

	out := make([]Skill, 0, len(ids))
	for _, id := range ids {
		if s, ok := found[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// List always reads through to the inner registry
func (r *CachedRegistry) List(ctx context.Context) ([]Skill, error) {
	return r.inner.List(ctx)
}

// Invalidate drops one skill from the cache
func (r *CachedRegistry) Invalidate(id string) {
	r.cache.Del(NormalizeID(id))
}

// Close releases cache resources
func (r *CachedRegistry) Close() {
	r.cache.Close()
}

func cost(s Skill) int64 {
	c := int64(len(s.Content))
	if c == 0 {
		return 1
	}
	return c
}

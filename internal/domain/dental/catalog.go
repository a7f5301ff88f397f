package dental

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// CachedCatalog keeps reference data in memory. Items and definitions are
// immutable for the engine, so entries only expire.
type CachedCatalog struct {
	next  CatalogRepository
	cache *cache.Cache
}

// NewCachedCatalog wraps next. A ttl of zero or less disables expiry.
func NewCachedCatalog(next CatalogRepository, ttl time.Duration) *CachedCatalog {
	cleanup := 2 * ttl
	if ttl <= 0 {
		ttl = cache.NoExpiration
		cleanup = 0
	}
	return &CachedCatalog{next: next, cache: cache.New(ttl, cleanup)}
}

func (c *CachedCatalog) GetItem(ctx context.Context, id uuid.UUID) (*TreatmentItem, error) {
	key := "item:" + id.String()
	if v, found := c.cache.Get(key); found {
		return v.(*TreatmentItem), nil
	}
	it, err := c.next.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, it, cache.DefaultExpiration)
	return it, nil
}

func (c *CachedCatalog) GetDiagnosisDefinition(ctx context.Context, id uuid.UUID) (*DiagnosisDefinition, error) {
	key := "diag:" + id.String()
	if v, found := c.cache.Get(key); found {
		return v.(*DiagnosisDefinition), nil
	}
	d, err := c.next.GetDiagnosisDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, d, cache.DefaultExpiration)
	return d, nil
}

// Flush drops every cached entry, e.g. after master data was reloaded.
func (c *CachedCatalog) Flush() {
	c.cache.Flush()
}

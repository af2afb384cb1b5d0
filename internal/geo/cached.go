package geo

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/pkg/metrics"
)

// CachedResolver memoizes lookups in an expirable LRU. IP-to-location
// mappings change slowly; caching keeps the per-request cost of repeat
// lookups at map-access level. Failures are not cached so a transient
// upstream error retries on the next request.
type CachedResolver struct {
	inner Resolver
	lru   *expirable.LRU[string, *models.GeoLocation]
}

// NewCachedResolver wraps inner with an LRU of the given size and TTL.
func NewCachedResolver(inner Resolver, size int, ttl time.Duration) *CachedResolver {
	if size <= 0 {
		size = 4096
	}
	return &CachedResolver{
		inner: inner,
		lru:   expirable.NewLRU[string, *models.GeoLocation](size, nil, ttl),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, ip string) (*models.GeoLocation, error) {
	if loc, ok := c.lru.Get(ip); ok {
		metrics.GeoCacheHitsTotal.Inc()
		return loc, nil
	}
	metrics.GeoCacheMissesTotal.Inc()
	loc, err := c.inner.Resolve(ctx, ip)
	if err != nil {
		return nil, err
	}
	c.lru.Add(ip, loc)
	return loc, nil
}

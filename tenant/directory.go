package tenant

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/warp/credit-ledger/credit"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Second
)

// Loader reads tenant rows. A missing tenant is (nil, nil).
type Loader interface {
	LoadTenant(ctx context.Context, id credit.TenantID) (*Record, error)
}

type cacheEntry struct {
	cfg      *credit.TenantConfig // nil caches "not found"
	storedAt time.Time
}

// Directory is a credit.TenantDirectory backed by a Loader with an LRU
// cache in front. Feature flag changes become visible after at most TTL,
// or immediately for writes that go through Invalidate.
type Directory struct {
	loader Loader
	cache  *lru.Cache[credit.TenantID, cacheEntry]
	ttl    time.Duration
	now    func() time.Time
}

func NewDirectory(loader Loader, size int, ttl time.Duration) *Directory {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	// lru.New only errors on non-positive size, guarded above.
	cache, _ := lru.New[credit.TenantID, cacheEntry](size)
	return &Directory{loader: loader, cache: cache, ttl: ttl, now: time.Now}
}

// Tenant implements credit.TenantDirectory.
func (d *Directory) Tenant(ctx context.Context, id credit.TenantID) (*credit.TenantConfig, error) {
	if entry, ok := d.cache.Get(id); ok {
		if d.now().Sub(entry.storedAt) < d.ttl {
			return cloneConfig(entry.cfg), nil
		}
		d.cache.Remove(id)
	}

	rec, err := d.loader.LoadTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	var cfg *credit.TenantConfig
	if rec != nil {
		c, err := rec.ToConfig()
		if err != nil {
			return nil, err
		}
		cfg = &c
	}
	d.cache.Add(id, cacheEntry{cfg: cfg, storedAt: d.now()})
	return cloneConfig(cfg), nil
}

// Invalidate drops the cached entry for id.
func (d *Directory) Invalidate(id credit.TenantID) {
	d.cache.Remove(id)
}

func cloneConfig(cfg *credit.TenantConfig) *credit.TenantConfig {
	if cfg == nil {
		return nil
	}
	c := *cfg
	return &c
}

// Package catalog resolves scanned or typed codes to sellable units.
package catalog

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"labelpos/backend/internal/cache"
	"labelpos/backend/internal/domain"
)

// Lookup resolves a barcode, SKU or template code. Unknown codes return
// domain.ErrNotFound.
type Lookup interface {
	Resolve(ctx context.Context, code string) (domain.CatalogItem, error)
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Cached is a read-through cache in front of another Lookup. Cache failures
// are logged and fall through to the wrapped lookup.
type Cached struct {
	next   Lookup
	cache  cache.CatalogCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(next Lookup, c cache.CatalogCache, ttl time.Duration, logger *zap.Logger) *Cached {
	if c == nil {
		c = cache.NoopCatalogCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, cache: c, ttl: ttl, logger: logger.Named("catalog")}
}

func (c *Cached) Resolve(ctx context.Context, code string) (domain.CatalogItem, error) {
	code = NormalizeCode(code)
	if code == "" {
		return domain.CatalogItem{}, domain.Invalid("code", "is required")
	}

	if hit, ok, err := c.cache.Get(ctx, code); err != nil {
		c.logger.Warn("catalog cache read failed", zap.String("code", code), zap.Error(err))
	} else if ok {
		return *hit, nil
	}

	item, err := c.next.Resolve(ctx, code)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	if err := c.cache.Set(ctx, code, &item, c.ttl); err != nil {
		c.logger.Warn("catalog cache write failed", zap.String("code", code), zap.Error(err))
	}
	return item, nil
}

package definition

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// Cache keeps recently loaded definitions in memory for ttl. Edits made to
// the underlying source become visible after expiry or an explicit
// Invalidate; a call already holding a snapshot keeps using it.
type Cache struct {
	src Source
	c   *ttlcache.Cache[string, *workflow.Definition]
}

// NewCache wraps src. capacity bounds the number of cached types.
func NewCache(src Source, ttl time.Duration, capacity uint64) *Cache {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, *workflow.Definition](capacity),
		ttlcache.WithTTL[string, *workflow.Definition](ttl),
	)

	return &Cache{src: src, c: c}
}

// Definition implements Source.
func (c *Cache) Definition(ctx context.Context, certificateType string) (*workflow.Definition, error) {
	if item := c.c.Get(certificateType); item != nil {
		return item.Value(), nil
	}

	def, err := c.src.Definition(ctx, certificateType)
	if err != nil {
		return nil, err
	}
	c.c.Set(certificateType, def, ttlcache.DefaultTTL)
	return def, nil
}

// Invalidate drops the cached definition for certificateType.
func (c *Cache) Invalidate(certificateType string) {
	c.c.Delete(certificateType)
}

// InvalidateAll drops every cached definition.
func (c *Cache) InvalidateAll() {
	c.c.DeleteAll()
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	return c.c.Len()
}

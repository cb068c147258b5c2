package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 5 * time.Minute

// CachedDirectory is a Redis read-through cache in front of another
// Directory. Cache errors are logged and fall through to the backing store.
type CachedDirectory struct {
	next   Directory
	cache  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

var _ Directory = (*CachedDirectory)(nil)

type CacheOption func(*CachedDirectory)

func WithTTL(d time.Duration) CacheOption {
	return func(c *CachedDirectory) { c.ttl = d }
}

func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *CachedDirectory) { c.logger = l }
}

func NewCachedDirectory(next Directory, cache redis.Cmdable, opts ...CacheOption) *CachedDirectory {
	c := &CachedDirectory{next: next, cache: cache, ttl: DefaultCacheTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(id string) string {
	return fmt.Sprintf("scope:%s", id)
}

func (c *CachedDirectory) Lookup(ctx context.Context, id string) (*Scope, error) {
	key := cacheKey(id)

	var s Scope
	err := c.cache.Get(ctx, key).Scan(&s)
	if err == nil {
		return &s, nil
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("scope cache read failed", zap.String("scope", id), zap.Error(err))
	}

	found, err := c.next.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, found, c.ttl).Err(); err != nil {
		c.logger.Warn("scope cache write failed", zap.String("scope", id), zap.Error(err))
	}
	return found, nil
}

// Invalidate drops the cached entry so the next Lookup hits the backing store.
func (c *CachedDirectory) Invalidate(ctx context.Context, id string) error {
	return c.cache.Del(ctx, cacheKey(id)).Err()
}

// Package ratelimit is a per-scope tokens-per-minute burst throttle built on
// github.com/vnmchuo/ratelimiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter keeps one underlying store per distinct tokens-per-minute limit so
// scopes with their own rate share the same Redis keyspace.
type Limiter struct {
	defaultTPM int64
	newStore   func(limit int) extratelimit.Limiter

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		newStore: func(limit int) extratelimit.Limiter {
			return extratelimit.NewRedisStore(rdb,
				extratelimit.WithLimit(limit),
				extratelimit.WithWindow(time.Minute),
			)
		},
		stores: make(map[int64]extratelimit.Limiter),
	}
}

// NewTestLimiter routes every scope to store regardless of its limit.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{
		defaultTPM: 1,
		newStore:   func(int) extratelimit.Limiter { return store },
		stores:     make(map[int64]extratelimit.Limiter),
	}
}

func key(scope string) string {
	return fmt.Sprintf("ratelimit:scope:%s", scope)
}

func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[tpm]
	if !ok {
		s = l.newStore(int(tpm))
		l.stores[tpm] = s
	}
	return s
}

// effective picks the scope's own limit, else the default. Zero means the
// scope is not throttled.
func (l *Limiter) effective(scopeTPM int64) int64 {
	if scopeTPM > 0 {
		return scopeTPM
	}
	return l.defaultTPM
}

// Allow spends tokens from the scope's per-minute allowance.
func (l *Limiter) Allow(ctx context.Context, scope string, scopeTPM int64, tokens int) (bool, error) {
	tpm := l.effective(scopeTPM)
	if tpm <= 0 {
		return true, nil
	}
	res, err := l.store(tpm).AllowN(ctx, key(scope), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, scope string, scopeTPM int64) (*extratelimit.Result, error) {
	tpm := l.effective(scopeTPM)
	if tpm <= 0 {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store(tpm).Status(ctx, key(scope))
}

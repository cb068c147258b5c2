package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultHourRetention = 48 * time.Hour
	DefaultDayRetention  = 8 * 24 * time.Hour

	fieldRequests    = "requests"
	fieldTokens      = "tokens"
	fieldCost        = "cost"
	fieldLastUpdated = "last_updated"
)

// RedisStore keeps one hash per window. Increments run inside MULTI/EXEC so
// both windows move together and no read-modify-write happens client side.
type RedisStore struct {
	client        goredis.Cmdable
	prefix        string
	hourRetention time.Duration
	dayRetention  time.Duration
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func WithRetention(hour, day time.Duration) RedisOption {
	return func(s *RedisStore) {
		if hour > 0 {
			s.hourRetention = hour
		}
		if day > 0 {
			s.dayRetention = day
		}
	}
}

func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:        client,
		prefix:        "costgate:usage:",
		hourRetention: DefaultHourRetention,
		dayRetention:  DefaultDayRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k WindowKey) string {
	return fmt.Sprintf("%s%s:%s:%s", s.prefix, k.Scope, k.Granularity, k.PeriodKey)
}

func (s *RedisStore) retention(g Granularity) time.Duration {
	if g == Hour {
		return s.hourRetention
	}
	return s.dayRetention
}

func (s *RedisStore) Increment(ctx context.Context, keys []WindowKey, d Delta, at time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range keys {
			rk := s.key(k)
			pipe.HIncrBy(ctx, rk, fieldRequests, d.Requests)
			pipe.HIncrBy(ctx, rk, fieldTokens, d.Tokens)
			pipe.HIncrByFloat(ctx, rk, fieldCost, d.CostUSD)
			pipe.HSet(ctx, rk, fieldLastUpdated, at.UTC().UnixNano())
			pipe.Expire(ctx, rk, s.retention(k.Granularity))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis increment: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key WindowKey) (Window, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Window{}, false, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return Window{}, false, nil
	}

	w := Window{Key: key}
	if w.Usage.Requests, err = parseInt(fields[fieldRequests]); err != nil {
		return Window{}, false, err
	}
	if w.Usage.Tokens, err = parseInt(fields[fieldTokens]); err != nil {
		return Window{}, false, err
	}
	if v := fields[fieldCost]; v != "" {
		if w.Usage.CostUSD, err = strconv.ParseFloat(v, 64); err != nil {
			return Window{}, false, fmt.Errorf("redis get: parse cost: %w", err)
		}
	}
	if v := fields[fieldLastUpdated]; v != "" {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Window{}, false, fmt.Errorf("redis get: parse last_updated: %w", err)
		}
		w.LastUpdated = time.Unix(0, ns).UTC()
	}
	return w, true, nil
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis get: parse counter: %w", err)
	}
	return n, nil
}

package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// clearIfUnchanged deletes the slot only when opened_at still matches.
var clearIfUnchanged = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "opened_at") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	client goredis.Cmdable
	prefix string
}

var _ StateStore = (*RedisStore)(nil)

func NewRedisStore(client goredis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "costgate:breaker:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(scope string, trigger Trigger) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, scope, trigger)
}

func (s *RedisStore) Get(ctx context.Context, scope string, trigger Trigger) (*State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(scope, trigger)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	openedAt, err := strconv.ParseInt(fields["opened_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse opened_at: %w", err)
	}
	cooldown, err := strconv.Atoi(fields["cooldown_minutes"])
	if err != nil {
		return nil, fmt.Errorf("parse cooldown_minutes: %w", err)
	}
	return &State{
		Scope:           scope,
		Trigger:         trigger,
		OpenedAt:        time.Unix(0, openedAt).UTC(),
		CooldownMinutes: cooldown,
		Reason:          fields["reason"],
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, st State) error {
	key := s.key(st.Scope, st.Trigger)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"opened_at", st.OpenedAt.UnixNano(),
			"cooldown_minutes", st.CooldownMinutes,
			"reason", st.Reason)
		// keep expired slots from piling up; the lazy close still decides state
		pipe.Expire(ctx, key, time.Duration(st.CooldownMinutes)*time.Minute+time.Hour)
		return nil
	})
	return err
}

func (s *RedisStore) Clear(ctx context.Context, scope string, trigger Trigger, openedAt time.Time) error {
	err := clearIfUnchanged.Run(ctx, s.client, []string{s.key(scope, trigger)},
		strconv.FormatInt(openedAt.UnixNano(), 10)).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return err
	}
	return nil
}

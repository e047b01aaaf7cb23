package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// RedisRouteStore implements RouteStore using Redis. Routes are JSON values
// under route:{service}:{role}/{host}, indexed by a per-service set.
type RedisRouteStore struct {
	redis   *redis.Client
	service string
}

// NewRedisRouteStore creates a Redis-backed route table for one service
func NewRedisRouteStore(rdb *redis.Client, service string) *RedisRouteStore {
	return &RedisRouteStore{redis: rdb, service: service}
}

func (s *RedisRouteStore) key(role, host string) string {
	return fmt.Sprintf("zerodeploy:route:%s:%s", s.service, model.RouteKey(role, host))
}

func (s *RedisRouteStore) index() string {
	return "zerodeploy:routes:" + s.service
}

func (s *RedisRouteStore) Get(ctx context.Context, role, host string) (model.ProxyRoute, error) {
	if s.redis == nil {
		return model.ProxyRoute{}, fmt.Errorf("redis client is nil")
	}
	data, err := s.redis.Get(ctx, s.key(role, host)).Result()
	if err != nil {
		if err == redis.Nil {
			return model.ProxyRoute{}, fmt.Errorf("route %s: %w", model.RouteKey(role, host), model.ErrNotFound)
		}
		return model.ProxyRoute{}, fmt.Errorf("failed to get route: %w", err)
	}
	var route model.ProxyRoute
	if err := json.Unmarshal([]byte(data), &route); err != nil {
		return model.ProxyRoute{}, fmt.Errorf("failed to unmarshal route: %w", err)
	}
	return route, nil
}

func (s *RedisRouteStore) Put(ctx context.Context, route model.ProxyRoute) error {
	if s.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}
	key := s.key(route.Role, route.Host)
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, 0)
		p.SAdd(ctx, s.index(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store route: %w", err)
	}
	return nil
}

func (s *RedisRouteStore) List(ctx context.Context) ([]model.ProxyRoute, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	keys, err := s.redis.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}
	out := make([]model.ProxyRoute, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// dangling index entry
			s.redis.SRem(ctx, s.index(), keys[i])
			continue
		}
		var route model.ProxyRoute
		if err := json.Unmarshal([]byte(str), &route); err != nil {
			return nil, fmt.Errorf("failed to unmarshal route %s: %w", keys[i], err)
		}
		out = append(out, route)
	}
	sortRoutes(out)
	return out, nil
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX, so reconcilers in several
// processes serialize on the same key.
type RedisLocker struct {
	redis  *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client, service string) *RedisLocker {
	return &RedisLocker{redis: rdb, prefix: "zerodeploy:reconcile:" + service + ":"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	rkey := l.prefix + key
	ok, err := l.redis.SetNX(ctx, rkey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is being reconciled", model.ErrRouteConflict, key)
	}
	return func() {
		if err := unlockScript.Run(context.WithoutCancel(ctx), l.redis, []string{rkey}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", rkey).Msg("failed to release reconcile lock")
		}
	}, nil
}

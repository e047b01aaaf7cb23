// Package lock implements the deploy lock: one deploy or rollback of a service
// at a time, with a holder and a message for whoever finds it held.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/zerodeploy/internal/deploy/metrics"
	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// Locker 发布锁
type Locker interface {
	// Acquire fails with model.ErrLocked when another holder owns the lock.
	Acquire(ctx context.Context, info model.LockInfo) error
	// Release removes the lock whoever holds it; model.ErrNotFound when not held.
	Release(ctx context.Context) error
	// Status returns nil when the lock is free.
	Status(ctx context.Context) (*model.LockInfo, error)
}

func lockedError(held model.LockInfo) error {
	metrics.LockContentionTotal.Inc()
	return fmt.Errorf("%w by %s since %s: %s", model.ErrLocked, held.Holder,
		held.AcquiredAt.Format("2006-01-02 15:04:05"), held.Message)
}

// Memory 进程内发布锁
type Memory struct {
	mu   sync.Mutex
	held *model.LockInfo
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Acquire(_ context.Context, info model.LockInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held != nil {
		return lockedError(*m.held)
	}
	m.held = &info
	return nil
}

func (m *Memory) Release(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return fmt.Errorf("deploy lock: %w", model.ErrNotFound)
	}
	m.held = nil
	return nil
}

func (m *Memory) Status(_ context.Context) (*model.LockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return nil, nil
	}
	info := *m.held
	return &info, nil
}

// Redis 基于 Redis 的发布锁，多个控制端共享
type Redis struct {
	redis *redis.Client
	key   string
}

func NewRedis(rdb *redis.Client, service string) *Redis {
	return &Redis{redis: rdb, key: "zerodeploy:lock:" + service}
}

func (r *Redis) Acquire(ctx context.Context, info model.LockInfo) error {
	if r.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}
	ok, err := r.redis.SetNX(ctx, r.key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire deploy lock: %w", err)
	}
	if !ok {
		held, err := r.Status(ctx)
		if err != nil {
			return err
		}
		if held == nil {
			// released between SETNX and GET
			return r.Acquire(ctx, info)
		}
		return lockedError(*held)
	}
	log.Info().Str("holder", info.Holder).Str("key", r.key).Msg("deploy lock acquired")
	return nil
}

func (r *Redis) Release(ctx context.Context) error {
	if r.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	n, err := r.redis.Del(ctx, r.key).Result()
	if err != nil {
		return fmt.Errorf("failed to release deploy lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deploy lock: %w", model.ErrNotFound)
	}
	return nil
}

func (r *Redis) Status(ctx context.Context) (*model.LockInfo, error) {
	if r.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := r.redis.Get(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get deploy lock: %w", err)
	}
	var info model.LockInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deploy lock: %w", err)
	}
	return &info, nil
}

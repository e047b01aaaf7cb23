package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379", // 需要 Redis 实例
	})
	t.Cleanup(func() { rdb.Close() })

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	return rdb
}

func TestRedisRouteStore(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	service := "test-" + uuid.NewString()
	store := NewRedisRouteStore(rdb, service)
	t.Cleanup(func() {
		keys, _ := rdb.SMembers(ctx, store.index()).Result()
		rdb.Del(ctx, append(keys, store.index())...)
	})

	_, err := store.Get(ctx, "web", "10.0.0.1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	until := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	route := model.ProxyRoute{
		Role: "web", Host: "10.0.0.1", Active: v2,
		Draining:  []model.DrainingEndpoint{{Endpoint: v1, Until: until}},
		UpdatedAt: until.Add(-30 * time.Second),
	}
	require.NoError(t, store.Put(ctx, route))
	require.NoError(t, store.Put(ctx, model.ProxyRoute{Role: "api", Host: "10.0.0.2", Active: v1}))

	got, err := store.Get(ctx, "web", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, v2, got.Active)
	require.Len(t, got.Draining, 1)
	assert.True(t, until.Equal(got.Draining[0].Until))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Role)
}

func TestRedisLocker(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	locker := NewRedisLocker(rdb, "test-"+uuid.NewString())

	unlock, err := locker.TryLock(ctx, "web/10.0.0.1", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "web/10.0.0.1", time.Minute)
	assert.ErrorIs(t, err, model.ErrRouteConflict)

	other, err := locker.TryLock(ctx, "web/10.0.0.2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	again, err := locker.TryLock(ctx, "web/10.0.0.1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "k", 0)
	require.NoError(t, err)
	_, err = locker.TryLock(ctx, "k", 0)
	assert.ErrorIs(t, err, model.ErrRouteConflict)

	unlock()
	unlock() // releasing twice is harmless
	_, err = locker.TryLock(ctx, "k", 0)
	assert.NoError(t, err)
}

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis/redistest"
)

func TestCursor(t *testing.T) {
	ctx := context.Background()

	t.Run("returns default when nothing stored", func(t *testing.T) {
		cursor := redis.NewCursor(redistest.NewCache(), "eshop_invoices_page", 0)

		page, err := cursor.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, page)
	})

	t.Run("save then load with default ttl", func(t *testing.T) {
		cache := redistest.NewCache()
		cursor := redis.NewCursor(cache, "eshop_invoices_page", 0)

		require.NoError(t, cursor.Save(ctx, 7))
		page, err := cursor.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 7, page)
		assert.Equal(t, redis.DefaultCursorTTL, cache.TTLs["eshop_invoices_page"])
	})

	t.Run("clear resets to default", func(t *testing.T) {
		cursor := redis.NewCursor(redistest.NewCache(), "k", 0)
		require.NoError(t, cursor.Save(ctx, 3))
		require.NoError(t, cursor.Clear(ctx))

		page, err := cursor.Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, page)
	})

	t.Run("garbage value falls back to default", func(t *testing.T) {
		cache := redistest.NewCache()
		require.NoError(t, cache.Set(ctx, "k", "not-a-number", 0))

		page, err := redis.NewCursor(cache, "k", 0).Load(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, page)
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	cache := redistest.NewCache()

	type token struct {
		AccessToken string `json:"access_token"`
	}

	require.NoError(t, redis.SetJSON(ctx, cache, "token", token{AccessToken: "abc"}, 0))

	var got token
	require.NoError(t, redis.GetJSON(ctx, cache, "token", &got))
	assert.Equal(t, "abc", got.AccessToken)

	err := redis.GetJSON(ctx, cache, "missing", &got)
	assert.ErrorIs(t, err, redis.ErrCacheMiss)
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	locker := redistest.NewLocker()

	lock, err := locker.Acquire(ctx, "eshop.invoices", 0)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "eshop.invoices", 0)
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)
}

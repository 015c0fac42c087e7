package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/redis/redistest"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestManager_Token(t *testing.T) {
	ctx := context.Background()

	t.Run("logs in once then serves from cache", func(t *testing.T) {
		cache := redistest.NewCache()
		manager := NewManager(cache, testLogger())
		calls := 0
		login := func(context.Context) (*CachedToken, time.Duration, error) {
			calls++
			return &CachedToken{Token: "abc", Extra: map[string]string{"company_code": "c1"}}, 12 * time.Hour, nil
		}

		first, err := manager.Token(ctx, "eshop", login)
		require.NoError(t, err)
		second, err := manager.Token(ctx, "eshop", login)
		require.NoError(t, err)

		assert.Equal(t, 1, calls)
		assert.Equal(t, "abc", second.Token)
		assert.Equal(t, "c1", first.Get("company_code"))
		assert.Equal(t, 12*time.Hour, cache.TTLs[CacheKeyPrefix+"eshop"])
	})

	t.Run("login error is returned and nothing cached", func(t *testing.T) {
		cache := redistest.NewCache()
		manager := NewManager(cache, testLogger())
		boom := errors.New("boom")

		_, err := manager.Token(ctx, "lark", func(context.Context) (*CachedToken, time.Duration, error) {
			return nil, 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, cache.Has(CacheKeyPrefix+"lark"))
	})

	t.Run("invalidate forces a new login", func(t *testing.T) {
		manager := NewManager(redistest.NewCache(), testLogger())
		calls := 0
		login := func(context.Context) (*CachedToken, time.Duration, error) {
			calls++
			return &CachedToken{Token: "t"}, 0, nil
		}

		_, err := manager.Token(ctx, "amis_web", login)
		require.NoError(t, err)
		require.NoError(t, manager.Invalidate(ctx, "amis_web"))
		_, err = manager.Token(ctx, "amis_web", login)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})
}

func TestExtract(t *testing.T) {
	var body any
	require.NoError(t, json.Unmarshal([]byte(`{"Data":{"AccessToken":"tok","CompanyCode":"cc","Environment":"g1"}}`), &body))

	token, err := Extract(body, map[string]string{
		"token":        "Data.AccessToken",
		"company_code": "Data.CompanyCode",
		"environment":  "Data.Environment",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok", token.Token)
	assert.Equal(t, "cc", token.Get("company_code"))
	assert.Equal(t, "g1", token.Get("environment"))

	_, err = Extract(body, map[string]string{"token": "Data.Missing"})
	assert.ErrorIs(t, err, ErrTokenExtractionFailed)
}

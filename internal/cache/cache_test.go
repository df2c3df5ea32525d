package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, time.Second), s
}

func TestRedisCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var got snapshot
	ok, err := c.Get(ctx, "ticker:BTC:USDT", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "ticker:BTC:USDT", snapshot{Symbol: "BTC", Price: decimal.RequireFromString("30500.12345678")}))

	ok, err = c.Get(ctx, "ticker:BTC:USDT", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "BTC", got.Symbol)
	assert.Equal(t, "30500.12345678", got.Price.String())
}

func TestRedisCache_Expires(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "coins", []string{"BTC"}))
	assert.True(t, s.Exists("cex:market:coins"))

	s.FastForward(1500 * time.Millisecond)

	var got []string
	ok, err := c.Get(ctx, "coins", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Delete(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))
	require.NoError(t, c.Delete(ctx, "a", "b"))
	assert.False(t, s.Exists("cex:market:a"))
	assert.False(t, s.Exists("cex:market:b"))
	require.NoError(t, c.Delete(ctx))
}

func TestRedisCache_CorruptValue(t *testing.T) {
	c, s := newTestCache(t)
	require.NoError(t, s.Set("cex:market:bad", "{not json"))

	var got snapshot
	_, err := c.Get(context.Background(), "bad", &got)
	assert.Error(t, err)
}

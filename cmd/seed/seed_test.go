package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/cryptoexchange/internal/auth"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/memstore"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"go.uber.org/zap"
)

func TestSeeder_Seed(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &seedClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	s := &seeder{
		coins:  store,
		users:  store,
		auth:   auth.NewAuthService(store, "secret", time.Hour),
		ex:     exchange.NewExchange(store, exchange.WithClock(clock.Now)),
		clock:  clock,
		logger: zap.NewNop(),
	}

	trades, err := s.Seed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 16, trades)

	btc, err := store.CoinBySymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "31500", btc.Price.String())

	buyer, err := store.GetUserByUsername(ctx, "trader1")
	require.NoError(t, err)
	bought, err := s.ex.BalanceOf(ctx, buyer.ID, btc.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.4", bought.String())

	again, err := s.Seed(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, again)

	open, err := store.OpenOrdersForUser(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, models.StatusFulfilled, mustOrder(t, store, 1).Status)
}

func mustOrder(t *testing.T, store *memstore.Store, id int64) *models.Order {
	t.Helper()
	o, err := store.OrderByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

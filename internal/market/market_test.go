package market_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/cryptoexchange/internal/cache"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/market"
	"github.com/xtrntr/cryptoexchange/internal/memstore"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type env struct {
	store  *memstore.Store
	ex     *exchange.Exchange
	svc    *market.Service
	clock  *manualClock
	nextID int64
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEnv(t *testing.T, opts ...market.Option) *env {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	coins := []struct{ symbol, price, capitalization string }{
		{"USDT", "1", "100"},
		{"BTC", "30000", "900"},
		{"ETH", "2000", "500"},
		{"SOL", "0", "10"},
	}
	for _, c := range coins {
		_, err := store.CreateCoin(ctx, c.symbol, c.symbol, d(c.price), d(c.capitalization))
		require.NoError(t, err)
	}
	clock := &manualClock{t: now}
	opts = append([]market.Option{market.WithClock(func() time.Time { return now })}, opts...)
	return &env{
		store: store,
		ex:    exchange.NewExchange(store, exchange.WithClock(clock.Now)),
		svc:   market.NewService(store, opts...),
		clock: clock,
	}
}

// trade settles one sell/buy pair between two fresh users at the given time
func (e *env) trade(t *testing.T, at time.Time, base, quote, price, amount string) {
	t.Helper()
	ctx := context.Background()
	e.clock.Set(at)
	e.nextID += 2
	seller, buyer := e.nextID-1, e.nextID
	value := d(price).Mul(d(amount)).String()

	_, err := e.ex.ApplyWalletTransaction(ctx, seller, base, exchange.WalletDeposit, d(amount))
	require.NoError(t, err)
	_, err = e.ex.ApplyWalletTransaction(ctx, buyer, quote, exchange.WalletDeposit, d(value))
	require.NoError(t, err)

	_, err = e.ex.PlaceOrder(ctx, exchange.OrderRequest{UserID: seller, Base: base, Quote: quote, Side: "sell", Price: d(price), Amount: d(amount)})
	require.NoError(t, err)
	res, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{UserID: buyer, Base: base, Quote: quote, Side: "buy", Price: d(price), Amount: d(amount)})
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)
}

// restingTrade places a sell at placed that a buy fills at filled
func (e *env) restingTrade(t *testing.T, placed, filled time.Time, base, quote, price, amount string) {
	t.Helper()
	ctx := context.Background()
	e.nextID += 2
	seller, buyer := e.nextID-1, e.nextID
	value := d(price).Mul(d(amount)).String()

	_, err := e.ex.ApplyWalletTransaction(ctx, seller, base, exchange.WalletDeposit, d(amount))
	require.NoError(t, err)
	_, err = e.ex.ApplyWalletTransaction(ctx, buyer, quote, exchange.WalletDeposit, d(value))
	require.NoError(t, err)

	e.clock.Set(placed)
	res, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{UserID: seller, Base: base, Quote: quote, Side: "sell", Price: d(price), Amount: d(amount)})
	require.NoError(t, err)
	require.Nil(t, res.Settlement)

	e.clock.Set(filled)
	res, err = e.ex.PlaceOrder(ctx, exchange.OrderRequest{UserID: buyer, Base: base, Quote: quote, Side: "buy", Price: d(price), Amount: d(amount)})
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)
}

func TestCandles_NoTrades(t *testing.T) {
	e := newEnv(t)
	candles, err := e.svc.Candles(context.Background(), "BTC", "USDT", "1h")
	require.NoError(t, err)
	require.Len(t, candles, market.CandleCount)
	for _, c := range candles {
		assert.True(t, c.Open.IsZero() && c.High.IsZero() && c.Low.IsZero() && c.Close.IsZero() && c.Volume.IsZero())
	}
	assert.Equal(t, now.Add(-100*time.Hour), candles[0].Timestamp)
	assert.Equal(t, now.Add(-time.Hour), candles[99].Timestamp)
}

func TestCandles_SingleTradeCarriesForward(t *testing.T) {
	e := newEnv(t)
	const k = 40
	start := now.Add(-100 * time.Minute)
	e.trade(t, start.Add(k*time.Minute+30*time.Second), "BTC", "USDT", "31000", "0.25")

	candles, err := e.svc.Candles(context.Background(), "btc", "usdt", "1m")
	require.NoError(t, err)
	require.Len(t, candles, market.CandleCount)

	for i := 0; i < k; i++ {
		assert.True(t, candles[i].Close.IsZero(), "bucket %d", i)
	}
	hit := candles[k]
	for _, v := range []decimal.Decimal{hit.Open, hit.High, hit.Low, hit.Close} {
		assert.True(t, v.Equal(d("31000")))
	}
	assert.True(t, hit.Volume.Equal(d("0.25")), "volume %s", hit.Volume)
	for i := k + 1; i < market.CandleCount; i++ {
		assert.True(t, candles[i].Open.Equal(d("31000")) && candles[i].Close.Equal(d("31000")), "bucket %d", i)
		assert.True(t, candles[i].Volume.IsZero(), "bucket %d", i)
	}
}

func TestCandles_RestingSellBucketedAtFill(t *testing.T) {
	e := newEnv(t)
	// The sell rests three hours, far outside the 1m window, before it fills.
	e.restingTrade(t, now.Add(-3*time.Hour), now.Add(-90*time.Second), "BTC", "USDT", "32000", "0.4")

	candles, err := e.svc.Candles(context.Background(), "BTC", "USDT", "1m")
	require.NoError(t, err)
	require.Len(t, candles, market.CandleCount)
	for i := 0; i < 98; i++ {
		assert.True(t, candles[i].Volume.IsZero(), "bucket %d", i)
	}
	hit := candles[98]
	assert.Equal(t, now.Add(-2*time.Minute), hit.Timestamp)
	assert.True(t, hit.Close.Equal(d("32000")))
	assert.True(t, hit.Volume.Equal(d("0.4")), "volume %s", hit.Volume)
	assert.True(t, candles[99].Close.Equal(d("32000")))
	assert.True(t, candles[99].Volume.IsZero())

	hourly, err := e.svc.Candles(context.Background(), "BTC", "USDT", "1h")
	require.NoError(t, err)
	var volume decimal.Decimal
	for _, c := range hourly {
		volume = volume.Add(c.Volume)
	}
	assert.True(t, volume.Equal(d("0.4")), "each trade counts once, volume %s", volume)
	assert.True(t, hourly[99].Volume.Equal(d("0.4")))
}

func TestCandles_OHLCWithinBucket(t *testing.T) {
	e := newEnv(t)
	bucket := now.Add(-2 * time.Hour)
	e.trade(t, bucket.Add(1*time.Minute), "ETH", "USDT", "2000", "1")
	e.trade(t, bucket.Add(10*time.Minute), "ETH", "USDT", "2100", "2")
	e.trade(t, bucket.Add(20*time.Minute), "ETH", "USDT", "1900", "1")
	e.trade(t, bucket.Add(30*time.Minute), "ETH", "USDT", "2050", "0.5")

	candles, err := e.svc.Candles(context.Background(), "ETH", "USDT", "1h")
	require.NoError(t, err)
	c := candles[98]
	assert.Equal(t, bucket, c.Timestamp)
	assert.True(t, c.Open.Equal(d("2000")))
	assert.True(t, c.High.Equal(d("2100")))
	assert.True(t, c.Low.Equal(d("1900")))
	assert.True(t, c.Close.Equal(d("2050")))
	assert.True(t, c.Volume.Equal(d("4.5")))
	assert.True(t, candles[99].Close.Equal(d("2050")))
	assert.True(t, candles[99].Volume.IsZero())
}

func TestCandles_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Candles(ctx, "BTC", "USDT", "2h")
	assert.ErrorIs(t, err, exchange.ErrInvalidInterval)

	_, err = e.svc.Candles(ctx, "DOGE", "USDT", "1h")
	assert.ErrorIs(t, err, exchange.ErrCoinNotFound)
}

func TestTicker(t *testing.T) {
	ctx := context.Background()

	t.Run("no history", func(t *testing.T) {
		e := newEnv(t)
		ticker, err := e.svc.Ticker(ctx, "BTC", "USDT")
		require.NoError(t, err)
		assert.True(t, ticker.Price.Equal(d("30000")))
		assert.True(t, ticker.Change24h.IsZero())
	})

	t.Run("change against day-old trade", func(t *testing.T) {
		e := newEnv(t)
		e.trade(t, now.Add(-48*time.Hour), "BTC", "USDT", "100", "1")
		e.trade(t, now.Add(-time.Hour), "BTC", "USDT", "110", "1")

		ticker, err := e.svc.Ticker(ctx, "BTC", "USDT")
		require.NoError(t, err)
		assert.True(t, ticker.Price.Equal(d("110")))
		assert.Equal(t, "10", ticker.Change24h.String())
	})

	t.Run("cross prices", func(t *testing.T) {
		e := newEnv(t)
		ticker, err := e.svc.Ticker(ctx, "ETH", "BTC")
		require.NoError(t, err)
		assert.Equal(t, "0.06666667", ticker.Price.String())

		ticker, err = e.svc.Ticker(ctx, "USDT", "BTC")
		require.NoError(t, err)
		assert.Equal(t, "0.00003333", ticker.Price.String())

		ticker, err = e.svc.Ticker(ctx, "ETH", "SOL")
		require.NoError(t, err)
		assert.True(t, ticker.Price.IsZero())
		assert.True(t, ticker.Change24h.IsZero())
	})

	t.Run("unknown coin", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.svc.Ticker(ctx, "BTC", "EUR")
		assert.ErrorIs(t, err, exchange.ErrCoinNotFound)
	})
}

func TestOrderBook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.ex.ApplyWalletTransaction(ctx, 1, "USDT", exchange.WalletDeposit, d("100000"))
	require.NoError(t, err)
	_, err = e.ex.ApplyWalletTransaction(ctx, 2, "BTC", exchange.WalletDeposit, d("10"))
	require.NoError(t, err)

	place := func(user int64, side, price, amount string) {
		_, err := e.ex.PlaceOrder(ctx, exchange.OrderRequest{UserID: user, Base: "BTC", Quote: "USDT", Side: side, Price: d(price), Amount: d(amount)})
		require.NoError(t, err)
	}
	place(1, "buy", "100", "1")
	place(1, "buy", "120", "2")
	place(1, "buy", "110", "1")
	place(2, "sell", "150", "1")
	place(2, "sell", "130", "0.5")
	place(2, "sell", "140", "1")

	book, err := e.svc.OrderBook(ctx, "BTC", "USDT")
	require.NoError(t, err)
	require.Len(t, book.Bids, 3)
	require.Len(t, book.Asks, 3)
	assert.Equal(t, []string{"120", "110", "100"}, prices(book.Bids))
	assert.Equal(t, []string{"130", "140", "150"}, prices(book.Asks))
	assert.True(t, book.Bids[0].Total.Equal(d("240")))
	assert.True(t, book.Asks[0].Total.Equal(d("65")))

	empty, err := e.svc.OrderBook(ctx, "ETH", "USDT")
	require.NoError(t, err)
	assert.Empty(t, empty.Bids)
	assert.Empty(t, empty.Asks)
}

func prices(entries []market.BookEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Price.String()
	}
	return out
}

func TestCoinRankings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.trade(t, now.Add(-30*time.Hour), "ETH", "USDT", "1000", "1")
	e.trade(t, now.Add(-2*time.Hour), "ETH", "USDT", "1500", "3")
	e.trade(t, now.Add(-time.Hour), "BTC", "USDT", "30000", "0.5")

	coins, err := e.svc.Coins(ctx)
	require.NoError(t, err)
	require.Len(t, coins, 4)
	eth := coins[2]
	assert.Equal(t, "ETH", eth.Symbol)
	assert.Equal(t, "50", eth.PercentChange.String())
	assert.True(t, eth.Volume.Equal(d("4500")), "volume %s", eth.Volume)

	stats, err := e.svc.CoinStats(ctx, "btc")
	require.NoError(t, err)
	assert.True(t, stats.PercentChange.IsZero())
	assert.True(t, stats.Volume.Equal(d("15000")))

	gainers, err := e.svc.TopGainers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, gainers, 1)
	assert.Equal(t, "ETH", gainers[0].Symbol)

	traded, err := e.svc.TopTraded(ctx, 2)
	require.NoError(t, err)
	require.Len(t, traded, 2)
	assert.Equal(t, "ETH", traded[0].Symbol)
	assert.True(t, traded[0].Traded.Equal(d("4")))
	assert.Equal(t, "BTC", traded[1].Symbol)

	traded, err = e.svc.TopTraded(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, traded, 2, "coins that never traded are left out")

	listings, err := e.svc.NewListings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, "SOL", listings[0].Symbol)
	assert.Equal(t, "ETH", listings[1].Symbol)

	popular, err := e.svc.Popular(ctx, 0)
	require.NoError(t, err)
	require.Len(t, popular, 4)
	assert.Equal(t, []string{"BTC", "ETH", "USDT", "SOL"}, []string{popular[0].Symbol, popular[1].Symbol, popular[2].Symbol, popular[3].Symbol})
}

func TestCoinStats_RestingSellCountsAtFill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.restingTrade(t, now.Add(-30*time.Hour), now.Add(-time.Hour), "ETH", "USDT", "2500", "2")

	stats, err := e.svc.CoinStats(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, stats.Volume.Equal(d("5000")), "volume %s", stats.Volume)
	assert.True(t, stats.PercentChange.IsZero(), "no trade before the window")

	ticker, err := e.svc.Ticker(ctx, "ETH", "USDT")
	require.NoError(t, err)
	assert.True(t, ticker.Price.Equal(d("2500")))
	assert.True(t, ticker.Change24h.IsZero())
}

func TestTicker_CachedUntilInvalidated(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	e := newEnv(t, market.WithCache(cache.NewRedisCache(client, time.Minute)))
	ctx := context.Background()

	first, err := e.svc.Ticker(ctx, "BTC", "USDT")
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(d("30000")))

	e.trade(t, now.Add(-time.Minute), "BTC", "USDT", "31000", "1")

	stale, err := e.svc.Ticker(ctx, "BTC", "USDT")
	require.NoError(t, err)
	assert.True(t, stale.Price.Equal(d("30000")))

	e.svc.Invalidate(ctx, "btc", "usdt")
	fresh, err := e.svc.Ticker(ctx, "BTC", "USDT")
	require.NoError(t, err)
	assert.True(t, fresh.Price.Equal(d("31000")))
}

func TestInvalidate_RepricedBaseAcrossPairs(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	e := newEnv(t, market.WithCache(cache.NewRedisCache(client, time.Minute)))
	ctx := context.Background()

	ethBTC, err := e.svc.Ticker(ctx, "ETH", "BTC")
	require.NoError(t, err)
	assert.Equal(t, "0.06666667", ethBTC.Price.String())
	btcETH, err := e.svc.Ticker(ctx, "BTC", "ETH")
	require.NoError(t, err)
	assert.Equal(t, "15", btcETH.Price.String())
	ethUSDT, err := e.svc.Ticker(ctx, "ETH", "USDT")
	require.NoError(t, err)

	// BTC trades against USDT; tickers on other pairs that involve BTC go stale.
	e.trade(t, now.Add(-time.Minute), "BTC", "USDT", "40000", "1")
	e.svc.Invalidate(ctx, "BTC", "USDT")

	ethBTC, err = e.svc.Ticker(ctx, "ETH", "BTC")
	require.NoError(t, err)
	assert.Equal(t, "0.05", ethBTC.Price.String())
	btcETH, err = e.svc.Ticker(ctx, "BTC", "ETH")
	require.NoError(t, err)
	assert.Equal(t, "20", btcETH.Price.String())

	assert.True(t, s.Exists("cex:market:ticker:ETH:USDT"), "pairs without BTC stay cached")
	again, err := e.svc.Ticker(ctx, "ETH", "USDT")
	require.NoError(t, err)
	assert.True(t, again.Price.Equal(ethUSDT.Price))
}

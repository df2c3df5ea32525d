package market

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultTopCount is used when a ranking is requested without a size
const DefaultTopCount = 5

// CoinStats is a coin with its 24h figures
type CoinStats struct {
	models.Coin
	PercentChange decimal.Decimal `json:"percent_change"`
	Volume        decimal.Decimal `json:"volume"`
}

// TradedCoin is a coin with its all-time traded base amount
type TradedCoin struct {
	models.Coin
	Traded decimal.Decimal `json:"traded"`
}

// CoinStats returns the 24h percent change and traded value of one coin
func (s *Service) CoinStats(ctx context.Context, symbol string) (*CoinStats, error) {
	coin, err := s.coin(ctx, symbol)
	if err != nil {
		return nil, err
	}
	common, err := s.commonCoin(ctx)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to resolve common unit", Err: err}
	}
	stats, err := s.coinStats(ctx, *coin, common)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *Service) coinStats(ctx context.Context, coin models.Coin, common *models.Coin) (CoinStats, error) {
	stats := CoinStats{Coin: coin, PercentChange: decimal.Zero, Volume: decimal.Zero}
	since := s.clock().Add(-day)

	orders, err := s.reader.FulfilledForCoinSince(ctx, coin.ID, since)
	if err != nil {
		return stats, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to load trades", Err: err}
	}
	for _, o := range orders {
		if o.Side == models.SideSell {
			stats.Volume = stats.Volume.Add(o.Total())
		}
	}

	anchor, err := s.anchorPrice(ctx, &coin, common, since)
	if err != nil {
		return stats, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to load price history", Err: err}
	}
	if anchor != nil {
		stats.PercentChange = percentChange(coin.Price, *anchor)
	}
	return stats, nil
}

// Coins returns every coin with its 24h figures, ordered by id
func (s *Service) Coins(ctx context.Context) ([]CoinStats, error) {
	return cached(ctx, s, "coins", func() ([]CoinStats, error) {
		coins, err := s.reader.ListCoins(ctx)
		if err != nil {
			return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to list coins", Err: err}
		}
		common, err := s.commonCoin(ctx)
		if err != nil {
			return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to resolve common unit", Err: err}
		}

		out := make([]CoinStats, len(coins))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i, c := range coins {
			i, c := i, c
			g.Go(func() error {
				stats, err := s.coinStats(gctx, c, common)
				out[i] = stats
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// TopGainers returns the n coins with the highest 24h percent change
func (s *Service) TopGainers(ctx context.Context, n int) ([]CoinStats, error) {
	coins, err := s.Coins(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(coins, func(i, j int) bool { return coins[i].PercentChange.GreaterThan(coins[j].PercentChange) })
	return head(coins, n), nil
}

// TopTraded returns the n coins with the largest all-time traded amount.
// Coins that never traded are left out.
func (s *Service) TopTraded(ctx context.Context, n int) ([]TradedCoin, error) {
	coins, err := s.reader.ListCoins(ctx)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to list coins", Err: err}
	}
	volumes, err := s.reader.FulfilledVolumes(ctx)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to load traded volumes", Err: err}
	}

	out := make([]TradedCoin, 0, len(coins))
	for _, c := range coins {
		if traded := volumes[c.ID]; traded.IsPositive() {
			out = append(out, TradedCoin{Coin: c, Traded: traded})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Traded.GreaterThan(out[j].Traded) })
	return head(out, n), nil
}

// NewListings returns the n most recently listed coins, newest first
func (s *Service) NewListings(ctx context.Context, n int) ([]models.Coin, error) {
	coins, err := s.reader.ListCoins(ctx)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to list coins", Err: err}
	}
	sort.SliceStable(coins, func(i, j int) bool { return coins[i].ID > coins[j].ID })
	return head(coins, n), nil
}

// Popular returns the n coins with the largest capitalization
func (s *Service) Popular(ctx context.Context, n int) ([]models.Coin, error) {
	coins, err := s.reader.ListCoins(ctx)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to list coins", Err: err}
	}
	sort.SliceStable(coins, func(i, j int) bool { return coins[i].Capitalization.GreaterThan(coins[j].Capitalization) })
	return head(coins, n), nil
}

func head[T any](items []T, n int) []T {
	if n <= 0 {
		n = DefaultTopCount
	}
	if len(items) > n {
		return items[:n]
	}
	return items
}

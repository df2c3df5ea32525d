package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/auth"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"go.uber.org/zap"
)

const seedPassword = "password123"

type coinSeed struct {
	Symbol         string
	Name           string
	Price          string
	Capitalization string
}

var defaultCoins = []coinSeed{
	{"USDT", "Tether", "1", "83000000000"},
	{"BTC", "Bitcoin", "30000", "590000000000"},
	{"ETH", "Ethereum", "2000", "240000000000"},
	{"SOL", "Solana", "100", "43000000000"},
	{"ADA", "Cardano", "0.5", "17000000000"},
}

// tradePath is the per-day price walk of each seeded pair against USDT
var tradePath = map[string][]string{
	"BTC": {"30000", "31000", "32000", "31500"},
	"ETH": {"2000", "1950", "2100", "2200"},
	"SOL": {"100", "104", "98", "110"},
	"ADA": {"0.5", "0.48", "0.52", "0.55"},
}

type coinCreator interface {
	CreateCoin(ctx context.Context, symbol, name string, price, capitalization decimal.Decimal) (*models.Coin, error)
	CoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error)
}

type userFinder interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type seedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *seedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *seedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type seeder struct {
	coins  coinCreator
	users  userFinder
	auth   *auth.AuthService
	ex     *exchange.Exchange
	clock  *seedClock
	logger *zap.Logger
}

// Seed creates the demo data and returns the number of trades executed.
// It does nothing when the seed traders already exist.
func (s *seeder) Seed(ctx context.Context, days int) (int, error) {
	if _, err := s.users.GetUserByUsername(ctx, "trader1"); err == nil {
		return 0, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return 0, fmt.Errorf("failed to check seed users: %w", err)
	}

	for _, c := range defaultCoins {
		if _, err := s.coins.CoinBySymbol(ctx, c.Symbol); err == nil {
			continue
		}
		if _, err := s.coins.CreateCoin(ctx, c.Symbol, c.Name,
			decimal.RequireFromString(c.Price), decimal.RequireFromString(c.Capitalization)); err != nil {
			return 0, fmt.Errorf("failed to create coin %s: %w", c.Symbol, err)
		}
	}

	buyer, err := s.auth.Register(ctx, "trader1", seedPassword)
	if err != nil {
		return 0, fmt.Errorf("failed to create trader1: %w", err)
	}
	seller, err := s.auth.Register(ctx, "trader2", seedPassword)
	if err != nil {
		return 0, fmt.Errorf("failed to create trader2: %w", err)
	}

	start := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	s.clock.Set(start)
	if err := s.fund(ctx, buyer.ID, map[string]string{"USDT": "1000000"}); err != nil {
		return 0, err
	}
	if err := s.fund(ctx, seller.ID, map[string]string{"BTC": "10", "ETH": "100", "SOL": "1000", "ADA": "100000"}); err != nil {
		return 0, err
	}

	trades := 0
	for day := 0; day <= days; day++ {
		for _, base := range []string{"BTC", "ETH", "SOL", "ADA"} {
			path := tradePath[base]
			price := decimal.RequireFromString(path[day%len(path)])
			s.clock.Set(start.Add(time.Duration(day)*24*time.Hour + time.Duration(trades)*time.Minute))
			if err := s.trade(ctx, seller.ID, buyer.ID, base, price, decimal.RequireFromString("0.1")); err != nil {
				return trades, err
			}
			trades++
		}
	}
	return trades, nil
}

func (s *seeder) fund(ctx context.Context, userID int64, amounts map[string]string) error {
	for symbol, amount := range amounts {
		if _, err := s.ex.ApplyWalletTransaction(ctx, userID, symbol, exchange.WalletDeposit, decimal.RequireFromString(amount)); err != nil {
			return fmt.Errorf("failed to fund %s: %w", symbol, err)
		}
	}
	return nil
}

// trade rests a sell order and crosses it with a buy at the same price
func (s *seeder) trade(ctx context.Context, sellerID, buyerID int64, base string, price, amount decimal.Decimal) error {
	req := exchange.OrderRequest{UserID: sellerID, Base: base, Quote: "USDT", Side: models.SideSell, Price: price, Amount: amount}
	if _, err := s.ex.PlaceOrder(ctx, req); err != nil {
		return fmt.Errorf("failed to place %s sell: %w", base, err)
	}
	req.UserID, req.Side = buyerID, models.SideBuy
	res, err := s.ex.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to place %s buy: %w", base, err)
	}
	if res.Settlement == nil {
		return fmt.Errorf("%s buy at %s did not match", base, price)
	}
	s.logger.Debug("seeded trade", zap.String("pair", base+"/USDT"), zap.String("price", price.String()))
	return nil
}

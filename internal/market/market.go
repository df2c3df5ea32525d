// Package market derives read-only statistics from the order log: tickers,
// order book snapshots, candles and per-coin 24h figures.
package market

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reader is the read side of the ledger store
type Reader interface {
	CoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error)
	CoinByID(ctx context.Context, id int64) (*models.Coin, error)
	ListCoins(ctx context.Context) ([]models.Coin, error)
	OpenOrdersForPair(ctx context.Context, baseCoinID, quoteCoinID int64) ([]models.Order, error)
	FulfilledSince(ctx context.Context, baseCoinID, quoteCoinID int64, since time.Time) ([]models.Order, error)
	FulfilledForCoinSince(ctx context.Context, baseCoinID int64, since time.Time) ([]models.Order, error)
	LastFulfilledAtOrBefore(ctx context.Context, baseCoinID, quoteCoinID int64, at time.Time) (*models.Order, error)
	FulfilledVolumes(ctx context.Context) (map[int64]decimal.Decimal, error)
}

// Cache holds short-lived snapshots of computed statistics
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
}

const day = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Service answers market statistics queries
type Service struct {
	reader     Reader
	cache      Cache
	commonUnit string
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithCache enables read-through caching of tickers, candles and coin lists
func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithCommonUnit(symbol string) Option {
	return func(s *Service) {
		if symbol != "" {
			s.commonUnit = strings.ToUpper(symbol)
		}
	}
}

// NewService creates a statistics service over the store
func NewService(reader Reader, opts ...Option) *Service {
	s := &Service{
		reader:     reader,
		commonUnit: exchange.DefaultCommonUnit,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ticker is the current cross price of a pair and its change over 24h
type Ticker struct {
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
}

// BookEntry is one resting order in an order book snapshot
type BookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
}

// OrderBook lists the open orders of a pair, best prices first
type OrderBook struct {
	Base  string      `json:"base"`
	Quote string      `json:"quote"`
	Bids  []BookEntry `json:"bids"`
	Asks  []BookEntry `json:"asks"`
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// cached serves key from the cache or computes and stores it. Cache faults
// only cost a recomputation.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	if s.cache != nil {
		var hit T
		ok, err := s.cache.Get(ctx, key, &hit)
		if err != nil {
			s.logger.Warn("market cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return hit, nil
		}
	}
	value, err := compute()
	if err != nil {
		return value, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, value); err != nil {
			s.logger.Warn("market cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return value, nil
}

// Invalidate drops cached statistics touched by activity on a pair. A trade
// reprices the base coin, so every ticker quoting it either way goes too.
func (s *Service) Invalidate(ctx context.Context, base, quote string) {
	if s.cache == nil {
		return
	}
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	keys := []string{"ticker:" + base + ":" + quote, "coins"}
	for label := range intervals {
		keys = append(keys, "candles:"+base+":"+quote+":"+label)
	}
	coins, err := s.reader.ListCoins(ctx)
	if err != nil {
		s.logger.Warn("listing coins for ticker invalidation failed", zap.String("pair", base+"/"+quote), zap.Error(err))
	}
	for _, c := range coins {
		other := strings.ToUpper(c.Symbol)
		if other == base {
			continue
		}
		keys = append(keys, "ticker:"+base+":"+other, "ticker:"+other+":"+base)
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("market cache invalidation failed", zap.String("pair", base+"/"+quote), zap.Error(err))
	}
}

func (s *Service) coin(ctx context.Context, symbol string) (*models.Coin, error) {
	symbol = strings.TrimSpace(symbol)
	coin, err := s.reader.CoinBySymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &exchange.Error{Kind: exchange.KindCoinNotFound, Message: "coin '" + symbol + "' not found", Err: err}
		}
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to resolve coin", Err: err}
	}
	return coin, nil
}

func (s *Service) pair(ctx context.Context, base, quote string) (*models.Coin, *models.Coin, error) {
	baseCoin, err := s.coin(ctx, base)
	if err != nil {
		return nil, nil, err
	}
	quoteCoin, err := s.coin(ctx, quote)
	if err != nil {
		return nil, nil, err
	}
	return baseCoin, quoteCoin, nil
}

func (s *Service) isCommon(c *models.Coin) bool {
	return strings.EqualFold(c.Symbol, s.commonUnit)
}

// crossPrice is the price of base in quote units given both coins' common-unit prices
func (s *Service) crossPrice(base *models.Coin, basePrice decimal.Decimal, quote *models.Coin, quotePrice decimal.Decimal) decimal.Decimal {
	switch {
	case s.isCommon(quote):
		return basePrice
	case s.isCommon(base):
		if !quotePrice.IsPositive() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1).DivRound(quotePrice, models.Scale)
	default:
		if !quotePrice.IsPositive() {
			return decimal.Zero
		}
		return basePrice.DivRound(quotePrice, models.Scale)
	}
}

// anchorPrice is the common-unit price of coin as of at: the price of its
// latest fulfilled order against the common unit, or nil if it never traded
// against it by then
func (s *Service) anchorPrice(ctx context.Context, coin *models.Coin, common *models.Coin, at time.Time) (*decimal.Decimal, error) {
	if s.isCommon(coin) {
		one := decimal.NewFromInt(1)
		return &one, nil
	}
	if common == nil {
		return nil, nil
	}
	order, err := s.reader.LastFulfilledAtOrBefore(ctx, coin.ID, common.ID, at)
	if err != nil || order == nil {
		return nil, err
	}
	return &order.Price, nil
}

func (s *Service) commonCoin(ctx context.Context) (*models.Coin, error) {
	coin, err := s.reader.CoinBySymbol(ctx, s.commonUnit)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return coin, nil
}

func percentChange(current, anchor decimal.Decimal) decimal.Decimal {
	if !anchor.IsPositive() {
		return decimal.Zero
	}
	return current.Sub(anchor).Div(anchor).Mul(hundred).Round(2)
}

// Ticker returns the cross price of base in quote and its percent change over
// the last 24h. Missing history yields a zero change.
func (s *Service) Ticker(ctx context.Context, base, quote string) (*Ticker, error) {
	baseCoin, quoteCoin, err := s.pair(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	key := "ticker:" + baseCoin.Symbol + ":" + quoteCoin.Symbol
	t, err := cached(ctx, s, key, func() (Ticker, error) {
		return s.ticker(ctx, baseCoin, quoteCoin)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Service) ticker(ctx context.Context, baseCoin, quoteCoin *models.Coin) (Ticker, error) {
	current := s.crossPrice(baseCoin, baseCoin.Price, quoteCoin, quoteCoin.Price)
	ticker := Ticker{Base: baseCoin.Symbol, Quote: quoteCoin.Symbol, Price: current, Change24h: decimal.Zero}

	common, err := s.commonCoin(ctx)
	if err != nil {
		s.logger.Warn("ticker anchor unavailable", zap.Error(err))
		return ticker, nil
	}

	at := s.clock().Add(-day)
	var baseAnchor, quoteAnchor *decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseAnchor, err = s.anchorPrice(gctx, baseCoin, common, at)
		return err
	})
	g.Go(func() error {
		var err error
		quoteAnchor, err = s.anchorPrice(gctx, quoteCoin, common, at)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Warn("ticker anchor unavailable", zap.String("pair", baseCoin.Symbol+"/"+quoteCoin.Symbol), zap.Error(err))
		return ticker, nil
	}

	basePast, quotePast := baseCoin.Price, quoteCoin.Price
	if baseAnchor != nil {
		basePast = *baseAnchor
	}
	if quoteAnchor != nil {
		quotePast = *quoteAnchor
	}
	past := s.crossPrice(baseCoin, basePast, quoteCoin, quotePast)
	ticker.Change24h = percentChange(current, past)
	return ticker, nil
}

// OrderBook returns the open orders of a pair with bids by price descending
// and asks by price ascending. Snapshots are never cached.
func (s *Service) OrderBook(ctx context.Context, base, quote string) (*OrderBook, error) {
	baseCoin, quoteCoin, err := s.pair(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	orders, err := s.reader.OpenOrdersForPair(ctx, baseCoin.ID, quoteCoin.ID)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to load order book", Err: err}
	}

	book := &OrderBook{Base: baseCoin.Symbol, Quote: quoteCoin.Symbol, Bids: []BookEntry{}, Asks: []BookEntry{}}
	for _, o := range orders {
		entry := BookEntry{Price: o.Price, Amount: o.Amount, Total: o.Total()}
		if o.Side == models.SideBuy {
			book.Bids = append(book.Bids, entry)
		} else {
			book.Asks = append(book.Asks, entry)
		}
	}
	sort.SliceStable(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.SliceStable(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book, nil
}

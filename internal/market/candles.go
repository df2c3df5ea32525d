package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

// CandleCount is the number of buckets returned by Candles
const CandleCount = 100

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// Candle is the OHLCV summary of one time bucket
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// IntervalDuration returns the bucket width of an interval label
func IntervalDuration(label string) (time.Duration, bool) {
	d, ok := intervals[label]
	return d, ok
}

// Candles returns CandleCount buckets of the given width ending now, oldest
// first. Each trade counts once, through its sell order, in the bucket of
// the moment it traded rather than when the sell was placed. Empty buckets repeat
// the previous close with zero volume.
func (s *Service) Candles(ctx context.Context, base, quote, interval string) ([]Candle, error) {
	step, ok := intervals[interval]
	if !ok {
		return nil, exchange.Errorf(exchange.KindInvalidInterval, "unsupported interval '%s'", interval)
	}
	baseCoin, quoteCoin, err := s.pair(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	key := "candles:" + baseCoin.Symbol + ":" + quoteCoin.Symbol + ":" + interval
	return cached(ctx, s, key, func() ([]Candle, error) {
		return s.candles(ctx, baseCoin, quoteCoin, step)
	})
}

func (s *Service) candles(ctx context.Context, baseCoin, quoteCoin *models.Coin, step time.Duration) ([]Candle, error) {
	now := s.clock()
	start := now.Add(-step * CandleCount)

	orders, err := s.reader.FulfilledSince(ctx, baseCoin.ID, quoteCoin.ID, start)
	if err != nil {
		return nil, &exchange.Error{Kind: exchange.KindInternal, Message: "failed to load trades", Err: err}
	}

	buckets := make([][]models.Order, CandleCount)
	for _, o := range orders {
		at := o.TradedAt()
		if o.Side != models.SideSell || at.Before(start) || at.After(now) {
			continue
		}
		idx := int(at.Sub(start) / step)
		if idx >= CandleCount {
			idx = CandleCount - 1
		}
		buckets[idx] = append(buckets[idx], o)
	}

	return buildCandles(start, step, buckets), nil
}

// buildCandles summarises per-bucket trades, which must be in time order
func buildCandles(start time.Time, step time.Duration, buckets [][]models.Order) []Candle {
	out := make([]Candle, len(buckets))
	last := decimal.Zero
	for i, trades := range buckets {
		c := Candle{Timestamp: start.Add(step * time.Duration(i)), Volume: decimal.Zero}
		if len(trades) == 0 {
			c.Open, c.High, c.Low, c.Close = last, last, last, last
			out[i] = c
			continue
		}
		c.Open = trades[0].Price
		c.High = trades[0].Price
		c.Low = trades[0].Price
		for _, t := range trades {
			c.High = decimal.Max(c.High, t.Price)
			c.Low = decimal.Min(c.Low, t.Price)
			c.Volume = c.Volume.Add(t.Amount)
		}
		c.Close = trades[len(trades)-1].Price
		last = c.Close
		out[i] = c
	}
	return out
}

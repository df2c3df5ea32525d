package exchange

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/events"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"go.uber.org/zap"
)

// Settlement describes one executed trade between the triggering order and
// the resting order it matched
type Settlement struct {
	Reference   string
	OrderID     int64
	MatchID     int64
	BuyOrderID  int64
	SellOrderID int64
	BuyerID     int64
	SellerID    int64
	Base        string
	Quote       string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Value       decimal.Decimal
	BasePrice   decimal.Decimal
	ExecutedAt  time.Time
}

type balanceDelta struct {
	walletID int64
	delta    decimal.Decimal
}

// settle applies a matched pair inside the caller's transaction: both orders
// fulfilled, base coin repriced, four balances moved, two ledger entries
// appended. Any error must abort the transaction.
func (e *Exchange) settle(ctx context.Context, l Ledger, order, match *models.Order, baseCoin, quoteCoin *models.Coin) (*Settlement, error) {
	now := e.clock()
	if err := l.CloseOrder(ctx, order.ID, models.StatusFulfilled, now); err != nil {
		return nil, wrapError(KindInternal, err, "failed to fulfil order %d", order.ID)
	}
	if err := l.CloseOrder(ctx, match.ID, models.StatusFulfilled, now); err != nil {
		return nil, wrapError(KindInternal, err, "failed to fulfil order %d", match.ID)
	}

	// Read the quote price inside the transaction so the derived price is consistent.
	quote, err := l.CoinByID(ctx, quoteCoin.ID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to read quote coin")
	}
	basePrice := e.commonUnitPrice(order.Price, quote)
	if err := l.UpdateCoinPrice(ctx, baseCoin.ID, basePrice); err != nil {
		return nil, wrapError(KindInternal, err, "failed to update base coin price")
	}

	buy, sell := order, match
	if order.Side == models.SideSell {
		buy, sell = match, order
	}

	buyerBase, err := l.GetOrCreateWallet(ctx, buy.UserID, baseCoin.ID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to resolve buyer base wallet")
	}
	buyerQuote, err := l.GetOrCreateWallet(ctx, buy.UserID, quoteCoin.ID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to resolve buyer quote wallet")
	}
	sellerBase, err := l.WalletByUserCoin(ctx, sell.UserID, baseCoin.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, wrapError(KindWalletNotFound, err, "seller base wallet not found")
		}
		return nil, wrapError(KindInternal, err, "failed to resolve seller base wallet")
	}
	sellerQuote, err := l.GetOrCreateWallet(ctx, sell.UserID, quoteCoin.ID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to resolve seller quote wallet")
	}

	tradedAmount := order.Amount
	tradedValue := order.Amount.Mul(order.Price).Round(models.Scale)

	deltas := aggregateDeltas([]balanceDelta{
		{walletID: buyerBase.ID, delta: tradedAmount},
		{walletID: buyerQuote.ID, delta: tradedValue.Neg()},
		{walletID: sellerBase.ID, delta: tradedAmount.Neg()},
		{walletID: sellerQuote.ID, delta: tradedValue},
	})
	for _, d := range deltas {
		if _, err := l.AdjustBalance(ctx, d.walletID, d.delta); err != nil {
			if errors.Is(err, db.ErrInsufficientBalance) {
				return nil, wrapError(KindInternal, err, "settlement aborted: wallet %d would go negative", d.walletID)
			}
			return nil, wrapError(KindInternal, err, "failed to adjust wallet %d", d.walletID)
		}
	}

	reference := uuid.NewString()
	entries := []models.Transaction{
		{SenderID: &sellerBase.ID, ReceiverID: &buyerBase.ID, Amount: tradedAmount, Reference: reference, CreatedAt: now},
		{SenderID: &buyerQuote.ID, ReceiverID: &sellerQuote.ID, Amount: tradedValue, Reference: reference, CreatedAt: now},
	}
	for i := range entries {
		if _, err := l.CreateTransaction(ctx, &entries[i]); err != nil {
			return nil, wrapError(KindInternal, err, "failed to record ledger entry")
		}
	}

	return &Settlement{
		Reference:   reference,
		OrderID:     order.ID,
		MatchID:     match.ID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Base:        baseCoin.Symbol,
		Quote:       quoteCoin.Symbol,
		Price:       order.Price,
		Amount:      tradedAmount,
		Value:       tradedValue,
		BasePrice:   basePrice,
		ExecutedAt:  now,
	}, nil
}

// commonUnitPrice converts a pair price into the common unit using the quote
// coin's own reference price. A non-positive quote price yields zero.
func (e *Exchange) commonUnitPrice(price decimal.Decimal, quote *models.Coin) decimal.Decimal {
	if strings.EqualFold(quote.Symbol, e.commonUnit) {
		return price
	}
	if !quote.Price.IsPositive() {
		return decimal.Zero
	}
	return price.Mul(quote.Price).Round(models.Scale)
}

// aggregateDeltas nets deltas per wallet and orders them by wallet id so
// concurrent settlements touch shared rows in the same order
func aggregateDeltas(deltas []balanceDelta) []balanceDelta {
	byWallet := make(map[int64]decimal.Decimal, len(deltas))
	for _, d := range deltas {
		byWallet[d.walletID] = byWallet[d.walletID].Add(d.delta)
	}
	out := make([]balanceDelta, 0, len(byWallet))
	for id, delta := range byWallet {
		if delta.IsZero() {
			continue
		}
		out = append(out, balanceDelta{walletID: id, delta: delta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].walletID < out[j].walletID })
	return out
}

func (e *Exchange) publish(ctx context.Context, s *Settlement) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.PublishTrade(ctx, events.TradeExecuted{
		Reference:   s.Reference,
		Base:        s.Base,
		Quote:       s.Quote,
		Price:       s.Price,
		Amount:      s.Amount,
		Value:       s.Value,
		BuyOrderID:  s.BuyOrderID,
		SellOrderID: s.SellOrderID,
		BasePrice:   s.BasePrice,
		ExecutedAt:  s.ExecutedAt,
	})
	if err != nil {
		e.logger.Warn("trade event not published", zap.String("reference", s.Reference), zap.Error(err))
	}
}

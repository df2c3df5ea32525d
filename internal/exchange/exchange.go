package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"go.uber.org/zap"
)

// DefaultCommonUnit is the symbol every coin price is expressed in
const DefaultCommonUnit = "USDT"

// Exchange accepts orders, matches them against resting orders at the same
// price and settles matched pairs in one store transaction.
type Exchange struct {
	store      Store
	commonUnit string
	publisher  Publisher
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Exchange
type Option func(*Exchange)

func WithPublisher(p Publisher) Option { return func(e *Exchange) { e.publisher = p } }

func WithMetrics(m Metrics) Option { return func(e *Exchange) { e.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(e *Exchange) { e.logger = l } }

// WithClock overrides the time source used for order and ledger timestamps
func WithClock(now func() time.Time) Option { return func(e *Exchange) { e.now = now } }

func WithCommonUnit(symbol string) Option {
	return func(e *Exchange) {
		if symbol != "" {
			e.commonUnit = strings.ToUpper(symbol)
		}
	}
}

// NewExchange creates a new exchange over the given store
func NewExchange(store Store, opts ...Option) *Exchange {
	e := &Exchange{
		store:      store,
		commonUnit: DefaultCommonUnit,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CommonUnit returns the symbol coin prices are expressed in
func (e *Exchange) CommonUnit() string {
	return e.commonUnit
}

// OrderRequest is a limit order as submitted by an authenticated user
type OrderRequest struct {
	UserID int64
	Base   string
	Quote  string
	Side   string
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// PlaceResult reports the persisted order and the settlement it triggered, if any
type PlaceResult struct {
	Order      models.Order
	Settlement *Settlement
}

// OpenOrder is a user's resting order as shown in their order list
type OpenOrder struct {
	ID     int64           `json:"id"`
	Pair   string          `json:"pair"`
	Side   string          `json:"side"`
	Status string          `json:"status"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  string          `json:"total"`
}

func (e *Exchange) clock() time.Time {
	return e.now().UTC()
}

func (e *Exchange) observeOrder(side, outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveOrder(side, outcome)
	}
}

// PlaceOrder validates and persists a new order, then tries to match it.
// Validation failures are returned before anything is written. A failed
// settlement leaves the new order open and returns a KindInternal error
// together with a result holding the persisted order.
func (e *Exchange) PlaceOrder(ctx context.Context, req OrderRequest) (*PlaceResult, error) {
	if req.UserID <= 0 {
		return nil, Errorf(KindUnauthenticated, "user not authenticated")
	}
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != models.SideBuy && side != models.SideSell {
		return nil, Errorf(KindInvalidArgument, "side must be 'buy' or 'sell'")
	}
	price := req.Price.Round(models.Scale)
	amount := req.Amount.Round(models.Scale)
	if !price.IsPositive() || !amount.IsPositive() {
		return nil, Errorf(KindInvalidArgument, "price and amount must be positive")
	}

	baseCoin, err := e.coinBySymbol(ctx, e.store, req.Base, "base")
	if err != nil {
		return nil, err
	}
	quoteCoin, err := e.coinBySymbol(ctx, e.store, req.Quote, "quote")
	if err != nil {
		return nil, err
	}
	if baseCoin.ID == quoteCoin.ID {
		return nil, Errorf(KindInvalidArgument, "base and quote must differ")
	}

	baseWallet, err := e.store.GetOrCreateWallet(ctx, req.UserID, baseCoin.ID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to resolve base wallet")
	}
	quoteWallet, err := e.store.GetOrCreateWallet(ctx, req.UserID, quoteCoin.ID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to resolve quote wallet")
	}

	// Balances are checked here but not reserved; settlement re-enforces them.
	if side == models.SideSell {
		if baseWallet.Balance.LessThan(amount) {
			e.observeOrder(side, "rejected")
			return nil, Errorf(KindInsufficientBalance, "insufficient base coin balance")
		}
	} else {
		required := price.Mul(amount).Round(models.Scale)
		if quoteWallet.Balance.LessThan(required) {
			e.observeOrder(side, "rejected")
			return nil, Errorf(KindInsufficientBalance, "insufficient quote coin balance")
		}
	}

	order, err := e.store.CreateOrder(ctx, &models.Order{
		WalletID:    baseWallet.ID,
		QuoteCoinID: quoteCoin.ID,
		Side:        side,
		Price:       price,
		Amount:      amount,
		CreatedAt:   e.clock(),
	})
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to persist order")
	}

	result := &PlaceResult{Order: *order}

	start := time.Now()
	var settlement *Settlement
	err = e.store.InTx(ctx, func(l Ledger) error {
		if err := l.LockMatching(ctx, baseCoin.ID); err != nil {
			return err
		}
		current, err := l.LockOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if current.Status != models.StatusOpen {
			// A concurrent placement already matched this order.
			result.Order = *current
			return nil
		}
		match, err := l.FindMatch(ctx, current)
		if err != nil {
			return err
		}
		if match == nil {
			return nil
		}
		settlement, err = e.settle(ctx, l, current, match, baseCoin, quoteCoin)
		return err
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.ObserveSettlement("error", time.Since(start))
		}
		e.observeOrder(side, "error")
		e.logger.Error("settlement aborted",
			zap.Int64("order_id", order.ID),
			zap.String("pair", baseCoin.Symbol+"/"+quoteCoin.Symbol),
			zap.Error(err))
		var engineErr *Error
		if errors.As(err, &engineErr) && engineErr.Kind == KindInternal {
			return result, engineErr
		}
		return result, wrapError(KindInternal, err, "settlement failed")
	}

	if settlement == nil {
		if result.Order.Status == models.StatusOpen {
			e.observeOrder(side, "resting")
		} else {
			e.observeOrder(side, "filled")
		}
		return result, nil
	}

	if e.metrics != nil {
		e.metrics.ObserveSettlement("success", time.Since(start))
	}
	e.observeOrder(side, "filled")
	result.Order.Status = models.StatusFulfilled
	result.Settlement = settlement
	e.logger.Info("orders settled",
		zap.String("reference", settlement.Reference),
		zap.Int64("order_id", settlement.OrderID),
		zap.Int64("match_id", settlement.MatchID),
		zap.String("price", settlement.Price.String()),
		zap.String("amount", settlement.Amount.String()))
	e.publish(ctx, settlement)
	return result, nil
}

// CancelOrder cancels an open order owned by the user. Orders that are
// missing, owned by someone else or already terminal fail with KindNotOpen.
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	if userID <= 0 {
		return nil, Errorf(KindUnauthenticated, "user not authenticated")
	}
	if err := e.store.CancelOrder(ctx, orderID, userID); err != nil {
		if errors.Is(err, db.ErrNotOpen) {
			return nil, wrapError(KindNotOpen, err, "order not found or not open")
		}
		return nil, wrapError(KindInternal, err, "failed to cancel order")
	}
	order, err := e.store.OrderByID(ctx, orderID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to read cancelled order")
	}
	e.observeOrder(order.Side, "cancelled")
	return order, nil
}

// OpenOrdersForUser lists a user's resting orders, newest first
func (e *Exchange) OpenOrdersForUser(ctx context.Context, userID int64) ([]OpenOrder, error) {
	if userID <= 0 {
		return nil, Errorf(KindUnauthenticated, "user not authenticated")
	}
	orders, err := e.store.OpenOrdersForUser(ctx, userID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to load open orders")
	}
	symbols, err := e.symbols(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, OpenOrder{
			ID:     o.ID,
			Pair:   symbols[o.BaseCoinID] + "/" + symbols[o.QuoteCoinID],
			Side:   o.Side,
			Status: o.Status,
			Price:  o.Price,
			Amount: o.Amount,
			Total:  o.Total().StringFixed(models.Scale),
		})
	}
	return out, nil
}

// PairOf returns the base and quote symbols of an order
func (e *Exchange) PairOf(ctx context.Context, order *models.Order) (string, string, error) {
	symbols, err := e.symbols(ctx)
	if err != nil {
		return "", "", err
	}
	return symbols[order.BaseCoinID], symbols[order.QuoteCoinID], nil
}

func (e *Exchange) symbols(ctx context.Context) (map[int64]string, error) {
	coins, err := e.store.ListCoins(ctx)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to load coins")
	}
	symbols := make(map[int64]string, len(coins))
	for _, c := range coins {
		symbols[c.ID] = c.Symbol
	}
	return symbols, nil
}

func (e *Exchange) coinBySymbol(ctx context.Context, l Ledger, symbol, role string) (*models.Coin, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, Errorf(KindInvalidArgument, "%s coin is required", role)
	}
	coin, err := l.CoinBySymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, wrapError(KindCoinNotFound, err, "%s coin '%s' not found", role, symbol)
		}
		return nil, wrapError(KindInternal, err, "failed to resolve %s coin", role)
	}
	return coin, nil
}

// Package memstore keeps the whole ledger in process memory. It honours the
// same contract as the Postgres store, including rollback of failed
// transactions, and backs the server's in-memory mode and the engine tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/exchange"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

type state struct {
	users   []models.User
	coins   map[int64]models.Coin
	wallets map[int64]models.Wallet
	orders  map[int64]models.Order
	txs     []models.Transaction

	userSeq, coinSeq, walletSeq, orderSeq, txSeq int64
}

func newState() *state {
	return &state{
		coins:   make(map[int64]models.Coin),
		wallets: make(map[int64]models.Wallet),
		orders:  make(map[int64]models.Order),
	}
}

func (st *state) clone() *state {
	c := *st
	c.users = append([]models.User(nil), st.users...)
	c.txs = append([]models.Transaction(nil), st.txs...)
	c.coins = make(map[int64]models.Coin, len(st.coins))
	for k, v := range st.coins {
		c.coins[k] = v
	}
	c.wallets = make(map[int64]models.Wallet, len(st.wallets))
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	c.orders = make(map[int64]models.Order, len(st.orders))
	for k, v := range st.orders {
		c.orders[k] = v
	}
	return &c
}

var (
	_ exchange.Store  = (*Store)(nil)
	_ exchange.Ledger = (*ledger)(nil)
)

// Store is a mutex-guarded in-memory ledger. Transactions hold the lock for
// their whole duration, so they are fully serialized.
type Store struct {
	mu     sync.Mutex
	st     *state
	faults map[string]error
}

// New creates an empty store
func New() *Store {
	return &Store{st: newState(), faults: make(map[string]error)}
}

// FailNext makes the next call of the named operation return err
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) view() *ledger {
	return &ledger{st: s.st, s: s}
}

// InTx runs fn against a working copy that replaces the store state only if
// fn succeeds
func (s *Store) InTx(ctx context.Context, fn func(exchange.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&ledger{st: work, s: s}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ledger runs operations on one state without locking. The caller holds s.mu.
type ledger struct {
	st *state
	s  *Store
}

func (l *ledger) fault(op string) error {
	if err, ok := l.s.faults[op]; ok {
		delete(l.s.faults, op)
		return err
	}
	return nil
}

func (l *ledger) order(o models.Order) *models.Order {
	w := l.st.wallets[o.WalletID]
	o.UserID = w.UserID
	o.BaseCoinID = w.CoinID
	return &o
}

func (l *ledger) CreateUser(_ context.Context, username, passwordHash string) (*models.User, error) {
	if err := l.fault("CreateUser"); err != nil {
		return nil, err
	}
	for _, u := range l.st.users {
		if u.Username == username {
			return nil, db.ErrUsernameTaken
		}
	}
	l.st.userSeq++
	u := models.User{ID: l.st.userSeq, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	l.st.users = append(l.st.users, u)
	return &u, nil
}

func (l *ledger) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	for _, u := range l.st.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *ledger) CreateCoin(_ context.Context, symbol, name string, price, capitalization decimal.Decimal) (*models.Coin, error) {
	if err := l.fault("CreateCoin"); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	for _, c := range l.st.coins {
		if c.Symbol == symbol {
			return nil, fmt.Errorf("failed to create coin: symbol %s exists", symbol)
		}
	}
	l.st.coinSeq++
	c := models.Coin{
		ID:             l.st.coinSeq,
		Symbol:         symbol,
		Name:           name,
		Price:          price.Round(models.Scale),
		Capitalization: capitalization.Round(2),
	}
	l.st.coins[c.ID] = c
	return &c, nil
}

func (l *ledger) CoinBySymbol(_ context.Context, symbol string) (*models.Coin, error) {
	for _, c := range l.st.coins {
		if strings.EqualFold(c.Symbol, symbol) {
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *ledger) CoinByID(_ context.Context, id int64) (*models.Coin, error) {
	c, ok := l.st.coins[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &c, nil
}

func (l *ledger) ListCoins(_ context.Context) ([]models.Coin, error) {
	coins := make([]models.Coin, 0, len(l.st.coins))
	for _, c := range l.st.coins {
		coins = append(coins, c)
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].ID < coins[j].ID })
	return coins, nil
}

func (l *ledger) UpdateCoinPrice(_ context.Context, id int64, price decimal.Decimal) error {
	if err := l.fault("UpdateCoinPrice"); err != nil {
		return err
	}
	c, ok := l.st.coins[id]
	if !ok {
		return db.ErrNotFound
	}
	c.Price = price.Round(models.Scale)
	l.st.coins[id] = c
	return nil
}

func (l *ledger) WalletByUserCoin(_ context.Context, userID, coinID int64) (*models.Wallet, error) {
	if err := l.fault("WalletByUserCoin"); err != nil {
		return nil, err
	}
	return l.findWallet(userID, coinID)
}

func (l *ledger) findWallet(userID, coinID int64) (*models.Wallet, error) {
	for _, w := range l.st.wallets {
		if w.UserID == userID && w.CoinID == coinID {
			return &w, nil
		}
	}
	return nil, db.ErrNotFound
}

func (l *ledger) GetOrCreateWallet(_ context.Context, userID, coinID int64) (*models.Wallet, error) {
	if w, err := l.findWallet(userID, coinID); err == nil {
		return w, nil
	}
	if err := l.fault("GetOrCreateWallet"); err != nil {
		return nil, err
	}
	l.st.walletSeq++
	w := models.Wallet{ID: l.st.walletSeq, UserID: userID, CoinID: coinID, Balance: decimal.Zero, UpdatedAt: time.Now().UTC()}
	l.st.wallets[w.ID] = w
	return &w, nil
}

func (l *ledger) AdjustBalance(_ context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	if err := l.fault("AdjustBalance"); err != nil {
		return nil, err
	}
	w, ok := l.st.wallets[walletID]
	if !ok {
		return nil, db.ErrNotFound
	}
	next := w.Balance.Add(delta.Round(models.Scale))
	if next.IsNegative() {
		return nil, db.ErrInsufficientBalance
	}
	w.Balance = next
	w.UpdatedAt = time.Now().UTC()
	l.st.wallets[walletID] = w
	return &w, nil
}

func (l *ledger) WalletsForUser(_ context.Context, userID int64) ([]models.Wallet, error) {
	var wallets []models.Wallet
	for _, w := range l.st.wallets {
		if w.UserID == userID {
			wallets = append(wallets, w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].CoinID < wallets[j].CoinID })
	return wallets, nil
}

func (l *ledger) CreateOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	if err := l.fault("CreateOrder"); err != nil {
		return nil, err
	}
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if !order.Price.IsPositive() || !order.Amount.IsPositive() {
		return nil, fmt.Errorf("price and amount must be positive")
	}
	if _, ok := l.st.wallets[order.WalletID]; !ok {
		return nil, fmt.Errorf("failed to create order: wallet %d does not exist", order.WalletID)
	}
	l.st.orderSeq++
	o := models.Order{
		ID:          l.st.orderSeq,
		WalletID:    order.WalletID,
		QuoteCoinID: order.QuoteCoinID,
		Side:        order.Side,
		Status:      models.StatusOpen,
		Price:       order.Price.Round(models.Scale),
		Amount:      order.Amount.Round(models.Scale),
		CreatedAt:   order.CreatedAt.UTC(),
	}
	l.st.orders[o.ID] = o
	return l.order(o), nil
}

func (l *ledger) OrderByID(_ context.Context, id int64) (*models.Order, error) {
	o, ok := l.st.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return l.order(o), nil
}

func (l *ledger) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return l.OrderByID(ctx, id)
}

func (l *ledger) FindMatch(_ context.Context, order *models.Order) (*models.Order, error) {
	if err := l.fault("FindMatch"); err != nil {
		return nil, err
	}
	want := models.Opposite(order.Side)
	var best *models.Order
	for _, o := range l.st.orders {
		if o.ID == order.ID || o.Side != want || o.Status != models.StatusOpen || !o.Price.Equal(order.Price) {
			continue
		}
		candidate := l.order(o)
		if candidate.BaseCoinID != order.BaseCoinID {
			continue
		}
		if best == nil || earlier(*candidate, *best) {
			best = candidate
		}
	}
	return best, nil
}

func earlier(a, b models.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (l *ledger) CloseOrder(_ context.Context, orderID int64, status string, at time.Time) error {
	if err := l.fault("CloseOrder"); err != nil {
		return err
	}
	o, ok := l.st.orders[orderID]
	if !ok || o.Status != models.StatusOpen {
		return db.ErrNotOpen
	}
	o.Status = status
	closed := at.UTC()
	o.ClosedAt = &closed
	l.st.orders[orderID] = o
	return nil
}

func (l *ledger) CancelOrder(ctx context.Context, orderID, userID int64) error {
	o, ok := l.st.orders[orderID]
	if !ok || l.st.wallets[o.WalletID].UserID != userID {
		return db.ErrNotOpen
	}
	return l.CloseOrder(ctx, orderID, models.StatusCancelled, time.Now())
}

func (l *ledger) filterOrders(keep func(*models.Order) bool) []models.Order {
	var out []models.Order
	for _, o := range l.st.orders {
		full := l.order(o)
		if keep(full) {
			out = append(out, *full)
		}
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i], out[j]) })
	return out
}

func (l *ledger) OpenOrdersForUser(_ context.Context, userID int64) ([]models.Order, error) {
	orders := l.filterOrders(func(o *models.Order) bool {
		return o.Status == models.StatusOpen && o.UserID == userID
	})
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (l *ledger) OpenOrdersForPair(_ context.Context, baseCoinID, quoteCoinID int64) ([]models.Order, error) {
	return l.filterOrders(func(o *models.Order) bool {
		return o.Status == models.StatusOpen && o.BaseCoinID == baseCoinID && o.QuoteCoinID == quoteCoinID
	}), nil
}

// filterTraded is filterOrders over fulfilled orders, oldest trade first
func (l *ledger) filterTraded(keep func(*models.Order) bool) []models.Order {
	out := l.filterOrders(func(o *models.Order) bool {
		return o.Status == models.StatusFulfilled && keep(o)
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].TradedAt(), out[j].TradedAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *ledger) FulfilledSince(_ context.Context, baseCoinID, quoteCoinID int64, since time.Time) ([]models.Order, error) {
	return l.filterTraded(func(o *models.Order) bool {
		return o.BaseCoinID == baseCoinID && o.QuoteCoinID == quoteCoinID && !o.TradedAt().Before(since)
	}), nil
}

func (l *ledger) FulfilledForCoinSince(_ context.Context, baseCoinID int64, since time.Time) ([]models.Order, error) {
	return l.filterTraded(func(o *models.Order) bool {
		return o.BaseCoinID == baseCoinID && !o.TradedAt().Before(since)
	}), nil
}

func (l *ledger) LastFulfilledAtOrBefore(_ context.Context, baseCoinID, quoteCoinID int64, at time.Time) (*models.Order, error) {
	orders := l.filterTraded(func(o *models.Order) bool {
		return o.BaseCoinID == baseCoinID && (quoteCoinID == 0 || o.QuoteCoinID == quoteCoinID) && !o.TradedAt().After(at)
	})
	if len(orders) == 0 {
		return nil, nil
	}
	last := orders[len(orders)-1]
	return &last, nil
}

func (l *ledger) FulfilledVolumes(_ context.Context) (map[int64]decimal.Decimal, error) {
	volumes := make(map[int64]decimal.Decimal)
	for _, o := range l.st.orders {
		if o.Status != models.StatusFulfilled || o.Side != models.SideSell {
			continue
		}
		coinID := l.st.wallets[o.WalletID].CoinID
		volumes[coinID] = volumes[coinID].Add(o.Amount)
	}
	return volumes, nil
}

func (l *ledger) CreateTransaction(_ context.Context, t *models.Transaction) (*models.Transaction, error) {
	if err := l.fault("CreateTransaction"); err != nil {
		return nil, err
	}
	if t.SenderID == nil && t.ReceiverID == nil {
		return nil, fmt.Errorf("transaction needs a sender or a receiver")
	}
	if !t.Amount.IsPositive() {
		return nil, fmt.Errorf("transaction amount must be positive")
	}
	l.st.txSeq++
	created := *t
	created.ID = l.st.txSeq
	created.Amount = t.Amount.Round(models.Scale)
	created.CreatedAt = t.CreatedAt.UTC()
	if t.SenderID != nil {
		created.CoinID = l.st.wallets[*t.SenderID].CoinID
	} else {
		created.CoinID = l.st.wallets[*t.ReceiverID].CoinID
	}
	l.st.txs = append(l.st.txs, created)
	return &created, nil
}

func (l *ledger) TransactionsForUser(_ context.Context, userID int64) ([]models.Transaction, error) {
	owns := func(id *int64) bool {
		return id != nil && l.st.wallets[*id].UserID == userID
	}
	var out []models.Transaction
	for i := len(l.st.txs) - 1; i >= 0; i-- {
		t := l.st.txs[i]
		if owns(t.SenderID) || owns(t.ReceiverID) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *ledger) LockMatching(_ context.Context, _ int64) error {
	return l.fault("LockMatching")
}

package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/events"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

// Ledger is the set of store operations the engine runs, either directly or
// inside a transaction. Not-found lookups return db.ErrNotFound.
type Ledger interface {
	CoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error)
	CoinByID(ctx context.Context, id int64) (*models.Coin, error)
	ListCoins(ctx context.Context) ([]models.Coin, error)
	UpdateCoinPrice(ctx context.Context, id int64, price decimal.Decimal) error

	WalletByUserCoin(ctx context.Context, userID, coinID int64) (*models.Wallet, error)
	GetOrCreateWallet(ctx context.Context, userID, coinID int64) (*models.Wallet, error)
	AdjustBalance(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error)
	WalletsForUser(ctx context.Context, userID int64) ([]models.Wallet, error)

	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	OrderByID(ctx context.Context, id int64) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	FindMatch(ctx context.Context, order *models.Order) (*models.Order, error)
	CloseOrder(ctx context.Context, orderID int64, status string, at time.Time) error
	CancelOrder(ctx context.Context, orderID, userID int64) error
	OpenOrdersForUser(ctx context.Context, userID int64) ([]models.Order, error)

	CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error)
	TransactionsForUser(ctx context.Context, userID int64) ([]models.Transaction, error)

	LockMatching(ctx context.Context, baseCoinID int64) error
}

// Store is a Ledger that can run a group of operations atomically
type Store interface {
	Ledger
	InTx(ctx context.Context, fn func(Ledger) error) error
}

// Publisher receives trade events after commit
type Publisher interface {
	PublishTrade(ctx context.Context, event events.TradeExecuted) error
}

// Metrics records engine outcomes
type Metrics interface {
	ObserveOrder(side, outcome string)
	ObserveSettlement(status string, duration time.Duration)
}

type postgresStore struct {
	*db.DB
}

// NewPostgresStore adapts the pgx store to the engine
func NewPostgresStore(d *db.DB) Store {
	return postgresStore{DB: d}
}

func (s postgresStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	return s.DB.InTx(ctx, func(q *db.Queries) error {
		return fn(q)
	})
}

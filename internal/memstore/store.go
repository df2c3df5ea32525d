package memstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

// The methods below run one operation under the store lock.

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateUser(ctx, username, passwordHash)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetUserByUsername(ctx, username)
}

func (s *Store) CreateCoin(ctx context.Context, symbol, name string, price, capitalization decimal.Decimal) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateCoin(ctx, symbol, name, price, capitalization)
}

func (s *Store) CoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CoinBySymbol(ctx, symbol)
}

func (s *Store) CoinByID(ctx context.Context, id int64) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CoinByID(ctx, id)
}

func (s *Store) ListCoins(ctx context.Context) ([]models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListCoins(ctx)
}

func (s *Store) UpdateCoinPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateCoinPrice(ctx, id, price)
}

func (s *Store) WalletByUserCoin(ctx context.Context, userID, coinID int64) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().WalletByUserCoin(ctx, userID, coinID)
}

func (s *Store) GetOrCreateWallet(ctx context.Context, userID, coinID int64) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetOrCreateWallet(ctx, userID, coinID)
}

func (s *Store) AdjustBalance(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().AdjustBalance(ctx, walletID, delta)
}

func (s *Store) WalletsForUser(ctx context.Context, userID int64) ([]models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().WalletsForUser(ctx, userID)
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateOrder(ctx, order)
}

func (s *Store) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().OrderByID(ctx, id)
}

func (s *Store) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LockOrder(ctx, id)
}

func (s *Store) FindMatch(ctx context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FindMatch(ctx, order)
}

func (s *Store) CloseOrder(ctx context.Context, orderID int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CloseOrder(ctx, orderID, status, at)
}

func (s *Store) CancelOrder(ctx context.Context, orderID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CancelOrder(ctx, orderID, userID)
}

func (s *Store) OpenOrdersForUser(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().OpenOrdersForUser(ctx, userID)
}

func (s *Store) OpenOrdersForPair(ctx context.Context, baseCoinID, quoteCoinID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().OpenOrdersForPair(ctx, baseCoinID, quoteCoinID)
}

func (s *Store) FulfilledSince(ctx context.Context, baseCoinID, quoteCoinID int64, since time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FulfilledSince(ctx, baseCoinID, quoteCoinID, since)
}

func (s *Store) FulfilledForCoinSince(ctx context.Context, baseCoinID int64, since time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FulfilledForCoinSince(ctx, baseCoinID, since)
}

func (s *Store) LastFulfilledAtOrBefore(ctx context.Context, baseCoinID, quoteCoinID int64, at time.Time) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LastFulfilledAtOrBefore(ctx, baseCoinID, quoteCoinID, at)
}

func (s *Store) FulfilledVolumes(ctx context.Context) (map[int64]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().FulfilledVolumes(ctx)
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateTransaction(ctx, t)
}

func (s *Store) TransactionsForUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().TransactionsForUser(ctx, userID)
}

func (s *Store) LockMatching(ctx context.Context, baseCoinID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().LockMatching(ctx, baseCoinID)
}

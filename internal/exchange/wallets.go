package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/db"
	"github.com/xtrntr/cryptoexchange/internal/models"
	"go.uber.org/zap"
)

// Wallet transaction kinds
const (
	WalletDeposit  = "buy"
	WalletWithdraw = "withdraw"
)

// WalletView is a wallet together with the coin it holds
type WalletView struct {
	Wallet models.Wallet
	Coin   models.Coin
}

// LedgerEntry is a transaction as seen by one user
type LedgerEntry struct {
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction"` // "in", "out" or "internal"
	Reference string          `json:"reference,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// GetOrCreateWallet returns the user's wallet for a coin, creating an empty one if absent
func (e *Exchange) GetOrCreateWallet(ctx context.Context, userID, coinID int64) (*models.Wallet, error) {
	wallet, err := e.store.GetOrCreateWallet(ctx, userID, coinID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to resolve wallet")
	}
	return wallet, nil
}

// AdjustBalance applies delta to one wallet, refusing to take it below zero
func (e *Exchange) AdjustBalance(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	return adjustBalance(ctx, e.store, walletID, delta)
}

func adjustBalance(ctx context.Context, l Ledger, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	wallet, err := l.AdjustBalance(ctx, walletID, delta)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrInsufficientBalance):
			return nil, wrapError(KindInsufficientBalance, err, "insufficient balance")
		case errors.Is(err, db.ErrNotFound):
			return nil, wrapError(KindWalletNotFound, err, "wallet not found")
		}
		return nil, wrapError(KindInternal, err, "failed to adjust balance")
	}
	return wallet, nil
}

// BalanceOf returns the user's balance of a coin, zero if they have no wallet for it
func (e *Exchange) BalanceOf(ctx context.Context, userID, coinID int64) (decimal.Decimal, error) {
	wallet, err := e.store.WalletByUserCoin(ctx, userID, coinID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, wrapError(KindInternal, err, "failed to read balance")
	}
	return wallet.Balance, nil
}

// ApplyWalletTransaction deposits into or withdraws from the user's wallet
// against no counterparty and records the ledger entry in the same
// transaction.
func (e *Exchange) ApplyWalletTransaction(ctx context.Context, userID int64, symbol, kind string, amount decimal.Decimal) (*models.Wallet, error) {
	if userID <= 0 {
		return nil, Errorf(KindUnauthenticated, "user not authenticated")
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != WalletDeposit && kind != WalletWithdraw {
		return nil, Errorf(KindInvalidArgument, "type must be 'buy' or 'withdraw'")
	}
	amount = amount.Round(models.Scale)
	if !amount.IsPositive() {
		return nil, Errorf(KindInvalidArgument, "amount must be positive")
	}
	coin, err := e.coinBySymbol(ctx, e.store, symbol, "wallet")
	if err != nil {
		return nil, err
	}

	var updated *models.Wallet
	err = e.store.InTx(ctx, func(l Ledger) error {
		var wallet *models.Wallet
		entry := models.Transaction{Amount: amount, CreatedAt: e.clock()}
		if kind == WalletDeposit {
			w, err := l.GetOrCreateWallet(ctx, userID, coin.ID)
			if err != nil {
				return wrapError(KindInternal, err, "failed to resolve wallet")
			}
			wallet, err = adjustBalance(ctx, l, w.ID, amount)
			if err != nil {
				return err
			}
			entry.ReceiverID = &wallet.ID
		} else {
			w, err := l.WalletByUserCoin(ctx, userID, coin.ID)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return wrapError(KindWalletNotFound, err, "no %s wallet to withdraw from", coin.Symbol)
				}
				return wrapError(KindInternal, err, "failed to resolve wallet")
			}
			wallet, err = adjustBalance(ctx, l, w.ID, amount.Neg())
			if err != nil {
				return err
			}
			entry.SenderID = &wallet.ID
		}
		if _, err := l.CreateTransaction(ctx, &entry); err != nil {
			return wrapError(KindInternal, err, "failed to record ledger entry")
		}
		updated = wallet
		return nil
	})
	if err != nil {
		var engineErr *Error
		if errors.As(err, &engineErr) {
			return nil, engineErr
		}
		return nil, wrapError(KindInternal, err, "wallet transaction failed")
	}

	e.logger.Info("wallet transaction applied",
		zap.Int64("user_id", userID),
		zap.String("coin", coin.Symbol),
		zap.String("type", kind),
		zap.String("amount", amount.String()))
	return updated, nil
}

// Wallets lists the user's wallets with their coins, ordered by coin id
func (e *Exchange) Wallets(ctx context.Context, userID int64) ([]WalletView, error) {
	if userID <= 0 {
		return nil, Errorf(KindUnauthenticated, "user not authenticated")
	}
	wallets, err := e.store.WalletsForUser(ctx, userID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to load wallets")
	}
	coins, err := e.store.ListCoins(ctx)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to load coins")
	}
	byID := make(map[int64]models.Coin, len(coins))
	for _, c := range coins {
		byID[c.ID] = c
	}

	out := make([]WalletView, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, WalletView{Wallet: w, Coin: byID[w.CoinID]})
	}
	return out, nil
}

// Transactions lists ledger entries touching any of the user's wallets, newest first
func (e *Exchange) Transactions(ctx context.Context, userID int64) ([]LedgerEntry, error) {
	if userID <= 0 {
		return nil, Errorf(KindUnauthenticated, "user not authenticated")
	}
	wallets, err := e.store.WalletsForUser(ctx, userID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to load wallets")
	}
	owned := make(map[int64]bool, len(wallets))
	for _, w := range wallets {
		owned[w.ID] = true
	}
	txs, err := e.store.TransactionsForUser(ctx, userID)
	if err != nil {
		return nil, wrapError(KindInternal, err, "failed to load transactions")
	}
	symbols, err := e.symbols(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]LedgerEntry, 0, len(txs))
	for _, t := range txs {
		out = append(out, LedgerEntry{
			ID:        t.ID,
			Symbol:    symbols[t.CoinID],
			Amount:    t.Amount,
			Direction: direction(t, owned),
			Reference: t.Reference,
			CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

func direction(t models.Transaction, owned map[int64]bool) string {
	in := t.ReceiverID != nil && owned[*t.ReceiverID]
	out := t.SenderID != nil && owned[*t.SenderID]
	switch {
	case in && out:
		return "internal"
	case in:
		return "in"
	default:
		return "out"
	}
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

const walletColumns = "id, user_id, coin_id, balance::text, updated_at"

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	var balance string
	if err := row.Scan(&w.ID, &w.UserID, &w.CoinID, &balance, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Balance, err = parseDecimal(balance, "wallet balance"); err != nil {
		return nil, err
	}
	return &w, nil
}

// WalletByUserCoin retrieves the wallet of a user for a coin
func (q *Queries) WalletByUserCoin(ctx context.Context, userID, coinID int64) (*models.Wallet, error) {
	wallet, err := scanWallet(q.q.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 AND coin_id = $2", userID, coinID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// GetOrCreateWallet returns the (user, coin) wallet, inserting an empty one if
// absent. The unique (user_id, coin_id) constraint keeps concurrent callers
// from creating duplicates.
func (q *Queries) GetOrCreateWallet(ctx context.Context, userID, coinID int64) (*models.Wallet, error) {
	wallet, err := q.WalletByUserCoin(ctx, userID, coinID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = q.q.Exec(ctx, `
		INSERT INTO wallets (user_id, coin_id, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id, coin_id) DO NOTHING
	`, userID, coinID)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	return q.WalletByUserCoin(ctx, userID, coinID)
}

// AdjustBalance adds delta to a single wallet row. The update is refused with
// ErrInsufficientBalance if the result would be negative.
func (q *Queries) AdjustBalance(ctx context.Context, walletID int64, delta decimal.Decimal) (*models.Wallet, error) {
	wallet, err := scanWallet(q.q.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance + $1::numeric, updated_at = now()
		WHERE id = $2 AND balance + $1::numeric >= 0
		RETURNING `+walletColumns,
		delta.Round(models.Scale).String(), walletID))
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to adjust wallet balance: %w", err)
	}

	var exists bool
	if err := q.q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM wallets WHERE id = $1)", walletID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check wallet existence: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrInsufficientBalance
}

// WalletsForUser retrieves all wallets of a user
func (q *Queries) WalletsForUser(ctx context.Context, userID int64) ([]models.Wallet, error) {
	rows, err := q.q.Query(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 ORDER BY coin_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		wallet, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *wallet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user wallets: %w", err)
	}
	return wallets, nil
}

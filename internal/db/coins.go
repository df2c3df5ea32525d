package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

const coinColumns = "id, symbol, name, price::text, capitalization::text"

func scanCoin(row pgx.Row) (*models.Coin, error) {
	var c models.Coin
	var price, capitalization string
	if err := row.Scan(&c.ID, &c.Symbol, &c.Name, &price, &capitalization); err != nil {
		return nil, err
	}
	var err error
	if c.Price, err = parseDecimal(price, "coin price"); err != nil {
		return nil, err
	}
	if c.Capitalization, err = parseDecimal(capitalization, "coin capitalization"); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCoin inserts a coin. Symbols are stored upper-case.
func (q *Queries) CreateCoin(ctx context.Context, symbol, name string, price, capitalization decimal.Decimal) (*models.Coin, error) {
	coin, err := scanCoin(q.q.QueryRow(ctx,
		"INSERT INTO coins (symbol, name, price, capitalization) VALUES (upper($1), $2, $3, $4) RETURNING "+coinColumns,
		symbol, name, price.Round(models.Scale).String(), capitalization.Round(2).String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create coin: %w", err)
	}
	return coin, nil
}

// CoinBySymbol looks a coin up by symbol, ignoring case
func (q *Queries) CoinBySymbol(ctx context.Context, symbol string) (*models.Coin, error) {
	coin, err := scanCoin(q.q.QueryRow(ctx,
		"SELECT "+coinColumns+" FROM coins WHERE upper(symbol) = upper($1)", symbol))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get coin %q: %w", symbol, err)
	}
	return coin, nil
}

// CoinByID retrieves a coin by id
func (q *Queries) CoinByID(ctx context.Context, id int64) (*models.Coin, error) {
	coin, err := scanCoin(q.q.QueryRow(ctx, "SELECT "+coinColumns+" FROM coins WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get coin %d: %w", id, err)
	}
	return coin, nil
}

// ListCoins returns every listed coin ordered by id
func (q *Queries) ListCoins(ctx context.Context) ([]models.Coin, error) {
	rows, err := q.q.Query(ctx, "SELECT "+coinColumns+" FROM coins ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list coins: %w", err)
	}
	defer rows.Close()

	var coins []models.Coin
	for rows.Next() {
		coin, err := scanCoin(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coin: %w", err)
		}
		coins = append(coins, *coin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list coins: %w", err)
	}
	return coins, nil
}

// UpdateCoinPrice sets the reference price of a coin
func (q *Queries) UpdateCoinPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	tag, err := q.q.Exec(ctx, "UPDATE coins SET price = $1 WHERE id = $2", price.Round(models.Scale).String(), id)
	if err != nil {
		return fmt.Errorf("failed to update coin price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

const orderSelect = `
	SELECT o.id, o.wallet_id, w.user_id, w.coin_id, o.quote_coin_id, o.side, o.status,
	       o.price::text, o.amount::text, o.created_at, o.closed_at
	FROM orders o
	JOIN wallets w ON w.id = o.wallet_id
`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var price, amount string
	err := row.Scan(&o.ID, &o.WalletID, &o.UserID, &o.BaseCoinID, &o.QuoteCoinID,
		&o.Side, &o.Status, &price, &amount, &o.CreatedAt, &o.ClosedAt)
	if err != nil {
		return nil, err
	}
	if o.Price, err = parseDecimal(price, "order price"); err != nil {
		return nil, err
	}
	if o.Amount, err = parseDecimal(amount, "order amount"); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	if o.ClosedAt != nil {
		closed := o.ClosedAt.UTC()
		o.ClosedAt = &closed
	}
	return &o, nil
}

func (q *Queries) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrder inserts a new open order on the given base wallet
func (q *Queries) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("price must be positive")
	}
	if !order.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	var id int64
	err := q.q.QueryRow(ctx, `
		INSERT INTO orders (wallet_id, quote_coin_id, side, status, price, amount, created_at)
		VALUES ($1, $2, $3, 'open', $4, $5, $6)
		RETURNING id`,
		order.WalletID, order.QuoteCoinID, order.Side,
		order.Price.Round(models.Scale).String(), order.Amount.Round(models.Scale).String(),
		order.CreatedAt.UTC()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return q.OrderByID(ctx, id)
}

// OrderByID retrieves an order by id
func (q *Queries) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(q.q.QueryRow(ctx, orderSelect+" WHERE o.id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// LockOrder reads an order and locks its row until the transaction ends
func (q *Queries) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := scanOrder(q.q.QueryRow(ctx, orderSelect+" WHERE o.id = $1 FOR UPDATE OF o", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// FindMatch returns the earliest open order on the opposite side with the
// identical price and the same base coin, locked for update. Returns nil if
// there is none.
func (q *Queries) FindMatch(ctx context.Context, order *models.Order) (*models.Order, error) {
	match, err := scanOrder(q.q.QueryRow(ctx, orderSelect+`
		WHERE o.side = $1 AND o.status = 'open' AND o.price = $2::numeric AND w.coin_id = $3 AND o.id <> $4
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT 1
		FOR UPDATE OF o`,
		models.Opposite(order.Side), order.Price.Round(models.Scale).String(), order.BaseCoinID, order.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find matching order: %w", err)
	}
	return match, nil
}

// CloseOrder moves an open order to a terminal status, stamped with the time
// it closed. Returns ErrNotOpen if the order is missing or no longer open.
func (q *Queries) CloseOrder(ctx context.Context, orderID int64, status string, at time.Time) error {
	tag, err := q.q.Exec(ctx,
		"UPDATE orders SET status = $1, closed_at = $3 WHERE id = $2 AND status = 'open'", status, orderID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// CancelOrder cancels an order if it belongs to the user and is open
func (q *Queries) CancelOrder(ctx context.Context, orderID, userID int64) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE orders o SET status = 'cancelled', closed_at = now()
		FROM wallets w
		WHERE o.id = $1 AND w.id = o.wallet_id AND w.user_id = $2 AND o.status = 'open'`,
		orderID, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// OpenOrdersForPair retrieves all open orders of a base/quote pair
func (q *Queries) OpenOrdersForPair(ctx context.Context, baseCoinID, quoteCoinID int64) ([]models.Order, error) {
	orders, err := q.queryOrders(ctx, orderSelect+`
		WHERE o.status = 'open' AND w.coin_id = $1 AND o.quote_coin_id = $2
		ORDER BY o.created_at ASC, o.id ASC`, baseCoinID, quoteCoinID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return orders, nil
}

// OpenOrdersForUser retrieves a user's open orders, newest first
func (q *Queries) OpenOrdersForUser(ctx context.Context, userID int64) ([]models.Order, error) {
	orders, err := q.queryOrders(ctx, orderSelect+`
		WHERE o.status = 'open' AND w.user_id = $1
		ORDER BY o.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return orders, nil
}

// FulfilledSince retrieves fulfilled orders of a pair traded at or after since, oldest trade first
func (q *Queries) FulfilledSince(ctx context.Context, baseCoinID, quoteCoinID int64, since time.Time) ([]models.Order, error) {
	orders, err := q.queryOrders(ctx, orderSelect+`
		WHERE o.status = 'fulfilled' AND w.coin_id = $1 AND o.quote_coin_id = $2 AND COALESCE(o.closed_at, o.created_at) >= $3
		ORDER BY COALESCE(o.closed_at, o.created_at) ASC, o.id ASC`, baseCoinID, quoteCoinID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get fulfilled orders: %w", err)
	}
	return orders, nil
}

// FulfilledForCoinSince retrieves fulfilled orders with the coin as base, any
// quote, traded at or after since
func (q *Queries) FulfilledForCoinSince(ctx context.Context, baseCoinID int64, since time.Time) ([]models.Order, error) {
	orders, err := q.queryOrders(ctx, orderSelect+`
		WHERE o.status = 'fulfilled' AND w.coin_id = $1 AND COALESCE(o.closed_at, o.created_at) >= $2
		ORDER BY COALESCE(o.closed_at, o.created_at) ASC, o.id ASC`, baseCoinID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get fulfilled orders: %w", err)
	}
	return orders, nil
}

// LastFulfilledAtOrBefore returns the latest fulfilled order of the base coin
// traded at or before at. A zero quoteCoinID matches any quote coin.
// Returns nil if there is none.
func (q *Queries) LastFulfilledAtOrBefore(ctx context.Context, baseCoinID, quoteCoinID int64, at time.Time) (*models.Order, error) {
	order, err := scanOrder(q.q.QueryRow(ctx, orderSelect+`
		WHERE o.status = 'fulfilled' AND w.coin_id = $1 AND ($2::bigint = 0 OR o.quote_coin_id = $2::bigint) AND COALESCE(o.closed_at, o.created_at) <= $3
		ORDER BY COALESCE(o.closed_at, o.created_at) DESC, o.id DESC
		LIMIT 1`, baseCoinID, quoteCoinID, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last fulfilled order: %w", err)
	}
	return order, nil
}

// FulfilledVolumes sums the traded base amount per coin, counting each trade once by its sell leg
func (q *Queries) FulfilledVolumes(ctx context.Context) (map[int64]decimal.Decimal, error) {
	rows, err := q.q.Query(ctx, `
		SELECT w.coin_id, SUM(o.amount)::text
		FROM orders o
		JOIN wallets w ON w.id = o.wallet_id
		WHERE o.status = 'fulfilled' AND o.side = 'sell'
		GROUP BY w.coin_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get traded volumes: %w", err)
	}
	defer rows.Close()

	volumes := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var coinID int64
		var volume string
		if err := rows.Scan(&coinID, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan traded volume: %w", err)
		}
		v, err := parseDecimal(volume, "traded volume")
		if err != nil {
			return nil, err
		}
		volumes[coinID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get traded volumes: %w", err)
	}
	return volumes, nil
}

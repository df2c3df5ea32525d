package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xtrntr/cryptoexchange/internal/models"
)

const transactionSelect = `
	SELECT t.id, t.sender_id, t.receiver_id, t.amount::text, t.reference::text,
	       COALESCE(sw.coin_id, rw.coin_id), t.created_at
	FROM transactions t
	LEFT JOIN wallets sw ON sw.id = t.sender_id
	LEFT JOIN wallets rw ON rw.id = t.receiver_id
`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var amount string
	var reference *string
	if err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &amount, &reference, &t.CoinID, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = parseDecimal(amount, "transaction amount"); err != nil {
		return nil, err
	}
	if reference != nil {
		t.Reference = *reference
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// CreateTransaction appends a ledger entry
func (q *Queries) CreateTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if t.SenderID == nil && t.ReceiverID == nil {
		return nil, fmt.Errorf("transaction needs a sender or a receiver")
	}
	if !t.Amount.IsPositive() {
		return nil, fmt.Errorf("transaction amount must be positive")
	}

	var reference *string
	if t.Reference != "" {
		reference = &t.Reference
	}

	var id int64
	err := q.q.QueryRow(ctx, `
		INSERT INTO transactions (sender_id, receiver_id, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::uuid, $5)
		RETURNING id`,
		t.SenderID, t.ReceiverID, t.Amount.Round(models.Scale).String(), reference, t.CreatedAt.UTC()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	created, err := scanTransaction(q.q.QueryRow(ctx, transactionSelect+" WHERE t.id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}
	return created, nil
}

// TransactionsForUser retrieves ledger entries touching any wallet of the user, newest first
func (q *Queries) TransactionsForUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	rows, err := q.q.Query(ctx, transactionSelect+`
		WHERE sw.user_id = $1 OR rw.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	return txs, nil
}

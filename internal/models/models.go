package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits stored for coin amounts and prices
const Scale = 8

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses
const (
	StatusOpen      = "open"
	StatusFulfilled = "fulfilled"
	StatusCancelled = "cancelled"
)

// User represents a registered user
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Coin represents a listed asset. Price is expressed in the common unit.
type Coin struct {
	ID             int64           `json:"id"`
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Capitalization decimal.Decimal `json:"capitalization"`
}

// Wallet holds the balance of one user for one coin
type Wallet struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	CoinID    int64           `json:"coin_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Order represents a buy or sell limit order. It belongs to the base-coin
// wallet of the placing user; UserID and BaseCoinID are read through that wallet.
type Order struct {
	ID          int64           `json:"id"`
	WalletID    int64           `json:"wallet_id"`
	UserID      int64           `json:"user_id"`
	BaseCoinID  int64           `json:"base_coin_id"`
	QuoteCoinID int64           `json:"quote_coin_id"`
	Side        string          `json:"side"`   // "buy" or "sell"
	Status      string          `json:"status"` // "open", "fulfilled", "cancelled"
	Price       decimal.Decimal `json:"price"`  // quote units per base unit
	Amount      decimal.Decimal `json:"amount"` // base units
	CreatedAt   time.Time       `json:"created_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

// TradedAt returns when a fulfilled order traded. Rows closed before
// ClosedAt was recorded fall back to CreatedAt.
func (o Order) TradedAt() time.Time {
	if o.ClosedAt != nil {
		return *o.ClosedAt
	}
	return o.CreatedAt
}

// Total returns price × amount at storage precision
func (o Order) Total() decimal.Decimal {
	return o.Price.Mul(o.Amount).Round(Scale)
}

// Transaction is an immutable ledger entry. A nil SenderID is a mint, a nil
// ReceiverID is a burn.
type Transaction struct {
	ID         int64           `json:"id"`
	SenderID   *int64          `json:"sender_id,omitempty"`
	ReceiverID *int64          `json:"receiver_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  string          `json:"reference,omitempty"`
	CoinID     int64           `json:"coin_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Opposite returns the counter side of an order side
func Opposite(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

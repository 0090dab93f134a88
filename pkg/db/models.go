package db

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// MarketPair is a tradable symbol.
type MarketPair struct {
	ID         int64  `json:"id" yaml:"id"`
	Symbol     string `json:"symbol" yaml:"symbol"`
	BaseAsset  string `json:"base_asset" yaml:"base_asset"`
	QuoteAsset string `json:"quote_asset" yaml:"quote_asset"`
	Status     string `json:"status" yaml:"status"`
}

// Order is a row of trading_orders.
type Order struct {
	ID              int64
	PublicID        string
	UserID          int64
	MarketPairID    int64
	Side            string
	OrderType       string
	Price           decimal.NullDecimal // NULL for MARKET
	Quantity        decimal.Decimal
	Status          string
	ExchangeOrderID sql.NullString
	FilledQuantity  decimal.NullDecimal
	FilledPrice     decimal.NullDecimal
	ReservedAsset   string
	ReservedAmount  decimal.Decimal
	FeeRate         decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderUpdate carries the columns a status transition may set. Null fields
// keep the stored value.
type OrderUpdate struct {
	Status          string
	ExchangeOrderID sql.NullString
	FilledQuantity  decimal.NullDecimal
	FilledPrice     decimal.NullDecimal
}

// OrderFilter narrows a per-user order listing.
type OrderFilter struct {
	UserID       int64
	Status       string
	MarketPairID int64
	Limit        int
	Offset       int
}

// StatusFilter selects orders by status across users for reconciliation.
// UserID 0 matches every user.
type StatusFilter struct {
	Statuses []string
	UserID   int64
	AfterID  int64
	Limit    int
}

// Balance is a row of crypto_balances.
type Balance struct {
	UserID    int64
	Asset     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Trade is a row of trade_history, joined with the owning order.
type Trade struct {
	ID              int64
	OrderID         int64
	MarketPairID    int64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Total           decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	ExchangeTradeID string
	CreatedAt       time.Time

	// Filled from trading_orders on reads.
	UserID int64
	Side   string
}

// TradeFilter narrows a per-user trade history listing.
type TradeFilter struct {
	UserID       int64
	MarketPairID int64
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// AuditRecord is a row of reconciliation_audit.
type AuditRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	OrderID   int64     `json:"order_id,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

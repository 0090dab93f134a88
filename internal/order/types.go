package order

import (
	"time"

	"github.com/shopspring/decimal"

	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

// Status is the local lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPlaced          Status = "PLACED"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusPartiallyFilled || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusPlaced || s.Terminal()
}

// CreateRequest is a user's order intent.
type CreateRequest struct {
	UserID       int64
	MarketPairID int64
	Side         exchange.Side
	Type         exchange.OrderType
	Price        decimal.NullDecimal // required for LIMIT, ignored for MARKET
	Quantity     decimal.Decimal
}

// Order is the external view of a trading order.
type Order struct {
	ID              int64               `json:"id"`
	PublicID        string              `json:"public_id"`
	UserID          int64               `json:"user_id"`
	MarketPairID    int64               `json:"market_pair_id"`
	Side            exchange.Side       `json:"side"`
	Type            exchange.OrderType  `json:"order_type"`
	Price           decimal.NullDecimal `json:"price"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Status          Status              `json:"status"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	FilledQuantity  decimal.NullDecimal `json:"filled_quantity"`
	FilledPrice     decimal.NullDecimal `json:"filled_price"`
	ReservedAsset   string              `json:"reserved_asset"`
	ReservedAmount  decimal.Decimal     `json:"reserved_amount"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func fromRow(r db.Order) Order {
	return Order{
		ID:              r.ID,
		PublicID:        r.PublicID,
		UserID:          r.UserID,
		MarketPairID:    r.MarketPairID,
		Side:            exchange.Side(r.Side),
		Type:            exchange.OrderType(r.OrderType),
		Price:           r.Price,
		Quantity:        r.Quantity,
		Status:          Status(r.Status),
		ExchangeOrderID: r.ExchangeOrderID.String,
		FilledQuantity:  r.FilledQuantity,
		FilledPrice:     r.FilledPrice,
		ReservedAsset:   r.ReservedAsset,
		ReservedAmount:  r.ReservedAmount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// Trade is the external view of a recorded fill.
type Trade struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"order_id"`
	MarketPairID    int64           `json:"market_pair_id"`
	Side            string          `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Total           decimal.Decimal `json:"total"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_currency"`
	ExchangeTradeID string          `json:"exchange_trade_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

func tradeFromRow(t db.Trade) Trade {
	return Trade{
		ID:              t.ID,
		OrderID:         t.OrderID,
		MarketPairID:    t.MarketPairID,
		Side:            t.Side,
		Price:           t.Price,
		Quantity:        t.Quantity,
		Total:           t.Total,
		Fee:             t.Fee,
		FeeCurrency:     t.FeeCurrency,
		ExchangeTradeID: t.ExchangeTradeID,
		CreatedAt:       t.CreatedAt,
	}
}

// ListFilter narrows GetOrders.
type ListFilter struct {
	Status       Status
	MarketPairID int64
	Limit        int
	Offset       int
}

// TradeFilter narrows GetTradeHistory.
type TradeFilter struct {
	MarketPairID int64
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// CancelResult is what CancelOrder reports: the order as stored afterwards
// and a short description of what happened to it.
type CancelResult struct {
	Message string `json:"message"`
	Order   Order  `json:"order"`
}

// OrderPage is one page of GetOrders with the total matching the filter.
type OrderPage struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
}

// TradePage is one page of GetTradeHistory with the total matching the filter.
type TradePage struct {
	History []Trade `json:"history"`
	Total   int     `json:"total"`
}

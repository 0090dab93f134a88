package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType denotes the execution style.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is MARKET or LIMIT.
func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Open reports whether the exchange still works the order.
func (s OrderStatus) Open() bool { return s == StatusNew || s == StatusPartial }

// Closed reports whether the exchange stopped working the order without a full fill.
func (s OrderStatus) Closed() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	// ClientID is forwarded as the exchange's client order id and doubles as
	// the idempotency token for lookups after an uncertain submit.
	ClientID string
}

// OrderResult is the normalized exchange view of an order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	ExecutedQty     decimal.Decimal
	// ExecutedPrice is the average fill price; zero when nothing executed.
	ExecutedPrice decimal.Decimal
	TradeID       string
	// AlreadyFinished is set by CancelOrder when the exchange reported the
	// order as unknown or already done; Status is then StatusUnknown.
	AlreadyFinished bool
}

// SymbolInfo holds the trading rules the order normalizer needs.
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal
}

// AssetBalance is an exchange account balance line.
type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

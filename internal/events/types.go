package events

import "time"

// Event enumerates high-level topics inside the order core.
type Event string

const (
	EventPriceTick    Event = "price_tick"
	EventOrderUpdate  Event = "order_update"
	EventBalanceDrift Event = "balance_drift"
	EventReconcileRun Event = "reconcile_run"
)

// OrderUpdate is published on every order status transition.
type OrderUpdate struct {
	OrderID         int64     `json:"order_id"`
	PublicID        string    `json:"public_id"`
	UserID          int64     `json:"user_id"`
	MarketPairID    int64     `json:"market_pair_id"`
	Side            string    `json:"side"`
	PrevStatus      string    `json:"prev_status,omitempty"`
	Status          string    `json:"status"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	FilledQuantity  string    `json:"filled_quantity,omitempty"`
	FilledPrice     string    `json:"filled_price,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
}

// PriceTick carries a refreshed reference price.
type PriceTick struct {
	MarketPairID int64     `json:"market_pair_id"`
	Symbol       string    `json:"symbol"`
	Price        string    `json:"price"`
	At           time.Time `json:"at"`
}

// BalanceDrift reports a difference between ledger totals and the exchange
// account for one asset.
type BalanceDrift struct {
	Asset    string    `json:"asset"`
	Ledger   string    `json:"ledger"`
	Exchange string    `json:"exchange"`
	Diff     string    `json:"diff"`
	At       time.Time `json:"at"`
}

// ReconcileRun summarizes one reconciliation pass.
type ReconcileRun struct {
	RunID    string        `json:"run_id"`
	Checked  int           `json:"checked"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

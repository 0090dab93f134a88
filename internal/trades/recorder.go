// Package trades records confirmed fills in the append-only trade history.
package trades

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/db"
)

// Entry is a fill to record.
type Entry struct {
	OrderID         int64
	MarketPairID    int64
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	ExchangeTradeID string
}

// Recorder appends to trade_history.
type Recorder struct {
	db  *db.Database
	log *zap.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(database *db.Database, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: database, log: log.Named("trades")}
}

// Record stores e in its own transaction.
func (r *Recorder) Record(ctx context.Context, e Entry) (db.Trade, error) {
	var out db.Trade
	err := r.db.WithTx(ctx, func(q *db.Queries) error {
		t, err := r.RecordTx(ctx, q, e)
		out = t
		return err
	})
	return out, err
}

// RecordTx stores e inside the caller's transaction. Total is price *
// quantity. A second trade for the same order is a ledger inconsistency.
func (r *Recorder) RecordTx(ctx context.Context, q *db.Queries, e Entry) (db.Trade, error) {
	if !e.Quantity.IsPositive() || !e.Price.IsPositive() {
		return db.Trade{}, apperr.InvalidOrder("trade needs positive price and quantity")
	}
	t := db.Trade{
		OrderID:         e.OrderID,
		MarketPairID:    e.MarketPairID,
		Price:           e.Price,
		Quantity:        e.Quantity,
		Total:           e.Price.Mul(e.Quantity),
		Fee:             e.Fee,
		FeeCurrency:     e.FeeCurrency,
		ExchangeTradeID: e.ExchangeTradeID,
	}
	if err := q.InsertTrade(ctx, &t); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return db.Trade{}, apperr.LedgerInconsistency("trade already recorded for order %d", e.OrderID)
		}
		return db.Trade{}, apperr.Internal("record trade", err)
	}
	r.log.Info("trade recorded",
		zap.Int64("order_id", t.OrderID),
		zap.String("exchange_trade_id", t.ExchangeTradeID),
		zap.String("qty", t.Quantity.String()),
		zap.String("price", t.Price.String()),
	)
	return t, nil
}

// Filter narrows List.
type Filter = db.TradeFilter

// List returns a user's trades, newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]db.Trade, error) {
	out, err := r.db.Queries().ListTrades(ctx, f)
	if err != nil {
		if errors.Is(err, db.ErrUserIDRequired) {
			return nil, apperr.InvalidOrder("user id required")
		}
		return nil, apperr.Internal("list trades", err)
	}
	return out, nil
}

// Count returns how many of a user's trades match f, ignoring paging.
func (r *Recorder) Count(ctx context.Context, f Filter) (int, error) {
	n, err := r.db.Queries().CountTrades(ctx, f)
	if err != nil {
		if errors.Is(err, db.ErrUserIDRequired) {
			return 0, apperr.InvalidOrder("user id required")
		}
		return 0, apperr.Internal("count trades", err)
	}
	return n, nil
}

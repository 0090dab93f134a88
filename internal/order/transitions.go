package order

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/internal/balance"
	"cex-order-core/internal/trades"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

// errLostRace aborts a transition transaction whose compare-and-set found the
// order already moved by someone else.
var errLostRace = errors.New("order status changed concurrently")

// applyExchangeResult moves row (in its current status) to the state implied
// by the exchange's view of the order.
func (m *Manager) applyExchangeResult(ctx context.Context, row db.Order, res exchange.OrderResult) (Order, error) {
	from := Status(row.Status)
	switch {
	case res.Status == exchange.StatusFilled:
		return m.settleFill(ctx, row, from, StatusFilled, res)

	case res.Status.Closed():
		if res.ExecutedQty.IsPositive() {
			return m.settleFill(ctx, row, from, StatusPartiallyFilled, res)
		}
		return m.cancelAndRelease(ctx, row, from, "exchange status "+string(res.Status))

	case res.Status.Open():
		if from != StatusPending {
			return fromRow(row), nil
		}
		return m.transition(ctx, row, from, db.OrderUpdate{
			Status:          string(StatusPlaced),
			ExchangeOrderID: sql.NullString{String: res.ExchangeOrderID, Valid: res.ExchangeOrderID != ""},
		}, "accepted by exchange", nil)

	default:
		m.log.Warn("unmapped exchange status; order left unchanged",
			zap.Int64("order_id", row.ID), zap.String("exchange_status", string(res.Status)))
		return fromRow(row), nil
	}
}

// settleFill records the trade, settles both legs against the reservation and
// moves the order to `to`, all in one transaction.
func (m *Manager) settleFill(ctx context.Context, row db.Order, from, to Status, res exchange.OrderResult) (Order, error) {
	qty := res.ExecutedQty
	price := res.ExecutedPrice
	if !price.IsPositive() && row.Price.Valid {
		price = row.Price.Decimal
	}
	if !qty.IsPositive() || !price.IsPositive() {
		m.metrics.IncExchangeErrors()
		return Order{}, apperr.Exchange(0, 0, "fill reported without executed quantity or price", nil).
			WithDetail("order_id", row.ID)
	}
	fee := price.Mul(qty).Mul(row.FeeRate)
	tradeID := res.TradeID
	if tradeID == "" {
		tradeID = "order:" + res.ExchangeOrderID
	}

	upd := db.OrderUpdate{
		Status:          string(to),
		ExchangeOrderID: sql.NullString{String: res.ExchangeOrderID, Valid: res.ExchangeOrderID != ""},
		FilledQuantity:  decimal.NewNullDecimal(qty),
		FilledPrice:     decimal.NewNullDecimal(price),
	}
	return m.transition(ctx, row, from, upd, "filled "+qty.String()+" @ "+price.String(), func(q *db.Queries) error {
		pair, err := q.GetMarketPair(ctx, row.MarketPairID)
		if err != nil {
			return apperr.Internal("load market pair", err)
		}
		if _, err := m.trades.RecordTx(ctx, q, trades.Entry{
			OrderID:         row.ID,
			MarketPairID:    row.MarketPairID,
			Price:           price,
			Quantity:        qty,
			Fee:             fee,
			FeeCurrency:     pair.QuoteAsset,
			ExchangeTradeID: tradeID,
		}); err != nil {
			return err
		}
		return m.ledger.SettleTradeTx(ctx, q, balance.Fill{
			UserID:     row.UserID,
			Side:       exchange.Side(row.Side),
			BaseAsset:  pair.BaseAsset,
			QuoteAsset: pair.QuoteAsset,
			Quantity:   qty,
			Price:      price,
			Fee:        fee,
			Reserved:   row.ReservedAmount,
		})
	})
}

// cancelAndRelease moves row to CANCELLED and returns its whole reservation.
func (m *Manager) cancelAndRelease(ctx context.Context, row db.Order, from Status, reason string) (Order, error) {
	return m.transition(ctx, row, from, db.OrderUpdate{Status: string(StatusCancelled)}, reason, func(q *db.Queries) error {
		return m.ledger.ReleaseTx(ctx, q, row.UserID, row.ReservedAsset, row.ReservedAmount)
	})
}

// transition performs the compare-and-set from -> upd.Status and runs effects
// in the same transaction. When another writer moved the order first, nothing
// is applied and the stored state is returned.
func (m *Manager) transition(ctx context.Context, row db.Order, from Status, upd db.OrderUpdate, reason string, effects func(q *db.Queries) error) (Order, error) {
	err := m.db.WithTx(ctx, func(q *db.Queries) error {
		ok, err := q.TransitionOrder(ctx, row.ID, string(from), upd)
		if err != nil {
			return apperr.Internal("transition order", err)
		}
		if !ok {
			return errLostRace
		}
		if effects != nil {
			return effects(q)
		}
		return nil
	})

	switch {
	case errors.Is(err, errLostRace):
		current, lerr := m.load(ctx, row.ID)
		if lerr != nil {
			return Order{}, lerr
		}
		m.log.Info("transition lost race; keeping stored state",
			zap.Int64("order_id", row.ID),
			zap.String("wanted", upd.Status),
			zap.String("stored", current.Status),
		)
		return fromRow(current), nil
	case err != nil:
		if apperr.Is(err, apperr.KindLedgerInconsistency) {
			m.metrics.IncLedgerInconsistencies()
		}
		m.log.Error("order transition failed",
			zap.Int64("order_id", row.ID),
			zap.String("from", string(from)),
			zap.String("to", upd.Status),
			zap.Error(err),
		)
		return Order{}, err
	}

	updated, err := m.load(ctx, row.ID)
	if err != nil {
		return Order{}, err
	}
	m.countTransition(Status(upd.Status))
	m.publish(updated, from, reason)
	m.log.Info("order transition",
		zap.Int64("order_id", row.ID),
		zap.String("from", string(from)),
		zap.String("to", upd.Status),
		zap.String("reason", reason),
	)
	return fromRow(updated), nil
}

func (m *Manager) countTransition(to Status) {
	switch to {
	case StatusFilled:
		m.metrics.IncOrdersFilled()
	case StatusPartiallyFilled:
		m.metrics.IncOrdersPartial()
	case StatusCancelled:
		m.metrics.IncOrdersCancelled()
	}
}

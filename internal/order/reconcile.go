package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/db"
)

// Outcome reports what reconciling one order did.
type Outcome struct {
	Order   Order
	From    Status
	Changed bool
}

var openStatuses = []string{string(StatusPending), string(StatusPlaced)}

// OpenOrders returns up to limit PENDING and PLACED orders of all users with
// id greater than afterID, in id order. Callers page by passing the last id
// they saw.
func (m *Manager) OpenOrders(ctx context.Context, afterID int64, limit int) ([]db.Order, error) {
	rows, err := m.db.Queries().ListOrdersByStatus(ctx, db.StatusFilter{
		Statuses: openStatuses,
		AfterID:  afterID,
		Limit:    limit,
	})
	if err != nil {
		return nil, apperr.Internal("list open orders", err)
	}
	return rows, nil
}

// OpenOrdersForUser returns every PENDING and PLACED order of one user.
func (m *Manager) OpenOrdersForUser(ctx context.Context, userID int64) ([]db.Order, error) {
	var (
		out   []db.Order
		after int64
	)
	for {
		rows, err := m.db.Queries().ListOrdersByStatus(ctx, db.StatusFilter{
			Statuses: openStatuses,
			UserID:   userID,
			AfterID:  after,
			Limit:    db.MaxPageSize,
		})
		if err != nil {
			return nil, apperr.Internal("list open orders", err)
		}
		if len(rows) == 0 {
			return out, nil
		}
		out = append(out, rows...)
		after = rows[len(rows)-1].ID
	}
}

// OrdersByID loads the given orders. A non-zero userID restricts the lookup
// to that user's orders; an id that is missing or belongs to someone else
// fails the whole call.
func (m *Manager) OrdersByID(ctx context.Context, userID int64, ids []int64) ([]db.Order, error) {
	out := make([]db.Order, 0, len(ids))
	for _, id := range ids {
		row, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if userID != 0 && row.UserID != userID {
			return nil, apperr.OrderNotFound("order %d not found", id)
		}
		out = append(out, row)
	}
	return out, nil
}

// Reconcile queries the exchange for one non-terminal order and applies what
// it reports.
//
// A PENDING order is looked up by its client order id. When the exchange has
// no record of it and the order is older than pendingGrace, the submission
// never arrived: the reservation is released and the order cancelled.
func (m *Manager) Reconcile(ctx context.Context, row db.Order, pendingGrace time.Duration) (Outcome, error) {
	from := Status(row.Status)
	if from.Terminal() {
		return Outcome{Order: fromRow(row), From: from}, nil
	}

	pair, err := m.db.Queries().GetMarketPair(ctx, row.MarketPairID)
	if err != nil {
		return Outcome{}, apperr.Internal("load market pair", err)
	}

	res, err := m.queryOrder(ctx, pair.Symbol, row)

	if err != nil {
		if from == StatusPending && apperr.Is(err, apperr.KindOrderNotFound) {
			if age := m.now().Sub(row.CreatedAt); age < pendingGrace {
				return Outcome{Order: fromRow(row), From: from}, nil
			}
			out, cerr := m.cancelAndRelease(ctx, row, from, "never reached exchange")
			if cerr != nil {
				return Outcome{}, cerr
			}
			return Outcome{Order: out, From: from, Changed: out.Status != from}, nil
		}
		m.log.Warn("reconcile: query order failed",
			zap.Int64("order_id", row.ID),
			zap.String("status", row.Status),
			zap.Error(err),
		)
		return Outcome{}, err
	}

	out, err := m.applyExchangeResult(ctx, row, res)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Order: out, From: from, Changed: out.Status != from}, nil
}

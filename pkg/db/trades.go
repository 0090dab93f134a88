package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const tradeColumns = `t.id, t.order_id, t.market_pair_id, t.price, t.quantity, t.total, t.fee, t.fee_currency,
	t.exchange_trade_id, t.created_at, o.user_id, o.side`

// InsertTrade appends a trade. A second trade for the same order returns
// ErrDuplicate.
func (q *Queries) InsertTrade(ctx context.Context, t *Trade) error {
	ts := now()
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO trade_history (order_id, market_pair_id, price, quantity, total, fee, fee_currency,
			exchange_trade_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING
	`, t.OrderID, t.MarketPairID, t.Price, t.Quantity, t.Total, t.Fee, t.FeeCurrency, t.ExchangeTradeID, ts)
	if err != nil {
		return errors.Wrap(err, "insert trade")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "insert trade: rows affected")
	}
	if n == 0 {
		return ErrDuplicate
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "insert trade: last id")
	}
	t.ID = id
	t.CreatedAt = ts
	return nil
}

// GetTradeByOrder returns the trade recorded for an order.
func (q *Queries) GetTradeByOrder(ctx context.Context, orderID int64) (Trade, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+tradeColumns+`
		FROM trade_history t JOIN trading_orders o ON o.id = t.order_id
		WHERE t.order_id = ?`, orderID)
	t, err := scanTrade(row)
	if err != nil {
		return Trade{}, notFound(err)
	}
	return t, nil
}

// ListTrades returns one user's trades, newest first.
func (q *Queries) ListTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	where, args, err := tradeWhere(f)
	if err != nil {
		return nil, err
	}
	args = append(args, pageSize(f.Limit), f.Offset)

	rows, err := q.q.QueryContext(ctx, fmt.Sprintf(`SELECT %s
		FROM trade_history t JOIN trading_orders o ON o.id = t.order_id
		WHERE %s ORDER BY t.id DESC LIMIT ? OFFSET ?`, tradeColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTrades counts the trades ListTrades would page through, ignoring
// Limit and Offset.
func (q *Queries) CountTrades(ctx context.Context, f TradeFilter) (int, error) {
	where, args, err := tradeWhere(f)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.q.QueryRowContext(ctx, `SELECT COUNT(*)
		FROM trade_history t JOIN trading_orders o ON o.id = t.order_id
		WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count trades")
	}
	return n, nil
}

func tradeWhere(f TradeFilter) (string, []any, error) {
	if f.UserID == 0 {
		return "", nil, ErrUserIDRequired
	}
	where := []string{"o.user_id = ?"}
	args := []any{f.UserID}
	if f.MarketPairID != 0 {
		where = append(where, "t.market_pair_id = ?")
		args = append(args, f.MarketPairID)
	}
	if !f.From.IsZero() {
		where = append(where, "t.created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "t.created_at <= ?")
		args = append(args, f.To.UTC())
	}
	return strings.Join(where, " AND "), args, nil
}

func scanTrade(row rowScanner) (Trade, error) {
	var t Trade
	err := row.Scan(&t.ID, &t.OrderID, &t.MarketPairID, &t.Price, &t.Quantity, &t.Total, &t.Fee,
		&t.FeeCurrency, &t.ExchangeTradeID, &t.CreatedAt, &t.UserID, &t.Side)
	return t, err
}

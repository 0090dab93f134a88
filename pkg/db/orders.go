package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const orderColumns = `id, public_id, user_id, market_pair_id, side, order_type, price, quantity, status,
	exchange_order_id, filled_quantity, filled_price, reserved_asset, reserved_amount, fee_rate,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PublicID, &o.UserID, &o.MarketPairID, &o.Side, &o.OrderType, &o.Price,
		&o.Quantity, &o.Status, &o.ExchangeOrderID, &o.FilledQuantity, &o.FilledPrice,
		&o.ReservedAsset, &o.ReservedAmount, &o.FeeRate, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// InsertOrder stores o and sets its ID and timestamps.
func (q *Queries) InsertOrder(ctx context.Context, o *Order) error {
	if o.UserID == 0 {
		return ErrUserIDRequired
	}
	ts := now()
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO trading_orders (public_id, user_id, market_pair_id, side, order_type, price, quantity,
			status, exchange_order_id, filled_quantity, filled_price, reserved_asset, reserved_amount,
			fee_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.PublicID, o.UserID, o.MarketPairID, o.Side, o.OrderType, o.Price, o.Quantity,
		o.Status, o.ExchangeOrderID, o.FilledQuantity, o.FilledPrice, o.ReservedAsset, o.ReservedAmount,
		o.FeeRate, ts, ts)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "insert order: last id")
	}
	o.ID = id
	o.CreatedAt, o.UpdatedAt = ts, ts
	return nil
}

// GetOrder loads an order by internal id.
func (q *Queries) GetOrder(ctx context.Context, id int64) (Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM trading_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, notFound(err)
	}
	return o, nil
}

// GetOrderByPublicID loads an order by its public id.
func (q *Queries) GetOrderByPublicID(ctx context.Context, publicID string) (Order, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM trading_orders WHERE public_id = ?`, publicID)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, notFound(err)
	}
	return o, nil
}

// TransitionOrder moves an order from status `from` to upd.Status. It is a
// compare-and-set: it reports false without error when the stored status no
// longer equals from.
func (q *Queries) TransitionOrder(ctx context.Context, id int64, from string, upd OrderUpdate) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE trading_orders SET
			status = ?,
			exchange_order_id = COALESCE(?, exchange_order_id),
			filled_quantity = COALESCE(?, filled_quantity),
			filled_price = COALESCE(?, filled_price),
			updated_at = ?
		WHERE id = ? AND status = ?
	`, upd.Status, upd.ExchangeOrderID, upd.FilledQuantity, upd.FilledPrice, now(), id, from)
	if err != nil {
		return false, errors.Wrap(err, "transition order")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "transition order: rows affected")
	}
	return n == 1, nil
}

// ListOrders returns one user's orders, newest first.
func (q *Queries) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	where, args, err := orderWhere(f)
	if err != nil {
		return nil, err
	}
	args = append(args, pageSize(f.Limit), f.Offset)

	query := fmt.Sprintf(`SELECT %s FROM trading_orders WHERE %s ORDER BY id DESC LIMIT ? OFFSET ?`,
		orderColumns, where)
	return q.queryOrders(ctx, query, args...)
}

// CountOrders counts the orders ListOrders would page through, ignoring
// Limit and Offset.
func (q *Queries) CountOrders(ctx context.Context, f OrderFilter) (int, error) {
	where, args, err := orderWhere(f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM trading_orders WHERE `+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count orders")
	}
	return n, nil
}

func orderWhere(f OrderFilter) (string, []any, error) {
	if f.UserID == 0 {
		return "", nil, ErrUserIDRequired
	}
	where := []string{"user_id = ?"}
	args := []any{f.UserID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.MarketPairID != 0 {
		where = append(where, "market_pair_id = ?")
		args = append(args, f.MarketPairID)
	}
	return strings.Join(where, " AND "), args, nil
}

// ListOrdersByStatus returns up to f.Limit orders in the given statuses with
// id greater than f.AfterID, oldest first. Callers page through a full set by
// passing the last id seen as the next AfterID.
func (q *Queries) ListOrdersByStatus(ctx context.Context, f StatusFilter) ([]Order, error) {
	if len(f.Statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
	where := []string{"status IN (" + placeholders + ")", "id > ?"}
	args := make([]any, 0, len(f.Statuses)+3)
	for _, s := range f.Statuses {
		args = append(args, s)
	}
	args = append(args, f.AfterID)
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	args = append(args, pageSize(f.Limit))

	query := fmt.Sprintf(`SELECT %s FROM trading_orders WHERE %s ORDER BY id ASC LIMIT ?`,
		orderColumns, strings.Join(where, " AND "))
	return q.queryOrders(ctx, query, args...)
}

func (q *Queries) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

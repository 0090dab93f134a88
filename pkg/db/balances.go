package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// EnsureBalance creates the (user, asset) row with zero balances if missing.
func (q *Queries) EnsureBalance(ctx context.Context, userID int64, asset string) error {
	if userID == 0 {
		return ErrUserIDRequired
	}
	ts := now()
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO crypto_balances (user_id, asset, available_balance, reserved_balance, created_at, updated_at)
		VALUES (?, ?, '0', '0', ?, ?)
		ON CONFLICT(user_id, asset) DO NOTHING
	`, userID, asset, ts, ts)
	return errors.Wrap(err, "ensure balance")
}

// GetBalance returns ErrNotFound when the row does not exist.
func (q *Queries) GetBalance(ctx context.Context, userID int64, asset string) (Balance, error) {
	if userID == 0 {
		return Balance{}, ErrUserIDRequired
	}
	var b Balance
	err := q.q.QueryRowContext(ctx, `
		SELECT user_id, asset, available_balance, reserved_balance, updated_at
		FROM crypto_balances WHERE user_id = ? AND asset = ?
	`, userID, asset).Scan(&b.UserID, &b.Asset, &b.Available, &b.Reserved, &b.UpdatedAt)
	if err != nil {
		return Balance{}, notFound(err)
	}
	return b, nil
}

// SetBalance overwrites both sides of an existing row.
func (q *Queries) SetBalance(ctx context.Context, userID int64, asset string, available, reserved decimal.Decimal) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE crypto_balances SET available_balance = ?, reserved_balance = ?, updated_at = ?
		WHERE user_id = ? AND asset = ?
	`, available, reserved, now(), userID, asset)
	if err != nil {
		return errors.Wrap(err, "set balance")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBalances returns all balance rows of a user.
func (q *Queries) ListBalances(ctx context.Context, userID int64) ([]Balance, error) {
	if userID == 0 {
		return nil, ErrUserIDRequired
	}
	return q.queryBalances(ctx, `
		SELECT user_id, asset, available_balance, reserved_balance, updated_at
		FROM crypto_balances WHERE user_id = ? ORDER BY asset
	`, userID)
}

// ListAllBalances returns every balance row, for system-wide totals.
func (q *Queries) ListAllBalances(ctx context.Context) ([]Balance, error) {
	return q.queryBalances(ctx, `
		SELECT user_id, asset, available_balance, reserved_balance, updated_at
		FROM crypto_balances ORDER BY asset, user_id
	`)
}

func (q *Queries) queryBalances(ctx context.Context, query string, args ...any) ([]Balance, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Available, &b.Reserved, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// InsertAuditRecords appends records. Call inside WithTx for a batch.
func (q *Queries) InsertAuditRecords(ctx context.Context, records []AuditRecord) error {
	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = now()
		}
		orderID := sql.NullInt64{Int64: r.OrderID, Valid: r.OrderID != 0}
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO reconciliation_audit (run_id, order_id, kind, detail, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, r.RunID, orderID, r.Kind, r.Detail, created.UTC()); err != nil {
			return errors.Wrap(err, "insert audit record")
		}
	}
	return nil
}

// ListAuditRecords returns the newest records first.
func (q *Queries) ListAuditRecords(ctx context.Context, limit int) ([]AuditRecord, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, run_id, COALESCE(order_id, 0), kind, detail, created_at
		FROM reconciliation_audit ORDER BY id DESC LIMIT ?
	`, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.OrderID, &r.Kind, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

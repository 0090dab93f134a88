package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// UpsertMarketPair inserts or updates a pair keyed by id.
func (q *Queries) UpsertMarketPair(ctx context.Context, p MarketPair) error {
	if p.Status == "" {
		p.Status = "ACTIVE"
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO market_pairs (id, symbol, base_asset, quote_asset, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			base_asset = excluded.base_asset,
			quote_asset = excluded.quote_asset,
			status = excluded.status
	`, p.ID, p.Symbol, p.BaseAsset, p.QuoteAsset, p.Status)
	return errors.Wrapf(err, "upsert market pair %s", p.Symbol)
}

// GetMarketPair loads a pair by id.
func (q *Queries) GetMarketPair(ctx context.Context, id int64) (MarketPair, error) {
	var p MarketPair
	err := q.q.QueryRowContext(ctx, `
		SELECT id, symbol, base_asset, quote_asset, status FROM market_pairs WHERE id = ?
	`, id).Scan(&p.ID, &p.Symbol, &p.BaseAsset, &p.QuoteAsset, &p.Status)
	if err != nil {
		return MarketPair{}, notFound(err)
	}
	return p, nil
}

// ListMarketPairs returns all pairs ordered by id.
func (q *Queries) ListMarketPairs(ctx context.Context) ([]MarketPair, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, symbol, base_asset, quote_asset, status FROM market_pairs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query market pairs: %w", err)
	}
	defer rows.Close()

	var out []MarketPair
	for rows.Next() {
		var p MarketPair
		if err := rows.Scan(&p.ID, &p.Symbol, &p.BaseAsset, &p.QuoteAsset, &p.Status); err != nil {
			return nil, fmt.Errorf("scan market pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

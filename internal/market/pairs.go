package market

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"cex-order-core/pkg/db"
)

type pairsFile struct {
	Pairs []db.MarketPair `yaml:"pairs"`
}

// LoadPairs reads market pairs from a YAML file:
//
//	pairs:
//	  - id: 1
//	    symbol: BTCUSDT
//	    base_asset: BTC
//	    quote_asset: USDT
func LoadPairs(path string) ([]db.MarketPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read markets file")
	}
	var f pairsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse markets file")
	}
	seen := make(map[int64]bool, len(f.Pairs))
	for i := range f.Pairs {
		p := &f.Pairs[i]
		p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
		p.BaseAsset = strings.ToUpper(strings.TrimSpace(p.BaseAsset))
		p.QuoteAsset = strings.ToUpper(strings.TrimSpace(p.QuoteAsset))
		if p.Status == "" {
			p.Status = pairActive
		}
		if p.ID <= 0 || p.Symbol == "" || p.BaseAsset == "" || p.QuoteAsset == "" {
			return nil, errors.Errorf("market pair #%d: id, symbol, base_asset and quote_asset are required", i+1)
		}
		if seen[p.ID] {
			return nil, errors.Errorf("market pair id %d is duplicated", p.ID)
		}
		seen[p.ID] = true
	}
	return f.Pairs, nil
}

// SeedPairs upserts pairs in one transaction.
func SeedPairs(ctx context.Context, database *db.Database, pairs []db.MarketPair) error {
	return database.WithTx(ctx, func(q *db.Queries) error {
		for _, p := range pairs {
			if err := q.UpsertMarketPair(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Package market resolves market pairs, trading rules and reference prices.
package market

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/cache"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

const pairActive = "ACTIVE"

// Source is the exchange side of the provider.
type Source interface {
	TradingRules(ctx context.Context, symbol string) (exchange.SymbolInfo, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Provider answers pair, rules and price lookups. Rules and prices are cached
// with separate TTLs.
type Provider struct {
	db     *db.Database
	source Source
	rules  *cache.Sharded[exchange.SymbolInfo]
	prices *cache.Sharded[decimal.Decimal]
	log    *zap.Logger
}

// NewProvider creates a provider. rulesTTL bounds how long tick/step sizes
// are trusted; priceTTL how long a ticker price is reused.
func NewProvider(database *db.Database, source Source, rulesTTL, priceTTL time.Duration, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		db:     database,
		source: source,
		rules:  cache.NewSharded[exchange.SymbolInfo](rulesTTL),
		prices: cache.NewSharded[decimal.Decimal](priceTTL),
		log:    log.Named("market"),
	}
}

// Pair returns an active pair.
func (p *Provider) Pair(ctx context.Context, id int64) (db.MarketPair, error) {
	pair, err := p.db.Queries().GetMarketPair(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.MarketPair{}, apperr.InvalidOrder("unknown market pair %d", id)
	}
	if err != nil {
		return db.MarketPair{}, apperr.Internal("load market pair", err)
	}
	if pair.Status != pairActive {
		return db.MarketPair{}, apperr.InvalidOrder("market pair %s is not active", pair.Symbol)
	}
	return pair, nil
}

// Pairs lists all configured pairs.
func (p *Provider) Pairs(ctx context.Context) ([]db.MarketPair, error) {
	pairs, err := p.db.Queries().ListMarketPairs(ctx)
	if err != nil {
		return nil, apperr.Internal("list market pairs", err)
	}
	return pairs, nil
}

// SymbolInfo returns tick and step size for a pair.
func (p *Provider) SymbolInfo(ctx context.Context, pair db.MarketPair) (exchange.SymbolInfo, error) {
	if info, ok := p.rules.Get(pair.Symbol); ok {
		return info, nil
	}
	info, err := p.source.TradingRules(ctx, pair.Symbol)
	if err != nil {
		return exchange.SymbolInfo{}, err
	}
	p.rules.Set(pair.Symbol, info)
	p.log.Debug("trading rules refreshed",
		zap.String("symbol", pair.Symbol),
		zap.String("tick_size", info.TickSize.String()),
		zap.String("step_size", info.StepSize.String()),
	)
	return info, nil
}

// CurrentPrice returns the reference price for a pair.
func (p *Provider) CurrentPrice(ctx context.Context, pair db.MarketPair) (decimal.Decimal, error) {
	if price, ok := p.prices.Get(pair.Symbol); ok {
		return price, nil
	}
	return p.RefreshPrice(ctx, pair)
}

// RefreshPrice fetches the ticker price and updates the cache.
func (p *Provider) RefreshPrice(ctx context.Context, pair db.MarketPair) (decimal.Decimal, error) {
	price, err := p.source.TickerPrice(ctx, pair.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, apperr.Exchange(0, 0, "no price for "+pair.Symbol, nil)
	}
	p.prices.Set(pair.Symbol, price)
	return price, nil
}

// CacheStats reports item counts of the rules and price caches.
func (p *Provider) CacheStats() (rules, prices cache.Stats) {
	return p.rules.Stats(), p.prices.Stats()
}

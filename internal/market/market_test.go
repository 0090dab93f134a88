package market

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cex-order-core/internal/apperr"
	"cex-order-core/internal/events"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

type fakeSource struct {
	rulesCalls atomic.Int32
	priceCalls atomic.Int32
	price      decimal.Decimal
}

func (f *fakeSource) TradingRules(_ context.Context, symbol string) (exchange.SymbolInfo, error) {
	f.rulesCalls.Add(1)
	return exchange.SymbolInfo{
		Symbol:   symbol,
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.00001"),
	}, nil
}

func (f *fakeSource) TickerPrice(context.Context, string) (decimal.Decimal, error) {
	f.priceCalls.Add(1)
	return f.price, nil
}

const pairsYAML = `
pairs:
  - id: 1
    symbol: btcusdt
    base_asset: BTC
    quote_asset: USDT
  - id: 2
    symbol: ETHUSDT
    base_asset: ETH
    quote_asset: USDT
    status: INACTIVE
`

func setup(t *testing.T) (*Provider, *fakeSource) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pairsYAML), 0o644))
	pairs, err := LoadPairs(path)
	require.NoError(t, err)
	require.NoError(t, SeedPairs(context.Background(), database, pairs))

	src := &fakeSource{price: decimal.RequireFromString("50000")}
	return NewProvider(database, src, time.Hour, time.Hour, nil), src
}

func TestLoadPairs_Normalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pairsYAML), 0o644))
	pairs, err := LoadPairs(path)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "BTCUSDT", pairs[0].Symbol)
	assert.Equal(t, "ACTIVE", pairs[0].Status)
}

func TestLoadPairs_RejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	body := "pairs:\n  - {id: 1, symbol: A, base_asset: A, quote_asset: B}\n  - {id: 1, symbol: C, base_asset: C, quote_asset: B}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := LoadPairs(path)
	assert.Error(t, err)
}

func TestPair(t *testing.T) {
	p, _ := setup(t)
	ctx := context.Background()

	pair, err := p.Pair(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "BTC", pair.BaseAsset)

	_, err = p.Pair(ctx, 2)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOrder), "inactive")
	_, err = p.Pair(ctx, 3)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOrder), "unknown")
}

func TestSymbolInfoAndPriceAreCached(t *testing.T) {
	p, src := setup(t)
	ctx := context.Background()
	pair, err := p.Pair(ctx, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		info, err := p.SymbolInfo(ctx, pair)
		require.NoError(t, err)
		assert.Equal(t, "0.01", info.TickSize.String())
		price, err := p.CurrentPrice(ctx, pair)
		require.NoError(t, err)
		assert.Equal(t, "50000", price.String())
	}
	assert.Equal(t, int32(1), src.rulesCalls.Load())
	assert.Equal(t, int32(1), src.priceCalls.Load())
}

func TestCurrentPrice_RejectsZero(t *testing.T) {
	p, src := setup(t)
	src.price = decimal.Zero
	pair, err := p.Pair(context.Background(), 1)
	require.NoError(t, err)
	_, err = p.CurrentPrice(context.Background(), pair)
	assert.True(t, apperr.Is(err, apperr.KindExchange))
}

func TestFeedPublishesActivePairs(t *testing.T) {
	p, _ := setup(t)
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventPriceTick, 4)
	defer unsub()

	f := &Feed{Provider: p, Bus: bus, Interval: time.Millisecond}
	f.poll(context.Background(), p.log)

	tick := (<-ch).(events.PriceTick)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 0, len(ch), "inactive pairs are skipped")
}

package balance

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return NewLedger(database, nil)
}

func requireBalance(t *testing.T, l *Ledger, userID int64, asset, available, reserved string) {
	t.Helper()
	b, err := l.Get(context.Background(), userID, asset)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d(available)), "%s available: want %s, got %s", asset, available, b.Available)
	assert.True(t, b.Reserved.Equal(d(reserved)), "%s reserved: want %s, got %s", asset, reserved, b.Reserved)
}

func TestReserveRelease(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("1000")))

	require.NoError(t, l.Reserve(ctx, 1, "USDT", d("400")))
	requireBalance(t, l, 1, "USDT", "600", "400")

	require.NoError(t, l.Release(ctx, 1, "USDT", d("150")))
	requireBalance(t, l, 1, "USDT", "750", "250")
}

func TestReserve_InsufficientLeavesRowUnchanged(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("100")))

	err := l.Reserve(ctx, 1, "USDT", d("100.01"))
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindInsufficientBalance, e.Kind)
	assert.Equal(t, "100.01", e.Details["required"])
	assert.Equal(t, "100", e.Details["available"])

	requireBalance(t, l, 1, "USDT", "100", "0")
}

func TestReserve_UnknownUserHasNothing(t *testing.T) {
	l := newTestLedger(t)
	err := l.Reserve(context.Background(), 42, "BTC", d("0.1"))
	assert.True(t, apperr.Is(err, apperr.KindInsufficientBalance))
	requireBalance(t, l, 42, "BTC", "0", "0")
}

func TestRelease_BeyondReservedIsInconsistent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("100")))
	require.NoError(t, l.Reserve(ctx, 1, "USDT", d("10")))

	err := l.Release(ctx, 1, "USDT", d("10.5"))
	assert.True(t, apperr.Is(err, apperr.KindLedgerInconsistency))
	requireBalance(t, l, 1, "USDT", "90", "10")
}

func TestSettle_NegativeAborts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("5")))

	err := l.Settle(ctx, 1, "USDT", decimal.Zero, d("-6"))
	assert.True(t, apperr.Is(err, apperr.KindLedgerInconsistency))
	requireBalance(t, l, 1, "USDT", "5", "0")

	require.NoError(t, l.Settle(ctx, 1, "USDT", decimal.Zero, d("-5")))
	requireBalance(t, l, 1, "USDT", "0", "0")
}

func TestSettle_ReservedDeltaComesFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("100")))
	require.NoError(t, l.Reserve(ctx, 1, "USDT", d("40")))

	// Consume the 40 reservation, hand 15 back to available.
	require.NoError(t, l.Settle(ctx, 1, "USDT", d("-40"), d("15")))
	requireBalance(t, l, 1, "USDT", "75", "0")
}

func TestSettleTrade_BuyNetsOutReservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("10000")))

	// 0.1 BTC @ 50000, fee 0.1%: reserve 5005.
	require.NoError(t, l.Reserve(ctx, 1, "USDT", d("5005")))
	// Filled a little cheaper than reserved for.
	require.NoError(t, l.SettleTrade(ctx, Fill{
		UserID: 1, Side: exchange.SideBuy, BaseAsset: "BTC", QuoteAsset: "USDT",
		Quantity: d("0.1"), Price: d("49900"), Fee: d("4.99"), Reserved: d("5005"),
	}))

	// 10000 - 4990 - 4.99
	requireBalance(t, l, 1, "USDT", "5005.01", "0")
	requireBalance(t, l, 1, "BTC", "0.1", "0")
}

func TestSettleTrade_SellPartialRefundsRemainder(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "BTC", d("1")))
	require.NoError(t, l.Reserve(ctx, 1, "BTC", d("0.5")))

	require.NoError(t, l.SettleTrade(ctx, Fill{
		UserID: 1, Side: exchange.SideSell, BaseAsset: "BTC", QuoteAsset: "USDT",
		Quantity: d("0.2"), Price: d("50000"), Fee: d("10"), Reserved: d("0.5"),
	}))

	requireBalance(t, l, 1, "BTC", "0.8", "0")
	requireBalance(t, l, 1, "USDT", "9990", "0")
}

func TestSettleTrade_FailureRollsBackBothLegs(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("100")))
	require.NoError(t, l.Reserve(ctx, 1, "USDT", d("50")))

	// Claims more reserved than exists.
	err := l.SettleTrade(ctx, Fill{
		UserID: 1, Side: exchange.SideBuy, BaseAsset: "BTC", QuoteAsset: "USDT",
		Quantity: d("1"), Price: d("10"), Fee: decimal.Zero, Reserved: d("60"),
	})
	assert.True(t, apperr.Is(err, apperr.KindLedgerInconsistency))
	requireBalance(t, l, 1, "USDT", "50", "50")
	requireBalance(t, l, 1, "BTC", "0", "0")
}

func TestConservation_ConcurrentReserveRelease(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, 1, "USDT", d("1000")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(ctx, 1, "USDT", d("75")); err != nil {
				return
			}
			_ = l.Release(ctx, 1, "USDT", d("75"))
		}()
	}
	wg.Wait()

	totals, err := l.TotalsByAsset(ctx)
	require.NoError(t, err)
	assert.True(t, totals["USDT"].Total().Equal(d("1000")))
	requireBalance(t, l, 1, "USDT", "1000", "0")
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	l := newTestLedger(t)
	err := l.Deposit(context.Background(), 1, "USDT", decimal.Zero)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOrder))
}

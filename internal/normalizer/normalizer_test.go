package normalizer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cex-order-core/internal/apperr"
	exchange "cex-order-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limitPrice(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

func TestNormalize_FloorsToTickAndStep(t *testing.T) {
	res, err := Normalize(Input{
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeLimit,
		Price:    limitPrice("50000.017"),
		Quantity: d("0.123456"),
		TickSize: d("0.01"),
		StepSize: d("0.00001"),
		FeeRate:  d("0.001"),
	})
	require.NoError(t, err)
	assert.Equal(t, "50000.01", res.Price.String())
	assert.Equal(t, "0.12345", res.Quantity.String())
}

func TestNormalize_Deterministic(t *testing.T) {
	in := Input{
		Side:     exchange.SideSell,
		Type:     exchange.OrderTypeLimit,
		Price:    limitPrice("123.4567"),
		Quantity: d("9.87654321"),
		TickSize: d("0.001"),
		StepSize: d("0.01"),
		FeeRate:  d("0.00075"),
	}
	first, err := Normalize(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Normalize(in)
		require.NoError(t, err)
		assert.True(t, first.Price.Equal(again.Price))
		assert.True(t, first.Quantity.Equal(again.Quantity))
		assert.True(t, first.Fee.Equal(again.Fee))
	}
}

func TestNormalize_FeeAsymmetry(t *testing.T) {
	base := Input{
		Type:     exchange.OrderTypeLimit,
		Price:    limitPrice("50000"),
		Quantity: d("0.1"),
		TickSize: d("0.01"),
		StepSize: d("0.00001"),
		FeeRate:  d("0.001"),
	}

	buy := base
	buy.Side = exchange.SideBuy
	buyRes, err := Normalize(buy)
	require.NoError(t, err)
	assert.True(t, buyRes.Fee.Equal(d("5")))
	assert.True(t, buyRes.Total(exchange.SideBuy).Equal(d("5005")))

	sell := base
	sell.Side = exchange.SideSell
	sellRes, err := Normalize(sell)
	require.NoError(t, err)
	assert.True(t, sellRes.Total(exchange.SideSell).Equal(d("4995")))
}

func TestNormalize_MarketUsesReferencePrice(t *testing.T) {
	res, err := Normalize(Input{
		Side:        exchange.SideBuy,
		Type:        exchange.OrderTypeMarket,
		Quantity:    d("2"),
		TickSize:    d("0.01"),
		StepSize:    d("0.1"),
		FeeRate:     d("0.001"),
		MarketPrice: d("100.555"),
	})
	require.NoError(t, err)
	// Not tick-floored: the reference price is only used for the reservation.
	assert.Equal(t, "100.555", res.Price.String())
	assert.True(t, res.Notional.Equal(d("201.11")))
}

func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{
			name: "zero quantity",
			in:   Input{Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Price: limitPrice("1"), Quantity: d("0")},
		},
		{
			name: "negative quantity",
			in:   Input{Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Price: limitPrice("1"), Quantity: d("-1")},
		},
		{
			name: "quantity below step",
			in: Input{Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Price: limitPrice("1"),
				Quantity: d("0.000009"), StepSize: d("0.00001")},
		},
		{
			name: "limit without price",
			in:   Input{Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Quantity: d("1")},
		},
		{
			name: "limit with zero price",
			in:   Input{Side: exchange.SideSell, Type: exchange.OrderTypeLimit, Price: limitPrice("0"), Quantity: d("1")},
		},
		{
			name: "price below tick",
			in: Input{Side: exchange.SideSell, Type: exchange.OrderTypeLimit, Price: limitPrice("0.001"),
				Quantity: d("1"), TickSize: d("0.01")},
		},
		{
			name: "market without reference price",
			in:   Input{Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: d("1")},
		},
		{
			name: "bad side",
			in:   Input{Side: "HOLD", Type: exchange.OrderTypeMarket, Quantity: d("1"), MarketPrice: d("1")},
		},
		{
			name: "bad type",
			in:   Input{Side: exchange.SideBuy, Type: "STOP", Quantity: d("1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in)
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidOrder, apperr.KindOf(err))
		})
	}
}

func TestFloorToIncrement(t *testing.T) {
	assert.Equal(t, "1.23", FloorToIncrement(d("1.239"), d("0.01")).String())
	assert.Equal(t, "1.239", FloorToIncrement(d("1.239"), decimal.Zero).String())
	assert.Equal(t, "10", FloorToIncrement(d("14.9"), d("5")).String())
}

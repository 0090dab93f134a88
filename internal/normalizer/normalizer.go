// Package normalizer turns raw order input into exchange-ready price and
// quantity and computes the trading fee.
package normalizer

import (
	"github.com/shopspring/decimal"

	"cex-order-core/internal/apperr"
	exchange "cex-order-core/pkg/exchanges/common"
)

// Input is the raw order intent plus the exchange's trading rules.
type Input struct {
	Side     exchange.Side
	Type     exchange.OrderType
	Price    decimal.NullDecimal
	Quantity decimal.Decimal
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	FeeRate  decimal.Decimal
	// MarketPrice is the reference price for MARKET orders; ignored for LIMIT.
	MarketPrice decimal.Decimal
}

// Result is the execution-ready order shape.
type Result struct {
	// Price is the tick-floored limit price, or the reference market price for
	// MARKET orders (never sent to the exchange in that case).
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Notional decimal.Decimal
	Fee      decimal.Decimal
}

// Total returns the quote amount that changes hands including the fee:
// notional + fee for BUY, notional - fee for SELL.
func (r Result) Total(side exchange.Side) decimal.Decimal {
	if side == exchange.SideSell {
		return r.Notional.Sub(r.Fee)
	}
	return r.Notional.Add(r.Fee)
}

// Normalize floors quantity to stepSize and the LIMIT price to tickSize, then
// computes fee = notional * feeRate.
func Normalize(in Input) (Result, error) {
	if in.Side != exchange.SideBuy && in.Side != exchange.SideSell {
		return Result{}, apperr.InvalidOrder("invalid side %q", in.Side)
	}
	if !in.Quantity.IsPositive() {
		return Result{}, apperr.InvalidOrder("quantity must be positive")
	}

	var price decimal.Decimal
	switch in.Type {
	case exchange.OrderTypeLimit:
		if !in.Price.Valid || !in.Price.Decimal.IsPositive() {
			return Result{}, apperr.InvalidOrder("limit orders require a positive price")
		}
		price = FloorToIncrement(in.Price.Decimal, in.TickSize)
		if !price.IsPositive() {
			return Result{}, apperr.InvalidOrder("price %s is below tick size %s", in.Price.Decimal, in.TickSize)
		}
	case exchange.OrderTypeMarket:
		if !in.MarketPrice.IsPositive() {
			return Result{}, apperr.InvalidOrder("market price unavailable")
		}
		price = in.MarketPrice
	default:
		return Result{}, apperr.InvalidOrder("invalid order type %q", in.Type)
	}

	qty := FloorToIncrement(in.Quantity, in.StepSize)
	if !qty.IsPositive() {
		return Result{}, apperr.InvalidOrder("quantity %s rounds to zero with step size %s", in.Quantity, in.StepSize)
	}

	notional := price.Mul(qty)
	return Result{
		Price:    price,
		Quantity: qty,
		Notional: notional,
		Fee:      notional.Mul(in.FeeRate),
	}, nil
}

// FloorToIncrement truncates v down to the nearest multiple of inc.
// A non-positive increment leaves v unchanged.
func FloorToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	return v.Sub(v.Mod(inc))
}

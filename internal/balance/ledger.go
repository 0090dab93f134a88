// Package balance keeps the per-user, per-asset ledger of available and
// reserved funds.
//
// Every mutation runs in a storage transaction. The *Tx variants join a
// transaction owned by the caller so a ledger step and an order transition
// commit or roll back together.
package balance

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

// Ledger owns crypto_balances.
type Ledger struct {
	db  *db.Database
	log *zap.Logger
}

// NewLedger creates a ledger over database.
func NewLedger(database *db.Database, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: database, log: log.Named("ledger")}
}

// Reserve moves amount from available to reserved.
func (l *Ledger) Reserve(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.db.WithTx(ctx, func(q *db.Queries) error {
		return l.ReserveTx(ctx, q, userID, asset, amount)
	})
}

// ReserveTx is Reserve inside the caller's transaction. On insufficient
// funds the row is left untouched and an InsufficientBalance error returned.
func (l *Ledger) ReserveTx(ctx context.Context, q *db.Queries, userID int64, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.InvalidOrder("reserve amount must be positive, got %s", amount)
	}
	b, err := load(ctx, q, userID, asset)
	if err != nil {
		return err
	}
	if b.Available.LessThan(amount) {
		return apperr.InsufficientBalance(asset, amount.String(), b.Available.String())
	}
	if err := store(ctx, q, b, b.Available.Sub(amount), b.Reserved.Add(amount)); err != nil {
		return err
	}
	l.log.Debug("reserved", zap.Int64("user_id", userID), zap.String("asset", asset), zap.String("amount", amount.String()))
	return nil
}

// Release moves amount from reserved back to available.
func (l *Ledger) Release(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return l.db.WithTx(ctx, func(q *db.Queries) error {
		return l.ReleaseTx(ctx, q, userID, asset, amount)
	})
}

// ReleaseTx is Release inside the caller's transaction.
func (l *Ledger) ReleaseTx(ctx context.Context, q *db.Queries, userID int64, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.LedgerInconsistency("negative release %s %s", amount, asset)
	}
	if amount.IsZero() {
		return nil
	}
	b, err := load(ctx, q, userID, asset)
	if err != nil {
		return err
	}
	if b.Reserved.LessThan(amount) {
		return apperr.LedgerInconsistency("release %s %s exceeds reserved %s for user %d", amount, asset, b.Reserved, userID)
	}
	if err := store(ctx, q, b, b.Available.Add(amount), b.Reserved.Sub(amount)); err != nil {
		return err
	}
	l.log.Debug("released", zap.Int64("user_id", userID), zap.String("asset", asset), zap.String("amount", amount.String()))
	return nil
}

// Settle applies signed deltas to both sides of a balance: reservedDelta
// (normally the negated reservation) and availableDelta (the net change).
func (l *Ledger) Settle(ctx context.Context, userID int64, asset string, reservedDelta, availableDelta decimal.Decimal) error {
	return l.db.WithTx(ctx, func(q *db.Queries) error {
		return l.SettleTx(ctx, q, userID, asset, reservedDelta, availableDelta)
	})
}

// SettleTx is Settle inside the caller's transaction. A delta that would drive
// either side below zero fails with LedgerInconsistency.
func (l *Ledger) SettleTx(ctx context.Context, q *db.Queries, userID int64, asset string, reservedDelta, availableDelta decimal.Decimal) error {
	b, err := load(ctx, q, userID, asset)
	if err != nil {
		return err
	}
	available := b.Available.Add(availableDelta)
	reserved := b.Reserved.Add(reservedDelta)
	if available.IsNegative() || reserved.IsNegative() {
		return apperr.LedgerInconsistency("settle %s for user %d: available %s (delta %s), reserved %s (delta %s) goes negative",
			asset, userID, b.Available, availableDelta, b.Reserved, reservedDelta)
	}
	return store(ctx, q, b, available, reserved)
}

// Fill describes an executed order for settlement.
type Fill struct {
	UserID     int64
	Side       exchange.Side
	BaseAsset  string
	QuoteAsset string
	Quantity   decimal.Decimal // executed base quantity
	Price      decimal.Decimal // average execution price
	Fee        decimal.Decimal // charged in the quote asset
	// Reserved is the order's outstanding reservation. Settlement consumes all
	// of it and refunds whatever the fill did not use.
	Reserved decimal.Decimal
}

// SettleTrade settles both legs of a fill in one transaction.
func (l *Ledger) SettleTrade(ctx context.Context, f Fill) error {
	return l.db.WithTx(ctx, func(q *db.Queries) error {
		return l.SettleTradeTx(ctx, q, f)
	})
}

// SettleTradeTx settles both legs inside the caller's transaction.
//
// BUY: quote reserved -= Reserved, quote available += Reserved - cost - fee,
// base available += quantity.
// SELL: base reserved -= Reserved, base available += Reserved - quantity,
// quote available += cost - fee.
func (l *Ledger) SettleTradeTx(ctx context.Context, q *db.Queries, f Fill) error {
	cost := f.Price.Mul(f.Quantity)
	switch f.Side {
	case exchange.SideBuy:
		if err := l.SettleTx(ctx, q, f.UserID, f.QuoteAsset, f.Reserved.Neg(), f.Reserved.Sub(cost).Sub(f.Fee)); err != nil {
			return err
		}
		if err := l.SettleTx(ctx, q, f.UserID, f.BaseAsset, decimal.Zero, f.Quantity); err != nil {
			return err
		}
	case exchange.SideSell:
		if err := l.SettleTx(ctx, q, f.UserID, f.BaseAsset, f.Reserved.Neg(), f.Reserved.Sub(f.Quantity)); err != nil {
			return err
		}
		if err := l.SettleTx(ctx, q, f.UserID, f.QuoteAsset, decimal.Zero, cost.Sub(f.Fee)); err != nil {
			return err
		}
	default:
		return apperr.InvalidOrder("invalid side %q", f.Side)
	}
	l.log.Debug("settled trade",
		zap.Int64("user_id", f.UserID),
		zap.String("side", string(f.Side)),
		zap.String("qty", f.Quantity.String()),
		zap.String("price", f.Price.String()),
		zap.String("fee", f.Fee.String()),
	)
	return nil
}

// Deposit credits amount to available. It is the only way funds enter the
// ledger from outside.
func (l *Ledger) Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.InvalidOrder("deposit amount must be positive, got %s", amount)
	}
	err := l.db.WithTx(ctx, func(q *db.Queries) error {
		b, err := load(ctx, q, userID, asset)
		if err != nil {
			return err
		}
		return store(ctx, q, b, b.Available.Add(amount), b.Reserved)
	})
	if err == nil {
		l.log.Info("deposit", zap.Int64("user_id", userID), zap.String("asset", asset), zap.String("amount", amount.String()))
	}
	return err
}

// Get returns a balance; a missing row reads as zero.
func (l *Ledger) Get(ctx context.Context, userID int64, asset string) (db.Balance, error) {
	b, err := l.db.Queries().GetBalance(ctx, userID, asset)
	if errors.Is(err, db.ErrNotFound) {
		return db.Balance{UserID: userID, Asset: asset}, nil
	}
	if err != nil {
		return db.Balance{}, apperr.Internal("load balance", err)
	}
	return b, nil
}

// List returns all balances of a user.
func (l *Ledger) List(ctx context.Context, userID int64) ([]db.Balance, error) {
	out, err := l.db.Queries().ListBalances(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list balances", err)
	}
	return out, nil
}

// Totals is the system-wide sum of one asset.
type Totals struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

// Total returns available + reserved.
func (t Totals) Total() decimal.Decimal { return t.Available.Add(t.Reserved) }

// TotalsByAsset sums balances over all users.
func (l *Ledger) TotalsByAsset(ctx context.Context) (map[string]Totals, error) {
	rows, err := l.db.Queries().ListAllBalances(ctx)
	if err != nil {
		return nil, apperr.Internal("list balances", err)
	}
	out := make(map[string]Totals)
	for _, b := range rows {
		t := out[b.Asset]
		t.Available = t.Available.Add(b.Available)
		t.Reserved = t.Reserved.Add(b.Reserved)
		out[b.Asset] = t
	}
	return out, nil
}

func load(ctx context.Context, q *db.Queries, userID int64, asset string) (db.Balance, error) {
	if asset == "" {
		return db.Balance{}, apperr.InvalidOrder("asset is required")
	}
	if err := q.EnsureBalance(ctx, userID, asset); err != nil {
		return db.Balance{}, apperr.Internal("ensure balance", err)
	}
	b, err := q.GetBalance(ctx, userID, asset)
	if err != nil {
		return db.Balance{}, apperr.Internal("load balance", err)
	}
	return b, nil
}

func store(ctx context.Context, q *db.Queries, b db.Balance, available, reserved decimal.Decimal) error {
	if err := q.SetBalance(ctx, b.UserID, b.Asset, available, reserved); err != nil {
		return apperr.Internal("store balance", err)
	}
	return nil
}

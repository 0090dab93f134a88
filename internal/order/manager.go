// Package order drives the order lifecycle: reserve funds, submit to the
// exchange, and settle or release once the exchange outcome is known.
//
//	PENDING -> PLACED -> FILLED | PARTIALLY_FILLED | CANCELLED
//	PENDING -> FILLED | PARTIALLY_FILLED | CANCELLED
//
// Every transition is a compare-and-set on the stored status, committed in
// the same transaction as its ledger effects. No transaction spans an
// exchange call.
package order

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/internal/balance"
	"cex-order-core/internal/events"
	"cex-order-core/internal/monitor"
	"cex-order-core/internal/normalizer"
	"cex-order-core/internal/trades"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

// Market resolves pairs, trading rules and reference prices.
type Market interface {
	Pair(ctx context.Context, id int64) (db.MarketPair, error)
	SymbolInfo(ctx context.Context, pair db.MarketPair) (exchange.SymbolInfo, error)
	CurrentPrice(ctx context.Context, pair db.MarketPair) (decimal.Decimal, error)
}

// Deps wires a Manager.
type Deps struct {
	DB       *db.Database
	Ledger   *balance.Ledger
	Trades   *trades.Recorder
	Market   Market
	Exchange exchange.Gateway
	Bus      *events.Bus            // optional
	Metrics  *monitor.SystemMetrics // optional
	FeeRate  decimal.Decimal
	Log      *zap.Logger
}

// Manager owns trading_orders.
type Manager struct {
	db      *db.Database
	ledger  *balance.Ledger
	trades  *trades.Recorder
	market  Market
	gw      exchange.Gateway
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	feeRate decimal.Decimal
	log     *zap.Logger
	now     func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(d Deps) *Manager {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Manager{
		db:      d.DB,
		ledger:  d.Ledger,
		trades:  d.Trades,
		market:  d.Market,
		gw:      d.Exchange,
		bus:     d.Bus,
		metrics: metrics,
		feeRate: d.FeeRate,
		log:     log.Named("orders"),
		now:     time.Now,
	}
}

// CreateOrder validates and normalizes the request, reserves funds, submits
// the order and records the outcome.
//
// A definitive exchange rejection releases the reservation and cancels the
// order. An uncertain failure (timeout, transport error, 5xx) leaves the order
// PENDING with its reservation for reconciliation to resolve; the returned
// error then carries the order's public id.
func (m *Manager) CreateOrder(ctx context.Context, req CreateRequest) (Order, error) {
	timer := monitor.NewTimer(m.metrics.OrderLatency)
	defer timer.Stop()

	if req.UserID <= 0 {
		return Order{}, apperr.InvalidOrder("user id required")
	}
	pair, err := m.market.Pair(ctx, req.MarketPairID)
	if err != nil {
		return Order{}, err
	}
	rules, err := m.market.SymbolInfo(ctx, pair)
	if err != nil {
		return Order{}, err
	}
	in := normalizer.Input{
		Side:     req.Side,
		Type:     req.Type,
		Price:    req.Price,
		Quantity: req.Quantity,
		TickSize: rules.TickSize,
		StepSize: rules.StepSize,
		FeeRate:  m.feeRate,
	}
	if req.Type == exchange.OrderTypeMarket {
		if in.MarketPrice, err = m.market.CurrentPrice(ctx, pair); err != nil {
			return Order{}, err
		}
	}
	norm, err := normalizer.Normalize(in)
	if err != nil {
		return Order{}, err
	}

	row := db.Order{
		PublicID:       uuid.NewString(),
		UserID:         req.UserID,
		MarketPairID:   pair.ID,
		Side:           string(req.Side),
		OrderType:      string(req.Type),
		Quantity:       norm.Quantity,
		Status:         string(StatusPending),
		ReservedAsset:  pair.QuoteAsset,
		ReservedAmount: norm.Total(exchange.SideBuy),
		FeeRate:        m.feeRate,
	}
	if req.Side == exchange.SideSell {
		row.ReservedAsset = pair.BaseAsset
		row.ReservedAmount = norm.Quantity
	}
	if req.Type == exchange.OrderTypeLimit {
		row.Price = decimal.NewNullDecimal(norm.Price)
	}

	// Phase 1: reservation and PENDING row commit together.
	err = m.db.WithTx(ctx, func(q *db.Queries) error {
		if err := m.ledger.ReserveTx(ctx, q, row.UserID, row.ReservedAsset, row.ReservedAmount); err != nil {
			return err
		}
		if err := q.InsertOrder(ctx, &row); err != nil {
			return apperr.Internal("insert order", err)
		}
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindInsufficientBalance) {
			m.metrics.IncOrdersRejected()
		}
		return Order{}, err
	}
	m.metrics.IncOrdersCreated()
	m.publish(row, "", "created")
	m.log.Info("order created",
		zap.Int64("order_id", row.ID),
		zap.String("public_id", row.PublicID),
		zap.Int64("user_id", row.UserID),
		zap.String("symbol", pair.Symbol),
		zap.String("side", row.Side),
		zap.String("type", row.OrderType),
		zap.String("qty", row.Quantity.String()),
		zap.String("reserved", row.ReservedAmount.String()+" "+row.ReservedAsset),
	)

	// Phase 2: exchange call, outside any transaction.
	submit := exchange.OrderRequest{
		Symbol:   pair.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: norm.Quantity,
		ClientID: row.PublicID,
	}
	if req.Type == exchange.OrderTypeLimit {
		submit.Price = norm.Price
		submit.TimeInForce = exchange.TIFGTC
	}
	exTimer := monitor.NewTimer(m.metrics.ExchangeLatency)
	res, submitErr := m.gw.SubmitOrder(ctx, submit)
	exTimer.Stop()

	// Phase 3: record the outcome. Use a fresh context so a caller that gave
	// up does not leave a known outcome unrecorded.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if submitErr != nil {
		m.metrics.IncExchangeErrors()
		if apperr.IsUncertain(submitErr) {
			m.metrics.IncOrdersUncertain()
			m.log.Warn("order submission outcome unknown; left pending for reconciliation",
				zap.Int64("order_id", row.ID),
				zap.String("public_id", row.PublicID),
				zap.Error(submitErr),
			)
			if e, ok := apperr.As(submitErr); ok {
				e.WithDetail("order_id", row.ID).WithDetail("public_id", row.PublicID)
			}
			return Order{}, submitErr
		}
		if _, err := m.cancelAndRelease(recordCtx, row, StatusPending, "exchange rejected: "+submitErr.Error()); err != nil {
			m.log.Error("compensating release failed",
				zap.Int64("order_id", row.ID),
				zap.NamedError("submit_error", submitErr),
				zap.Error(err),
			)
		}
		m.metrics.IncOrdersRejected()
		return Order{}, submitErr
	}

	out, err := m.applyExchangeResult(recordCtx, row, res)
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// CancelOrder cancels a PLACED order owned by userID.
//
// The exchange is asked for the order's status first: an order that already
// filled or was cancelled there is settled locally without a cancel request.
// Cancelling an order that is terminal locally returns it unchanged.
func (m *Manager) CancelOrder(ctx context.Context, userID, orderID int64) (CancelResult, error) {
	row, err := m.load(ctx, orderID)
	if err != nil {
		return CancelResult{}, err
	}
	if row.UserID != userID {
		return CancelResult{}, apperr.OrderNotFound("order %d not found", orderID)
	}

	switch Status(row.Status) {
	case StatusFilled, StatusPartiallyFilled, StatusCancelled:
		return cancelResult(fromRow(row), true), nil
	case StatusPending:
		return CancelResult{}, apperr.InvalidOrder("only active orders can be canceled; order %d is still being submitted", orderID)
	}

	pair, err := m.db.Queries().GetMarketPair(ctx, row.MarketPairID)
	if err != nil {
		return CancelResult{}, apperr.Internal("load market pair", err)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	current, err := m.queryOrder(ctx, pair.Symbol, row)
	switch {
	case err == nil && (current.Status == exchange.StatusFilled || current.Status.Closed()):
		out, err := m.applyExchangeResult(recordCtx, row, current)
		if err != nil {
			return CancelResult{}, err
		}
		return cancelResult(out, true), nil
	case err != nil && !apperr.Is(err, apperr.KindOrderNotFound):
		// Left as is; reconciliation retries.
		return CancelResult{}, err
	}

	exTimer := monitor.NewTimer(m.metrics.ExchangeLatency)
	res, err := m.gw.CancelOrder(ctx, pair.Symbol, row.ExchangeOrderID.String)
	exTimer.Stop()
	if err != nil {
		m.metrics.IncExchangeErrors()
		return CancelResult{}, err
	}

	if res.AlreadyFinished {
		// Finished between the status check and the cancel.
		final, qerr := m.queryOrder(recordCtx, pair.Symbol, row)
		if qerr != nil {
			if !apperr.Is(qerr, apperr.KindOrderNotFound) {
				return CancelResult{}, qerr
			}
			// An archived order may have filled; releasing here could hand
			// back funds that were spent.
			e := apperr.Exchange(http.StatusBadGateway, 0, "exchange no longer reports the order; outcome left to reconciliation", qerr).
				WithDetail("order_id", row.ID)
			e.Uncertain = true
			return CancelResult{}, e
		}
		res = final
	}
	if res.Status.Open() || res.Status == exchange.StatusUnknown {
		m.log.Warn("cancel acknowledged but order still open on exchange",
			zap.Int64("order_id", row.ID), zap.String("exchange_status", string(res.Status)))
		return cancelResult(fromRow(row), false), nil
	}
	out, err := m.applyExchangeResult(recordCtx, row, res)
	if err != nil {
		return CancelResult{}, err
	}
	return cancelResult(out, false), nil
}

func cancelResult(o Order, already bool) CancelResult {
	msg := "order cancelled"
	switch o.Status {
	case StatusFilled:
		msg = "order already filled"
	case StatusPartiallyFilled:
		msg = "order partially filled; remainder cancelled"
	case StatusCancelled:
		if already {
			msg = "order already cancelled"
		}
	case StatusPlaced:
		msg = "cancel requested; awaiting exchange confirmation"
	}
	return CancelResult{Message: msg, Order: o}
}

// queryOrder asks the exchange for row's current state, by exchange id when
// known and by client id otherwise.
func (m *Manager) queryOrder(ctx context.Context, symbol string, row db.Order) (exchange.OrderResult, error) {
	timer := monitor.NewTimer(m.metrics.ExchangeLatency)
	res, err := m.gw.QueryOrder(ctx, symbol, row.ExchangeOrderID.String, row.PublicID)
	timer.Stop()
	if err != nil && !apperr.Is(err, apperr.KindOrderNotFound) {
		m.metrics.IncExchangeErrors()
	}
	return res, err
}

// GetOrders lists a user's orders, newest first, with the number of orders
// matching the filter.
func (m *Manager) GetOrders(ctx context.Context, userID int64, f ListFilter) (OrderPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return OrderPage{}, apperr.InvalidOrder("unknown status %q", f.Status)
	}
	filter := db.OrderFilter{
		UserID:       userID,
		Status:       string(f.Status),
		MarketPairID: f.MarketPairID,
		Limit:        f.Limit,
		Offset:       f.Offset,
	}
	q := m.db.Queries()
	rows, err := q.ListOrders(ctx, filter)
	if err != nil {
		if errors.Is(err, db.ErrUserIDRequired) {
			return OrderPage{}, apperr.InvalidOrder("user id required")
		}
		return OrderPage{}, apperr.Internal("list orders", err)
	}
	total, err := q.CountOrders(ctx, filter)
	if err != nil {
		return OrderPage{}, apperr.Internal("count orders", err)
	}
	out := OrderPage{Orders: make([]Order, 0, len(rows)), Total: total}
	for _, r := range rows {
		out.Orders = append(out.Orders, fromRow(r))
	}
	return out, nil
}

// GetOrder returns one order owned by userID.
func (m *Manager) GetOrder(ctx context.Context, userID, orderID int64) (Order, error) {
	row, err := m.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if row.UserID != userID {
		return Order{}, apperr.OrderNotFound("order %d not found", orderID)
	}
	return fromRow(row), nil
}

// GetTradeHistory lists a user's fills, newest first, with the number of
// fills matching the filter.
func (m *Manager) GetTradeHistory(ctx context.Context, userID int64, f TradeFilter) (TradePage, error) {
	filter := trades.Filter{
		UserID:       userID,
		MarketPairID: f.MarketPairID,
		From:         f.From,
		To:           f.To,
		Limit:        f.Limit,
		Offset:       f.Offset,
	}
	rows, err := m.trades.List(ctx, filter)
	if err != nil {
		return TradePage{}, err
	}
	total, err := m.trades.Count(ctx, filter)
	if err != nil {
		return TradePage{}, err
	}
	out := TradePage{History: make([]Trade, 0, len(rows)), Total: total}
	for _, r := range rows {
		out.History = append(out.History, tradeFromRow(r))
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, orderID int64) (db.Order, error) {
	row, err := m.db.Queries().GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return db.Order{}, apperr.OrderNotFound("order %d not found", orderID)
	}
	if err != nil {
		return db.Order{}, apperr.Internal("load order", err)
	}
	return row, nil
}

func (m *Manager) publish(row db.Order, prev Status, reason string) {
	upd := events.OrderUpdate{
		OrderID:         row.ID,
		PublicID:        row.PublicID,
		UserID:          row.UserID,
		MarketPairID:    row.MarketPairID,
		Side:            row.Side,
		PrevStatus:      string(prev),
		Status:          row.Status,
		ExchangeOrderID: row.ExchangeOrderID.String,
		Reason:          reason,
		At:              m.now().UTC(),
	}
	if row.FilledQuantity.Valid {
		upd.FilledQuantity = row.FilledQuantity.Decimal.String()
	}
	if row.FilledPrice.Valid {
		upd.FilledPrice = row.FilledPrice.Decimal.String()
	}
	m.bus.Publish(events.EventOrderUpdate, upd)
}

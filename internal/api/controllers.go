package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/internal/monitor"
	"cex-order-core/internal/order"
	exchange "cex-order-core/pkg/exchanges/common"
)

type createOrderRequest struct {
	MarketPairID int64               `json:"market_pair_id" binding:"required,gt=0"`
	Side         string              `json:"side" binding:"required,oneof=BUY SELL"`
	Type         string              `json:"type" binding:"required,oneof=LIMIT MARKET"`
	Price        decimal.NullDecimal `json:"price"`
	Quantity     decimal.Decimal     `json:"quantity"`
}

type listOrdersQuery struct {
	Status       string `form:"status"`
	MarketPairID int64  `form:"market_pair_id"`
	Limit        int    `form:"limit"`
	Offset       int    `form:"offset"`
}

type listTradesQuery struct {
	MarketPairID int64     `form:"market_pair_id"`
	From         time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To           time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit        int       `form:"limit"`
	Offset       int       `form:"offset"`
}

type syncOrdersRequest struct {
	OrderIDs []int64 `json:"order_ids" binding:"omitempty,max=1000,dive,gt=0"`
}

type depositRequest struct {
	Asset  string          `json:"asset" binding:"required,min=1,max=16"`
	Amount decimal.Decimal `json:"amount"`
}

type balanceView struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// renderError writes err as {code, error} with the status of its kind.
func (s *Server) renderError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		s.log.Error("unclassified error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		body := gin.H{"code": string(apperr.KindInternal), "error": "internal error"}
		if s.opts.Development {
			body["cause"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	status := httpStatus(e)
	msg := e.Message
	if e.Kind == apperr.KindInternal || e.Kind == apperr.KindLedgerInconsistency {
		if !s.opts.Development {
			msg = "internal error"
		}
	}
	body := gin.H{"code": string(e.Kind), "error": msg}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.Code != 0 {
		body["exchange_code"] = e.Code
	}
	if e.Uncertain {
		body["uncertain"] = true
	}
	if s.opts.Development && e.Err != nil {
		body["cause"] = e.Err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
	c.JSON(status, body)
}

// httpStatus maps an error to the status returned to API clients. Exchange
// auth and throttling failures are the server's problem, not the caller's.
func httpStatus(e *apperr.Error) int {
	if e.Kind != apperr.KindExchange {
		return apperr.StatusOf(e)
	}
	switch {
	case e.Status == http.StatusBadRequest:
		return http.StatusBadRequest
	case e.Status == http.StatusNotFound:
		return http.StatusNotFound
	case e.Status == http.StatusTooManyRequests:
		return http.StatusServiceUnavailable
	case e.Status == http.StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "order id must be a positive integer")
		return 0, false
	}
	return id, true
}

// createOrder reserves funds and submits an order for the authenticated user.
func (s *Server) createOrder(c *gin.Context) {
	userID := CurrentUserID(c)

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	out, err := s.opts.Orders.CreateOrder(c.Request.Context(), order.CreateRequest{
		UserID:       userID,
		MarketPairID: req.MarketPairID,
		Side:         exchange.Side(req.Side),
		Type:         exchange.OrderType(req.Type),
		Price:        req.Price,
		Quantity:     req.Quantity,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// cancelOrder cancels a PLACED order; terminal orders are returned unchanged
// with a message saying how they ended.
func (s *Server) cancelOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	out, err := s.opts.Orders.CancelOrder(c.Request.Context(), CurrentUserID(c), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	out, err := s.opts.Orders.GetOrder(c.Request.Context(), CurrentUserID(c), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// getOrders returns the authenticated user's orders, newest first.
func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	page, err := s.opts.Orders.GetOrders(c.Request.Context(), CurrentUserID(c), order.ListFilter{
		Status:       order.Status(q.Status),
		MarketPairID: q.MarketPairID,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, page)
}

// getTrades returns the authenticated user's fills.
func (s *Server) getTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters (from/to are RFC 3339)")
		return
	}
	q.normalize()
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "to must not be before from")
		return
	}

	page, err := s.opts.Orders.GetTradeHistory(c.Request.Context(), CurrentUserID(c), order.TradeFilter{
		MarketPairID: q.MarketPairID,
		From:         q.From,
		To:           q.To,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, page)
}

// syncOrders reconciles the caller's orders against the exchange now: the ids
// in the optional body, or every open order when none are given.
func (s *Server) syncOrders(c *gin.Context) {
	if s.opts.Syncer == nil {
		respondError(c, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "reconciliation not available")
		return
	}
	var req syncOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "order_ids must be a list of positive order ids")
		return
	}
	report, err := s.opts.Syncer.SyncOrders(c.Request.Context(), CurrentUserID(c), req.OrderIDs)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":      report.RunID,
		"checked":     report.Checked,
		"updated":     report.Updated,
		"failed":      report.Failed,
		"transitions": report.Transitions,
	})
}

func (s *Server) getBalances(c *gin.Context) {
	rows, err := s.opts.Balances.List(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	out := make([]balanceView, 0, len(rows))
	for _, b := range rows {
		out = append(out, balanceView{
			Asset:     b.Asset,
			Available: b.Available,
			Reserved:  b.Reserved,
			Total:     b.Available.Add(b.Reserved),
			UpdatedAt: b.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// deposit credits the caller's available balance. Disabled unless the
// deployment opts in.
func (s *Server) deposit(c *gin.Context) {
	if !s.opts.AllowDeposits {
		respondError(c, http.StatusForbidden, "DEPOSITS_DISABLED", "deposits are disabled")
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	userID := CurrentUserID(c)
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if err := s.opts.Balances.Deposit(c.Request.Context(), userID, asset, req.Amount); err != nil {
		s.renderError(c, err)
		return
	}
	s.log.Info("deposit credited",
		zap.Int64("user_id", userID),
		zap.String("asset", asset),
		zap.String("amount", req.Amount.String()),
	)
	s.getBalances(c)
}

func (s *Server) getMarkets(c *gin.Context) {
	pairs, err := s.opts.Markets.Pairs(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairs)
}

// getMetrics returns system performance metrics, as JSON or, with
// ?format=prom, a minimal Prometheus text exposition.
func (s *Server) getMetrics(c *gin.Context) {
	snapshot := s.opts.Metrics.GetSnapshot()
	if c.Query("format") == "prom" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, promText(snapshot))
		return
	}
	body := gin.H{"system": snapshot}
	if s.opts.Audit != nil {
		body["audit"] = s.opts.Audit.GetMetrics()
	}
	c.JSON(http.StatusOK, body)
}

func promText(snapshot monitor.MetricsSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "coc_orders_created_total %d\n", snapshot.OrdersCreated)
	fmt.Fprintf(&b, "coc_orders_rejected_total %d\n", snapshot.OrdersRejected)
	fmt.Fprintf(&b, "coc_orders_filled_total %d\n", snapshot.OrdersFilled)
	fmt.Fprintf(&b, "coc_orders_partially_filled_total %d\n", snapshot.OrdersPartiallyFilled)
	fmt.Fprintf(&b, "coc_orders_cancelled_total %d\n", snapshot.OrdersCancelled)
	fmt.Fprintf(&b, "coc_orders_uncertain_total %d\n", snapshot.OrdersUncertain)
	fmt.Fprintf(&b, "coc_exchange_errors_total %d\n", snapshot.ExchangeErrors)
	fmt.Fprintf(&b, "coc_ledger_inconsistencies_total %d\n", snapshot.LedgerInconsistencies)
	fmt.Fprintf(&b, "coc_reconcile_runs_total %d\n", snapshot.ReconcileRuns)
	fmt.Fprintf(&b, "coc_balance_drifts_total %d\n", snapshot.BalanceDrifts)

	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "coc_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "coc_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "coc_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "coc_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("order", snapshot.OrderLatency)
	writeLatency("exchange", snapshot.ExchangeLatency)
	writeLatency("reconcile", snapshot.ReconcileLatency)

	fmt.Fprintf(&b, "coc_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "coc_heap_alloc_bytes %d\n", snapshot.HeapAlloc)
	return b.String()
}

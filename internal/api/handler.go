// Package api exposes the order core over HTTP and a websocket stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cex-order-core/internal/events"
	"cex-order-core/internal/monitor"
	"cex-order-core/internal/order"
	"cex-order-core/internal/persistence"
	"cex-order-core/internal/reconciliation"
	"cex-order-core/pkg/db"
)

// Orders is the lifecycle manager surface served over HTTP.
type Orders interface {
	CreateOrder(ctx context.Context, req order.CreateRequest) (order.Order, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (order.CancelResult, error)
	GetOrders(ctx context.Context, userID int64, f order.ListFilter) (order.OrderPage, error)
	GetOrder(ctx context.Context, userID, orderID int64) (order.Order, error)
	GetTradeHistory(ctx context.Context, userID int64, f order.TradeFilter) (order.TradePage, error)
}

// Syncer reconciles a user's orders on demand, either all open ones or the
// listed ids.
type Syncer interface {
	SyncOrders(ctx context.Context, userID int64, orderIDs []int64) (reconciliation.Report, error)
}

// Balances reads and credits ledger balances.
type Balances interface {
	List(ctx context.Context, userID int64) ([]db.Balance, error)
	Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error
}

// Markets lists configured pairs.
type Markets interface {
	Pairs(ctx context.Context) ([]db.MarketPair, error)
}

// Options configures a Server.
type Options struct {
	Orders        Orders
	Syncer        Syncer
	Balances      Balances
	Markets       Markets
	Bus           *events.Bus
	Metrics       *monitor.SystemMetrics
	Audit         *persistence.BatchWriter // optional, exposes flush stats
	JWTSecret     string
	AllowDeposits bool
	// Development exposes wrapped error causes in responses.
	Development    bool
	RequestTimeout time.Duration
	Log            *zap.Logger
}

// Server wires HTTP endpoints around the order core.
type Server struct {
	Router *gin.Engine
	opts   Options
	log    *zap.Logger
}

// NewServer builds the gin engine and registers routes.
func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewSystemMetrics()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log := opts.Log.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(rate.Limit(20), 50, log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, opts: opts, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws/orders", s.orderStream)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/markets", s.getMarkets)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.POST("/orders", s.createOrder)
			protected.GET("/orders", s.getOrders)
			protected.POST("/orders/sync", s.syncOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.GET("/trades", s.getTrades)
			protected.GET("/balances", s.getBalances)
			protected.POST("/balances/deposit", s.deposit)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the HTTP handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}

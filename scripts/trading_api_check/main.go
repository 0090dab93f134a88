package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/pkg/config"
	exspot "cex-order-core/pkg/exchanges/binance/spot"
	exchange "cex-order-core/pkg/exchanges/common"
	"cex-order-core/pkg/logger"
)

// trading_api_check exercises the spot client against a live (or testnet)
// endpoint with the same environment as the server.
//
//	go run ./scripts/trading_api_check
//
// TRADING_CHECK_PLACE_ORDERS (default "false")
//	false: read-only calls (time, rules, ticker, balances)
//	true : also submits a tiny LIMIT BUY far below market and cancels it
// CHECK_SPOT_SYMBOL (default "BTCUSDT")
//
// Point BINANCE_BASE_URL / BINANCE_TESTNET at the testnet before enabling
// order placement.

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New("development", "debug")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	placeOrders := getenv("TRADING_CHECK_PLACE_ORDERS", "false") == "true"
	symbol := getenv("CHECK_SPOT_SYMBOL", "BTCUSDT")
	log.Info("trading API check starting",
		zap.String("base_url", cfg.BinanceBaseURL),
		zap.String("symbol", symbol),
		zap.Bool("place_orders", placeOrders),
	)

	c := exspot.New(exspot.Config{
		APIKey:     cfg.BinanceAPIKey,
		APISecret:  cfg.BinanceAPISecret,
		Testnet:    cfg.BinanceTestnet,
		BaseURL:    cfg.BinanceBaseURL,
		RecvWindow: cfg.BinanceRecvWindow,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.TimeSync().Sync(ctx); err != nil {
		log.Error("time sync failed", zap.Error(err))
	} else {
		log.Info("time synced", zap.Int64("offset_ms", c.TimeSync().Offset()))
	}

	rules, err := c.TradingRules(ctx, symbol)
	if err != nil {
		log.Fatal("trading rules", zap.Error(err))
	}
	log.Info("trading rules", zap.String("tick", rules.TickSize.String()), zap.String("step", rules.StepSize.String()))

	price, err := c.TickerPrice(ctx, symbol)
	if err != nil {
		log.Fatal("ticker price", zap.Error(err))
	}
	log.Info("ticker price", zap.String("price", price.String()))

	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		log.Warn("BINANCE_API_KEY/SECRET empty, skipping signed checks")
		return
	}

	balances, err := c.AccountBalances(ctx)
	if err != nil {
		log.Error("account balances", zap.Error(err))
	} else {
		log.Info("account balances", zap.Int("non_zero_assets", len(balances)))
	}

	if !placeOrders {
		log.Info("skip placing/canceling orders (TRADING_CHECK_PLACE_ORDERS=false)")
		return
	}
	checkOrderRoundTrip(ctx, log, c, symbol, rules, price)
}

// checkOrderRoundTrip places a resting order at half the market price, looks
// it up by client id and cancels it.
func checkOrderRoundTrip(ctx context.Context, log *zap.Logger, c *exspot.Client, symbol string, rules exchange.SymbolInfo, price decimal.Decimal) {
	limit := price.Div(decimal.NewFromInt(2))
	if rules.TickSize.IsPositive() {
		limit = limit.Sub(limit.Mod(rules.TickSize))
	}
	qty := rules.StepSize
	if !qty.IsPositive() {
		qty = decimal.RequireFromString("0.0001")
	}
	// Stay above the usual 5 USDT notional floor.
	for qty.Mul(limit).LessThan(decimal.NewFromInt(6)) {
		qty = qty.Add(rules.StepSize)
		if !rules.StepSize.IsPositive() {
			break
		}
	}

	clientID := uuid.NewString()
	res, err := c.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:      symbol,
		Side:        exchange.SideBuy,
		Type:        exchange.OrderTypeLimit,
		Price:       limit,
		Quantity:    qty,
		TimeInForce: exchange.TIFGTC,
		ClientID:    clientID,
	})
	if err != nil {
		log.Error("submit order returned error (acceptable, e.g. insufficient balance)", zap.Error(err))
		return
	}
	log.Info("submit order ok", zap.String("exchange_order_id", res.ExchangeOrderID), zap.String("status", string(res.Status)))

	found, err := c.QueryOrder(ctx, symbol, "", clientID)
	if err != nil {
		log.Error("query by client id", zap.Error(err))
	} else {
		log.Info("query by client id ok", zap.String("status", string(found.Status)))
	}

	cancelled, err := c.CancelOrder(ctx, symbol, res.ExchangeOrderID)
	if err != nil {
		log.Error("cancel order", zap.Error(err))
		return
	}
	log.Info("cancel order ok", zap.String("status", string(cancelled.Status)), zap.Bool("already_finished", cancelled.AlreadyFinished))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

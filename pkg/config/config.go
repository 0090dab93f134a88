package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the order core.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database
	DBPath string `env:"DB_PATH" envDefault:"./data/orders.db"`

	// Market pairs seed file (YAML)
	MarketsFile string `env:"MARKETS_FILE" envDefault:"./markets.yaml"`

	// Binance spot
	BinanceAPIKey     string `env:"BINANCE_API_KEY"`
	BinanceAPISecret  string `env:"BINANCE_API_SECRET"`
	BinanceTestnet    bool   `env:"BINANCE_TESTNET" envDefault:"false"`
	BinanceBaseURL    string `env:"BINANCE_BASE_URL"`
	BinanceRecvWindow int64  `env:"BINANCE_RECV_WINDOW" envDefault:"5000"`

	// Trading
	FeeRateRaw    string        `env:"FEE_RATE" envDefault:"0.001"`
	RulesCacheTTL time.Duration `env:"RULES_CACHE_TTL" envDefault:"10m"`
	PriceCacheTTL time.Duration `env:"PRICE_CACHE_TTL" envDefault:"5s"`
	// 0 disables the background price feed; prices are then fetched on demand.
	PriceFeedInterval time.Duration `env:"PRICE_FEED_INTERVAL" envDefault:"0s"`

	// Reconciliation
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	ReconcileWorkers  int           `env:"RECONCILE_WORKERS" envDefault:"4"`
	PendingGrace      time.Duration `env:"PENDING_GRACE" envDefault:"1m"`

	// Audit
	AuditFlushInterval time.Duration `env:"AUDIT_FLUSH_INTERVAL" envDefault:"1s"`

	// Auth
	JWTSecret     string `env:"JWT_SECRET" envDefault:"dev-secret"`
	AllowDeposits bool   `env:"ALLOW_DEPOSITS" envDefault:"false"`

	// Kafka (optional order event sink)
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"order-events"`

	FeeRate decimal.Decimal `env:"-"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether internal error detail may be exposed.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func (c *Config) finish() error {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.FeeRateRaw))
	if err != nil {
		return fmt.Errorf("FEE_RATE %q: %w", c.FeeRateRaw, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("FEE_RATE must be in [0, 1), got %s", rate)
	}
	c.FeeRate = rate

	if c.ReconcileWorkers <= 0 {
		c.ReconcileWorkers = 1
	}
	if c.BinanceBaseURL == "" {
		c.BinanceBaseURL = "https://api.binance.com"
		if c.BinanceTestnet {
			c.BinanceBaseURL = "https://testnet.binance.vision"
		}
	}
	c.BinanceBaseURL = strings.TrimRight(c.BinanceBaseURL, "/")
	return nil
}

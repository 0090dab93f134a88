package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the Testnet switch when set
	RecvWindow int64  // ms
	// MaxReadRetries bounds retries of idempotent reads; 0 means 3.
	MaxReadRetries uint64
}

// Client is a Binance spot trading client. It holds no order state; the only
// mutable state is the signing clock and the rate-limit tracker.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	log         *zap.Logger
}

var _ common.Gateway = (*Client)(nil)

// New builds a client; pass a nil logger to disable logging.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.binance.com"
		if cfg.Testnet {
			base = "https://testnet.binance.vision"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.MaxReadRetries == 0 {
		cfg.MaxReadRetries = 3
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("binance"),
	}
	client.timeSync = common.NewTimeSync(client.GetServerTime, client.log)
	// 1200 weight/min for spot
	client.rateLimiter = common.NewRateLimiter(1200, time.Minute, client.log)
	return client
}

// SetHTTPClient replaces the underlying HTTP client (timeouts, transports in tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// TimeSync exposes the signing clock so callers can start periodic syncing.
func (c *Client) TimeSync() *common.TimeSync {
	return c.timeSync
}

func (c *Client) requireCredentials() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return apperr.Exchange(http.StatusUnauthorized, 0, "binance: API key/secret required", nil)
	}
	return nil
}

// doSigned stamps, signs and sends a request. The signature is an
// HMAC-SHA256 over the canonical (key-sorted) query string; both timestamp and
// signature travel as query parameters.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.requireCredentials(); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	query := params.Encode()
	query += "&signature=" + sign(query, c.cfg.APISecret)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, apperr.Internal("build exchange request", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Internal("build exchange request", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.rateLimiter.Wait(req.Context()); err != nil {
		return nil, transportError(req, err)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(req, err)
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, transportError(req, errors.Wrap(err, "read body"))
	}
	c.log.Debug("exchange call",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", res.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	if res.StatusCode >= 300 {
		return nil, parseAPIError(res.StatusCode, body)
	}
	return body, nil
}

// withReadRetry retries an idempotent read on uncertain failures with
// exponential backoff. Each attempt re-signs with a fresh timestamp.
func (c *Client) withReadRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !apperr.IsUncertain(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("exchange read failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxReadRetries), ctx))
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, decodeError("server time", err)
	}
	return res.ServerTime, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func decodeError(what string, err error) error {
	return apperr.Exchange(http.StatusBadGateway, 0, "decode "+what+" response", err)
}

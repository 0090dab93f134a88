package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/exchanges/common"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: testKey, APISecret: testSecret, BaseURL: srv.URL}, nil)
}

// verifySignature checks the request the way the exchange does.
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.Greater(t, idx, 0, "signature missing")
	payload, sig := raw[:idx], raw[idx+len("&signature="):]
	assert.Equal(t, sign(payload, testSecret), sig)
	assert.Equal(t, testKey, r.Header.Get("X-MBX-APIKEY"))
	assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
}

func TestSign_KnownVector(t *testing.T) {
	// Example from the Binance API documentation.
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", sign(query, secret))
}

func TestSubmitOrder_LimitFull(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v3/order", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "50000.01", q.Get("price"))
		assert.Equal(t, "0.12345", q.Get("quantity"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "FULL", q.Get("newOrderRespType"))
		assert.Equal(t, "client-1", q.Get("newClientOrderId"))
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"client-1","price":"50000.01","origQty":"0.12345",
			"executedQty":"0.12345","cummulativeQuoteQty":"6172.5012345","status":"FILLED",
			"fills":[{"price":"50000.01","qty":"0.12345","tradeId":56}]}`))
	})

	res, err := client.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     common.SideBuy,
		Type:     common.OrderTypeLimit,
		Price:    decimal.RequireFromString("50000.01"),
		Quantity: decimal.RequireFromString("0.12345"),
		ClientID: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "28", res.ExchangeOrderID)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.Equal(t, "0.12345", res.ExecutedQty.String())
	assert.Equal(t, "50000.01", res.ExecutedPrice.String())
	assert.Equal(t, "56", res.TradeID)
}

func TestSubmitOrder_MarketSendsNoPrice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Empty(t, q.Get("price"))
		assert.Empty(t, q.Get("timeInForce"))
		w.Write([]byte(`{"orderId":7,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0"}`))
	})
	res, err := client.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, res.Status)
	assert.True(t, res.ExecutedPrice.IsZero())
}

func TestSubmitOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  apperr.Kind
		wantHTTP  int
		wantCode  int
		uncertain bool
	}{
		{"insufficient funds", 400, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, apperr.KindExchange, 400, -2010, false},
		{"lot size", 400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, apperr.KindExchange, 400, -1013, false},
		{"bad key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, apperr.KindExchange, 401, -2015, false},
		{"bad signature", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, apperr.KindExchange, 401, -1022, false},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests"}`, apperr.KindExchange, 429, -1003, false},
		{"banned", 418, `{"code":-1003,"msg":"Way too many requests"}`, apperr.KindExchange, 429, -1003, false},
		{"server error", 503, `Service Unavailable`, apperr.KindExchange, 502, 0, true},
		{"exchange timeout", 400, `{"code":-1007,"msg":"Timeout waiting for response from backend server."}`, apperr.KindExchange, 502, -1007, true},
		{"unknown order", 400, `{"code":-2013,"msg":"Order does not exist."}`, apperr.KindOrderNotFound, 404, -2013, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.SubmitOrder(context.Background(), common.OrderRequest{
				Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
				Quantity: decimal.RequireFromString("1"),
			})
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.wantHTTP, e.Status)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.uncertain, e.Uncertain)
		})
	}
}

func TestSubmitOrder_NeverRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsUncertain(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitOrder_TransportErrorIsUncertain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	client := New(Config{APIKey: testKey, APISecret: testSecret, BaseURL: base}, nil)
	_, err := client.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindExchange))
	assert.True(t, apperr.IsUncertain(err))
}

func TestSubmitOrder_RequiresCredentials(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:0"}, nil)
	_, err := client.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apperr.StatusOf(err))
}

func TestCancelOrder_UnknownOrderIsIdempotent(t *testing.T) {
	for _, code := range []string{"-2011", "-2013"} {
		t.Run(code, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				verifySignature(t, r)
				require.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "99", r.URL.Query().Get("orderId"))
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":` + code + `,"msg":"Unknown order sent."}`))
			})
			res, err := client.CancelOrder(context.Background(), "BTCUSDT", "99")
			require.NoError(t, err)
			assert.True(t, res.AlreadyFinished)
			assert.Equal(t, "99", res.ExchangeOrderID)
		})
	}
}

func TestCancelOrder_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderId":99,"status":"CANCELED","executedQty":"0.5","cummulativeQuoteQty":"100"}`))
	})
	res, err := client.CancelOrder(context.Background(), "BTCUSDT", "99")
	require.NoError(t, err)
	assert.False(t, res.AlreadyFinished)
	assert.Equal(t, common.StatusCanceled, res.Status)
	assert.Equal(t, "200", res.ExecutedPrice.String())
}

func TestQueryOrder_UnknownOrderIsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client-9", r.URL.Query().Get("origClientOrderId"))
		assert.Empty(t, r.URL.Query().Get("orderId"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})
	_, err := client.QueryOrder(context.Background(), "BTCUSDT", "", "client-9")
	require.Error(t, err)
	assert.Equal(t, apperr.KindOrderNotFound, apperr.KindOf(err))
	assert.Equal(t, http.StatusNotFound, apperr.StatusOf(err))
}

func TestQueryOrder_RetriesUncertainReads(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"orderId":5,"status":"PARTIALLY_FILLED","executedQty":"1","cummulativeQuoteQty":"10"}`))
	})
	res, err := client.QueryOrder(context.Background(), "BTCUSDT", "5", "")
	require.NoError(t, err)
	assert.Equal(t, common.StatusPartial, res.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTradingRules(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
			{"filterType":"LOT_SIZE","stepSize":"0.00001000"}]}]}`))
	})
	info, err := client.TradingRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, info.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, info.StepSize.Equal(decimal.RequireFromString("0.00001")))
}

func TestAccountBalances_SkipsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"1.5","locked":"0.5"},{"asset":"XRP","free":"0","locked":"0"}]}`))
	})
	balances, err := client.AccountBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.Equal(t, "0.5", balances[0].Locked.String())
}

func TestTimestampsAreMonotonic(t *testing.T) {
	client := New(Config{}, nil)
	prev := client.timeSync.Now()
	for i := 0; i < 100; i++ {
		now := client.timeSync.Now()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

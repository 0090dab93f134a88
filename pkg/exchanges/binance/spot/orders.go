package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/exchanges/common"
)

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Fills               []struct {
		Price   decimal.Decimal `json:"price"`
		Qty     decimal.Decimal `json:"qty"`
		TradeID int64           `json:"tradeId"`
	} `json:"fills"`
}

// SubmitOrder places an order. It is never retried: a failure flagged as
// uncertain means the order may exist and has to be looked up by client id.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if !req.Side.Valid() || !req.Type.Valid() {
		return common.OrderResult{}, apperr.InvalidOrder("unsupported side/type %s/%s", req.Side, req.Type)
	}
	if !req.Quantity.IsPositive() {
		return common.OrderResult{}, apperr.InvalidOrder("quantity must be positive")
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("newOrderRespType", "FULL")
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.Type == common.OrderTypeLimit {
		if !req.Price.IsPositive() {
			return common.OrderResult{}, apperr.InvalidOrder("limit order requires a positive price")
		}
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(tif))
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		c.log.Warn("submit order failed",
			zap.String("symbol", req.Symbol),
			zap.String("client_id", req.ClientID),
			zap.Bool("uncertain", apperr.IsUncertain(err)),
			zap.Error(err),
		)
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

// QueryOrder fetches an order by exchange id, or by client id when
// exchangeOrderID is empty.
func (c *Client) QueryOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (common.OrderResult, error) {
	if exchangeOrderID == "" && clientID == "" {
		return common.OrderResult{}, apperr.InvalidOrder("order id or client id required")
	}
	var out common.OrderResult
	err := c.withReadRetry(ctx, func() error {
		params := url.Values{}
		params.Set("symbol", symbol)
		if exchangeOrderID != "" {
			params.Set("orderId", exchangeOrderID)
		} else {
			params.Set("origClientOrderId", clientID)
		}
		body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
		if err != nil {
			return err
		}
		out, err = decodeOrder(body)
		return err
	})
	return out, err
}

// CancelOrder cancels an open order. An order the exchange no longer knows or
// already finished is reported with AlreadyFinished instead of an error, so a
// repeated cancel is harmless.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	if exchangeOrderID == "" {
		return common.OrderResult{}, apperr.InvalidOrder("exchange order id required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	body, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		if isNoSuchOrder(err) {
			c.log.Info("cancel: order already finished on exchange",
				zap.String("symbol", symbol),
				zap.String("exchange_order_id", exchangeOrderID),
			)
			return common.OrderResult{
				ExchangeOrderID: exchangeOrderID,
				Status:          common.StatusUnknown,
				AlreadyFinished: true,
			}, nil
		}
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

func decodeOrder(body []byte) (common.OrderResult, error) {
	var res orderResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return common.OrderResult{}, decodeError("order", err)
	}
	out := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientID:        res.ClientOrderID,
		Status:          mapStatus(res.Status),
		ExecutedQty:     res.ExecutedQty,
	}
	if res.ExecutedQty.IsPositive() {
		switch {
		case res.CummulativeQuoteQty.IsPositive():
			out.ExecutedPrice = res.CummulativeQuoteQty.DivRound(res.ExecutedQty, 8)
		case len(res.Fills) > 0:
			out.ExecutedPrice = res.Fills[0].Price
		default:
			out.ExecutedPrice = res.Price
		}
	}
	if len(res.Fills) > 0 {
		out.TradeID = strconv.FormatInt(res.Fills[0].TradeID, 10)
	}
	return out, nil
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

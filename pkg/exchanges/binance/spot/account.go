package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"cex-order-core/internal/apperr"
	"cex-order-core/pkg/exchanges/common"
)

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// TradingRules returns the tick and step size for symbol.
func (c *Client) TradingRules(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	var info common.SymbolInfo
	err := c.withReadRetry(ctx, func() error {
		body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
		if err != nil {
			return err
		}
		var res exchangeInfoResponse
		if err := json.Unmarshal(body, &res); err != nil {
			return decodeError("exchange info", err)
		}
		for _, s := range res.Symbols {
			if s.Symbol != symbol {
				continue
			}
			info = common.SymbolInfo{Symbol: s.Symbol}
			for _, f := range s.Filters {
				switch f.FilterType {
				case "PRICE_FILTER":
					info.TickSize, _ = decimal.NewFromString(f.TickSize)
				case "LOT_SIZE":
					info.StepSize, _ = decimal.NewFromString(f.StepSize)
				}
			}
			return nil
		}
		return apperr.Exchange(http.StatusBadRequest, 0, "unknown symbol "+symbol, nil)
	})
	return info, err
}

// TickerPrice returns the last traded price for symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := c.withReadRetry(ctx, func() error {
		body, err := c.doPublic(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
		if err != nil {
			return err
		}
		var res struct {
			Symbol string          `json:"symbol"`
			Price  decimal.Decimal `json:"price"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return decodeError("ticker", err)
		}
		price = res.Price
		return nil
	})
	return price, err
}

// AccountBalances returns non-zero account balances.
func (c *Client) AccountBalances(ctx context.Context) ([]common.AssetBalance, error) {
	var out []common.AssetBalance
	err := c.withReadRetry(ctx, func() error {
		body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
		if err != nil {
			return err
		}
		var res struct {
			Balances []struct {
				Asset  string          `json:"asset"`
				Free   decimal.Decimal `json:"free"`
				Locked decimal.Decimal `json:"locked"`
			} `json:"balances"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return decodeError("account", err)
		}
		out = out[:0]
		for _, b := range res.Balances {
			if b.Free.IsZero() && b.Locked.IsZero() {
				continue
			}
			out = append(out, common.AssetBalance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
		}
		return nil
	})
	return out, err
}

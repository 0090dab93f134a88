package common

import "context"

// Gateway abstracts a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// QueryOrder looks an order up by exchange id, or by client id when
	// exchangeOrderID is empty.
	QueryOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	TradingRules(ctx context.Context, symbol string) (SymbolInfo, error)
	AccountBalances(ctx context.Context) ([]AssetBalance, error)
}

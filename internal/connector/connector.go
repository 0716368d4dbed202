package connector

import (
	"context"

	"markethub/models"
)

// DataHandler receives inbound data events from a venue connection.
type DataHandler func(update models.Update)

// Connector adapts one market-data venue to the hub. Implementations own
// their network connections and invoke the provided DataHandler from their
// own read loops. Market channels (order book, ticker, trades) are
// instrument-scoped; orders and balances are account-scoped.
type Connector interface {
	// Name returns the venue identifier used for registration.
	Name() string

	SubscribeOrderBook(ctx context.Context, symbol string, onData DataHandler) error
	UnsubscribeOrderBook(ctx context.Context, symbol string) error

	SubscribeTicker(ctx context.Context, symbol string, onData DataHandler) error
	UnsubscribeTicker(ctx context.Context, symbol string) error

	SubscribeTrades(ctx context.Context, symbol string, onData DataHandler) error
	UnsubscribeTrades(ctx context.Context, symbol string) error

	SubscribeOrders(ctx context.Context, onData DataHandler) error
	UnsubscribeOrders(ctx context.Context) error

	SubscribeBalances(ctx context.Context, onData DataHandler) error
	UnsubscribeBalances(ctx context.Context) error

	// UnsubscribeAll tears down every stream held by the connector.
	UnsubscribeAll(ctx context.Context) error
}

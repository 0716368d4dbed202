package models

import (
	"time"
)

// Channel identifies one category of market or account data a subscription
// can be attached to.
type Channel string

const (
	ChannelOrderBook Channel = "order_book"
	ChannelTicker    Channel = "ticker"
	ChannelTrades    Channel = "trades"
	ChannelOrders    Channel = "orders"
	ChannelBalances  Channel = "balances"
)

// WildcardSymbol marks account-scoped subscriptions (orders, balances) that
// are not bound to a single instrument.
const WildcardSymbol = "*"

// PriceLevel represents a single price level in an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Ticker represents the latest top-of-book quote for an instrument.
type Ticker struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	BidSize   float64   `json:"bid_size"`
	Ask       float64   `json:"ask"`
	AskSize   float64   `json:"ask_size"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderBook represents an order book snapshot with bid and ask levels.
type OrderBook struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Trade represents a single executed trade.
type Trade struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	TradeID   string    `json:"trade_id"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	TakerBuy  bool      `json:"taker_buy"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderUpdate represents a change to one of the account's own orders.
type OrderUpdate struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	Status    string    `json:"status"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Filled    float64   `json:"filled"`
	Timestamp time.Time `json:"timestamp"`
}

// Balance represents the account balance for one asset.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// BalanceSet represents a full account balance report from one exchange.
type BalanceSet struct {
	Exchange  string    `json:"exchange"`
	Balances  []Balance `json:"balances"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the most recently known merged state of all market channels for
// one (exchange, symbol) pair. Fields a partial update did not touch keep
// their last known value.
type Snapshot struct {
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Ticker    *Ticker    `json:"ticker,omitempty"`
	OrderBook *OrderBook `json:"order_book,omitempty"`
	Trades    []Trade    `json:"trades,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

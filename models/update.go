package models

import (
	"time"
)

// Update is the tagged variant carried by every inbound data event. Exactly
// one payload pointer is set, matching Channel.
type Update struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Channel   Channel      `json:"channel"`
	Ticker    *Ticker      `json:"ticker,omitempty"`
	OrderBook *OrderBook   `json:"order_book,omitempty"`
	Trade     *Trade       `json:"trade,omitempty"`
	Order     *OrderUpdate `json:"order,omitempty"`
	Balances  *BalanceSet  `json:"balances,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// TickerUpdate builds an Update carrying a ticker payload.
func TickerUpdate(t Ticker) Update {
	return Update{
		Exchange:  t.Exchange,
		Symbol:    t.Symbol,
		Channel:   ChannelTicker,
		Ticker:    &t,
		Timestamp: t.Timestamp,
	}
}

// OrderBookUpdate builds an Update carrying an order book payload.
func OrderBookUpdate(b OrderBook) Update {
	return Update{
		Exchange:  b.Exchange,
		Symbol:    b.Symbol,
		Channel:   ChannelOrderBook,
		OrderBook: &b,
		Timestamp: b.Timestamp,
	}
}

// TradeUpdate builds an Update carrying a trade payload.
func TradeUpdate(t Trade) Update {
	return Update{
		Exchange:  t.Exchange,
		Symbol:    t.Symbol,
		Channel:   ChannelTrades,
		Trade:     &t,
		Timestamp: t.Timestamp,
	}
}

// OrderEventUpdate builds an Update carrying an own-order payload.
func OrderEventUpdate(o OrderUpdate) Update {
	return Update{
		Exchange:  o.Exchange,
		Symbol:    o.Symbol,
		Channel:   ChannelOrders,
		Order:     &o,
		Timestamp: o.Timestamp,
	}
}

// BalancesUpdate builds an Update carrying a balance-set payload.
func BalancesUpdate(b BalanceSet) Update {
	return Update{
		Exchange:  b.Exchange,
		Symbol:    WildcardSymbol,
		Channel:   ChannelBalances,
		Balances:  &b,
		Timestamp: b.Timestamp,
	}
}

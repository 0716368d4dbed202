package hub

import (
	"context"
	"time"

	"github.com/google/uuid"

	"markethub/internal/connector"
	"markethub/logger"
	"markethub/models"
)

// SubscribeOrderBook subscribes to order book updates for symbol on the
// named exchange and returns the subscription id.
func (h *Hub) SubscribeOrderBook(ctx context.Context, exchange, symbol string, callback connector.DataHandler) (string, error) {
	return h.subscribe(ctx, exchange, symbol, models.ChannelOrderBook, callback)
}

// SubscribeTicker subscribes to top-of-book ticker updates for symbol on the
// named exchange and returns the subscription id.
func (h *Hub) SubscribeTicker(ctx context.Context, exchange, symbol string, callback connector.DataHandler) (string, error) {
	return h.subscribe(ctx, exchange, symbol, models.ChannelTicker, callback)
}

// SubscribeTrades subscribes to executed trades for symbol on the named
// exchange and returns the subscription id.
func (h *Hub) SubscribeTrades(ctx context.Context, exchange, symbol string, callback connector.DataHandler) (string, error) {
	return h.subscribe(ctx, exchange, symbol, models.ChannelTrades, callback)
}

// SubscribeOrders subscribes to the account's own order updates on the named
// exchange. Orders are account-scoped, not instrument-scoped.
func (h *Hub) SubscribeOrders(ctx context.Context, exchange string, callback connector.DataHandler) (string, error) {
	return h.subscribe(ctx, exchange, models.WildcardSymbol, models.ChannelOrders, callback)
}

// SubscribeBalances subscribes to account balance updates on the named
// exchange. Balances are account-scoped, not instrument-scoped.
func (h *Hub) SubscribeBalances(ctx context.Context, exchange string, callback connector.DataHandler) (string, error) {
	return h.subscribe(ctx, exchange, models.WildcardSymbol, models.ChannelBalances, callback)
}

func (h *Hub) subscribe(ctx context.Context, exchange, symbol string, channel models.Channel, callback connector.DataHandler) (string, error) {
	conn, err := h.connectorFor(exchange)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	handler := func(update models.Update) {
		h.handleUpdate(id, update)
	}

	// The connector call may block on network setup; a failure here must
	// leave no trace in the registry.
	if err := h.connectorSubscribe(ctx, conn, channel, symbol, handler); err != nil {
		h.log.WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
			"channel":  string(channel),
		}).Error("connector rejected subscription")
		return "", err
	}

	now := time.Now()
	sub := &subscription{
		Subscription: Subscription{
			ID:         id,
			Exchange:   exchange,
			Symbol:     symbol,
			Channel:    channel,
			Active:     true,
			CreatedAt:  now,
			LastUpdate: now,
		},
		callback: callback,
	}

	h.mu.Lock()
	h.subs[id] = sub
	if entry, ok := h.exchanges[exchange]; ok {
		entry.connected = true
	}
	h.mu.Unlock()

	h.log.WithFields(logger.Fields{
		"exchange":        exchange,
		"symbol":          symbol,
		"channel":         string(channel),
		"subscription_id": id,
	}).Info("subscription created")

	return id, nil
}

// Unsubscribe removes the subscription with the given id. An unknown id
// returns false; so does a connector failure, in which case the registry
// entry is left untouched and the caller may retry.
func (h *Hub) Unsubscribe(ctx context.Context, id string) bool {
	h.mu.RLock()
	sub, ok := h.subs[id]
	var rec Subscription
	if ok {
		rec = sub.Subscription
	}
	h.mu.RUnlock()
	if !ok {
		return false
	}

	conn, err := h.connectorFor(rec.Exchange)
	if err == nil {
		if err := h.connectorUnsubscribe(ctx, conn, rec.Channel, rec.Symbol); err != nil {
			h.log.WithError(err).WithFields(logger.Fields{
				"exchange":        rec.Exchange,
				"symbol":          rec.Symbol,
				"channel":         string(rec.Channel),
				"subscription_id": id,
			}).Warn("connector unsubscribe failed, subscription kept")
			return false
		}
	}

	h.mu.Lock()
	sub, ok = h.subs[id]
	if ok {
		sub.Active = false
		delete(h.subs, id)
		if entry, exists := h.exchanges[rec.Exchange]; exists {
			entry.connected = h.exchangeHasSubsLocked(rec.Exchange)
		}
	}
	h.mu.Unlock()

	return ok
}

// exchangeHasSubsLocked reports whether any registry entry remains for the
// exchange. Caller holds h.mu.
func (h *Hub) exchangeHasSubsLocked(exchange string) bool {
	for _, sub := range h.subs {
		if sub.Exchange == exchange {
			return true
		}
	}
	return false
}

// handleUpdate is the internal wrapper installed around every caller
// callback. It merges the payload into the cache, stamps the subscription's
// last-update time, invokes the caller's callback and re-emits the event to
// the fan-out. Events arriving for an already-removed subscription are
// dropped.
func (h *Hub) handleUpdate(id string, update models.Update) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if !ok || !sub.Active {
		h.mu.Unlock()
		return
	}
	sub.LastUpdate = time.Now()
	callback := sub.callback
	h.mu.Unlock()

	logger.IncrementUpdateReceived(approxUpdateSize(&update))

	h.cache.merge(update, h.tradeBuffer)

	if callback != nil {
		callback(update)
	}

	h.fanout.emit(update, h.log)
}

// approxUpdateSize estimates the payload size of an update for throughput
// accounting.
func approxUpdateSize(u *models.Update) int {
	size := 64
	if u.OrderBook != nil {
		size += (len(u.OrderBook.Bids) + len(u.OrderBook.Asks)) * 16
	}
	if u.Balances != nil {
		size += len(u.Balances.Balances) * 24
	}
	return size
}

func (h *Hub) connectorSubscribe(ctx context.Context, conn connector.Connector, channel models.Channel, symbol string, onData connector.DataHandler) error {
	switch channel {
	case models.ChannelOrderBook:
		return conn.SubscribeOrderBook(ctx, symbol, onData)
	case models.ChannelTicker:
		return conn.SubscribeTicker(ctx, symbol, onData)
	case models.ChannelTrades:
		return conn.SubscribeTrades(ctx, symbol, onData)
	case models.ChannelOrders:
		return conn.SubscribeOrders(ctx, onData)
	case models.ChannelBalances:
		return conn.SubscribeBalances(ctx, onData)
	}
	return nil
}

func (h *Hub) connectorUnsubscribe(ctx context.Context, conn connector.Connector, channel models.Channel, symbol string) error {
	switch channel {
	case models.ChannelOrderBook:
		return conn.UnsubscribeOrderBook(ctx, symbol)
	case models.ChannelTicker:
		return conn.UnsubscribeTicker(ctx, symbol)
	case models.ChannelTrades:
		return conn.UnsubscribeTrades(ctx, symbol)
	case models.ChannelOrders:
		return conn.UnsubscribeOrders(ctx)
	case models.ChannelBalances:
		return conn.UnsubscribeBalances(ctx)
	}
	return nil
}

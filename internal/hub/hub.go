// Package hub implements the real-time market-data subscription and caching
// layer. It multiplexes client subscriptions across registered exchange
// connectors, maintains a merged snapshot cache per (exchange, symbol), fans
// inbound events out to attached listeners and reports subscription health.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"markethub/config"
	"markethub/internal/connector"
	"markethub/logger"
	"markethub/models"
)

// ErrUnknownExchange is returned when a subscription is requested against an
// exchange name that has not been registered.
var ErrUnknownExchange = errors.New("unknown exchange")

// Subscription describes one active channel subscription. The hub hands out
// copies; the registry keeps the mutable record.
type Subscription struct {
	ID         string         `json:"id"`
	Exchange   string         `json:"exchange"`
	Symbol     string         `json:"symbol"`
	Channel    models.Channel `json:"channel"`
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUpdate time.Time      `json:"last_update"`
}

// subscription is the registry-owned record behind a Subscription.
type subscription struct {
	Subscription
	callback connector.DataHandler
}

// exchangeEntry pairs a connector with its connection-status proxy. The
// status flips true while the exchange holds at least one active
// subscription.
type exchangeEntry struct {
	connector connector.Connector
	connected bool
}

// Hub owns the exchange registrations, the subscription registry, the
// snapshot cache and the listener fan-out. It is reactive: all mutation is
// driven by caller API calls and by inbound connector callbacks, never by
// timers of its own.
type Hub struct {
	mu        sync.RWMutex
	exchanges map[string]*exchangeEntry
	subs      map[string]*subscription

	cache  *snapshotCache
	fanout *fanout

	staleAfter  time.Duration
	tradeBuffer int

	log *logger.Entry
}

// NewHub creates a hub with the given cache and health settings.
func NewHub(cfg config.HubConfig) *Hub {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	tradeBuffer := cfg.TradeBuffer
	if tradeBuffer <= 0 {
		tradeBuffer = 50
	}

	return &Hub{
		exchanges:   make(map[string]*exchangeEntry),
		subs:        make(map[string]*subscription),
		cache:       newSnapshotCache(),
		fanout:      newFanout(),
		staleAfter:  staleAfter,
		tradeBuffer: tradeBuffer,
		log:         logger.GetLogger().WithComponent("hub"),
	}
}

// RegisterExchange makes a connector available for subscriptions under its
// name. Re-registering an existing name overwrites the previous connector
// with a warning; reconnect flows replace the connector wholesale rather
// than patching the old one. Connection status starts false until the first
// subscription succeeds.
func (h *Hub) RegisterExchange(name string, conn connector.Connector) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.exchanges[name]; exists {
		h.log.WithFields(logger.Fields{"exchange": name}).Warn("re-registering exchange, overwriting existing connector")
	}
	h.exchanges[name] = &exchangeEntry{connector: conn}
}

// UnregisterExchange tears down every subscription held against the named
// exchange and removes its registration. Calling it twice, or on an exchange
// with no subscriptions, is a no-op. A connector failure during bulk
// unsubscribe is logged and does not stop the removal.
func (h *Hub) UnregisterExchange(ctx context.Context, name string) {
	h.mu.Lock()
	entry, ok := h.exchanges[name]
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := entry.connector.UnsubscribeAll(ctx); err != nil {
		h.log.WithError(err).WithFields(logger.Fields{"exchange": name}).Warn("bulk unsubscribe failed during exchange unregister")
	}

	h.mu.Lock()
	for id, sub := range h.subs {
		if sub.Exchange == name {
			sub.Active = false
			delete(h.subs, id)
		}
	}
	delete(h.exchanges, name)
	h.mu.Unlock()

	h.cache.dropExchange(name)
	h.log.WithFields(logger.Fields{"exchange": name}).Info("unregistered exchange")
}

// Shutdown tears down all exchanges, clears the cache and releases all
// listeners. Individual connector failures are logged and skipped so the
// teardown always runs to completion.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	names := make([]string, 0, len(h.exchanges))
	conns := make([]connector.Connector, 0, len(h.exchanges))
	for name, entry := range h.exchanges {
		names = append(names, name)
		conns = append(conns, entry.connector)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		if err := conn.UnsubscribeAll(ctx); err != nil {
			h.log.WithError(err).WithFields(logger.Fields{"exchange": names[i]}).Warn("bulk unsubscribe failed during shutdown")
		}
	}

	h.mu.Lock()
	for _, sub := range h.subs {
		sub.Active = false
	}
	h.subs = make(map[string]*subscription)
	for _, entry := range h.exchanges {
		entry.connected = false
	}
	h.exchanges = make(map[string]*exchangeEntry)
	h.mu.Unlock()

	h.cache.clear()
	h.fanout.clear()

	h.log.Info("hub shutdown complete")
}

// ListActiveSubscriptions returns a copy of every active subscription
// record.
func (h *Hub) ListActiveSubscriptions() []Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.Active {
			out = append(out, sub.Subscription)
		}
	}
	return out
}

// GetConnectionStatus reports, per registered exchange, whether it currently
// holds at least one active subscription.
func (h *Hub) GetConnectionStatus() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]bool, len(h.exchanges))
	for name, entry := range h.exchanges {
		out[name] = entry.connected
	}
	return out
}

// GetSnapshot returns a copy of the latest merged snapshot for the pair, or
// false when no update has been seen for it.
func (h *Hub) GetSnapshot(exchange, symbol string) (models.Snapshot, bool) {
	return h.cache.get(exchange, symbol)
}

// AddListener attaches a fan-out listener and returns its handle.
func (h *Hub) AddListener(l Listener) string {
	return h.fanout.add(l)
}

// RemoveListener detaches the listener registered under the given handle.
func (h *Hub) RemoveListener(id string) {
	h.fanout.remove(id)
}

// connectorFor resolves the connector registered under name.
func (h *Hub) connectorFor(name string) (connector.Connector, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	return entry.connector, nil
}

package hub

import (
	"strings"
	"sync"
	"time"

	"markethub/models"
)

// snapshotCache stores the latest merged snapshot per (exchange, symbol).
// The outer map is guarded by mu; each entry carries its own mutex so merges
// for unrelated pairs never contend while merges for the same pair are
// serialized.
type snapshotCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu       sync.Mutex
	snapshot models.Snapshot
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{entries: make(map[string]*cacheEntry)}
}

func cacheKey(exchange, symbol string) string {
	return exchange + "|" + symbol
}

// merge applies a partial update to the pair's snapshot. Each of
// ticker/order book/trades is overwritten only when present in the update;
// fields the update did not touch keep their last known value. The snapshot
// timestamp always moves to now. Account-scoped channels (orders, balances)
// carry no instrument state and are not cached.
func (c *snapshotCache) merge(update models.Update, tradeBuffer int) {
	switch update.Channel {
	case models.ChannelTicker, models.ChannelOrderBook, models.ChannelTrades:
	default:
		return
	}

	entry := c.entry(update.Exchange, update.Symbol)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	snap := &entry.snapshot
	snap.Exchange = update.Exchange
	snap.Symbol = update.Symbol

	switch update.Channel {
	case models.ChannelTicker:
		if update.Ticker != nil {
			t := *update.Ticker
			snap.Ticker = &t
		}
	case models.ChannelOrderBook:
		if update.OrderBook != nil {
			b := *update.OrderBook
			snap.OrderBook = &b
		}
	case models.ChannelTrades:
		if update.Trade != nil {
			snap.Trades = append(snap.Trades, *update.Trade)
			if len(snap.Trades) > tradeBuffer {
				snap.Trades = snap.Trades[len(snap.Trades)-tradeBuffer:]
			}
		}
	}

	snap.Timestamp = time.Now()
}

// entry returns the cache entry for the pair, creating it on first use.
func (c *snapshotCache) entry(exchange, symbol string) *cacheEntry {
	key := cacheKey(exchange, symbol)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok = c.entries[key]; ok {
		return entry
	}
	entry = &cacheEntry{}
	c.entries[key] = entry
	return entry
}

// get returns a copy of the latest snapshot for the pair. The copy shares no
// mutable state with the cache, so callers can hold it without racing
// subsequent merges.
func (c *snapshotCache) get(exchange, symbol string) (models.Snapshot, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(exchange, symbol)]
	c.mu.RUnlock()
	if !ok {
		return models.Snapshot{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.snapshot.Timestamp.IsZero() {
		return models.Snapshot{}, false
	}
	return copySnapshot(&entry.snapshot), true
}

// dropExchange removes every cached snapshot owned by the exchange.
func (c *snapshotCache) dropExchange(exchange string) {
	prefix := exchange + "|"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// clear removes every cached snapshot.
func (c *snapshotCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func copySnapshot(s *models.Snapshot) models.Snapshot {
	out := models.Snapshot{
		Exchange:  s.Exchange,
		Symbol:    s.Symbol,
		Timestamp: s.Timestamp,
	}
	if s.Ticker != nil {
		t := *s.Ticker
		out.Ticker = &t
	}
	if s.OrderBook != nil {
		b := *s.OrderBook
		b.Bids = append([]models.PriceLevel(nil), s.OrderBook.Bids...)
		b.Asks = append([]models.PriceLevel(nil), s.OrderBook.Asks...)
		out.OrderBook = &b
	}
	if len(s.Trades) > 0 {
		out.Trades = append([]models.Trade(nil), s.Trades...)
	}
	return out
}

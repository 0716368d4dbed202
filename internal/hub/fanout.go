package hub

import (
	"sync"

	"github.com/google/uuid"

	"markethub/logger"
	"markethub/models"
)

// Listener receives every inbound update after it has been merged into the
// cache. The event name is one of "orderbook", "ticker", "trade", "order",
// "balances". Listeners run synchronously on the connector's callback
// goroutine; a panicking listener is recovered and logged without affecting
// the cache, other listeners or the owning subscription.
type Listener func(event string, update models.Update)

// fanout holds the attached listeners. Listeners are copied out before
// invocation so no lock is held while user code runs; a listener may
// re-enter the hub API freely.
type fanout struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

func newFanout() *fanout {
	return &fanout{listeners: make(map[string]Listener)}
}

func (f *fanout) add(l Listener) string {
	id := uuid.NewString()
	f.mu.Lock()
	f.listeners[id] = l
	f.mu.Unlock()
	return id
}

func (f *fanout) remove(id string) {
	f.mu.Lock()
	delete(f.listeners, id)
	f.mu.Unlock()
}

func (f *fanout) clear() {
	f.mu.Lock()
	f.listeners = make(map[string]Listener)
	f.mu.Unlock()
}

func (f *fanout) emit(update models.Update, log *logger.Entry) {
	f.mu.RLock()
	snapshot := make([]Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		snapshot = append(snapshot, l)
	}
	f.mu.RUnlock()

	event := eventName(update.Channel)
	for _, l := range snapshot {
		invokeListener(l, event, update, log)
	}
}

func invokeListener(l Listener, event string, update models.Update, log *logger.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.IncrementListenerPanic()
			log.WithFields(logger.Fields{
				"event":    event,
				"exchange": update.Exchange,
				"symbol":   update.Symbol,
				"panic":    r,
			}).Error("fan-out listener panicked")
		}
	}()

	l(event, update)
	logger.IncrementFanout()
}

func eventName(ch models.Channel) string {
	switch ch {
	case models.ChannelOrderBook:
		return "orderbook"
	case models.ChannelTicker:
		return "ticker"
	case models.ChannelTrades:
		return "trade"
	case models.ChannelOrders:
		return "order"
	case models.ChannelBalances:
		return "balances"
	}
	return string(ch)
}

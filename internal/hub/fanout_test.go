package hub

import (
	"context"
	"testing"

	"markethub/models"
)

func TestListenerPanicIsolation(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	var events []string
	h.AddListener(func(event string, _ models.Update) {
		panic("listener blew up")
	})
	h.AddListener(func(event string, _ models.Update) {
		events = append(events, event)
	})

	if _, err := h.SubscribeTicker(context.Background(), "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}
	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 100))

	if len(events) != 1 || events[0] != "ticker" {
		t.Errorf("surviving listener missed event: %v", events)
	}
	if _, ok := h.GetSnapshot("X", "BTC"); !ok {
		t.Errorf("cache update lost after listener panic")
	}
	if subs := h.ListActiveSubscriptions(); len(subs) != 1 {
		t.Errorf("subscription state changed after listener panic: %+v", subs)
	}
}

func TestRemoveListener(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	count := 0
	id := h.AddListener(func(string, models.Update) { count++ })

	if _, err := h.SubscribeTicker(context.Background(), "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}
	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 100))
	h.RemoveListener(id)
	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 101))

	if count != 1 {
		t.Errorf("expected 1 delivery before removal, got %d", count)
	}
}

func TestListenerReentrancy(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	var snapshotSeen bool
	h.AddListener(func(event string, u models.Update) {
		// Listeners may call back into the hub API.
		if _, ok := h.GetSnapshot(u.Exchange, u.Symbol); ok {
			snapshotSeen = true
		}
		h.HealthCheck()
	})

	if _, err := h.SubscribeTicker(context.Background(), "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}
	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 100))

	if !snapshotSeen {
		t.Errorf("listener could not read the snapshot it was notified about")
	}
}

func TestEventNames(t *testing.T) {
	cases := map[models.Channel]string{
		models.ChannelOrderBook: "orderbook",
		models.ChannelTicker:    "ticker",
		models.ChannelTrades:    "trade",
		models.ChannelOrders:    "order",
		models.ChannelBalances:  "balances",
	}
	for ch, want := range cases {
		if got := eventName(ch); got != want {
			t.Errorf("eventName(%s) = %q, want %q", ch, got, want)
		}
	}
}

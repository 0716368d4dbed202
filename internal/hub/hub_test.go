package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"markethub/config"
	"markethub/internal/connector"
	"markethub/models"
)

// mockConnector is a scripted venue adapter. Tests push updates through the
// handlers it captured at subscribe time.
type mockConnector struct {
	name string

	mu                  sync.Mutex
	handlers            map[string]connector.DataHandler
	failSubscribe       bool
	failUnsubscribe     bool
	failUnsubscribeAll  bool
	unsubscribeAllCalls int
}

func newMockConnector(name string) *mockConnector {
	return &mockConnector{
		name:     name,
		handlers: make(map[string]connector.DataHandler),
	}
}

func (m *mockConnector) Name() string { return m.name }

func (m *mockConnector) subscribe(channel models.Channel, symbol string, onData connector.DataHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSubscribe {
		return errors.New("venue rejected subscription")
	}
	m.handlers[string(channel)+"|"+symbol] = onData
	return nil
}

func (m *mockConnector) unsubscribe(channel models.Channel, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUnsubscribe {
		return errors.New("venue unsubscribe failed")
	}
	delete(m.handlers, string(channel)+"|"+symbol)
	return nil
}

// push invokes the handler captured for the channel/symbol pair, simulating
// an inbound data event from the venue's read loop.
func (m *mockConnector) push(t *testing.T, channel models.Channel, symbol string, update models.Update) {
	t.Helper()
	m.mu.Lock()
	onData, ok := m.handlers[string(channel)+"|"+symbol]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s %s", channel, symbol)
	}
	onData(update)
}

func (m *mockConnector) SubscribeOrderBook(_ context.Context, symbol string, onData connector.DataHandler) error {
	return m.subscribe(models.ChannelOrderBook, symbol, onData)
}
func (m *mockConnector) UnsubscribeOrderBook(_ context.Context, symbol string) error {
	return m.unsubscribe(models.ChannelOrderBook, symbol)
}
func (m *mockConnector) SubscribeTicker(_ context.Context, symbol string, onData connector.DataHandler) error {
	return m.subscribe(models.ChannelTicker, symbol, onData)
}
func (m *mockConnector) UnsubscribeTicker(_ context.Context, symbol string) error {
	return m.unsubscribe(models.ChannelTicker, symbol)
}
func (m *mockConnector) SubscribeTrades(_ context.Context, symbol string, onData connector.DataHandler) error {
	return m.subscribe(models.ChannelTrades, symbol, onData)
}
func (m *mockConnector) UnsubscribeTrades(_ context.Context, symbol string) error {
	return m.unsubscribe(models.ChannelTrades, symbol)
}
func (m *mockConnector) SubscribeOrders(_ context.Context, onData connector.DataHandler) error {
	return m.subscribe(models.ChannelOrders, models.WildcardSymbol, onData)
}
func (m *mockConnector) UnsubscribeOrders(_ context.Context) error {
	return m.unsubscribe(models.ChannelOrders, models.WildcardSymbol)
}
func (m *mockConnector) SubscribeBalances(_ context.Context, onData connector.DataHandler) error {
	return m.subscribe(models.ChannelBalances, models.WildcardSymbol, onData)
}
func (m *mockConnector) UnsubscribeBalances(_ context.Context) error {
	return m.unsubscribe(models.ChannelBalances, models.WildcardSymbol)
}
func (m *mockConnector) UnsubscribeAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeAllCalls++
	if m.failUnsubscribeAll {
		return errors.New("venue teardown failed")
	}
	m.handlers = make(map[string]connector.DataHandler)
	return nil
}

func newTestHub() *Hub {
	return NewHub(config.HubConfig{StaleAfter: 5 * time.Minute, TradeBuffer: 50})
}

func tickerUpdate(exchange, symbol string, last float64) models.Update {
	return models.TickerUpdate(models.Ticker{
		Exchange:  exchange,
		Symbol:    symbol,
		Bid:       last - 1,
		Ask:       last + 1,
		Last:      last,
		Timestamp: time.Now(),
	})
}

func tradeUpdate(exchange, symbol, id string, price float64) models.Update {
	return models.TradeUpdate(models.Trade{
		Exchange:  exchange,
		Symbol:    symbol,
		TradeID:   id,
		Price:     price,
		Quantity:  1,
		Timestamp: time.Now(),
	})
}

func TestSubscribeTickerAndSnapshot(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	var received []models.Update
	id, err := h.SubscribeTicker(context.Background(), "X", "BTC", func(u models.Update) {
		received = append(received, u)
	})
	if err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}

	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 100))

	snap, ok := h.GetSnapshot("X", "BTC")
	if !ok {
		t.Fatalf("expected snapshot for X/BTC")
	}
	if snap.Ticker == nil || snap.Ticker.Last != 100 {
		t.Errorf("unexpected ticker in snapshot: %+v", snap.Ticker)
	}
	if len(received) != 1 {
		t.Errorf("expected 1 callback invocation, got %d", len(received))
	}

	subs := h.ListActiveSubscriptions()
	if len(subs) != 1 || subs[0].ID != id {
		t.Fatalf("unexpected active subscriptions: %+v", subs)
	}
	if time.Since(subs[0].LastUpdate) > time.Second {
		t.Errorf("last update not stamped: %v", subs[0].LastUpdate)
	}

	status := h.GetConnectionStatus()
	if !status["X"] {
		t.Errorf("expected exchange X connected")
	}
}

func TestSubscribeUnknownExchange(t *testing.T) {
	h := newTestHub()
	h.RegisterExchange("X", newMockConnector("X"))

	_, err := h.SubscribeOrderBook(context.Background(), "Y", "ETH", nil)
	if !errors.Is(err, ErrUnknownExchange) {
		t.Fatalf("expected ErrUnknownExchange, got %v", err)
	}
	if subs := h.ListActiveSubscriptions(); len(subs) != 0 {
		t.Errorf("registry should be unchanged, got %+v", subs)
	}
}

func TestPartialMergeRetainsFields(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	if _, err := h.SubscribeTrades(ctx, "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTrades failed: %v", err)
	}
	conn.push(t, models.ChannelTrades, "BTC", tradeUpdate("X", "BTC", "t1", 99))

	if _, err := h.SubscribeTicker(ctx, "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}
	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 100))

	snap, ok := h.GetSnapshot("X", "BTC")
	if !ok {
		t.Fatalf("expected snapshot for X/BTC")
	}
	if len(snap.Trades) != 1 || snap.Trades[0].TradeID != "t1" {
		t.Errorf("trade lost after ticker merge: %+v", snap.Trades)
	}
	if snap.Ticker == nil || snap.Ticker.Last != 100 {
		t.Errorf("ticker missing after merge: %+v", snap.Ticker)
	}
}

func TestConnectorSubscribeFailureLeavesNoGhost(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	conn.failSubscribe = true
	h.RegisterExchange("X", conn)

	if _, err := h.SubscribeTicker(context.Background(), "X", "BTC", nil); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if subs := h.ListActiveSubscriptions(); len(subs) != 0 {
		t.Errorf("ghost subscription after connector failure: %+v", subs)
	}
	if h.GetConnectionStatus()["X"] {
		t.Errorf("exchange should not be marked connected")
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	id, err := h.SubscribeTicker(ctx, "X", "BTC", nil)
	if err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}

	if !h.Unsubscribe(ctx, id) {
		t.Fatalf("first unsubscribe should succeed")
	}
	if h.Unsubscribe(ctx, id) {
		t.Fatalf("second unsubscribe should return false")
	}
	if h.Unsubscribe(ctx, "no-such-id") {
		t.Fatalf("unknown id should return false")
	}
	if h.GetConnectionStatus()["X"] {
		t.Errorf("exchange with no subscriptions should report disconnected")
	}
}

func TestUnsubscribeConnectorFailureKeepsEntry(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	id, err := h.SubscribeTicker(ctx, "X", "BTC", nil)
	if err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}

	conn.failUnsubscribe = true
	if h.Unsubscribe(ctx, id) {
		t.Fatalf("unsubscribe should fail when connector fails")
	}
	if subs := h.ListActiveSubscriptions(); len(subs) != 1 {
		t.Fatalf("subscription should survive failed unsubscribe, got %+v", subs)
	}

	conn.failUnsubscribe = false
	if !h.Unsubscribe(ctx, id) {
		t.Fatalf("retry after connector recovery should succeed")
	}
}

func TestRegistryCountsMatchOperations(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	ids := make([]string, 0, 4)
	for _, symbol := range []string{"BTC", "ETH"} {
		for _, sub := range []func() (string, error){
			func() (string, error) { return h.SubscribeTicker(ctx, "X", symbol, nil) },
			func() (string, error) { return h.SubscribeTrades(ctx, "X", symbol, nil) },
		} {
			id, err := sub()
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}
			ids = append(ids, id)
		}
	}

	if got := len(h.ListActiveSubscriptions()); got != 4 {
		t.Fatalf("expected 4 active subscriptions, got %d", got)
	}
	if !h.Unsubscribe(ctx, ids[0]) {
		t.Fatalf("unsubscribe failed")
	}
	if got := len(h.ListActiveSubscriptions()); got != 3 {
		t.Fatalf("expected 3 active subscriptions, got %d", got)
	}
}

func TestHealthCheckStaleness(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	staleID, err := h.SubscribeTicker(ctx, "X", "BTC", nil)
	if err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}
	if _, err := h.SubscribeTrades(ctx, "X", "ETH", nil); err != nil {
		t.Fatalf("SubscribeTrades failed: %v", err)
	}

	// Age the first subscription past the 5 minute threshold.
	h.mu.Lock()
	h.subs[staleID].LastUpdate = time.Now().Add(-6 * time.Minute)
	h.mu.Unlock()

	report := h.HealthCheck()
	if report.Total != 2 || report.Active != 2 {
		t.Errorf("unexpected totals: %+v", report)
	}
	if report.Stale != 1 {
		t.Errorf("expected 1 stale subscription, got %d", report.Stale)
	}
	if !report.Connections["X"] {
		t.Errorf("expected exchange X connected")
	}

	stale := h.StaleSubscriptions()
	if len(stale) != 1 || stale[0].ID != staleID {
		t.Errorf("unexpected stale list: %+v", stale)
	}
}

func TestShutdownIsTotal(t *testing.T) {
	h := newTestHub()
	connX := newMockConnector("X")
	connY := newMockConnector("Y")
	connY.failUnsubscribeAll = true
	h.RegisterExchange("X", connX)
	h.RegisterExchange("Y", connY)

	ctx := context.Background()
	for _, exchange := range []string{"X", "Y"} {
		conn := connX
		if exchange == "Y" {
			conn = connY
		}
		if _, err := h.SubscribeTicker(ctx, exchange, "BTC", nil); err != nil {
			t.Fatalf("SubscribeTicker failed: %v", err)
		}
		if _, err := h.SubscribeTrades(ctx, exchange, "BTC", nil); err != nil {
			t.Fatalf("SubscribeTrades failed: %v", err)
		}
		conn.push(t, models.ChannelTicker, "BTC", tickerUpdate(exchange, "BTC", 50))
	}

	h.Shutdown(ctx)

	if subs := h.ListActiveSubscriptions(); len(subs) != 0 {
		t.Errorf("subscriptions survived shutdown: %+v", subs)
	}
	for _, exchange := range []string{"X", "Y"} {
		if _, ok := h.GetSnapshot(exchange, "BTC"); ok {
			t.Errorf("snapshot for %s survived shutdown", exchange)
		}
		if h.GetConnectionStatus()[exchange] {
			t.Errorf("exchange %s still reports connected", exchange)
		}
	}
	if connX.unsubscribeAllCalls != 1 {
		t.Errorf("expected 1 bulk unsubscribe on X, got %d", connX.unsubscribeAllCalls)
	}
}

func TestUnregisterExchangeIdempotent(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	if _, err := h.SubscribeTicker(ctx, "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}
	conn.push(t, models.ChannelTicker, "BTC", tickerUpdate("X", "BTC", 50))

	h.UnregisterExchange(ctx, "X")
	h.UnregisterExchange(ctx, "X")

	if conn.unsubscribeAllCalls != 1 {
		t.Errorf("expected exactly 1 bulk unsubscribe, got %d", conn.unsubscribeAllCalls)
	}
	if subs := h.ListActiveSubscriptions(); len(subs) != 0 {
		t.Errorf("subscriptions survived unregister: %+v", subs)
	}
	if _, ok := h.GetSnapshot("X", "BTC"); ok {
		t.Errorf("snapshot survived unregister")
	}
}

func TestReRegisterOverwritesConnector(t *testing.T) {
	h := newTestHub()
	first := newMockConnector("X")
	second := newMockConnector("X")
	h.RegisterExchange("X", first)
	h.RegisterExchange("X", second)

	if _, err := h.SubscribeTicker(context.Background(), "X", "BTC", nil); err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}

	second.mu.Lock()
	_, onSecond := second.handlers["ticker|BTC"]
	second.mu.Unlock()
	first.mu.Lock()
	_, onFirst := first.handlers["ticker|BTC"]
	first.mu.Unlock()

	if !onSecond || onFirst {
		t.Errorf("subscription routed to wrong connector (first=%v second=%v)", onFirst, onSecond)
	}
}

func TestUpdateAfterUnsubscribeDropped(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	calls := 0
	id, err := h.SubscribeTicker(ctx, "X", "BTC", func(models.Update) { calls++ })
	if err != nil {
		t.Fatalf("SubscribeTicker failed: %v", err)
	}

	// Keep the handler around to simulate an in-flight event racing the
	// unsubscribe.
	conn.mu.Lock()
	onData := conn.handlers["ticker|BTC"]
	conn.mu.Unlock()

	if !h.Unsubscribe(ctx, id) {
		t.Fatalf("unsubscribe failed")
	}
	onData(tickerUpdate("X", "BTC", 100))

	if calls != 0 {
		t.Errorf("callback invoked after unsubscribe")
	}
	if _, ok := h.GetSnapshot("X", "BTC"); ok {
		t.Errorf("late event merged after unsubscribe")
	}
}

func TestAccountScopedSubscriptions(t *testing.T) {
	h := newTestHub()
	conn := newMockConnector("X")
	h.RegisterExchange("X", conn)

	ctx := context.Background()
	var orders, balances int
	if _, err := h.SubscribeOrders(ctx, "X", func(models.Update) { orders++ }); err != nil {
		t.Fatalf("SubscribeOrders failed: %v", err)
	}
	if _, err := h.SubscribeBalances(ctx, "X", func(models.Update) { balances++ }); err != nil {
		t.Fatalf("SubscribeBalances failed: %v", err)
	}

	subs := h.ListActiveSubscriptions()
	for _, sub := range subs {
		if sub.Symbol != models.WildcardSymbol {
			t.Errorf("account-scoped subscription has symbol %q", sub.Symbol)
		}
	}

	conn.push(t, models.ChannelOrders, models.WildcardSymbol, models.OrderEventUpdate(models.OrderUpdate{
		Exchange: "X", Symbol: "BTC", OrderID: "o1", Status: "FILLED", Timestamp: time.Now(),
	}))
	conn.push(t, models.ChannelBalances, models.WildcardSymbol, models.BalancesUpdate(models.BalanceSet{
		Exchange: "X", Balances: []models.Balance{{Asset: "BTC", Free: 1}}, Timestamp: time.Now(),
	}))

	if orders != 1 || balances != 1 {
		t.Errorf("expected 1 order and 1 balance callback, got %d/%d", orders, balances)
	}
	// Account events never land in the instrument snapshot cache.
	if _, ok := h.GetSnapshot("X", models.WildcardSymbol); ok {
		t.Errorf("account event cached as snapshot")
	}
}

// Package bybit adapts the Bybit v5 linear market streams to the hub's
// connector capability. Order books are seeded from the REST depth endpoint
// and then maintained from websocket deltas. Bybit account channels require
// a separate private stream that this connector does not open; orders and
// balances subscriptions fail with an explicit error.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"markethub/config"
	"markethub/internal/connector"
	"markethub/logger"
	"markethub/models"
)

const (
	exchangeName = "bybit"
	defaultWsURL = "wss://stream.bybit.com/v5/public/linear"
	defaultDepth = 50

	pingInterval     = 20 * time.Second
	reconnectBackoff = 5 * time.Second
)

// ErrAccountChannelsUnsupported is returned for orders/balances
// subscriptions, which need Bybit's authenticated private stream.
var ErrAccountChannelsUnsupported = fmt.Errorf("bybit connector does not support account channels")

// Connector implements connector.Connector against Bybit v5 linear markets.
type Connector struct {
	cfg     config.BybitConnectorConfig
	rest    *bybitapi.Client
	limiter *rate.Limiter
	log     *logger.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]connector.DataHandler
	books    map[string]*localBook
	closed   bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a Bybit connector. No credentials are needed for the public
// market channels.
func New(cfg config.BybitConnectorConfig) *Connector {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	opts := []bybitapi.ClientOption{}
	if cfg.RestURL != "" {
		opts = append(opts, bybitapi.WithBaseURL(cfg.RestURL))
	}

	c := &Connector{
		cfg:      cfg,
		rest:     bybitapi.NewBybitHttpClient("", "", opts...),
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      logger.GetLogger().WithComponent("bybit_connector"),
		handlers: make(map[string]connector.DataHandler),
		books:    make(map[string]*localBook),
	}

	c.log.WithFields(logger.Fields{
		"requests_per_second": rps,
		"ws_url":              c.wsURL(),
	}).Info("bybit connector initialized")

	return c
}

// Name returns the venue identifier.
func (c *Connector) Name() string { return exchangeName }

func (c *Connector) wsURL() string {
	if c.cfg.WsURL != "" {
		return c.cfg.WsURL
	}
	return defaultWsURL
}

func (c *Connector) depth() int {
	if c.cfg.Depth > 0 {
		return c.cfg.Depth
	}
	return defaultDepth
}

// SubscribeOrderBook seeds the book from REST, then follows websocket
// deltas.
func (c *Connector) SubscribeOrderBook(ctx context.Context, symbol string, onData connector.DataHandler) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	seed, err := c.fetchDepthSnapshot(ctx, symbol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.books[symbol] = seed
	c.mu.Unlock()

	topic := fmt.Sprintf("orderbook.%d.%s", c.depth(), symbol)
	if err := c.subscribeTopic(ctx, topic, onData); err != nil {
		c.mu.Lock()
		delete(c.books, symbol)
		c.mu.Unlock()
		return err
	}

	// Deliver the seeded book from its own goroutine like every other
	// inbound event.
	snap := seed.snapshot(symbol)
	go onData(models.OrderBookUpdate(snap))
	return nil
}

// UnsubscribeOrderBook drops the book topic and local book state.
func (c *Connector) UnsubscribeOrderBook(ctx context.Context, symbol string) error {
	topic := fmt.Sprintf("orderbook.%d.%s", c.depth(), symbol)
	err := c.unsubscribeTopic(ctx, topic)

	c.mu.Lock()
	delete(c.books, symbol)
	c.mu.Unlock()
	return err
}

// SubscribeTicker follows the linear ticker topic for the symbol.
func (c *Connector) SubscribeTicker(ctx context.Context, symbol string, onData connector.DataHandler) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.subscribeTopic(ctx, "tickers."+symbol, onData)
}

// UnsubscribeTicker drops the ticker topic for the symbol.
func (c *Connector) UnsubscribeTicker(ctx context.Context, symbol string) error {
	return c.unsubscribeTopic(ctx, "tickers."+symbol)
}

// SubscribeTrades follows the public trade topic for the symbol.
func (c *Connector) SubscribeTrades(ctx context.Context, symbol string, onData connector.DataHandler) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.subscribeTopic(ctx, "publicTrade."+symbol, onData)
}

// UnsubscribeTrades drops the trade topic for the symbol.
func (c *Connector) UnsubscribeTrades(ctx context.Context, symbol string) error {
	return c.unsubscribeTopic(ctx, "publicTrade."+symbol)
}

// SubscribeOrders is not supported on the public stream.
func (c *Connector) SubscribeOrders(context.Context, connector.DataHandler) error {
	return fmt.Errorf("%w: orders", ErrAccountChannelsUnsupported)
}

// UnsubscribeOrders is not supported on the public stream.
func (c *Connector) UnsubscribeOrders(context.Context) error {
	return fmt.Errorf("%w: orders", ErrAccountChannelsUnsupported)
}

// SubscribeBalances is not supported on the public stream.
func (c *Connector) SubscribeBalances(context.Context, connector.DataHandler) error {
	return fmt.Errorf("%w: balances", ErrAccountChannelsUnsupported)
}

// UnsubscribeBalances is not supported on the public stream.
func (c *Connector) UnsubscribeBalances(context.Context) error {
	return fmt.Errorf("%w: balances", ErrAccountChannelsUnsupported)
}

// UnsubscribeAll closes the websocket and drops all topic handlers.
func (c *Connector) UnsubscribeAll(_ context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.handlers = make(map[string]connector.DataHandler)
	c.books = make(map[string]*localBook)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	c.log.Info("bybit connector fully unsubscribed")
	return nil
}

// fetchDepthSnapshot seeds a local book from the REST depth endpoint.
func (c *Connector) fetchDepthSnapshot(ctx context.Context, symbol string) (*localBook, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"limit":    c.depth(),
	}

	resp, err := c.rest.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit depth snapshot for %s: %w", symbol, err)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("bybit depth snapshot for %s: %w", symbol, err)
	}

	var result struct {
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("bybit depth snapshot for %s: %w", symbol, err)
	}

	book := newLocalBook()
	book.applySnapshot(result.Bids, result.Asks, result.UpdateID)
	return book, nil
}

// subscribeTopic registers the handler and sends the subscribe op, dialing
// the websocket on first use.
func (c *Connector) subscribeTopic(ctx context.Context, topic string, onData connector.DataHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("bybit connector is shut down")
	}
	c.handlers[topic] = onData
	needDial := c.conn == nil
	c.mu.Unlock()

	if needDial {
		if err := c.dial(ctx); err != nil {
			c.mu.Lock()
			delete(c.handlers, topic)
			c.mu.Unlock()
			return err
		}
	}

	if err := c.send(map[string]interface{}{"op": "subscribe", "args": []string{topic}}); err != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.log.WithFields(logger.Fields{"topic": topic}).Info("topic subscribed")
	return nil
}

func (c *Connector) unsubscribeTopic(_ context.Context, topic string) error {
	c.mu.Lock()
	_, ok := c.handlers[topic]
	delete(c.handlers, topic)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for topic %s", topic)
	}

	if err := c.send(map[string]interface{}{"op": "unsubscribe", "args": []string{topic}}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	c.log.WithFields(logger.Fields{"topic": topic}).Info("topic unsubscribed")
	return nil
}

func (c *Connector) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial bybit stream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.log.WithFields(logger.Fields{"url": c.wsURL()}).Info("websocket connected")
	return nil
}

func (c *Connector) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Connector) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}
		if err := c.send(map[string]interface{}{"op": "ping"}); err != nil {
			return
		}
	}
}

// readLoop dispatches stream messages until the connection drops, then
// reconnects and resubscribes the active topics unless the connector is
// shutting down.
func (c *Connector) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(payload)
	}
}

func (c *Connector) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	conn.Close()
	if len(topics) == 0 {
		return
	}

	c.log.WithError(cause).Warn("websocket dropped, reconnecting")
	time.Sleep(reconnectBackoff)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		c.log.WithError(err).Error("reconnect failed")
		return
	}
	if err := c.send(map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
		c.log.WithError(err).Error("resubscribe after reconnect failed")
	}
}

type streamMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func (c *Connector) dispatch(payload []byte) {
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Topic == "" {
		// op acks and pong frames carry no topic
		return
	}

	c.mu.Lock()
	onData, ok := c.handlers[msg.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case len(msg.Topic) > 10 && msg.Topic[:10] == "orderbook.":
		c.handleOrderBook(msg, onData)
	case len(msg.Topic) > 8 && msg.Topic[:8] == "tickers.":
		c.handleTicker(msg, onData)
	case len(msg.Topic) > 12 && msg.Topic[:12] == "publicTrade.":
		c.handleTrades(msg, onData)
	}
}

func (c *Connector) handleOrderBook(msg streamMessage, onData connector.DataHandler) {
	var data struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"`
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.log.WithError(err).Warn("bad orderbook payload")
		return
	}

	c.mu.Lock()
	book, ok := c.books[data.Symbol]
	if !ok {
		book = newLocalBook()
		c.books[data.Symbol] = book
	}
	if msg.Type == "snapshot" {
		book.applySnapshot(data.Bids, data.Asks, data.UpdateID)
	} else {
		book.applyDelta(data.Bids, data.Asks, data.UpdateID)
	}
	snap := book.snapshot(data.Symbol)
	c.mu.Unlock()

	onData(models.OrderBookUpdate(snap))
}

func (c *Connector) handleTicker(msg streamMessage, onData connector.DataHandler) {
	var data struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Bid1Size  string `json:"bid1Size"`
		Ask1Price string `json:"ask1Price"`
		Ask1Size  string `json:"ask1Size"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.log.WithError(err).Warn("bad ticker payload")
		return
	}

	onData(models.TickerUpdate(models.Ticker{
		Exchange:  exchangeName,
		Symbol:    data.Symbol,
		Bid:       parseFloat(data.Bid1Price),
		BidSize:   parseFloat(data.Bid1Size),
		Ask:       parseFloat(data.Ask1Price),
		AskSize:   parseFloat(data.Ask1Size),
		Last:      parseFloat(data.LastPrice),
		Timestamp: time.UnixMilli(msg.Ts),
	}))
}

func (c *Connector) handleTrades(msg streamMessage, onData connector.DataHandler) {
	var trades []struct {
		Time    int64  `json:"T"`
		Symbol  string `json:"s"`
		Side    string `json:"S"`
		Size    string `json:"v"`
		Price   string `json:"p"`
		TradeID string `json:"i"`
	}
	if err := json.Unmarshal(msg.Data, &trades); err != nil {
		c.log.WithError(err).Warn("bad trade payload")
		return
	}

	for _, t := range trades {
		onData(models.TradeUpdate(models.Trade{
			Exchange:  exchangeName,
			Symbol:    t.Symbol,
			TradeID:   t.TradeID,
			Price:     parseFloat(t.Price),
			Quantity:  parseFloat(t.Size),
			TakerBuy:  t.Side == "Buy",
			Timestamp: time.UnixMilli(t.Time),
		}))
	}
}

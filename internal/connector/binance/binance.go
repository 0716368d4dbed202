// Package binance adapts Binance spot market streams to the hub's connector
// capability. Market channels ride the public websocket streams; orders and
// balances share a single user-data stream opened on first use.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"markethub/config"
	"markethub/internal/connector"
	"markethub/logger"
	"markethub/models"
)

const exchangeName = "binance"

// Connector implements connector.Connector against Binance spot.
type Connector struct {
	cfg     config.BinanceConnectorConfig
	client  *binance.Client
	limiter *rate.Limiter
	log     *logger.Entry

	mu      sync.Mutex
	streams map[string]chan struct{}

	// user-data stream state, guarded by mu
	listenKey       string
	userStop        chan struct{}
	ordersHandler   connector.DataHandler
	balancesHandler connector.DataHandler

	wg sync.WaitGroup
}

// New creates a Binance connector. API credentials are only required for the
// account-scoped channels (orders, balances).
func New(cfg config.BinanceConnectorConfig) *Connector {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	c := &Connector{
		cfg:     cfg,
		client:  binance.NewClient(cfg.APIKey, cfg.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithComponent("binance_connector"),
		streams: make(map[string]chan struct{}),
	}

	c.log.WithFields(logger.Fields{
		"requests_per_second": rps,
		"burst":               burst,
	}).Info("binance connector initialized")

	return c
}

// Name returns the venue identifier.
func (c *Connector) Name() string { return exchangeName }

func streamKey(channel models.Channel, symbol string) string {
	return string(channel) + "|" + symbol
}

// SubscribeTicker opens a book-ticker stream for the symbol.
func (c *Connector) SubscribeTicker(ctx context.Context, symbol string, onData connector.DataHandler) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	handler := func(event *binance.WsBookTickerEvent) {
		onData(models.TickerUpdate(models.Ticker{
			Exchange:  exchangeName,
			Symbol:    event.Symbol,
			Bid:       parseFloat(event.BestBidPrice),
			BidSize:   parseFloat(event.BestBidQty),
			Ask:       parseFloat(event.BestAskPrice),
			AskSize:   parseFloat(event.BestAskQty),
			Timestamp: time.Now(),
		}))
	}

	_, stopC, err := binance.WsBookTickerServe(symbol, handler, c.errHandler(models.ChannelTicker, symbol))
	if err != nil {
		return fmt.Errorf("binance ticker stream for %s: %w", symbol, err)
	}
	c.track(models.ChannelTicker, symbol, stopC)
	return nil
}

// UnsubscribeTicker closes the symbol's book-ticker stream.
func (c *Connector) UnsubscribeTicker(_ context.Context, symbol string) error {
	return c.stop(models.ChannelTicker, symbol)
}

// SubscribeOrderBook opens a partial-depth stream for the symbol.
func (c *Connector) SubscribeOrderBook(ctx context.Context, symbol string, onData connector.DataHandler) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	depth := c.cfg.Depth
	if depth <= 0 {
		depth = 20
	}

	handler := func(event *binance.WsPartialDepthEvent) {
		book := models.OrderBook{
			Exchange:     exchangeName,
			Symbol:       event.Symbol,
			Bids:         make([]models.PriceLevel, 0, len(event.Bids)),
			Asks:         make([]models.PriceLevel, 0, len(event.Asks)),
			LastUpdateID: event.LastUpdateID,
			Timestamp:    time.Now(),
		}
		for _, bid := range event.Bids {
			book.Bids = append(book.Bids, models.PriceLevel{Price: parseFloat(bid.Price), Quantity: parseFloat(bid.Quantity)})
		}
		for _, ask := range event.Asks {
			book.Asks = append(book.Asks, models.PriceLevel{Price: parseFloat(ask.Price), Quantity: parseFloat(ask.Quantity)})
		}
		onData(models.OrderBookUpdate(book))
	}

	_, stopC, err := binance.WsPartialDepthServe(symbol, strconv.Itoa(depth), handler, c.errHandler(models.ChannelOrderBook, symbol))
	if err != nil {
		return fmt.Errorf("binance depth stream for %s: %w", symbol, err)
	}
	c.track(models.ChannelOrderBook, symbol, stopC)
	return nil
}

// UnsubscribeOrderBook closes the symbol's depth stream.
func (c *Connector) UnsubscribeOrderBook(_ context.Context, symbol string) error {
	return c.stop(models.ChannelOrderBook, symbol)
}

// SubscribeTrades opens a trade stream for the symbol.
func (c *Connector) SubscribeTrades(ctx context.Context, symbol string, onData connector.DataHandler) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	handler := func(event *binance.WsTradeEvent) {
		onData(models.TradeUpdate(models.Trade{
			Exchange:  exchangeName,
			Symbol:    event.Symbol,
			TradeID:   strconv.FormatInt(event.TradeID, 10),
			Price:     parseFloat(event.Price),
			Quantity:  parseFloat(event.Quantity),
			TakerBuy:  !event.IsBuyerMaker,
			Timestamp: time.UnixMilli(event.TradeTime),
		}))
	}

	_, stopC, err := binance.WsTradeServe(symbol, handler, c.errHandler(models.ChannelTrades, symbol))
	if err != nil {
		return fmt.Errorf("binance trade stream for %s: %w", symbol, err)
	}
	c.track(models.ChannelTrades, symbol, stopC)
	return nil
}

// UnsubscribeTrades closes the symbol's trade stream.
func (c *Connector) UnsubscribeTrades(_ context.Context, symbol string) error {
	return c.stop(models.ChannelTrades, symbol)
}

// SubscribeOrders attaches to the account's execution reports via the shared
// user-data stream.
func (c *Connector) SubscribeOrders(ctx context.Context, onData connector.DataHandler) error {
	c.mu.Lock()
	c.ordersHandler = onData
	c.mu.Unlock()
	if err := c.ensureUserStream(ctx); err != nil {
		c.mu.Lock()
		c.ordersHandler = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeOrders detaches the orders handler and closes the user-data
// stream when balances are not attached either.
func (c *Connector) UnsubscribeOrders(ctx context.Context) error {
	c.mu.Lock()
	c.ordersHandler = nil
	c.mu.Unlock()
	return c.maybeCloseUserStream(ctx)
}

// SubscribeBalances attaches to account position updates via the shared
// user-data stream.
func (c *Connector) SubscribeBalances(ctx context.Context, onData connector.DataHandler) error {
	c.mu.Lock()
	c.balancesHandler = onData
	c.mu.Unlock()
	if err := c.ensureUserStream(ctx); err != nil {
		c.mu.Lock()
		c.balancesHandler = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeBalances detaches the balances handler and closes the user-data
// stream when orders are not attached either.
func (c *Connector) UnsubscribeBalances(ctx context.Context) error {
	c.mu.Lock()
	c.balancesHandler = nil
	c.mu.Unlock()
	return c.maybeCloseUserStream(ctx)
}

// UnsubscribeAll closes every open stream.
func (c *Connector) UnsubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	for key, stopC := range c.streams {
		close(stopC)
		delete(c.streams, key)
	}
	c.ordersHandler = nil
	c.balancesHandler = nil
	c.mu.Unlock()

	if err := c.maybeCloseUserStream(ctx); err != nil {
		return err
	}

	c.wg.Wait()
	c.log.Info("binance connector fully unsubscribed")
	return nil
}

func (c *Connector) track(channel models.Channel, symbol string, stopC chan struct{}) {
	key := streamKey(channel, symbol)

	c.mu.Lock()
	if old, ok := c.streams[key]; ok {
		close(old)
	}
	c.streams[key] = stopC
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{"channel": string(channel), "symbol": symbol}).Info("stream opened")
}

func (c *Connector) stop(channel models.Channel, symbol string) error {
	key := streamKey(channel, symbol)

	c.mu.Lock()
	stopC, ok := c.streams[key]
	if ok {
		delete(c.streams, key)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no open %s stream for %s", channel, symbol)
	}
	close(stopC)
	c.log.WithFields(logger.Fields{"channel": string(channel), "symbol": symbol}).Info("stream closed")
	return nil
}

func (c *Connector) errHandler(channel models.Channel, symbol string) binance.ErrHandler {
	return func(err error) {
		c.log.WithError(err).WithFields(logger.Fields{
			"channel": string(channel),
			"symbol":  symbol,
		}).Warn("websocket stream error")
	}
}

// ensureUserStream opens the user-data stream once. Subsequent calls while
// the stream is up only attach handlers.
func (c *Connector) ensureUserStream(ctx context.Context) error {
	c.mu.Lock()
	if c.userStop != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return fmt.Errorf("binance account channels require api credentials")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	listenKey, err := c.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start binance user stream: %w", err)
	}

	_, stopC, err := binance.WsUserDataServe(listenKey, c.handleUserData, func(err error) {
		c.log.WithError(err).Warn("user-data stream error")
	})
	if err != nil {
		return fmt.Errorf("serve binance user stream: %w", err)
	}

	c.mu.Lock()
	c.listenKey = listenKey
	c.userStop = stopC
	c.mu.Unlock()

	c.wg.Add(1)
	go c.keepaliveUserStream(stopC, listenKey)

	c.log.Info("user-data stream opened")
	return nil
}

// keepaliveUserStream pings the listen key every 30 minutes; Binance expires
// idle keys after 60.
func (c *Connector) keepaliveUserStream(stopC chan struct{}, listenKey string) {
	defer c.wg.Done()

	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopC:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
			cancel()
			if err != nil {
				c.log.WithError(err).Warn("user stream keepalive failed")
			}
		}
	}
}

func (c *Connector) maybeCloseUserStream(ctx context.Context) error {
	c.mu.Lock()
	if c.ordersHandler != nil || c.balancesHandler != nil || c.userStop == nil {
		c.mu.Unlock()
		return nil
	}
	stopC := c.userStop
	listenKey := c.listenKey
	c.userStop = nil
	c.listenKey = ""
	c.mu.Unlock()

	close(stopC)
	if err := c.client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		c.log.WithError(err).Warn("failed to close user stream listen key")
	}
	c.log.Info("user-data stream closed")
	return nil
}

func (c *Connector) handleUserData(event *binance.WsUserDataEvent) {
	switch event.Event {
	case binance.UserDataEventTypeExecutionReport:
		c.mu.Lock()
		onData := c.ordersHandler
		c.mu.Unlock()
		if onData == nil {
			return
		}
		ou := event.OrderUpdate
		onData(models.OrderEventUpdate(models.OrderUpdate{
			Exchange:  exchangeName,
			Symbol:    ou.Symbol,
			OrderID:   strconv.FormatInt(ou.Id, 10),
			Side:      ou.Side,
			Status:    ou.Status,
			Price:     parseFloat(ou.Price),
			Quantity:  parseFloat(ou.Volume),
			Filled:    parseFloat(ou.FilledVolume),
			Timestamp: time.UnixMilli(event.Time),
		}))

	case binance.UserDataEventTypeOutboundAccountPosition:
		c.mu.Lock()
		onData := c.balancesHandler
		c.mu.Unlock()
		if onData == nil {
			return
		}
		set := models.BalanceSet{
			Exchange:  exchangeName,
			Balances:  make([]models.Balance, 0, len(event.AccountUpdate.WsAccountUpdates)),
			Timestamp: time.UnixMilli(event.Time),
		}
		for _, b := range event.AccountUpdate.WsAccountUpdates {
			set.Balances = append(set.Balances, models.Balance{
				Asset:  b.Asset,
				Free:   parseFloat(b.Free),
				Locked: parseFloat(b.Locked),
			})
		}
		onData(models.BalancesUpdate(set))
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

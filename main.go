package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"markethub/config"
	"markethub/internal/connector"
	"markethub/internal/connector/binance"
	"markethub/internal/connector/bybit"
	"markethub/internal/gateway"
	"markethub/internal/hub"
	"markethub/internal/sink"
	"markethub/logger"
	"markethub/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Markethub.Name,
		"version":     cfg.Markethub.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting markethub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	h := hub.NewHub(cfg.Hub)

	if cfg.Connectors.Binance.Enabled {
		conn := binance.New(cfg.Connectors.Binance)
		h.RegisterExchange(conn.Name(), conn)
		bootstrapSubscriptions(ctx, h, conn.Name(), cfg.Connectors.Binance.Symbols, cfg.Connectors.Binance.Channels, log)
	}
	if cfg.Connectors.Bybit.Enabled {
		conn := bybit.New(cfg.Connectors.Bybit)
		h.RegisterExchange(conn.Name(), conn)
		bootstrapSubscriptions(ctx, h, conn.Name(), cfg.Connectors.Bybit.Symbols, cfg.Connectors.Bybit.Channels, log)
	}

	var snapshotSink *sink.Sink
	if cfg.Storage.S3.Enabled {
		snapshotSink, err = sink.New(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot sink")
			os.Exit(1)
		}
		h.AddListener(snapshotSink.Listener())
		if err := snapshotSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start snapshot sink")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping snapshot sink")
	}

	var wg sync.WaitGroup

	gw := gateway.NewServer(cfg.Gateway, h)
	if gw != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gw.Run(ctx); err != nil {
				log.WithError(err).Warn("gateway exited with error")
			}
		}()
	}

	// The hub is reactive; the staleness scan runs on a host-owned timer.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runHealthTimer(ctx, h, log)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	h.Shutdown(shutdownCtx)

	if snapshotSink != nil {
		log.Info("stopping snapshot sink")
		snapshotSink.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("markethub stopped")
}

// bootstrapSubscriptions opens the configured channels for every configured
// symbol on the exchange. Failures are logged and skipped so one rejected
// instrument does not block startup.
func bootstrapSubscriptions(ctx context.Context, h *hub.Hub, exchange string, symbols, channels []string, log *logger.Log) {
	noop := connector.DataHandler(func(models.Update) {})

	for _, channel := range channels {
		switch models.Channel(channel) {
		case models.ChannelOrders:
			if _, err := h.SubscribeOrders(ctx, exchange, noop); err != nil {
				log.WithError(err).WithFields(logger.Fields{"exchange": exchange}).Warn("orders subscription failed")
			}
			continue
		case models.ChannelBalances:
			if _, err := h.SubscribeBalances(ctx, exchange, noop); err != nil {
				log.WithError(err).WithFields(logger.Fields{"exchange": exchange}).Warn("balances subscription failed")
			}
			continue
		}

		for _, symbol := range symbols {
			var err error
			switch models.Channel(channel) {
			case models.ChannelOrderBook:
				_, err = h.SubscribeOrderBook(ctx, exchange, symbol, noop)
			case models.ChannelTicker:
				_, err = h.SubscribeTicker(ctx, exchange, symbol, noop)
			case models.ChannelTrades:
				_, err = h.SubscribeTrades(ctx, exchange, symbol, noop)
			default:
				log.WithFields(logger.Fields{"channel": channel}).Warn("unknown channel in config")
				continue
			}
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"exchange": exchange,
					"symbol":   symbol,
					"channel":  channel,
				}).Warn("bootstrap subscription failed")
			}
		}
	}
}

func runHealthTimer(ctx context.Context, h *hub.Hub, log *logger.Log) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := h.HealthCheck()
			entry := log.WithComponent("health").WithFields(logger.Fields{
				"total":       report.Total,
				"active":      report.Active,
				"stale":       report.Stale,
				"connections": report.Connections,
			})
			if report.Stale > 0 {
				entry.Warn("stale subscriptions detected")
				for _, sub := range h.StaleSubscriptions() {
					log.WithComponent("health").WithFields(logger.Fields{
						"subscription_id": sub.ID,
						"exchange":        sub.Exchange,
						"symbol":          sub.Symbol,
						"channel":         string(sub.Channel),
						"last_update":     sub.LastUpdate,
					}).Warn("subscription has gone quiet")
				}
			} else {
				entry.Debug("subscriptions healthy")
			}
		}
	}
}

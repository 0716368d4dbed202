// Package gateway exposes the hub's query API over HTTP and rebroadcasts
// fan-out events to websocket clients.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"markethub/config"
	"markethub/internal/hub"
	"markethub/logger"
)

// Server hosts the Gin-powered query API and the websocket broadcast
// endpoint.
type Server struct {
	cfg        config.GatewayConfig
	hub        *hub.Hub
	broadcast  *broadcaster
	listenerID string
	httpServer *http.Server
	log        *logger.Entry
}

// NewServer constructs a gateway when the feature is enabled. When disabled
// the returned server is nil and all methods no-op.
func NewServer(cfg config.GatewayConfig, h *hub.Hub) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}

	s := &Server{
		cfg:       cfg,
		hub:       h,
		broadcast: newBroadcaster(cfg, logger.GetLogger().WithComponent("gateway")),
		log:       logger.GetLogger().WithComponent("gateway"),
	}
	s.listenerID = h.AddListener(s.broadcast.listener())

	return s
}

// Run starts the gateway HTTP server and blocks until the context is
// cancelled or the server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(),
	}

	s.log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("gateway listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	s.hub.RemoveListener(s.listenerID)
	s.broadcast.close()
}

// Address reports the network address the gateway listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies(nil)

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.HealthCheck())
	})

	router.GET("/api/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subscriptions": s.hub.ListActiveSubscriptions()})
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.hub.GetConnectionStatus()})
	})

	router.GET("/api/snapshot/:exchange/:symbol", func(c *gin.Context) {
		snap, ok := s.hub.GetSnapshot(c.Param("exchange"), c.Param("symbol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for pair"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	router.GET("/ws", s.broadcast.handleUpgrade)

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}

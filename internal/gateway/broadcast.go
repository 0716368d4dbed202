package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"markethub/config"
	"markethub/internal/hub"
	"markethub/logger"
	"markethub/models"
)

// wsEvent is the frame pushed to websocket clients for every fan-out event.
type wsEvent struct {
	Event     string        `json:"event"`
	Exchange  string        `json:"exchange"`
	Symbol    string        `json:"symbol,omitempty"`
	Data      models.Update `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// broadcaster pushes hub events to connected websocket clients. Slow clients
// are dropped rather than allowed to back-pressure the fan-out.
type broadcaster struct {
	cfg config.GatewayConfig
	log *logger.Entry

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan wsEvent
}

func newBroadcaster(cfg config.GatewayConfig, log *logger.Entry) *broadcaster {
	return &broadcaster{
		cfg:     cfg,
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// listener adapts the broadcaster to the hub's fan-out interface.
func (b *broadcaster) listener() hub.Listener {
	return func(event string, update models.Update) {
		frame := wsEvent{
			Event:     event,
			Exchange:  update.Exchange,
			Symbol:    update.Symbol,
			Data:      update,
			Timestamp: time.Now(),
		}

		b.mu.Lock()
		for c := range b.clients {
			select {
			case c.send <- frame:
			default:
				// Client can't keep up; disconnect it.
				delete(b.clients, c)
				close(c.send)
			}
		}
		b.mu.Unlock()
	}
}

func (b *broadcaster) handleUpgrade(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if b.cfg.AllowedOrigin == "" || b.cfg.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == b.cfg.AllowedOrigin
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan wsEvent, b.cfg.ClientBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[cl] = struct{}{}
	total := len(b.clients)
	b.mu.Unlock()

	b.log.WithFields(logger.Fields{"clients": total}).Info("websocket client connected")

	go b.writeLoop(cl)
	go b.readLoop(cl)
}

func (b *broadcaster) writeLoop(cl *client) {
	defer cl.conn.Close()

	for frame := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := cl.conn.WriteJSON(frame); err != nil {
			b.drop(cl)
			return
		}
	}
}

// readLoop discards inbound frames; its job is to notice disconnects.
func (b *broadcaster) readLoop(cl *client) {
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			b.drop(cl)
			return
		}
	}
}

func (b *broadcaster) drop(cl *client) {
	b.mu.Lock()
	if _, ok := b.clients[cl]; ok {
		delete(b.clients, cl)
		close(cl.send)
	}
	b.mu.Unlock()
	cl.conn.Close()
}

func (b *broadcaster) close() {
	b.mu.Lock()
	b.closed = true
	for cl := range b.clients {
		delete(b.clients, cl)
		close(cl.send)
		cl.conn.Close()
	}
	b.mu.Unlock()
}

package emit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/urbanos/trafficd/internal/observ"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 54 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxInboundBytes = 512
)

// Hub bridges the bus onto WebSocket clients for the dashboard feed. Slow or
// rate-limited clients lose events rather than stalling the bus.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader

	ratePerSec float64
	burst      int

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	lim  *rate.Limiter
}

func NewHub(bus *Bus, ratePerSec float64, burst int) *Hub {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboard origins are proxied; the ops listener is loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ratePerSec: ratePerSec,
		burst:      burst,
		clients:    make(map[string]*wsClient),
	}
}

// Start consumes the bus and broadcasts until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	sub := h.bus.Subscribe("ws-hub")
	go func() {
		defer h.bus.Unsubscribe("ws-hub")
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case env, ok := <-sub.C:
				if !ok {
					h.closeAll()
					return
				}
				h.broadcast(env)
			}
		}
	}()
	observ.Log("ws_hub_start", map[string]any{"rate_per_s": h.ratePerSec, "burst": h.burst})
}

func (h *Hub) broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.lim.Allow() {
			observ.IncCounter("ws_rate_limited_total", map[string]string{"client": c.id})
			continue
		}
		select {
		case c.send <- env:
		default:
			observ.IncCounter("ws_dropped_total", map[string]string{"client": c.id})
		}
	}
}

// ServeHTTP upgrades the connection and acks with the assigned client id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.LogError("ws_upgrade_error", err, nil)
		return
	}
	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Envelope, 64),
		lim:  rate.NewLimiter(rate.Limit(h.ratePerSec), h.burst),
	}

	// Queue the ack before the client is visible to broadcast/closeAll so the
	// channel cannot be closed underneath this send.
	ack := Envelope{V: 1, Type: EventConnectionAck, ID: uuid.NewString(), TS: time.Now().UTC()}
	ack.Payload = mustJSON(map[string]string{"client_id": c.id})
	c.send <- ack

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	observ.SetGauge("ws_clients", float64(n), nil)
	observ.Log("ws_client_connected", map[string]any{"client_id": c.id, "clients": n})

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists to notice disconnects and answer pings; inbound payloads
// are ignored.
func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	c.conn.Close()
	observ.SetGauge("ws_clients", float64(n), nil)
	observ.Log("ws_client_disconnected", map[string]any{"client_id": c.id, "clients": n})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
	observ.SetGauge("ws_clients", 0, nil)
}

// ClientCount reports currently connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

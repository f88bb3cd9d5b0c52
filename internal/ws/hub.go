// Package ws pushes fused bus locations to riders over WebSocket. A client
// subscribes to one bus and receives every accepted update for it.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bus-tracker/internal/fusion"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	busID int64
	conn  *websocket.Conn
	send  chan []byte
}

// Hub fans fused locations out to per-bus subscriber sets. It implements the
// engine's update sink, so every accepted report reaches subscribed riders
// without polling.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]map[*client]struct{}
	log  *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs: make(map[int64]map[*client]struct{}),
		log:  log,
	}
}

// PublishLocation sends the fused location to every subscriber of its bus.
// Slow clients get dropped instead of blocking the write path.
func (h *Hub) PublishLocation(loc fusion.BusLocation) error {
	msg, err := json.Marshal(loc)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var stale []*client
	for c := range h.subs[loc.BusID] {
		select {
		case c.send <- msg:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.unsubscribe(c)
	}
	return nil
}

// Subscribers returns how many clients are watching the bus.
func (h *Hub) Subscribers(busID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[busID])
}

// ServeBus upgrades the request and streams the bus's location updates until
// the client disconnects.
func (h *Hub) ServeBus(w http.ResponseWriter, r *http.Request, busID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "busId", busID, "error", err)
		return
	}

	c := &client{busID: busID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.subscribe(c)
	h.log.Debug("ws client subscribed", "busId", busID)

	go c.writePump()
	go func() {
		c.readPump()
		h.unsubscribe(c)
	}()
}

func (h *Hub) subscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[c.busID]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[c.busID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[c.busID]
	if !ok {
		return
	}
	if _, live := set[c]; !live {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, c.busID)
	}
	close(c.send)
}

// readPump discards inbound frames; it exists to run the pong handler and to
// notice the disconnect.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

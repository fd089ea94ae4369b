package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efreitasn/tradecore/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams a user's events to that user's websocket connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	user   domain.UserID
	send   chan []byte
	closed bool // guarded by hub.mu
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Publish sends ev to every connection of ev.UserID. A connection whose
// buffer is full is dropped rather than slowing the publisher down.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	var targets []*client
	for c := range h.clients {
		if c.user == ev.UserID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	msg, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		h.logger.Error("ws: marshal event", "event", ev.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range targets {
		if c.closed {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("ws: dropping slow client", "user_id", c.user)
		h.unregister(c)
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws: client connected", "user_id", c.user, "total", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closed = true
	close(c.send)
}

// ServeWS upgrades the request and streams events for the user named by
// the user_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.URL.Query().Get("user_id"))
	if user == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		user: user,
		send: make(chan []byte, sendBuffer),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws: read", "user_id", c.user, "error", err)
			}
			return
		}
	}
}

// writePump writes queued events and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/events"
	"tradecore/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Hub tracks connected stream clients so shutdown can close them all.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
	logger  *slog.Logger
}

// Client is one WebSocket subscriber, pinned to a single user's event feed.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	cancel func()
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger.With("component", "ws_hub"),
	}
}

// Attach registers a connection, subscribes it to the user's events, and
// starts the pumps. The bus subscription is cancelled when the client drops.
func (h *Hub) Attach(bus *events.Bus, conn *websocket.Conn, userType types.UserType, userID string) *Client {
	evCh, cancel := bus.Subscribe(userType, userID)
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream client connected",
		"user_type", userType, "user_id", userID, "count", count)

	go client.forward(evCh)
	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.cancel()
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream client disconnected", "count", count)
}

// Shutdown closes every connected client.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// forward marshals bus events into the send queue. Ends when the
// subscription channel closes.
func (c *Client) forward(evCh <-chan events.Event) {
	for ev := range evCh {
		data, err := json.Marshal(ev)
		if err != nil {
			c.hub.logger.Error("marshal event", "kind", ev.Kind, "error", err)
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer; drop the event rather than block the feed.
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// The stream is read-only; client messages are drained and ignored.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("stream read", "error", err)
			}
			return
		}
	}
}

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// EventSyncState is the envelope type of every state message.
const EventSyncState = "sync.state"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts non-browser clients and pages served from localhost.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string           `json:"type"`
	Data      models.SyncState `json:"data"`
	Timestamp int64            `json:"timestamp"`
}

// wsClient is one websocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans sync state messages out to websocket clients. A client whose
// buffer is full is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	done    chan struct{}
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*wsClient),
		done:    make(chan struct{}),
	}
}

// Forward broadcasts every state received on states until the channel closes
// or the hub is closed.
func (h *Hub) Forward(states <-chan models.SyncState) {
	for {
		select {
		case state, ok := <-states:
			if !ok {
				return
			}
			h.Broadcast(state)
		case <-h.done:
			return
		}
	}
}

// Broadcast sends state to every connected client.
func (h *Hub) Broadcast(state models.SyncState) {
	msg, err := encodeState(state)
	if err != nil {
		logging.Error("Failed to marshal state message", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, id)
			logging.Warn("Websocket client too slow, disconnected", map[string]interface{}{"client_id": id})
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops Forward.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, c := range h.clients {
			close(c.send)
			delete(h.clients, id)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c.id] = c
	logging.Debug("Websocket client connected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	logging.Debug("Websocket client disconnected", map[string]interface{}{"client_id": c.id, "total": len(h.clients)})
}

func encodeState(state models.SyncState) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      EventSyncState,
		Data:      state,
		Timestamp: time.Now().UnixMilli(),
	})
}

// HandleWebSocket upgrades the request and streams state messages, starting
// with the current state.
func (h *Hub) HandleWebSocket(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &wsClient{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
			hub:  h,
		}

		if state, err := engine.CurrentState(r.Context()); err == nil {
			if msg, err := encodeState(state); err == nil {
				c.send <- msg
			}
		}

		if !h.register(c) {
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Websocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

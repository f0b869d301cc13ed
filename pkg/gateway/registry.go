package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	idleAfter      = 5 * time.Minute
	maxMessageSize = 4096
)

// Client is one /events subscriber. RunID and SessionID, when set, restrict
// which events it receives.
type Client struct {
	ID          string
	RunID       string
	SessionID   string
	IPAddress   string
	ConnectedAt time.Time

	conn         *websocket.Conn
	mu           sync.Mutex // guards send against close
	send         chan []byte
	closed       bool
	lastActivity atomic.Int64
	dropped      atomic.Uint64
}

func newClient(id string, conn *websocket.Conn, runID, sessionID, ip string) *Client {
	now := time.Now()
	c := &Client{
		ID:          id,
		RunID:       runID,
		SessionID:   sessionID,
		IPAddress:   ip,
		ConnectedAt: now,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Wants reports whether the client's filter matches an event.
func (c *Client) Wants(runID, sessionID string) bool {
	if c.RunID != "" && c.RunID != runID {
		return false
	}
	if c.SessionID != "" && c.SessionID != sessionID {
		return false
	}
	return true
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	bufferFull
	clientClosed
)

// enqueue hands data to the write pump without blocking. A full buffer drops
// the message; a closed client ignores it.
func (c *Client) enqueue(data []byte) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return clientClosed
	}
	select {
	case c.send <- data:
		return enqueued
	default:
		c.dropped.Add(1)
		return bufferFull
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump discards client frames and returns when the connection drops.
func (c *Client) readPump(logger zerolog.Logger) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("clientId", c.ID).Msg("WebSocket read error")
			}
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump writes queued events and pings until the send channel closes.
func (c *Client) writePump() {
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
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
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

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and closes its send channel.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if ok {
		client.close()
	}
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Subscribers returns the clients whose filter matches the event.
func (r *ClientRegistry) Subscribers(runID, sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.Wants(runID, sessionID) {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		last := time.Unix(0, client.lastActivity.Load())
		infos = append(infos, ClientInfo{
			ID:           client.ID,
			RunID:        client.RunID,
			SessionID:    client.SessionID,
			ConnectedAt:  client.ConnectedAt,
			LastActivity: last,
			IPAddress:    client.IPAddress,
			Idle:         now.Sub(last) > idleAfter,
			Dropped:      client.dropped.Load(),
		})
	}
	return infos
}

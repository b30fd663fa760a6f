package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/session-timer/backend/internal/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with pings. A write error removes the client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.b.RemoveClient(c)
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

// Broadcaster owns the live websocket clients and delivers engine messages
// to them by connection id. It implements engine.Sender.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[string]*client
	maxConns int
	log      *slog.Logger
}

// NewBroadcaster returns a Broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(maxConns int, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		clients:  make(map[string]*client),
		maxConns: maxConns,
		log:      log,
	}
}

// AddClient registers conn under a fresh connection id and starts its
// write pump.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c.id] = c
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

// RemoveClient unregisters c and closes its send queue. Safe to call more
// than once.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.clients[c.id]; ok && cur == c {
		delete(b.clients, c.id)
		close(c.send)
	}
}

// Send queues msg for connID without blocking. A client whose queue is
// full is disconnected. Unknown ids are ignored.
func (b *Broadcaster) Send(connID string, msg engine.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshal message", "type", msg.Type, "err", err)
		return
	}

	b.mu.RLock()
	c, ok := b.clients[connID]
	delivered := false
	if ok {
		select {
		case c.send <- data:
			delivered = true
		default:
		}
	}
	b.mu.RUnlock()

	if ok && !delivered {
		b.log.Warn("ws client too slow, disconnecting", "conn", connID)
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// CloseAll disconnects every client.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}

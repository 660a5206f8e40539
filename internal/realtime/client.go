package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum event size allowed from peer
	maxMessageSize = 4096
)

var ErrClientDisconnected = fmt.Errorf("client disconnected")

// Conn is the subset of *websocket.Conn the transport needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one live transport session accepted by this process. The user
// identity is unknown until a join event announces it.
type Client struct {
	id   string
	hub  *Hub
	conn Conn
	send chan []byte

	mu        sync.RWMutex
	userID    string
	transport string

	// Connection state management
	closed     int32 // atomic flag, connection is torn down
	sendClosed int32 // atomic flag, send channel is closed

	writeMu sync.Mutex // serializes writes to conn (pumps + eviction close frame)
	wg      sync.WaitGroup
}

func NewClient(hub *Hub, conn Conn) *Client {
	return &Client{
		id:        uuid.New().String(),
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		transport: "streaming",
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *Client) Transport() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) close() {
	atomic.CompareAndSwapInt32(&c.closed, 0, 1)
}

// closeSendChannel safely closes the send channel exactly once.
func (c *Client) closeSendChannel() {
	if atomic.CompareAndSwapInt32(&c.sendClosed, 0, 1) {
		close(c.send)
	}
}

// SendEvent queues an event for delivery. A full send buffer closes the
// client rather than blocking the caller.
func (c *Client) SendEvent(ev *protocol.Event) error {
	if c.isClosed() || atomic.LoadInt32(&c.sendClosed) == 1 {
		return ErrClientDisconnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("Send buffer full, closing client", "clientID", c.id, "userID", c.UserID())
		c.closeSendChannel()
		return ErrClientDisconnected
	}
}

func (c *Client) sendError(message string) {
	c.SendEvent(protocol.MustEvent(protocol.EventError, protocol.ErrorData{Message: message}))
}

// Evict closes the connection with a distinguishable close code so the peer's
// reconnection controller can tell a stale-session eviction from a network drop.
func (c *Client) Evict(code int, reason string) {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	c.conn.Close()
	slog.Info("Client evicted", "clientID", c.id, "userID", c.UserID(), "code", code, "reason", reason)
}

func (c *Client) readPump() {
	c.wg.Add(1)
	defer func() {
		c.wg.Done()
		c.close()

		select {
		case c.hub.unregister <- c:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout sending unregister request", "clientID", c.id, "userID", c.UserID())
		}

		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, protocol.CloseSessionReplaced) {
				slog.Error("WebSocket error", "clientID", c.id, "userID", c.UserID(), "error", err)
			} else {
				slog.Debug("WebSocket connection closed", "clientID", c.id, "userID", c.UserID(), "error", err)
			}
			return
		}

		// Hand off to the hub loop so events from one connection are
		// dispatched in arrival order.
		select {
		case c.hub.inbound <- &inboundEvent{client: c, raw: raw}:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout handing event to hub", "clientID", c.id, "userID", c.UserID())
		}

		if c.isClosed() {
			return
		}
	}
}

func (c *Client) writePump() {
	c.wg.Add(1)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		c.wg.Done()
		ticker.Stop()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if c.isClosed() {
				return
			}

			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				slog.Debug("Error writing message", "clientID", c.id, "userID", c.UserID(), "error", err)
				return
			}

		case <-ticker.C:
			if c.isClosed() {
				return
			}

			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				slog.Debug("Error sending ping", "clientID", c.id, "userID", c.UserID(), "error", err)
				return
			}
		}
	}
}

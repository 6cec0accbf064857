package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Outbound buffer per connection; a full buffer means the client is
	// too slow and is treated as dead.
	sendBufferSize = 256
)

var ErrClientDisconnected = fmt.Errorf("client disconnected")

// Conn is the subset of *websocket.Conn the client pumps rely on. Tests
// substitute a fake connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is the server-side state for one socket connection. It is created
// on connect and destroyed on disconnect or forced reap; all operations on
// a closed client are no-ops.
type Client struct {
	id   string
	hub  *Hub
	conn Conn
	send chan []byte

	mu            sync.RWMutex
	rooms         map[string]bool
	notifications map[string]bool

	// Unix nanos of the most recent liveness confirmation (pong or PING
	// command). Written by the pumps, read by the hub reaper.
	lastPing atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	closed int32

	// sendMu serializes queueing on the send channel against closing it.
	// Shutdown tears clients down from outside the hub loop, so a send and
	// the close can otherwise race.
	sendMu     sync.RWMutex
	sendClosed int32

	wg sync.WaitGroup
}

func newClient(hub *Hub, conn Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		id:            uuid.New().String(),
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		rooms:         make(map[string]bool),
		notifications: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.touchPing()
	return c
}

func (c *Client) ID() string {
	return c.id
}

// Rooms returns the rooms the client currently belongs to.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (c *Client) inRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

func (c *Client) setNotifications(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = make(map[string]bool, len(types))
	for _, t := range types {
		c.notifications[t] = true
	}
}

func (c *Client) touchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

func (c *Client) pingAge() time.Duration {
	return time.Since(time.Unix(0, c.lastPing.Load()))
}

// isClosed returns true if the client is closed
func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// close marks the client as closed and cancels the context
func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
	}
}

// closeSendChannel safely closes the send channel
func (c *Client) closeSendChannel() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if atomic.CompareAndSwapInt32(&c.sendClosed, 0, 1) {
		close(c.send)
	}
}

// SendEnvelope queues an envelope for delivery to this client. A closed
// client or a full send buffer is reported as a disconnect.
func (c *Client) SendEnvelope(envelope *Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Client) trySend(data []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.isClosed() || atomic.LoadInt32(&c.sendClosed) == 1 {
		return ErrClientDisconnected
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClientDisconnected
	default:
		slog.Warn("Send buffer full, treating client as dead", "clientID", c.id)
		c.close()
		return ErrClientDisconnected
	}
}

func (c *Client) sendError(message string) {
	if err := c.SendEnvelope(NewErrorEnvelope(message)); err != nil {
		slog.Debug("Failed to deliver error envelope", "clientID", c.id, "error", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.wg.Done()
		c.close()

		select {
		case c.hub.unregister <- c:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout sending unregister request", "clientID", c.id)
		}

		c.conn.Close()
	}()

	pongWait := 2 * c.hub.heartbeatInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		c.touchPing()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "clientID", c.id, "error", err)
			} else {
				slog.Debug("WebSocket connection closed", "clientID", c.id, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Debug("Malformed command", "clientID", c.id, "error", err)
			c.sendError("invalid message format")
			continue
		}
		if !cmd.Type.IsValid() {
			slog.Debug("Unrecognized command", "clientID", c.id, "type", cmd.Type)
			c.sendError("unrecognized message type: " + cmd.Type.String())
			continue
		}

		select {
		case c.hub.commands <- &clientCommand{client: c, command: &cmd, received: time.Now()}:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout forwarding command to hub", "clientID", c.id)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeatInterval)
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

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Write failed", "clientID", c.id, "error", err)
				return
			}

		case <-ticker.C:
			if c.isClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Ping failed", "clientID", c.id, "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4 << 20
	// Outbound frames buffered per client.
	sendQueue = 256
)

// Session is the identity a connection was admitted with.
type Session struct {
	UserID      string
	DisplayName string
	CanEdit     bool
}

func (s Session) awareness(connID string) protocol.Awareness {
	return protocol.Awareness{
		ConnectionID: connID,
		UserID:       s.UserID,
		DisplayName:  s.DisplayName,
		Color:        colorFor(s.UserID),
	}
}

// Client is one websocket connection attached to a room.
type Client struct {
	id      string
	session Session
	conn    *websocket.Conn
	limiter *rate.Limiter

	// malformed counts consecutive bad frames and writeChecked holds the
	// last successful access check. Only the read pump touches them.
	malformed    int
	writeChecked time.Time

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, s Session, limiter *rate.Limiter) *Client {
	return &Client{
		id:      uuid.NewString(),
		session: s,
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, sendQueue),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Session returns the identity of the connection.
func (c *Client) Session() Session { return c.session }

// enqueue queues msg without blocking. It returns false when the queue is
// full; a closed client silently drops msg.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound queue; the write pump then sends a close
// frame and shuts the connection.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Serve runs the connection against room until the peer goes away. The
// client must already have joined the room.
func (c *Client) Serve(ctx context.Context, room *Room) {
	go c.writePump()
	c.readPump(ctx, room)
}

// readPump pumps messages from the websocket connection into the room.
func (c *Client) readPump(ctx context.Context, room *Room) {
	defer func() {
		room.Leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				room.log.Debug("connection closed unexpectedly", "conn", c.id, "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			room.malformed(c, errTextFrame)
			continue
		}
		if err := room.HandleMessage(ctx, c, message); err != nil {
			room.log.Debug("message not applied", "conn", c.id, "err", err)
		}
	}
}

// writePump pumps messages from the room to the websocket connection.
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
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
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

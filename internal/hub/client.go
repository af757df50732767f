package hub

import (
	"context"
	"time"

	"consult_realtime/internal/protocol"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection. rooms and closed are guarded by the
// hub's mutex.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	rooms  map[string]struct{}
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, h.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// enqueue must be called with the hub mutex held. A client that cannot keep
// up is disconnected rather than allowed to stall the fan-out.
func (c *Client) enqueue(frame []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.hub.log.Warn("Client send buffer full, disconnecting", "user_id", c.userID)
		go c.conn.Close()
	}
}

func (c *Client) sendEvent(event protocol.EventType, payload interface{}) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.hub.log.Error("Failed to encode event", "type", event, "error", err)
		return
	}
	c.hub.mu.RLock()
	c.enqueue(frame)
	c.hub.mu.RUnlock()
}

func (c *Client) sendError(code, message, roomID string) {
	c.sendEvent(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		RoomID:  roomID,
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", "user_id", c.userID, "error", err)
			}
			return
		}
		c.hub.handleMessage(c, message)
	}
}

func (c *Client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

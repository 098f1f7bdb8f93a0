package signaling

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/videokall/videokall/internal/ratelimit"
)

// Client is one signaling connection. The pumps own the socket; id and
// roomID are owned by the hub goroutine and must not be touched elsewhere.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is written and closed only by the hub goroutine; the write pump
	// drains it.
	send chan []byte

	id     string
	roomID string
	gone   bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.cfg.SignalingSendBuffer),
	}
}

// readPump reads envelopes off the socket and submits them to the hub. It
// enforces the read limit, the pong deadline and the per-connection message
// rate. Exactly one disconnect reaches the hub per connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxSignalingMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.SignalingPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.SignalingPongTimeout))
	})

	limiter := ratelimit.NewMessageLimiter(nil, cfg.MaxSignalingMessagesPerSecond)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow() {
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			c.hub.sendError(c, "Invalid message")
			continue
		}

		switch msg.Type {
		case TypeJoinRoom:
			c.hub.join(c, msg.RoomID)
		case TypeLeaveRoom:
			c.hub.leave(c)
		case TypeOffer, TypeAnswer, TypeICECandidate:
			c.hub.relay(c, msg.Type, msg.TargetID, msg.Data)
		}
	}
}

// writePump drains the send channel onto the socket and pings on an
// interval. A closed send channel means the hub dropped the participant; a
// close frame is sent so well-behaved clients see a clean shutdown.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.SignalingPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeTimeout := c.hub.cfg.SignalingWriteTimeout

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

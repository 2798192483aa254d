package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type inbound struct {
	Type     string          `json:"type"`
	Token    string          `json:"token,omitempty"`
	APIKey   string          `json:"api_key,omitempty"`
	Location json.RawMessage `json:"location,omitempty"`
}

type outbound struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Location  json.RawMessage `json:"location,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	device string
	closed bool
}

func (c *client) deviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// offer queues raw without blocking; false means the message was dropped.
func (c *client) offer(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) enqueue(msg outbound) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.offer(raw)
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	deadline := 2 * c.hub.heartbeat
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn(context.Background(), "ws_read_failed", "websocket read failed",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handle(raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

func (c *client) handle(raw []byte) {
	ctx := context.Background()
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(outbound{Type: "error", Error: "Invalid message format", Timestamp: time.Now().UTC()})
		return
	}
	now := time.Now().UTC()
	switch msg.Type {
	case "auth":
		if c.hub.tokens == nil {
			c.enqueue(outbound{Type: "auth_failed", Error: "Device authentication unavailable", Timestamp: now})
			return
		}
		auth, err := c.hub.tokens.Verify(msg.Token)
		if err != nil || auth.DeviceID == "" {
			c.enqueue(outbound{Type: "auth_failed", Error: "Invalid token", Timestamp: now})
			return
		}
		c.hub.registerDevice(c, auth.DeviceID)
		c.enqueue(outbound{Type: "auth_success", DeviceID: auth.DeviceID, Timestamp: now})
		c.hub.logger.Info(ctx, "ws_device_authenticated", "device connected",
			slog.String("connection_id", c.id),
			slog.String("device_id", auth.DeviceID),
		)
	case "dashboard_auth":
		if c.hub.dashboardKey == "" || msg.APIKey != c.hub.dashboardKey {
			c.enqueue(outbound{Type: "auth_failed", Error: "Invalid API key", Timestamp: now})
			return
		}
		c.hub.registerDashboard(c)
		c.enqueue(outbound{Type: "dashboard_auth_success", Timestamp: now})
		c.hub.logger.Info(ctx, "ws_dashboard_authenticated", "dashboard connected",
			slog.String("connection_id", c.id),
		)
	case "heartbeat":
		c.enqueue(outbound{Type: "heartbeat_ack", Timestamp: now})
	case "location_update":
		deviceID := c.deviceID()
		if deviceID == "" || len(msg.Location) == 0 {
			return
		}
		out, err := json.Marshal(outbound{Type: "device_location_update", DeviceID: deviceID, Location: msg.Location, Timestamp: now})
		if err == nil {
			c.hub.broadcastDashboards(ctx, out)
		}
	default:
		c.hub.logger.Debug(ctx, "ws_unknown_message", "unknown websocket message type",
			slog.String("type", msg.Type),
		)
	}
}

// Package realtime pushes alert events to dashboards and acknowledgements to
// devices over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/httpx"
	"sos-mesh-relay/shared/logx"
	"sos-mesh-relay/shared/metricsx"
)

const (
	kindDevice    = "device"
	kindDashboard = "dashboard"

	defaultHeartbeat  = 30 * time.Second
	defaultSendBuffer = 64
	maxMessageSize    = 64 << 10
	writeWait         = 10 * time.Second
)

var ErrSendBufferFull = errors.New("send buffer full")

type TokenVerifier interface {
	Verify(raw string) (authx.AuthContext, error)
}

type Config struct {
	Tokens          TokenVerifier
	DashboardAPIKey string
	Heartbeat       time.Duration
	AllowedOrigins  []string
	SendBuffer      int
	Logger          logx.Logger
}

// Hub tracks authenticated connections. A device id maps to at most one
// connection; a newer connection for the same device replaces the older one.
type Hub struct {
	mu         sync.RWMutex
	devices    map[string]*client
	dashboards map[*client]struct{}
	all        map[*client]struct{}

	tokens       TokenVerifier
	dashboardKey string
	heartbeat    time.Duration
	sendBuffer   int
	logger       logx.Logger
	upgrader     websocket.Upgrader
}

func NewHub(cfg Config) *Hub {
	h := &Hub{
		devices:      make(map[string]*client),
		dashboards:   make(map[*client]struct{}),
		all:          make(map[*client]struct{}),
		tokens:       cfg.Tokens,
		dashboardKey: strings.TrimSpace(cfg.DashboardAPIKey),
		heartbeat:    cfg.Heartbeat,
		sendBuffer:   cfg.SendBuffer,
		logger:       cfg.Logger,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = defaultHeartbeat
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	origins := httpx.NewOriginMatcher(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origins.Allowed(origin)
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "ws_upgrade_failed", "websocket upgrade failed",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
		)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
	}
	h.mu.Lock()
	h.all[c] = struct{}{}
	h.mu.Unlock()

	c.enqueue(outbound{Type: "welcome", Message: "Connected to SOS Mesh Server", Timestamp: time.Now().UTC()})
	go c.writePump()
	go c.readPump()
}

// Publish sends a dashboard event to every dashboard connected to this replica.
func (h *Hub) Publish(ctx context.Context, ev fanout.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.broadcastDashboards(ctx, raw)
	return nil
}

// SendToDevice delivers msg if the device is connected here.
func (h *Hub) SendToDevice(_ context.Context, deviceID string, msg fanout.DeviceMessage) error {
	h.mu.RLock()
	c := h.devices[deviceID]
	h.mu.RUnlock()
	if c == nil {
		return fanout.ErrDeviceOffline
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.offer(raw) {
		return ErrSendBufferFull
	}
	return nil
}

func (h *Hub) broadcastDashboards(ctx context.Context, raw []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.dashboards))
	for c := range h.dashboards {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if !c.offer(raw) {
			h.logger.Warn(ctx, "ws_send_dropped", "dashboard send buffer full",
				slog.String("connection_id", c.id),
			)
		}
	}
}

type Counts struct {
	Total      int `json:"total_connections"`
	Devices    int `json:"device_connections"`
	Dashboards int `json:"dashboard_connections"`
}

func (h *Hub) Counts() Counts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Counts{Total: len(h.all), Devices: len(h.devices), Dashboards: len(h.dashboards)}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.all))
	for c := range h.all {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// registerDevice binds c to deviceID. A connection that re-authenticates as
// another device gives up its earlier id.
func (h *Hub) registerDevice(c *client, deviceID string) {
	h.mu.Lock()
	c.mu.Lock()
	old := c.device
	c.device = deviceID
	c.mu.Unlock()
	released := false
	if old != "" && old != deviceID && h.devices[old] == c {
		delete(h.devices, old)
		released = true
	}
	prev := h.devices[deviceID]
	h.devices[deviceID] = c
	h.mu.Unlock()
	if released {
		metricsx.AddWSConnections(kindDevice, -1)
	}
	if prev != nil && prev != c {
		_ = prev.conn.Close()
	} else if prev == nil {
		metricsx.AddWSConnections(kindDevice, 1)
	}
}

func (h *Hub) registerDashboard(c *client) {
	h.mu.Lock()
	_, had := h.dashboards[c]
	h.dashboards[c] = struct{}{}
	h.mu.Unlock()
	if !had {
		metricsx.AddWSConnections(kindDashboard, 1)
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.all, c)
	droppedDevice := false
	if id := c.deviceID(); id != "" && h.devices[id] == c {
		delete(h.devices, id)
		droppedDevice = true
	}
	_, wasDashboard := h.dashboards[c]
	delete(h.dashboards, c)
	h.mu.Unlock()

	if droppedDevice {
		metricsx.AddWSConnections(kindDevice, -1)
	}
	if wasDashboard {
		metricsx.AddWSConnections(kindDashboard, -1)
	}
	c.close()
}

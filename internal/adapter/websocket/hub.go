package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	"github.com/pscheid92/eggstream/internal/domain"
	"github.com/pscheid92/eggstream/internal/platform/correlation"
	"github.com/pscheid92/eggstream/internal/subscription"
)

const (
	modeDirect = "direct"
	modeGlobal = "global"
)

// Hub serves upgraded sockets: it acknowledges the client, registers the
// connection, answers control frames until the peer goes away and
// deregisters it again. It also remembers every live connection so they can
// all be closed on shutdown.
type Hub struct {
	registry *subscription.Registry
	clock    clockwork.Clock
	metrics  *metrics.WebSocketMetrics

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(registry *subscription.Registry, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Hub {
	return &Hub{
		registry: registry,
		clock:    clock,
		metrics:  m,
		conns:    make(map[string]*Conn),
	}
}

// ClosePruned is a registry prune hook. Connections the registry gave up on
// are dropped silently, without a close frame.
func ClosePruned(conn domain.Connection, _ error) {
	if c, ok := conn.(*Conn); ok {
		c.Abort()
	}
}

// ServeDirect streams one sensor to ws. It blocks until the connection ends.
func (h *Hub) ServeDirect(ctx context.Context, ws *websocket.Conn, sensor domain.Sensor) {
	conn := NewConn(ws, h.clock, h.metrics)
	ctx = correlation.WithID(ctx, conn.ID()[:8])

	_ = conn.Send(directAck(sensor))
	if err := h.registry.ConnectDirect(conn, sensor.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to register direct connection", "sensor_id", sensor.ID, "error", err)
		conn.Close(websocket.CloseInternalServerErr, "")
		return
	}

	slog.DebugContext(ctx, "Direct subscriber connected", "sensor_id", sensor.ID, "connection_id", conn.ID())
	h.serve(ctx, conn, modeDirect)
}

// ServeGlobal runs a multi-sensor connection that starts with an empty set.
func (h *Hub) ServeGlobal(ctx context.Context, ws *websocket.Conn) {
	conn := NewConn(ws, h.clock, h.metrics)
	ctx = correlation.WithID(ctx, conn.ID()[:8])

	_ = conn.Send(globalAck())
	if err := h.registry.ConnectGlobal(conn); err != nil {
		slog.ErrorContext(ctx, "Failed to register global connection", "error", err)
		conn.Close(websocket.CloseInternalServerErr, "")
		return
	}

	slog.DebugContext(ctx, "Global subscriber connected", "connection_id", conn.ID())
	h.serve(ctx, conn, modeGlobal)
}

// RejectUnknownSensor closes an upgraded socket with a normal closure and no ack.
func RejectUnknownSensor(ws *websocket.Conn) {
	conn := NewConn(ws, clockwork.NewRealClock(), nil)
	conn.Close(websocket.CloseNormalClosure, "")
}

func (h *Hub) serve(ctx context.Context, conn *Conn, mode string) {
	h.track(conn, mode)
	defer h.untrack(conn, mode)
	defer conn.Close(0, "")
	defer h.registry.Disconnect(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read ended", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		conn.extendReadDeadline()
		h.handleControl(ctx, conn, data)
	}
}

func (h *Hub) handleControl(ctx context.Context, conn *Conn, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.DebugContext(ctx, "Ignoring malformed control frame", "connection_id", conn.ID(), "error", err)
		return
	}

	switch msg.Type {
	case "ping":
		_ = conn.Send(encode(pong{Type: "pong"}))

	case "subscribe":
		timeRange := float64(defaultTimeRange)
		if msg.TimeRange != nil {
			timeRange = *msg.TimeRange
		}
		_ = conn.Send(encode(subscriptionUpdated{
			Type:      "subscription_updated",
			SensorIDs: h.applySubscription(ctx, conn, msg.SensorIDs),
			TimeRange: timeRange,
		}))
	}
}

// applySubscription replaces the set of a global connection and returns the
// sensors the connection now receives. Direct connections keep their sensor.
func (h *Hub) applySubscription(ctx context.Context, conn *Conn, ids []domain.SensorID) []domain.SensorID {
	sub, ok := h.registry.Subscription(conn)
	if !ok {
		return []domain.SensorID{}
	}

	switch s := sub.(type) {
	case domain.Direct:
		return []domain.SensorID{s.SensorID}
	case domain.Global:
		if err := h.registry.UpdateGlobalSubscription(conn, ids); err != nil {
			slog.DebugContext(ctx, "Subscription update rejected", "connection_id", conn.ID(), "error", err)
			return s.Sensors.Sorted()
		}
		return domain.NewSensorSet(ids...).Sorted()
	}
	return []domain.SensorID{}
}

func (h *Hub) track(conn *Conn, mode string) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ActiveConnections.WithLabelValues(mode).Inc()
	}
}

func (h *Hub) untrack(conn *Conn, mode string) {
	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ActiveConnections.WithLabelValues(mode).Dec()
	}
}

// Len returns the number of connections currently being served.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown sends every live connection a normal close frame and waits for
// the writers to finish.
func (h *Hub) Shutdown(reason string) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(websocket.CloseNormalClosure, reason)
		}()
	}
	wg.Wait()

	slog.Info("WebSocket connections closed", "count", len(conns))
}

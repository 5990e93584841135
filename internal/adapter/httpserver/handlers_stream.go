package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	ws "github.com/pscheid92/eggstream/internal/adapter/websocket"
	"github.com/pscheid92/eggstream/internal/domain"
	apperrors "github.com/pscheid92/eggstream/internal/platform/errors"
)

// acquireStream reserves a connection slot for the caller. The returned
// release must be called once the stream ends.
func (s *Server) acquireStream(c echo.Context) (func(), error) {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if ok {
		return func() { s.limits.Release(ip) }, nil
	}

	if s.obs.WebSocket != nil {
		s.obs.WebSocket.Rejected.WithLabelValues(string(reason)).Inc()
	}
	slog.WarnContext(c.Request().Context(), "WebSocket upgrade rejected", "ip", ip, "reason", reason)

	if reason == LimitReasonGlobal {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "too many connections")
	}
	return nil, echo.NewHTTPError(http.StatusTooManyRequests, "too many connections from this address")
}

// handleDirectStream streams one sensor. A sensor that does not exist is
// still upgraded and then closed normally without an ack.
func (s *Server) handleDirectStream(c echo.Context) error {
	release, err := s.acquireStream(c)
	if err != nil {
		return err
	}
	defer release()

	ctx := c.Request().Context()
	var sensor *domain.Sensor
	if id, err := domain.ParseSensorID(c.Param("sensor_id")); err == nil {
		sensor, err = s.sensors.Get(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrSensorNotFound) {
			return apperrors.Internal("failed to look up sensor", err).With("sensor_id", id)
		}
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.DebugContext(ctx, "WebSocket upgrade failed", "error", err)
		return nil
	}

	if sensor == nil {
		ws.RejectUnknownSensor(conn)
		return nil
	}
	s.hub.ServeDirect(ctx, conn, *sensor)
	return nil
}

func (s *Server) handleGlobalStream(c echo.Context) error {
	release, err := s.acquireStream(c)
	if err != nil {
		return err
	}
	defer release()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	s.hub.ServeGlobal(c.Request().Context(), conn)
	return nil
}

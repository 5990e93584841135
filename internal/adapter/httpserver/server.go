package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	ws "github.com/pscheid92/eggstream/internal/adapter/websocket"
	"github.com/pscheid92/eggstream/internal/domain"
	"github.com/pscheid92/eggstream/internal/platform/config"
)

type sensorService interface {
	List(ctx context.Context, page domain.Page) ([]domain.Sensor, error)
	Get(ctx context.Context, id domain.SensorID) (*domain.Sensor, error)
	Create(ctx context.Context, in domain.NewSensor) (*domain.Sensor, error)
	Update(ctx context.Context, id domain.SensorID, patch domain.SensorPatch) (*domain.Sensor, error)
	Delete(ctx context.Context, id domain.SensorID) error
	StartMock(ctx context.Context, id domain.SensorID) (*domain.Sensor, error)
	StopMock(ctx context.Context, id domain.SensorID) (*domain.Sensor, error)
}

// streamHub serves upgraded sockets until they close.
type streamHub interface {
	ServeDirect(ctx context.Context, conn *websocket.Conn, sensor domain.Sensor)
	ServeGlobal(ctx context.Context, conn *websocket.Conn)
}

// Observability bundles the optional metrics wiring. Zero values disable it.
type Observability struct {
	Registry  *prometheus.Registry
	HTTP      *metrics.HTTPMetrics
	WebSocket *metrics.WebSocketMetrics
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	sensors  sensorService
	hub      streamHub
	upgrader *websocket.Upgrader
	limits   *ConnectionLimits

	obs          Observability
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, sensors sensorService, hub streamHub, obs Observability, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		sensors:      sensors,
		hub:          hub,
		upgrader:     ws.NewUpgrader(cfg.AllowedOrigins, cfg.AppEnv == "development"),
		limits:       NewConnectionLimits(int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP),
		obs:          obs,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight REST calls.
// Hijacked WebSocket connections are not tracked by echo; close them through
// the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/eggstream/internal/adapter/metrics"
	apperrors "github.com/pscheid92/eggstream/internal/platform/errors"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.obs.HTTP != nil {
		s.echo.Use(s.obs.HTTP.Middleware())
	}
	s.echo.Use(apperrors.Middleware(s.errorsTotal()))

	s.registerHealthRoutes()
	if s.obs.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.obs.Registry)))
	}

	s.registerSensorRoutes()
	s.registerStreamRoutes()
}

func (s *Server) errorsTotal() *prometheus.CounterVec {
	if s.obs.HTTP == nil {
		return nil
	}
	return s.obs.HTTP.ErrorsTotal
}

func (s *Server) registerSensorRoutes() {
	api := s.echo.Group("/api", newRateLimiter(s.config.APIRateLimit, s.config.APIRateBurst, s.errorsTotal()))

	api.GET("/sensors", s.handleListSensors)
	api.POST("/sensors", s.handleCreateSensor)
	api.GET("/sensors/:sensor_id", s.handleGetSensor)
	api.PUT("/sensors/:sensor_id", s.handleUpdateSensor)
	api.DELETE("/sensors/:sensor_id", s.handleDeleteSensor)
	api.POST("/sensors/:sensor_id/mock/start", s.handleStartMock)
	api.POST("/sensors/:sensor_id/mock/stop", s.handleStopMock)
}

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/ws/sensors", s.handleGlobalStream)
	s.echo.GET("/ws/sensors/:sensor_id", s.handleDirectStream)
}

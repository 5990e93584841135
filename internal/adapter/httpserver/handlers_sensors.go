package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/eggstream/internal/domain"
	apperrors "github.com/pscheid92/eggstream/internal/platform/errors"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func parseSensorID(c echo.Context) (domain.SensorID, error) {
	raw := c.Param("sensor_id")
	id, err := domain.ParseSensorID(raw)
	if err != nil {
		return 0, apperrors.Validation("sensor_id must be an integer").With("sensor_id", raw)
	}
	return id, nil
}

// parsePage reads the skip/limit query parameters.
func parsePage(c echo.Context) (domain.Page, error) {
	page := domain.Page{Limit: defaultListLimit}

	if raw := c.QueryParam("skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil || skip < 0 {
			return page, apperrors.Validation("skip must be a non-negative integer").With("skip", raw)
		}
		page.Offset = skip
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return page, apperrors.Validation(fmt.Sprintf("limit must be between 1 and %d", maxListLimit)).With("limit", raw)
		}
		page.Limit = limit
	}
	return page, nil
}

func (s *Server) handleListSensors(c echo.Context) error {
	page, err := parsePage(c)
	if err != nil {
		return err
	}

	sensors, err := s.sensors.List(c.Request().Context(), page)
	if err != nil {
		return apperrors.Internal("failed to list sensors", err)
	}
	if sensors == nil {
		sensors = []domain.Sensor{}
	}
	return c.JSON(http.StatusOK, sensors)
}

func (s *Server) handleGetSensor(c echo.Context) error {
	id, err := parseSensorID(c)
	if err != nil {
		return err
	}

	sensor, err := s.sensors.Get(c.Request().Context(), id)
	if err != nil {
		return withSensorID(err, id)
	}
	return c.JSON(http.StatusOK, sensor)
}

func (s *Server) handleCreateSensor(c echo.Context) error {
	var in domain.NewSensor
	if err := c.Bind(&in); err != nil {
		return apperrors.Validation("invalid request body")
	}

	sensor, err := s.sensors.Create(c.Request().Context(), in)
	if err != nil {
		return apperrors.From(err).With("sensor_name", in.Name)
	}
	return c.JSON(http.StatusCreated, sensor)
}

func (s *Server) handleUpdateSensor(c echo.Context) error {
	id, err := parseSensorID(c)
	if err != nil {
		return err
	}

	var patch domain.SensorPatch
	if err := c.Bind(&patch); err != nil {
		return apperrors.Validation("invalid request body")
	}

	sensor, err := s.sensors.Update(c.Request().Context(), id, patch)
	if err != nil {
		return withSensorID(err, id)
	}
	return c.JSON(http.StatusOK, sensor)
}

func (s *Server) handleDeleteSensor(c echo.Context) error {
	id, err := parseSensorID(c)
	if err != nil {
		return err
	}

	if err := s.sensors.Delete(c.Request().Context(), id); err != nil {
		return withSensorID(err, id)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStartMock(c echo.Context) error {
	id, err := parseSensorID(c)
	if err != nil {
		return err
	}

	sensor, err := s.sensors.StartMock(c.Request().Context(), id)
	if err != nil {
		return withSensorID(err, id)
	}
	return c.JSON(http.StatusOK, sensor)
}

func (s *Server) handleStopMock(c echo.Context) error {
	id, err := parseSensorID(c)
	if err != nil {
		return err
	}

	sensor, err := s.sensors.StopMock(c.Request().Context(), id)
	if err != nil {
		return withSensorID(err, id)
	}
	return c.JSON(http.StatusOK, sensor)
}

func withSensorID(err error, id domain.SensorID) error {
	return apperrors.From(err).With("sensor_id", id)
}

package app

import (
	"context"
	"log/slog"

	"github.com/pscheid92/eggstream/internal/domain"
)

// StatusInvalidator drops cached activity answers after a catalog write.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, id domain.SensorID) error
}

// SensorService orchestrates catalog reads and writes. Every write that can
// change whether or how fast a sensor streams invalidates its cached status,
// so the scheduler picks the change up on its next tick.
type SensorService struct {
	sensors domain.SensorRepository
	cache   StatusInvalidator
}

func NewSensorService(sensors domain.SensorRepository, cache StatusInvalidator) *SensorService {
	return &SensorService{sensors: sensors, cache: cache}
}

func (s *SensorService) List(ctx context.Context, page domain.Page) ([]domain.Sensor, error) {
	return s.sensors.List(ctx, page)
}

func (s *SensorService) Get(ctx context.Context, id domain.SensorID) (*domain.Sensor, error) {
	return s.sensors.GetByID(ctx, id)
}

// Create registers a sensor. The id may have been queried before it existed,
// so a cached "inactive" answer is dropped too.
func (s *SensorService) Create(ctx context.Context, in domain.NewSensor) (*domain.Sensor, error) {
	sensor, err := s.sensors.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sensor.ID)

	slog.InfoContext(ctx, "Sensor created", "sensor_id", sensor.ID, "sensor_name", sensor.Name, "data_rate", sensor.DataRate)
	return sensor, nil
}

func (s *SensorService) Update(ctx context.Context, id domain.SensorID, patch domain.SensorPatch) (*domain.Sensor, error) {
	sensor, err := s.sensors.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return sensor, nil
}

// Delete removes a sensor. Its subscribers stop receiving data once the
// cached status expires; their connections stay open.
func (s *SensorService) Delete(ctx context.Context, id domain.SensorID) error {
	if err := s.sensors.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)

	slog.InfoContext(ctx, "Sensor deleted", "sensor_id", id)
	return nil
}

// StartMock marks the sensor active so the scheduler starts generating data
// for it. Starting an active sensor is a no-op.
func (s *SensorService) StartMock(ctx context.Context, id domain.SensorID) (*domain.Sensor, error) {
	return s.setActive(ctx, id, true)
}

// StopMock marks the sensor inactive. The scheduler discards its generator
// state on the next tick.
func (s *SensorService) StopMock(ctx context.Context, id domain.SensorID) (*domain.Sensor, error) {
	return s.setActive(ctx, id, false)
}

func (s *SensorService) setActive(ctx context.Context, id domain.SensorID, active bool) (*domain.Sensor, error) {
	sensor, err := s.sensors.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)

	slog.InfoContext(ctx, "Sensor activity changed", "sensor_id", id, "active", active)
	return sensor, nil
}

// invalidate never fails the request: the catalog write already happened
// and the in-process entry expires on its own.
func (s *SensorService) invalidate(ctx context.Context, id domain.SensorID) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		slog.WarnContext(ctx, "Failed to invalidate sensor status", "sensor_id", id, "error", err)
	}
}

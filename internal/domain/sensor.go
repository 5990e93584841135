package domain

import (
	"context"
	"math"
	"strconv"
	"strings"
)

// SensorID identifies one simulated waveform source.
type SensorID int64

func (id SensorID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseSensorID parses a decimal sensor id as used in URLs and JSON keys.
func ParseSensorID(s string) (SensorID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return SensorID(v), nil
}

const (
	// DefaultDataRate is the sampling rate a sensor gets when none is configured.
	DefaultDataRate = 100.0

	MinDataRate = 1.0
	MaxDataRate = 10_000.0
)

// Sensor is the catalog record for a sensor.
type Sensor struct {
	ID       SensorID `json:"id"`
	Name     string   `json:"sensor_name"`
	DataRate float64  `json:"sensor_data_rate"`
	IsActive bool     `json:"is_active"`
}

// Status projects the catalog record onto the answer the scheduler needs.
func (s Sensor) Status() SensorStatus {
	return SensorStatus{Active: s.IsActive, RateHz: s.DataRate}
}

// SensorStatus answers "is this sensor active, at what rate".
type SensorStatus struct {
	Active bool    `json:"active"`
	RateHz float64 `json:"rate_hz"`
}

// NewSensor is the input for registering a sensor. A zero DataRate means DefaultDataRate.
type NewSensor struct {
	Name     string  `json:"sensor_name"`
	DataRate float64 `json:"sensor_data_rate"`
}

// SensorPatch changes only the fields that are set.
type SensorPatch struct {
	Name     *string  `json:"sensor_name,omitempty"`
	DataRate *float64 `json:"sensor_data_rate,omitempty"`
}

// Page bounds a catalog listing.
type Page struct {
	Offset int
	Limit  int
}

// SensorRepository is the persistent sensor catalog.
type SensorRepository interface {
	GetByID(ctx context.Context, id SensorID) (*Sensor, error)
	List(ctx context.Context, page Page) ([]Sensor, error)
	Create(ctx context.Context, in NewSensor) (*Sensor, error)
	Update(ctx context.Context, id SensorID, patch SensorPatch) (*Sensor, error)
	Delete(ctx context.Context, id SensorID) error
	SetActive(ctx context.Context, id SensorID, active bool) (*Sensor, error)
}

// ActivityOracle reports whether a sensor should currently produce data.
// An unknown sensor is reported as inactive, not as an error.
type ActivityOracle interface {
	QueryActive(ctx context.Context, id SensorID) (SensorStatus, error)
}

// Normalize trims the name, applies the default rate and validates the result.
func (n NewSensor) Normalize() (NewSensor, error) {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return n, ErrInvalidName
	}
	if n.DataRate == 0 {
		n.DataRate = DefaultDataRate
	}
	if err := validateRate(n.DataRate); err != nil {
		return n, err
	}
	return n, nil
}

func (p SensorPatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return ErrInvalidName
	}
	if p.DataRate != nil {
		return validateRate(*p.DataRate)
	}
	return nil
}

func validateRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < MinDataRate || rate > MaxDataRate {
		return ErrInvalidRate
	}
	return nil
}

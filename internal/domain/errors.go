package domain

import "errors"

var (
	ErrSensorNotFound = errors.New("sensor not found")
	ErrInvalidRate    = errors.New("data rate must be between 1 and 10000 Hz")
	ErrInvalidName    = errors.New("sensor name must not be empty")
	ErrDuplicateName  = errors.New("sensor name already exists")
)

// Package errors carries typed API errors that the echo middleware renders as JSON.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/eggstream/internal/domain"
)

type ErrorType string

const (
	TypeValidation  ErrorType = "validation"
	TypeNotFound    ErrorType = "not_found"
	TypeConflict    ErrorType = "conflict"
	TypeRateLimited ErrorType = "rate_limited"
	TypeInternal    ErrorType = "internal"
	TypeExternal    ErrorType = "external"
)

var statusByType = map[ErrorType]int{
	TypeValidation:  http.StatusBadRequest,
	TypeNotFound:    http.StatusNotFound,
	TypeConflict:    http.StatusConflict,
	TypeRateLimited: http.StatusTooManyRequests,
	TypeInternal:    http.StatusInternalServerError,
	TypeExternal:    http.StatusBadGateway,
}

// Error is an API-facing failure. Message is shown to clients; Cause is only logged.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Fields  map[string]any
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) HTTPStatus() int {
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// With attaches a field that is both logged and echoed to the client.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

func Validation(message string) *Error { return newError(TypeValidation, message, nil) }

func NotFound(message string) *Error { return newError(TypeNotFound, message, nil) }

func Conflict(message string) *Error { return newError(TypeConflict, message, nil) }

func RateLimited(message string) *Error { return newError(TypeRateLimited, message, nil) }

func Internal(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

func External(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// Response is the JSON body of every error reply.
type Response struct {
	Detail string         `json:"detail"`
	Type   ErrorType      `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (e *Error) Response() Response {
	return Response{Detail: e.Message, Type: e.Type, Fields: e.Fields}
}

// From classifies err. Typed errors pass through, domain sentinels get their
// matching type, and everything else becomes an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	switch {
	case errors.Is(err, domain.ErrSensorNotFound):
		return newError(TypeNotFound, "Sensor not found", err)
	case errors.Is(err, domain.ErrInvalidRate):
		return newError(TypeValidation, "Sensor data rate must be between 1 and 10000 Hz", err)
	case errors.Is(err, domain.ErrInvalidName):
		return newError(TypeValidation, "Sensor name must not be empty", err)
	case errors.Is(err, domain.ErrDuplicateName):
		return newError(TypeConflict, "Sensor name already exists", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(TypeExternal, "upstream timed out", err)
	}

	return newError(TypeInternal, "internal server error", err)
}

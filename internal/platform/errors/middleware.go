package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Middleware renders handler errors as JSON and counts them by type.
// counter may be nil. echo.HTTPError values are counted but left to echo's
// own error handler so router and rate-limiter statuses are preserved.
func Middleware(counter *prometheus.CounterVec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				count(counter, FromHTTPError(httpErr).Type)
				return err
			}

			return Respond(c, From(err), counter)
		}
	}
}

// Respond logs, counts and writes apiErr. It is for code paths whose errors
// never reach Middleware, such as echo's rate limiter deny handler.
func Respond(c echo.Context, apiErr *Error, counter *prometheus.CounterVec) error {
	count(counter, apiErr.Type)
	logError(c, apiErr)

	if err := c.JSON(apiErr.HTTPStatus(), apiErr.Response()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

func count(counter *prometheus.CounterVec, t ErrorType) {
	if counter != nil {
		counter.WithLabelValues(string(t)).Inc()
	}
}

func logError(c echo.Context, err *Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Fields {
		attrs = append(attrs, k, v)
	}
	if err.Cause != nil {
		attrs = append(attrs, "error", err.Cause)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case TypeValidation, TypeNotFound, TypeRateLimited:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case TypeConflict:
		slog.WarnContext(ctx, "Request conflict", attrs...)
	default:
		slog.ErrorContext(ctx, "Request failed", attrs...)
	}
}

// FromHTTPError maps an echo.HTTPError onto the typed error model.
func FromHTTPError(httpErr *echo.HTTPError) *Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok && msg != "" {
		message = msg
	}

	var t ErrorType
	switch httpErr.Code {
	case http.StatusBadRequest:
		t = TypeValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		t = TypeNotFound
	case http.StatusConflict:
		t = TypeConflict
	case http.StatusTooManyRequests:
		t = TypeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		t = TypeExternal
	default:
		t = TypeInternal
	}

	return newError(t, message, httpErr.Internal)
}

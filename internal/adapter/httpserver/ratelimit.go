package httpserver

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	apperrors "github.com/pscheid92/eggstream/internal/platform/errors"
	"golang.org/x/time/rate"
)

// Idle client buckets are dropped after this long.
const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter throttles catalog calls per client IP with a token bucket.
// echo hands the deny handler's error to c.Error instead of returning it, so
// the denial is rendered and counted here. errorsTotal may be nil.
func newRateLimiter(ratePerSecond float64, burst int, errorsTotal *prometheus.CounterVec) echo.MiddlewareFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(1 / ratePerSecond)))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method == http.MethodOptions
		},
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		}),
		DenyHandler: func(c echo.Context, clientIP string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.Respond(c, apperrors.RateLimited("rate limit exceeded").With("client_ip", clientIP), errorsTotal)
		},
	})
}

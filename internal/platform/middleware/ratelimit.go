package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
	// Applies selects the requests that are counted. Nil counts every
	// request.
	Applies func(c echo.Context) bool
}

// RateLimit throttles requests per tenant and client address with a token
// bucket. A zero PerMinute disables the limit.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.PerMinute <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	retryAfter := strconv.Itoa(int((time.Minute / time.Duration(cfg.PerMinute)).Seconds()) + 1)

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return cfg.Applies != nil && !cfg.Applies(c)
		},
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(cfg.PerMinute) / 60),
			Burst:     burst,
			ExpiresIn: 10 * time.Minute,
		}),
		IdentifierExtractor: rateLimitKey,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "rate limit identifier unavailable")
		},
	})
}

// rateLimitKey buckets by client address, prefixed with the token's tenant
// when there is one.
func rateLimitKey(c echo.Context) (string, error) {
	key := c.RealIP()
	if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
		key = tenantID + ":" + key
	}
	return key, nil
}

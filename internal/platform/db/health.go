package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck reports database reachability and pool usage.
type HealthCheck struct {
	pinger  Pinger
	stats   func() *PoolStats
	timeout time.Duration
}

// NewHealthCheck builds a check over pool with a five second ping timeout.
func NewHealthCheck(pool *pgxpool.Pool) *HealthCheck {
	return &HealthCheck{
		pinger:  pool,
		stats:   func() *PoolStats { return GetPoolStats(pool) },
		timeout: 5 * time.Second,
	}
}

// Handler answers 200 when the database responds to a ping within the
// timeout and 503 otherwise.
func (h *HealthCheck) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
		defer cancel()

		err := h.pinger.Ping(ctx)
		var stats *PoolStats
		if h.stats != nil {
			stats = h.stats()
		}

		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}

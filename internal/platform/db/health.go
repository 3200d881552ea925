package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of pgxpool statistics served by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	EmptyAcquires   int64  `json:"empty_acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func statsFrom(stat *pgxpool.Stat) PoolStats {
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		EmptyAcquires:   stat.EmptyAcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Saturated reports whether every connection is checked out. Booking
// requests queue on Acquire in that state.
func (s PoolStats) Saturated() bool {
	return s.MaxConns > 0 && s.AcquiredConns >= s.MaxConns
}

type HealthStatus struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Pool   PoolStats `json:"pool"`
}

func healthStatus(stats PoolStats, pingErr error) (int, HealthStatus) {
	switch {
	case pingErr != nil:
		return http.StatusServiceUnavailable, HealthStatus{Status: "unhealthy", Error: pingErr.Error(), Pool: stats}
	case stats.Saturated():
		return http.StatusOK, HealthStatus{Status: "degraded", Pool: stats}
	default:
		return http.StatusOK, HealthStatus{Status: "healthy", Pool: stats}
	}
}

// HealthHandler pings the database and reports pool usage.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		code, body := healthStatus(statsFrom(pool.Stat()), err)
		return c.JSON(code, body)
	}
}

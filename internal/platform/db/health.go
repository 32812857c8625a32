package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

// Probe is what the health endpoint needs from a database handle.
type Probe interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type poolProbe struct{ pool *pgxpool.Pool }

// NewProbe wraps a pgx pool for HealthHandler.
func NewProbe(pool *pgxpool.Pool) Probe { return poolProbe{pool: pool} }

func (p poolProbe) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p poolProbe) Stats() *PoolStats {
	stat := p.pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler reports database reachability. A nil probe means the server
// runs on the in-memory gateway and there is no database to check.
func HealthHandler(p Probe) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p == nil {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"status":  "healthy",
				"backend": "memory",
			})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "unhealthy",
				"backend": "postgres",
				"error":   err.Error(),
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"backend": "postgres",
			"pool":    p.Stats(),
		})
	}
}

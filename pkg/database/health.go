package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports one store database's reachability and pool counters.
// With MaxOpenConns=1 the pool fields mostly witness that the single
// connection is alive and not starving waiters.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"wait_count"`
	WaitDuration int64  `json:"wait_duration_ms"`
}

// Health pings db and returns its status snapshot. The error is returned
// alongside the unhealthy snapshot so callers can render both.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		WaitDuration: stats.WaitDuration.Milliseconds(),
	}, nil
}

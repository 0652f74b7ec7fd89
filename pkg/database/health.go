package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus reports reachability, the applied schema version and pool usage.
type HealthStatus struct {
	Status        string    `json:"status"`
	ResponseTime  int64     `json:"response_time_ms"`
	SchemaVersion uint      `json:"schema_version"`
	SchemaDirty   bool      `json:"schema_dirty"`
	Pool          PoolStats `json:"pool"`
}

// PoolStats is the subset of sql.DBStats worth exposing.
type PoolStats struct {
	Open         int   `json:"open"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
	MaxOpen      int   `json:"max_open"`
	WaitCount    int64 `json:"wait_count"`
	WaitDuration int64 `json:"wait_duration_ms"`
}

// Health pings db and reads the migration state. A dirty schema (a
// migration that failed halfway) is reported as unhealthy.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	h := &HealthStatus{Status: "unhealthy"}

	if err := db.PingContext(ctx); err != nil {
		h.ResponseTime = time.Since(start).Milliseconds()
		return h, err
	}

	var version int64
	err := db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).
		Scan(&version, &h.SchemaDirty)
	h.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		return h, fmt.Errorf("failed to read schema version: %w", err)
	}
	h.SchemaVersion = uint(version)

	stats := db.Stats()
	h.Pool = PoolStats{
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		MaxOpen:      stats.MaxOpenConnections,
		WaitCount:    stats.WaitCount,
		WaitDuration: stats.WaitDuration.Milliseconds(),
	}

	if h.SchemaDirty {
		return h, fmt.Errorf("schema version %d is dirty", version)
	}
	h.Status = "healthy"
	return h, nil
}

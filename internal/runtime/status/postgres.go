package status

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	ConnectionString string
	// SchemaName defaults to "transitflow".
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.SchemaName == "" {
		c.SchemaName = "transitflow"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// PostgresStore persists records in PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore connects, pings and creates the schema if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("%w: postgres connection string", errspkg.ErrConfigRequired)
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &PostgresStore{sqlStore{db: db, d: postgresDialect(cfg.SchemaName)}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func postgresDialect(schema string) dialect {
	r := strings.NewReplacer("{schema}", schema)
	return dialect{
		name: "postgres",
		schema: []string{
			r.Replace(`CREATE SCHEMA IF NOT EXISTS {schema}`),
			r.Replace(`CREATE TABLE IF NOT EXISTS {schema}.bus_status (
				bus_id TEXT PRIMARY KEY,
				route_id TEXT NOT NULL,
				driver_id TEXT NOT NULL,
				state TEXT NOT NULL,
				latitude DOUBLE PRECISION NOT NULL,
				longitude DOUBLE PRECISION NOT NULL,
				speed DOUBLE PRECISION NOT NULL,
				heading DOUBLE PRECISION NOT NULL,
				passenger_count INTEGER NOT NULL,
				crowd_level TEXT NOT NULL,
				note TEXT NOT NULL,
				updated_at BIGINT NOT NULL
			)`),
			r.Replace(`CREATE TABLE IF NOT EXISTS {schema}.bus_sessions (
				bus_id TEXT NOT NULL,
				started_at BIGINT NOT NULL,
				route_id TEXT NOT NULL,
				driver_id TEXT NOT NULL,
				ended_at BIGINT NOT NULL DEFAULT 0,
				messages_sent INTEGER NOT NULL DEFAULT 0,
				messages_queued INTEGER NOT NULL DEFAULT 0,
				messages_dropped INTEGER NOT NULL DEFAULT 0,
				average_latency BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (bus_id, started_at)
			)`),
		},
		upsertStatus: r.Replace(`INSERT INTO {schema}.bus_status (bus_id, route_id, driver_id, state, latitude, longitude, speed, heading, passenger_count, crowd_level, note, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (bus_id) DO UPDATE SET
				route_id = EXCLUDED.route_id,
				driver_id = EXCLUDED.driver_id,
				state = EXCLUDED.state,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				speed = EXCLUDED.speed,
				heading = EXCLUDED.heading,
				passenger_count = EXCLUDED.passenger_count,
				crowd_level = EXCLUDED.crowd_level,
				note = EXCLUDED.note,
				updated_at = EXCLUDED.updated_at`),
		upsertSession: r.Replace(`INSERT INTO {schema}.bus_sessions (bus_id, started_at, route_id, driver_id, ended_at, messages_sent, messages_queued, messages_dropped, average_latency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (bus_id, started_at) DO UPDATE SET
				ended_at = EXCLUDED.ended_at,
				messages_sent = EXCLUDED.messages_sent,
				messages_queued = EXCLUDED.messages_queued,
				messages_dropped = EXCLUDED.messages_dropped,
				average_latency = EXCLUDED.average_latency`),
		selectStatus: r.Replace(`SELECT bus_id, route_id, driver_id, state, latitude, longitude, speed, heading, passenger_count, crowd_level, note, updated_at
			FROM {schema}.bus_status WHERE bus_id = $1`),
		selectSession: r.Replace(`SELECT bus_id, started_at, route_id, driver_id, ended_at, messages_sent, messages_queued, messages_dropped, average_latency
			FROM {schema}.bus_sessions WHERE bus_id = $1 ORDER BY started_at`),
	}
}

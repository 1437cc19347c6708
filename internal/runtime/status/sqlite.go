package status

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS bus_status (
			bus_id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			state TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			speed REAL NOT NULL,
			heading REAL NOT NULL,
			passenger_count INTEGER NOT NULL,
			crowd_level TEXT NOT NULL,
			note TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bus_sessions (
			bus_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			route_id TEXT NOT NULL,
			driver_id TEXT NOT NULL,
			ended_at INTEGER NOT NULL DEFAULT 0,
			messages_sent INTEGER NOT NULL DEFAULT 0,
			messages_queued INTEGER NOT NULL DEFAULT 0,
			messages_dropped INTEGER NOT NULL DEFAULT 0,
			average_latency INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (bus_id, started_at)
		)`,
	},
	upsertStatus: `INSERT INTO bus_status (bus_id, route_id, driver_id, state, latitude, longitude, speed, heading, passenger_count, crowd_level, note, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bus_id) DO UPDATE SET
			route_id = excluded.route_id,
			driver_id = excluded.driver_id,
			state = excluded.state,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			speed = excluded.speed,
			heading = excluded.heading,
			passenger_count = excluded.passenger_count,
			crowd_level = excluded.crowd_level,
			note = excluded.note,
			updated_at = excluded.updated_at`,
	upsertSession: `INSERT INTO bus_sessions (bus_id, started_at, route_id, driver_id, ended_at, messages_sent, messages_queued, messages_dropped, average_latency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bus_id, started_at) DO UPDATE SET
			ended_at = excluded.ended_at,
			messages_sent = excluded.messages_sent,
			messages_queued = excluded.messages_queued,
			messages_dropped = excluded.messages_dropped,
			average_latency = excluded.average_latency`,
	selectStatus: `SELECT bus_id, route_id, driver_id, state, latitude, longitude, speed, heading, passenger_count, crowd_level, note, updated_at
		FROM bus_status WHERE bus_id = ?`,
	selectSession: `SELECT bus_id, started_at, route_id, driver_id, ended_at, messages_sent, messages_queued, messages_dropped, average_latency
		FROM bus_sessions WHERE bus_id = ? ORDER BY started_at`,
}

// SQLiteStore persists records in a SQLite file. Use ":memory:" for tests.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens path and creates the tables if needed.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "transitflow_status.db"
	}
	dsn := path + "?_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{sqlStore{db: db, d: sqliteDialect}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Package status persists fire-and-forget bus status and driver session
// records. The core never reads them back; Reader exists for tooling and
// tests.
package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/transitflow/internal/runtime/config"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
)

// State is the operational state of a bus.
type State string

const (
	StateActive    State = "active"
	StateOffline   State = "offline"
	StateEmergency State = "emergency"
	StateEnded     State = "ended"
)

// Update is the latest known status of a bus.
type Update struct {
	BusID          string    `json:"busId"`
	RouteID        string    `json:"routeId"`
	DriverID       string    `json:"driverId"`
	State          State     `json:"state"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Speed          float64   `json:"speed"`
	Heading        float64   `json:"heading"`
	PassengerCount int       `json:"passengerCount"`
	CrowdLevel     string    `json:"crowdLevel"`
	Note           string    `json:"note,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Session describes one broadcasting session of a driver. EndedAt is zero
// while the session is open.
type Session struct {
	BusID           string        `json:"busId"`
	RouteID         string        `json:"routeId"`
	DriverID        string        `json:"driverId"`
	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         time.Time     `json:"endedAt,omitempty"`
	MessagesSent    int           `json:"messagesSent"`
	MessagesQueued  int           `json:"messagesQueued"`
	MessagesDropped int           `json:"messagesDropped"`
	AverageLatency  time.Duration `json:"averageLatency"`
}

// Duration of a closed session, zero while open.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Store writes status records.
type Store interface {
	SaveStatus(ctx context.Context, u Update) error
	StartSession(ctx context.Context, s Session) error
	// EndSession closes the session identified by BusID and StartedAt.
	EndSession(ctx context.Context, s Session) error
	Close() error
}

// Reader reads records back.
type Reader interface {
	Status(ctx context.Context, busID string) (Update, bool, error)
	Sessions(ctx context.Context, busID string) ([]Session, error)
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StatusConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "sqlite3":
		return NewSQLiteStore(ctx, cfg.SQLiteFile)
	case DriverPostgres, "postgresql":
		return NewPostgresStore(ctx, PostgresConfig{ConnectionString: cfg.PostgresURL})
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownStatusStore, cfg.Driver)
	}
}

package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
)

// dialect holds the statements that differ between SQL backends. Times are
// stored as unix nanoseconds so both backends scan identically.
type dialect struct {
	name          string
	schema        []string
	upsertStatus  string
	upsertSession string
	selectStatus  string
	selectSession string
}

// sqlStore implements Store and Reader over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize %s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) SaveStatus(ctx context.Context, u Update) error {
	if u.BusID == "" {
		return errspkg.ErrBusRequired
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertStatus,
		u.BusID, u.RouteID, u.DriverID, string(u.State),
		u.Latitude, u.Longitude, u.Speed, u.Heading,
		u.PassengerCount, u.CrowdLevel, u.Note, u.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save status of %s: %w", u.BusID, err)
	}
	return nil
}

func (s *sqlStore) StartSession(ctx context.Context, sess Session) error {
	return s.upsertSession(ctx, sess)
}

func (s *sqlStore) EndSession(ctx context.Context, sess Session) error {
	return s.upsertSession(ctx, sess)
}

func (s *sqlStore) upsertSession(ctx context.Context, sess Session) error {
	if sess.BusID == "" {
		return errspkg.ErrBusRequired
	}
	var ended int64
	if !sess.EndedAt.IsZero() {
		ended = sess.EndedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertSession,
		sess.BusID, sess.StartedAt.UnixNano(), sess.RouteID, sess.DriverID, ended,
		sess.MessagesSent, sess.MessagesQueued, sess.MessagesDropped, int64(sess.AverageLatency),
	)
	if err != nil {
		return fmt.Errorf("failed to save session of %s: %w", sess.BusID, err)
	}
	return nil
}

func (s *sqlStore) Status(ctx context.Context, busID string) (Update, bool, error) {
	var (
		u       Update
		state   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.d.selectStatus, busID).Scan(
		&u.BusID, &u.RouteID, &u.DriverID, &state,
		&u.Latitude, &u.Longitude, &u.Speed, &u.Heading,
		&u.PassengerCount, &u.CrowdLevel, &u.Note, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("failed to read status of %s: %w", busID, err)
	}
	u.State = State(state)
	u.UpdatedAt = time.Unix(0, updated)
	return u, true, nil
}

func (s *sqlStore) Sessions(ctx context.Context, busID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, s.d.selectSession, busID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions of %s: %w", busID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess           Session
			started, ended int64
			latency        int64
		)
		if err := rows.Scan(&sess.BusID, &started, &sess.RouteID, &sess.DriverID, &ended,
			&sess.MessagesSent, &sess.MessagesQueued, &sess.MessagesDropped, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		if ended != 0 {
			sess.EndedAt = time.Unix(0, ended)
		}
		sess.AverageLatency = time.Duration(latency)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

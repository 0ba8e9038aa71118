package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is one attendance-taking window.
type Session struct {
	ID        int64     `json:"session_id"`
	Unit      string    `json:"unit"`
	Room      string    `json:"room"`
	StartedAt time.Time `json:"started_at"`
}

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrMissingSessionInfo is returned when unit or room is blank.
var ErrMissingSessionInfo = errors.New("session requires both unit and room")

// CreateSession starts a new attendance window and returns it with its assigned id.
func (d *DB) CreateSession(ctx context.Context, unit, room string) (*Session, error) {
	unit = strings.TrimSpace(unit)
	room = strings.TrimSpace(room)
	if unit == "" || room == "" {
		return nil, ErrMissingSessionInfo
	}

	s := &Session{Unit: unit, Room: room, StartedAt: time.Now().UTC()}
	query := "INSERT INTO sessions (unit, room, started_at) VALUES (?, ?, ?)"

	if d.dialect.Returning {
		row := d.db.QueryRowContext(ctx, d.dialect.Rebind(query+" RETURNING session_id"), s.Unit, s.Room, s.StartedAt)
		if err := row.Scan(&s.ID); err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		return s, nil
	}

	res, err := d.db.ExecContext(ctx, query, s.Unit, s.Room, s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	s.ID = id
	return s, nil
}

// GetSession fetches a session by id.
func (d *DB) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := d.db.QueryRowContext(ctx,
		d.dialect.Rebind("SELECT session_id, unit, room, started_at FROM sessions WHERE session_id = ?"), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions newest first, at most limit rows when limit > 0.
func (d *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	query := "SELECT session_id, unit, room, started_at FROM sessions ORDER BY session_id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s       Session
		started interface{}
	)
	if err := row.Scan(&s.ID, &s.Unit, &s.Room, &started); err != nil {
		return nil, err
	}
	t, err := ParseTime(started)
	if err != nil {
		return nil, err
	}
	s.StartedAt = t
	return &s, nil
}

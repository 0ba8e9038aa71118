// Package ledger records who attended which session.
//
// A person is marked at most once per session. The guarantee comes from the
// UNIQUE (session_id, name) constraint in storage, so it holds across
// concurrent orchestrators and stations sharing one database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Outcome reports what an append did.
type Outcome int

const (
	// Inserted means a new attendance row was written.
	Inserted Outcome = iota
	// AlreadyPresent means the identity was already marked for the session.
	AlreadyPresent
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrStorage matches every StorageError via errors.Is.
var ErrStorage = errors.New("attendance storage failure")

// StorageError describes a failed ledger operation.
type StorageError struct {
	Op       string
	Session  int64
	Identity gallery.Identity
	Err      error
}

func (e *StorageError) Error() string {
	if e.Identity == "" {
		return fmt.Sprintf("ledger %s (session %d): %v", e.Op, e.Session, e.Err)
	}
	return fmt.Sprintf("ledger %s (session %d, %s): %v", e.Op, e.Session, e.Identity, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Ledger is the append-only attendance record.
type Ledger interface {
	AppendIfAbsent(ctx context.Context, sessionID int64, identity gallery.Identity, at time.Time) (Outcome, error)
}

// Record is one attendance row.
type Record struct {
	ID        int64            `json:"attendance_id"`
	SessionID int64            `json:"session_id"`
	Identity  gallery.Identity `json:"name"`
	MarkedAt  time.Time        `json:"marked_at"`
}

// SQLLedger is a Ledger backed by the attendance table.
type SQLLedger struct {
	db  *database.DB
	now func() time.Time
}

// Option configures an SQLLedger.
type Option func(*SQLLedger)

// WithClock replaces the clock used when an append carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *SQLLedger) {
		l.now = now
	}
}

// New returns a ledger writing through db.
func New(db *database.DB, opts ...Option) *SQLLedger {
	l := &SQLLedger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendIfAbsent marks identity present for the session unless it already is.
// A zero at is replaced by the ledger clock.
func (l *SQLLedger) AppendIfAbsent(ctx context.Context, sessionID int64, identity gallery.Identity, at time.Time) (Outcome, error) {
	id := gallery.NormalizeIdentity(string(identity))
	if id == "" {
		return 0, &StorageError{Op: "append", Session: sessionID, Err: gallery.ErrInvalidIdentity}
	}
	if at.IsZero() {
		at = l.now()
	}

	dialect := l.db.Dialect()
	query := dialect.Rebind("INSERT INTO attendance (session_id, name, marked_at) VALUES (?, ?, ?) " + dialect.InsertIgnoreSuffix)

	res, err := l.db.SQL().ExecContext(ctx, query, sessionID, string(id), at.UTC())
	if err != nil {
		return 0, &StorageError{Op: "append", Session: sessionID, Identity: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "append", Session: sessionID, Identity: id, Err: err}
	}

	log := logging.Component("ledger").WithFields(logging.Fields{
		"session_id": sessionID,
		"name":       id,
	})
	if n == 1 {
		log.Info("Attendance recorded")
		return Inserted, nil
	}
	log.Debug("Already marked for session")
	return AlreadyPresent, nil
}

// Records returns the attendance of a session ordered by marked_at.
func (l *SQLLedger) Records(ctx context.Context, sessionID int64) ([]Record, error) {
	query := l.db.Dialect().Rebind(
		"SELECT attendance_id, session_id, name, marked_at FROM attendance WHERE session_id = ? ORDER BY marked_at, attendance_id")

	rows, err := l.db.SQL().QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "records", Session: sessionID, Err: err}
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r      Record
			name   string
			marked interface{}
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &name, &marked); err != nil {
			return nil, &StorageError{Op: "records", Session: sessionID, Err: err}
		}
		t, err := database.ParseTime(marked)
		if err != nil {
			return nil, &StorageError{Op: "records", Session: sessionID, Err: err}
		}
		r.Identity = gallery.Identity(name)
		r.MarkedAt = t
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "records", Session: sessionID, Err: err}
	}
	return records, nil
}

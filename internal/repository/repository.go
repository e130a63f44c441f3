package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/foxzi/cadence/internal/db"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Store bundles every repository over one database
type Store struct {
	DB          *db.DB
	Sequences   *SequenceRepository
	Enrollments *EnrollmentRepository
	Leads       *LeadRepository
	Events      *EventRepository
	Analytics   *AnalyticsRepository
}

// NewStore creates all repositories
func NewStore(d *db.DB) *Store {
	return &Store{
		DB:          d,
		Sequences:   NewSequenceRepository(d),
		Enrollments: NewEnrollmentRepository(d),
		Leads:       NewLeadRepository(d),
		Events:      NewEventRepository(d),
		Analytics:   NewAnalyticsRepository(d),
	}
}

// Timestamps are stored in UTC so textual comparison on sqlite matches
// chronological order.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

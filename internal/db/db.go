package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Options configures the connection pool
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps sql.DB with the driver name so queries written with ? placeholders
// can run on postgres.
type DB struct {
	*sql.DB
	Driver string
}

// Open opens the database for driver and dsn
func Open(driver, dsn string, opts Options) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		conn, err = sql.Open(DriverSQLite, sqliteDSN(dsn))
	case DriverPostgres:
		conn, err = sql.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{DB: conn, Driver: driver}, nil
}

// sqliteDSN enables WAL, a busy timeout, foreign keys on every pooled
// connection and immediate write locks for transactions.
func sqliteDSN(dsn string) string {
	params := "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	if dsn == ":memory:" {
		return "file::memory:?" + params
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// Rebind rewrites ? placeholders to $n for postgres
func (db *DB) Rebind(query string) string {
	return Rebind(db.Driver, query)
}

// Rebind rewrites ? placeholders to $n for postgres. Placeholders inside
// single-quoted literals are left alone.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Migrate creates the schema
func (db *DB) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	migrationSequences,
	migrationSequenceRevisions,
	migrationLeads,
	migrationLeadsIndex,
	migrationEnrollments,
	migrationEnrollmentsOpenIndex,
	migrationEnrollmentsDueIndex,
	migrationStepExecutions,
	migrationStepExecutionsExternalIndex,
	migrationEvents,
	migrationEventsEnrollmentIndex,
}

const migrationSequences = `
CREATE TABLE IF NOT EXISTS sequences (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'sequence',
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    campaign_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    timezone TEXT NOT NULL,
    send_window_start TEXT NOT NULL,
    send_window_end TEXT NOT NULL,
    send_days TEXT NOT NULL,
    stop_on_reply BOOLEAN NOT NULL DEFAULT FALSE,
    stop_on_click BOOLEAN NOT NULL DEFAULT FALSE,
    stop_on_bounce BOOLEAN NOT NULL DEFAULT FALSE,
    stop_on_call_answered BOOLEAN NOT NULL DEFAULT FALSE,
    vapi_assistant_id TEXT NOT NULL DEFAULT '',
    revision INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    activated_at TIMESTAMP,
    completed_at TIMESTAMP
);
`

const migrationSequenceRevisions = `
CREATE TABLE IF NOT EXISTS sequence_revisions (
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    revision INTEGER NOT NULL,
    steps TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (sequence_id, revision)
);
`

const migrationLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    custom_fields TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);
`

const migrationLeadsIndex = `
CREATE INDEX IF NOT EXISTS idx_leads_owner_campaign ON leads(owner_id, campaign_id);
`

const migrationEnrollments = `
CREATE TABLE IF NOT EXISTS enrollments (
    id TEXT PRIMARY KEY,
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
    owner_id TEXT NOT NULL,
    revision INTEGER NOT NULL,
    status TEXT NOT NULL,
    current_step INTEGER NOT NULL DEFAULT 0,
    next_action_at TIMESTAMP,
    emails_sent INTEGER NOT NULL DEFAULT 0,
    opens INTEGER NOT NULL DEFAULT 0,
    clicks INTEGER NOT NULL DEFAULT 0,
    replies INTEGER NOT NULL DEFAULT 0,
    calls_made INTEGER NOT NULL DEFAULT 0,
    calls_answered INTEGER NOT NULL DEFAULT 0,
    sms_sent INTEGER NOT NULL DEFAULT 0,
    stop_reason TEXT NOT NULL DEFAULT '',
    failed BOOLEAN NOT NULL DEFAULT FALSE,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    lease_token TEXT NOT NULL DEFAULT '',
    lease_until TIMESTAMP,
    version BIGINT NOT NULL DEFAULT 1,
    enrolled_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
`

// At most one open enrollment per (sequence, lead)
const migrationEnrollmentsOpenIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_open
    ON enrollments(sequence_id, lead_id) WHERE status IN ('active', 'paused');
`

const migrationEnrollmentsDueIndex = `
CREATE INDEX IF NOT EXISTS idx_enrollments_due ON enrollments(status, next_action_at);
`

const migrationStepExecutions = `
CREATE TABLE IF NOT EXISTS step_executions (
    id TEXT PRIMARY KEY,
    enrollment_id TEXT NOT NULL REFERENCES enrollments(id) ON DELETE CASCADE,
    sequence_id TEXT NOT NULL,
    step_number INTEGER NOT NULL,
    step_type TEXT NOT NULL,
    outcome TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    executed_at TIMESTAMP NOT NULL,
    UNIQUE(enrollment_id, step_number)
);
`

const migrationStepExecutionsExternalIndex = `
CREATE INDEX IF NOT EXISTS idx_step_executions_external ON step_executions(external_id);
`

const migrationEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    enrollment_id TEXT NOT NULL REFERENCES enrollments(id) ON DELETE CASCADE,
    sequence_id TEXT NOT NULL,
    type TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMP NOT NULL,
    received_at TIMESTAMP NOT NULL,
    applied_status TEXT NOT NULL DEFAULT ''
);
`

const migrationEventsEnrollmentIndex = `
CREATE INDEX IF NOT EXISTS idx_events_sequence ON events(sequence_id, received_at);
`

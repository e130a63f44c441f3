package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
)

type EventRepository struct {
	db          *db.DB
	enrollments *EnrollmentRepository
}

func NewEventRepository(d *db.DB) *EventRepository {
	return &EventRepository{db: d, enrollments: NewEnrollmentRepository(d)}
}

// ApplyFunc mutates the enrollment in response to an event. Returning
// changed=false still records the event for deduplication.
type ApplyFunc func(e *models.Enrollment) (changed bool, err error)

// Apply records ev and applies fn to its enrollment in one transaction.
// A duplicate event id is a no-op and reports applied=false. A concurrent
// writer surfaces as ConflictError and nothing is recorded.
func (r *EventRepository) Apply(ctx context.Context, ev *models.Event, fn ApplyFunc) (applied bool, enrollment *models.Enrollment, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := r.enrollments.getByID(ctx, tx, ev.EnrollmentID)
	if err != nil {
		return false, nil, err
	}
	if e == nil {
		return false, nil, apperr.NotFound("enrollment", ev.EnrollmentID)
	}

	changed, err := fn(e)
	if err != nil {
		return false, nil, err
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}
	ev.SequenceID = e.SequenceID
	ev.LeadID = e.LeadID
	ev.AppliedStatus = e.Status

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO events (id, enrollment_id, sequence_id, type, external_id, occurred_at, received_at, applied_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		ev.ID, ev.EnrollmentID, ev.SequenceID, ev.Type, ev.ExternalID, utc(ev.OccurredAt), utc(ev.ReceivedAt), ev.AppliedStatus,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to record event: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, nil, err
	}
	if n == 0 {
		return false, nil, nil
	}

	if changed {
		if err := r.enrollments.save(ctx, tx, e); err != nil {
			return false, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit: %w", err)
	}
	return true, e, nil
}

// Exists reports whether an event id was already recorded
func (r *EventRepository) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM events WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// ListRecent returns the latest events of a sequence
func (r *EventRepository) ListRecent(ctx context.Context, sequenceID string, limit int) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT ev.id, ev.type, ev.enrollment_id, ev.sequence_id, e.lead_id, ev.external_id,
			ev.occurred_at, ev.received_at, ev.applied_status
		FROM events ev
		JOIN enrollments e ON e.id = ev.enrollment_id
		WHERE ev.sequence_id = ?
		ORDER BY ev.received_at DESC
		LIMIT ?`), sequenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.EnrollmentID, &ev.SequenceID, &ev.LeadID, &ev.ExternalID,
			&ev.OccurredAt, &ev.ReceivedAt, &ev.AppliedStatus); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteOlderThan removes events received before cutoff
func (r *EventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM events WHERE received_at < ?`), utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return affected(res)
}

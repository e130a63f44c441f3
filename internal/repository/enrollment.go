package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
	"github.com/google/uuid"
)

// EnrollmentRepository persists enrollment cursors. Every mutation is
// conditional: manual and event-driven changes compare on version, scheduler
// changes compare on the lease token taken by Claim.
type EnrollmentRepository struct {
	db *db.DB
}

func NewEnrollmentRepository(d *db.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: d}
}

const enrollmentColumns = `
	e.id, e.sequence_id, e.lead_id, e.owner_id, e.revision, e.status, e.current_step, e.next_action_at,
	e.emails_sent, e.opens, e.clicks, e.replies, e.calls_made, e.calls_answered, e.sms_sent,
	e.stop_reason, e.failed, e.attempts, e.last_error, e.lease_token, e.lease_until, e.version,
	e.enrolled_at, e.updated_at, e.completed_at`

// Enroll inserts an active enrollment unless the lead already has an open one
// in the sequence. It reports whether a row was created.
func (r *EnrollmentRepository) Enroll(ctx context.Context, e *models.Enrollment) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := utc(time.Now())
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = now
	}
	e.UpdatedAt = now
	e.Status = models.EnrollmentActive
	e.Version = 1

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO enrollments (id, sequence_id, lead_id, owner_id, revision, status, current_step,
			next_action_at, version, enrolled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		e.ID, e.SequenceID, e.LeadID, e.OwnerID, e.Revision, e.Status, e.CurrentStep,
		nullableTime(e.NextActionAt), e.Version, utc(e.EnrolledAt), e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enroll lead: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByID returns an enrollment by ID
func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *EnrollmentRepository) getByID(ctx context.Context, ex execer, id string) (*models.Enrollment, error) {
	row := ex.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+enrollmentColumns+` FROM enrollments e WHERE e.id = ?`), id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return e, nil
}

// FindLatest returns the most recent enrollment of a lead in a sequence,
// preferring an open one
func (r *EnrollmentRepository) FindLatest(ctx context.Context, sequenceID, leadID string) (*models.Enrollment, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+enrollmentColumns+` FROM enrollments e
		WHERE e.sequence_id = ? AND e.lead_id = ?
		ORDER BY CASE WHEN e.status IN ('active', 'paused') THEN 0 ELSE 1 END, e.enrolled_at DESC
		LIMIT 1`), sequenceID, leadID)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find enrollment: %w", err)
	}
	return e, nil
}

// List returns enrollments of a sequence with lead details
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	where := " WHERE e.sequence_id = ?"
	args := []any{filter.SequenceID}
	if filter.Status != "" {
		where += " AND e.status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM enrollments e`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count enrollments: %w", err)
	}

	query := `
		SELECT ` + enrollmentColumns + `, COALESCE(l.email, ''), COALESCE(l.first_name, ''), COALESCE(l.last_name, '')
		FROM enrollments e
		LEFT JOIN leads l ON l.id = e.lead_id` + where + `
		ORDER BY e.enrolled_at DESC, e.id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	enrollments := []models.Enrollment{}
	for rows.Next() {
		var firstName, lastName string
		e, err := scanEnrollment(rows, &firstName, &lastName)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		lead := models.Lead{FirstName: firstName, LastName: lastName}
		e.LeadName = lead.Name()
		enrollments = append(enrollments, *e)
	}
	return enrollments, total, rows.Err()
}

// ListDue returns active, unfailed, unleased enrollments of active sequences
// whose next action is due at now
func (r *EnrollmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	now = utc(now)
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+enrollmentColumns+`
		FROM enrollments e
		JOIN sequences s ON s.id = e.sequence_id
		WHERE e.status = 'active' AND e.failed = FALSE
			AND e.next_action_at IS NOT NULL AND e.next_action_at <= ?
			AND (e.lease_until IS NULL OR e.lease_until < ?)
			AND s.status = 'active'
		ORDER BY e.next_action_at
		LIMIT ?`), now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due enrollments: %w", err)
	}
	defer rows.Close()

	var result []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// Claim takes the dispatch lease on an enrollment if it is still active at
// the given version and its sequence is still active. On success e carries
// the new version and token.
func (r *EnrollmentRepository) Claim(ctx context.Context, e *models.Enrollment, token string, leaseUntil, now time.Time) error {
	now = utc(now)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE enrollments SET lease_token = ?, lease_until = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = 'active' AND failed = FALSE
			AND (lease_until IS NULL OR lease_until < ?)
			AND EXISTS (SELECT 1 FROM sequences s WHERE s.id = enrollments.sequence_id AND s.status = 'active')`),
		token, utc(leaseUntil), now, e.ID, e.Version, now,
	)
	if err != nil {
		return fmt.Errorf("failed to claim enrollment: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Conflict("enrollment", e.ID, "claimed or changed by another writer")
	}

	e.Version++
	e.LeaseToken = token
	lu := utc(leaseUntil)
	e.LeaseUntil = &lu
	return nil
}

// Advance describes the cursor move after a step ran or was skipped
type Advance struct {
	EnrollmentID string
	LeaseToken   string
	NextStep     int
	NextActionAt *time.Time // nil when no steps remain
	Complete     bool
	Delta        models.Counters
	Execution    models.StepExecution
	Now          time.Time
}

// Advance moves the cursor and records the step execution under the lease.
// A paused enrollment keeps its status. A stopped one keeps its cursor and
// Advance returns a ConflictError, but a confirmed dispatch is still recorded
// and the lease released.
func (r *EnrollmentRepository) Advance(ctx context.Context, adv Advance) error {
	now := utc(adv.Now)

	nextStatus := models.EnrollmentActive
	var completedAt any
	if adv.Complete {
		nextStatus = models.EnrollmentCompleted
		completedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE enrollments SET
			current_step = ?,
			next_action_at = ?,
			completed_at = CASE WHEN status = 'active' THEN ? ELSE completed_at END,
			status = CASE WHEN status = 'active' THEN ? ELSE status END,
			emails_sent = emails_sent + ?,
			calls_made = calls_made + ?,
			sms_sent = sms_sent + ?,
			attempts = 0,
			last_error = '',
			lease_token = '',
			lease_until = NULL,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('active', 'paused')`),
		adv.NextStep, nullableTime(adv.NextActionAt), completedAt, nextStatus,
		adv.Delta.EmailsSent, adv.Delta.CallsMade, adv.Delta.SMSSent,
		now, adv.EnrollmentID, adv.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("failed to advance enrollment: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.settleStopped(ctx, tx, adv, now)
	}

	if err := r.insertExecution(ctx, tx, adv, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// settleStopped handles an advance whose enrollment was stopped while the
// lease was held. The cursor and status stay as the stop left them.
func (r *EnrollmentRepository) settleStopped(ctx context.Context, tx *sql.Tx, adv Advance, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE enrollments SET
			emails_sent = emails_sent + ?,
			calls_made = calls_made + ?,
			sms_sent = sms_sent + ?,
			lease_token = '',
			lease_until = NULL,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND lease_token = ? AND status NOT IN ('active', 'paused')`),
		adv.Delta.EmailsSent, adv.Delta.CallsMade, adv.Delta.SMSSent,
		now, adv.EnrollmentID, adv.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("failed to release stopped enrollment: %w", err)
	}
	if err := expectOne(res, adv.EnrollmentID, "lease lost"); err != nil {
		return err
	}

	if adv.Execution.Outcome == models.OutcomeSent {
		if err := r.insertExecution(ctx, tx, adv, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return apperr.Conflict("enrollment", adv.EnrollmentID, "stopped while the step was in flight")
}

func (r *EnrollmentRepository) insertExecution(ctx context.Context, tx *sql.Tx, adv Advance, now time.Time) error {
	ex := adv.Execution
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO step_executions (id, enrollment_id, sequence_id, step_number, step_type, outcome, external_id, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		ex.ID, adv.EnrollmentID, ex.SequenceID, ex.StepNumber, ex.StepType, ex.Outcome, ex.ExternalID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record step execution: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Conflict("enrollment", adv.EnrollmentID, fmt.Sprintf("step %d already executed", ex.StepNumber))
	}
	return nil
}

// Reschedule releases the lease and moves next_action_at without executing
func (r *EnrollmentRepository) Reschedule(ctx context.Context, id, token string, next, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE enrollments SET next_action_at = ?, lease_token = '', lease_until = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('active', 'paused')`),
		utc(next), utc(now), id, token,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule enrollment: %w", err)
	}
	return expectOne(res, id, "lease lost or enrollment stopped")
}

// Failure describes a failed dispatch attempt
type Failure struct {
	EnrollmentID string
	LeaseToken   string
	Attempts     int
	LastError    string
	RetryAt      *time.Time // nil when giving up
	GiveUp       bool
	Now          time.Time
}

// RecordFailure stores a failed attempt without moving the cursor. When
// GiveUp is set the enrollment is flagged failed and leaves the sweep.
func (r *EnrollmentRepository) RecordFailure(ctx context.Context, f Failure) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE enrollments SET attempts = ?, last_error = ?, next_action_at = ?, failed = ?,
			lease_token = '', lease_until = NULL, version = version + 1, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status IN ('active', 'paused')`),
		f.Attempts, f.LastError, nullableTime(f.RetryAt), f.GiveUp, utc(f.Now),
		f.EnrollmentID, f.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch failure: %w", err)
	}
	return expectOne(res, f.EnrollmentID, "lease lost or enrollment stopped")
}

// Save writes the mutable state of e if nobody changed it since it was read,
// then bumps e.Version. The lease is left untouched.
func (r *EnrollmentRepository) Save(ctx context.Context, e *models.Enrollment) error {
	return r.save(ctx, r.db, e)
}

func (r *EnrollmentRepository) save(ctx context.Context, ex execer, e *models.Enrollment) error {
	now := utc(time.Now())
	res, err := ex.ExecContext(ctx, r.db.Rebind(`
		UPDATE enrollments SET status = ?, current_step = ?, next_action_at = ?,
			emails_sent = ?, opens = ?, clicks = ?, replies = ?, calls_made = ?, calls_answered = ?, sms_sent = ?,
			stop_reason = ?, failed = ?, attempts = ?, last_error = ?, completed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		e.Status, e.CurrentStep, nullableTime(e.NextActionAt),
		e.EmailsSent, e.Opens, e.Clicks, e.Replies, e.CallsMade, e.CallsAnswered, e.SMSSent,
		e.StopReason, e.Failed, e.Attempts, e.LastError, nullableTime(e.CompletedAt),
		now, e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	if err := expectOne(res, e.ID, "version changed"); err != nil {
		return err
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// CountByStatus counts all enrollments per status. Failed enrollments are
// counted under "failed" as well as their status.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, failed, COUNT(*) FROM enrollments GROUP BY status, failed`)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var failed bool
		var n int
		if err := rows.Scan(&status, &failed, &n); err != nil {
			return nil, err
		}
		counts[status] += n
		if failed {
			counts["failed"] += n
		}
	}
	return counts, rows.Err()
}

// FindExecutionByExternalID resolves a provider message or call id
func (r *EnrollmentRepository) FindExecutionByExternalID(ctx context.Context, externalID string) (*models.StepExecution, error) {
	ex := &models.StepExecution{}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, enrollment_id, sequence_id, step_number, step_type, outcome, external_id, executed_at
		FROM step_executions WHERE external_id = ?
		ORDER BY executed_at DESC LIMIT 1`), externalID,
	).Scan(&ex.ID, &ex.EnrollmentID, &ex.SequenceID, &ex.StepNumber, &ex.StepType, &ex.Outcome, &ex.ExternalID, &ex.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find step execution: %w", err)
	}
	return ex, nil
}

// ListExecutions returns the executed steps of an enrollment in order
func (r *EnrollmentRepository) ListExecutions(ctx context.Context, enrollmentID string) ([]models.StepExecution, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT id, enrollment_id, sequence_id, step_number, step_type, outcome, external_id, executed_at
		FROM step_executions WHERE enrollment_id = ?
		ORDER BY step_number`), enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer rows.Close()

	var result []models.StepExecution
	for rows.Next() {
		var ex models.StepExecution
		if err := rows.Scan(&ex.ID, &ex.EnrollmentID, &ex.SequenceID, &ex.StepNumber, &ex.StepType, &ex.Outcome, &ex.ExternalID, &ex.ExecutedAt); err != nil {
			return nil, err
		}
		result = append(result, ex)
	}
	return result, rows.Err()
}

func expectOne(res sql.Result, id, reason string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Conflict("enrollment", id, reason)
	}
	return nil
}

func scanEnrollment(row rowScanner, extra ...any) (*models.Enrollment, error) {
	e := &models.Enrollment{}
	var nextActionAt, leaseUntil, completedAt sql.NullTime

	dest := []any{
		&e.ID, &e.SequenceID, &e.LeadID, &e.OwnerID, &e.Revision, &e.Status, &e.CurrentStep, &nextActionAt,
		&e.EmailsSent, &e.Opens, &e.Clicks, &e.Replies, &e.CallsMade, &e.CallsAnswered, &e.SMSSent,
		&e.StopReason, &e.Failed, &e.Attempts, &e.LastError, &e.LeaseToken, &leaseUntil, &e.Version,
		&e.EnrolledAt, &e.UpdatedAt, &completedAt,
	}
	if len(extra) == 2 {
		// lead email is scanned straight into the model
		dest = append(dest, &e.LeadEmail, extra[0], extra[1])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.NextActionAt = timePtr(nextActionAt)
	e.LeaseUntil = timePtr(leaseUntil)
	e.CompletedAt = timePtr(completedAt)
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

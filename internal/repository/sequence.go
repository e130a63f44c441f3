package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
	"github.com/google/uuid"
)

type SequenceRepository struct {
	db *db.DB
}

func NewSequenceRepository(d *db.DB) *SequenceRepository {
	return &SequenceRepository{db: d}
}

const sequenceColumns = `
	s.id, s.owner_id, s.kind, s.name, s.description, s.campaign_id, s.status,
	s.timezone, s.send_window_start, s.send_window_end, s.send_days,
	s.stop_on_reply, s.stop_on_click, s.stop_on_bounce, s.stop_on_call_answered,
	s.vapi_assistant_id, s.revision, s.created_at, s.updated_at, s.activated_at, s.completed_at`

// Create inserts a sequence in draft status together with revision 1 of its steps
func (r *SequenceRepository) Create(ctx context.Context, seq *models.Sequence) error {
	if seq.ID == "" {
		seq.ID = uuid.New().String()
	}
	if seq.Kind == "" {
		seq.Kind = models.KindSequence
	}
	seq.Status = models.SequenceDraft
	seq.Revision = 1
	seq.CreatedAt = utc(time.Now())
	seq.UpdatedAt = seq.CreatedAt

	sendDays, err := json.Marshal(seq.SendDays)
	if err != nil {
		return fmt.Errorf("failed to encode send days: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sequences (id, owner_id, kind, name, description, campaign_id, status,
			timezone, send_window_start, send_window_end, send_days,
			stop_on_reply, stop_on_click, stop_on_bounce, stop_on_call_answered,
			vapi_assistant_id, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		seq.ID, seq.OwnerID, seq.Kind, seq.Name, seq.Description, seq.CampaignID, seq.Status,
		seq.Timezone, seq.SendWindowStart, seq.SendWindowEnd, string(sendDays),
		seq.StopOnReply, seq.StopOnClick, seq.StopOnBounce, seq.StopOnCallAnswered,
		seq.VapiAssistantID, seq.Revision, seq.CreatedAt, seq.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sequence: %w", err)
	}

	if err := r.insertRevision(ctx, tx, seq.ID, seq.Revision, seq.Steps, seq.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *SequenceRepository) insertRevision(ctx context.Context, ex execer, sequenceID string, revision int, steps []models.Step, now time.Time) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	_, err = ex.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sequence_revisions (sequence_id, revision, steps, created_at)
		VALUES (?, ?, ?, ?)`),
		sequenceID, revision, string(data), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save revision %d: %w", revision, err)
	}
	return nil
}

// GetByID returns a sequence with the steps of its current revision
func (r *SequenceRepository) GetByID(ctx context.Context, id string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+sequenceColumns+`, sr.steps
		FROM sequences s
		JOIN sequence_revisions sr ON sr.sequence_id = s.id AND sr.revision = s.revision
		WHERE s.id = ?`), id)

	seq, err := scanSequence(row, true)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return seq, nil
}

// GetRevisionSteps returns the step snapshot of one revision
func (r *SequenceRepository) GetRevisionSteps(ctx context.Context, sequenceID string, revision int) ([]models.Step, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT steps FROM sequence_revisions WHERE sequence_id = ? AND revision = ?`),
		sequenceID, revision,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}

	var steps []models.Step
	if err := json.Unmarshal([]byte(data), &steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	return steps, nil
}

// List returns sequences with their enrollment stats
func (r *SequenceRepository) List(ctx context.Context, filter models.SequenceFilter) ([]models.SequenceSummary, error) {
	query := `
		SELECT ` + sequenceColumns + `, sr.steps
		FROM sequences s
		JOIN sequence_revisions sr ON sr.sequence_id = s.id AND sr.revision = s.revision
		WHERE s.owner_id = ?`
	args := []any{filter.OwnerID}

	if filter.Kind != "" {
		query += " AND s.kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += " AND s.status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY s.created_at DESC"

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	defer rows.Close()

	summaries := []models.SequenceSummary{}
	for rows.Next() {
		seq, err := scanSequence(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		summaries = append(summaries, models.SequenceSummary{Sequence: *seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats, err := r.statsByOwner(ctx, filter.OwnerID)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		if st, ok := stats[summaries[i].ID]; ok {
			summaries[i].Stats = st
		}
	}

	return summaries, nil
}

const statsSelect = `
	SELECT sequence_id,
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'paused' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status LIKE 'stopped%' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(emails_sent), 0),
		COALESCE(SUM(opens), 0),
		COALESCE(SUM(clicks), 0),
		COALESCE(SUM(replies), 0),
		COALESCE(SUM(calls_made), 0),
		COALESCE(SUM(sms_sent), 0)
	FROM enrollments`

func (r *SequenceRepository) statsByOwner(ctx context.Context, ownerID string) (map[string]models.SequenceStats, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(statsSelect+`
		WHERE owner_id = ?
		GROUP BY sequence_id`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	defer rows.Close()

	result := make(map[string]models.SequenceStats)
	for rows.Next() {
		var id string
		var st models.SequenceStats
		if err := rows.Scan(&id, &st.Enrolled, &st.Active, &st.Paused, &st.Completed, &st.Stopped, &st.Failed,
			&st.EmailsSent, &st.Opens, &st.Clicks, &st.Replies, &st.CallsMade, &st.SMSSent); err != nil {
			return nil, err
		}
		result[id] = st
	}
	return result, rows.Err()
}

// Stats returns the enrollment stats of one sequence
func (r *SequenceRepository) Stats(ctx context.Context, sequenceID string) (models.SequenceStats, error) {
	var id string
	var st models.SequenceStats
	err := r.db.QueryRowContext(ctx, r.db.Rebind(statsSelect+`
		WHERE sequence_id = ?
		GROUP BY sequence_id`), sequenceID,
	).Scan(&id, &st.Enrolled, &st.Active, &st.Paused, &st.Completed, &st.Stopped, &st.Failed,
		&st.EmailsSent, &st.Opens, &st.Clicks, &st.Replies, &st.CallsMade, &st.SMSSent)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}

// Update saves sequence settings. When newRevision is set, seq.Steps are
// stored as the next revision and seq.Revision is advanced; enrollments keep
// the revision they were enrolled on.
func (r *SequenceRepository) Update(ctx context.Context, seq *models.Sequence, newRevision bool) error {
	sendDays, err := json.Marshal(seq.SendDays)
	if err != nil {
		return fmt.Errorf("failed to encode send days: %w", err)
	}

	now := utc(time.Now())
	revision := seq.Revision
	if newRevision {
		revision++
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE sequences SET name = ?, description = ?, campaign_id = ?,
			timezone = ?, send_window_start = ?, send_window_end = ?, send_days = ?,
			stop_on_reply = ?, stop_on_click = ?, stop_on_bounce = ?, stop_on_call_answered = ?,
			vapi_assistant_id = ?, revision = ?, updated_at = ?
		WHERE id = ? AND revision = ?`),
		seq.Name, seq.Description, seq.CampaignID,
		seq.Timezone, seq.SendWindowStart, seq.SendWindowEnd, string(sendDays),
		seq.StopOnReply, seq.StopOnClick, seq.StopOnBounce, seq.StopOnCallAnswered,
		seq.VapiAssistantID, revision, now,
		seq.ID, seq.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Conflict("sequence", seq.ID, "modified concurrently")
	}

	if newRevision {
		if err := r.insertRevision(ctx, tx, seq.ID, revision, seq.Steps, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	seq.Revision = revision
	seq.UpdatedAt = now
	return nil
}

// UpdateStatus moves a sequence to status when it is currently in one of from.
// It reports whether the row changed.
func (r *SequenceRepository) UpdateStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	now := utc(time.Now())

	query := `UPDATE sequences SET status = ?, updated_at = ?`
	args := []any{to, now}
	switch to {
	case models.SequenceActive:
		query += `, activated_at = COALESCE(activated_at, ?)`
		args = append(args, now)
	case models.SequenceCompleted:
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update sequence status: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a sequence; enrollments, executions and events cascade
func (r *SequenceRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sequences WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete sequence: %w", err)
	}
	return nil
}

// ListActive returns every active sequence without steps
func (r *SequenceRepository) ListActive(ctx context.Context) ([]models.Sequence, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+sequenceColumns+`
		FROM sequences s
		WHERE s.status = ?
		ORDER BY s.created_at`), models.SequenceActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sequences: %w", err)
	}
	defer rows.Close()

	var result []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		result = append(result, *seq)
	}
	return result, rows.Err()
}

// ListFinished returns active sequences that have enrollments but none left
// active or paused
func (r *SequenceRepository) ListFinished(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT s.id FROM sequences s
		WHERE s.status = ?
			AND EXISTS (SELECT 1 FROM enrollments e WHERE e.sequence_id = s.id)
			AND NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.sequence_id = s.id AND e.status IN ('active', 'paused'))`),
		models.SequenceActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list finished sequences: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSequence(row rowScanner, withSteps bool) (*models.Sequence, error) {
	seq := &models.Sequence{}
	var sendDays, steps string
	var activatedAt, completedAt sql.NullTime

	dest := []any{
		&seq.ID, &seq.OwnerID, &seq.Kind, &seq.Name, &seq.Description, &seq.CampaignID, &seq.Status,
		&seq.Timezone, &seq.SendWindowStart, &seq.SendWindowEnd, &sendDays,
		&seq.StopOnReply, &seq.StopOnClick, &seq.StopOnBounce, &seq.StopOnCallAnswered,
		&seq.VapiAssistantID, &seq.Revision, &seq.CreatedAt, &seq.UpdatedAt, &activatedAt, &completedAt,
	}
	if withSteps {
		dest = append(dest, &steps)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sendDays), &seq.SendDays); err != nil {
		return nil, fmt.Errorf("failed to decode send days: %w", err)
	}
	if withSteps {
		if err := json.Unmarshal([]byte(steps), &seq.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps: %w", err)
		}
	}
	seq.CreatedAt = seq.CreatedAt.UTC()
	seq.UpdatedAt = seq.UpdatedAt.UTC()
	seq.ActivatedAt = timePtr(activatedAt)
	seq.CompletedAt = timePtr(completedAt)
	return seq, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}

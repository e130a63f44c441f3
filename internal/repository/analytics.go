package repository

import (
	"context"
	"fmt"

	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
)

type AnalyticsRepository struct {
	db *db.DB
}

func NewAnalyticsRepository(d *db.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: d}
}

// Funnel counts sent and skipped executions per step. Steps nobody reached
// are filled in from steps.
func (r *AnalyticsRepository) Funnel(ctx context.Context, sequenceID string, steps []models.Step) ([]models.StepFunnel, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT step_number, step_type, outcome, COUNT(*)
		FROM step_executions
		WHERE sequence_id = ?
		GROUP BY step_number, step_type, outcome
		ORDER BY step_number`), sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query funnel: %w", err)
	}
	defer rows.Close()

	byStep := make(map[int]*models.StepFunnel)
	for _, s := range steps {
		byStep[s.StepNumber] = &models.StepFunnel{StepNumber: s.StepNumber, StepType: s.StepType}
	}

	for rows.Next() {
		var stepNumber, count int
		var stepType, outcome string
		if err := rows.Scan(&stepNumber, &stepType, &outcome, &count); err != nil {
			return nil, err
		}
		f, ok := byStep[stepNumber]
		if !ok {
			f = &models.StepFunnel{StepNumber: stepNumber, StepType: stepType}
			byStep[stepNumber] = f
		}
		switch outcome {
		case models.OutcomeSent:
			f.Sent += count
		case models.OutcomeSkipped:
			f.Skipped += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	maxStep := 0
	for n := range byStep {
		if n > maxStep {
			maxStep = n
		}
	}
	funnel := make([]models.StepFunnel, 0, len(byStep))
	for n := 1; n <= maxStep; n++ {
		if f, ok := byStep[n]; ok {
			funnel = append(funnel, *f)
		}
	}
	return funnel, nil
}

// StatusBreakdown counts enrollments per status, including zero counts
func (r *AnalyticsRepository) StatusBreakdown(ctx context.Context, sequenceID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT status, COUNT(*) FROM enrollments WHERE sequence_id = ? GROUP BY status`), sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status breakdown: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int, len(models.EnrollmentStatuses))
	for _, s := range models.EnrollmentStatuses {
		result[s] = 0
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	return result, rows.Err()
}

// Totals sums the counters of every enrollment in the sequence and counts
// enrollments flagged failed
func (r *AnalyticsRepository) Totals(ctx context.Context, sequenceID string) (models.Counters, int, error) {
	var c models.Counters
	var failed int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT COALESCE(SUM(emails_sent), 0), COALESCE(SUM(opens), 0), COALESCE(SUM(clicks), 0),
			COALESCE(SUM(replies), 0), COALESCE(SUM(calls_made), 0), COALESCE(SUM(calls_answered), 0),
			COALESCE(SUM(sms_sent), 0), COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0)
		FROM enrollments WHERE sequence_id = ?`), sequenceID,
	).Scan(&c.EmailsSent, &c.Opens, &c.Clicks, &c.Replies, &c.CallsMade, &c.CallsAnswered, &c.SMSSent, &failed)
	if err != nil {
		return c, 0, fmt.Errorf("failed to query totals: %w", err)
	}
	return c, failed, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
	"github.com/google/uuid"
)

type LeadRepository struct {
	db *db.DB
}

func NewLeadRepository(d *db.DB) *LeadRepository {
	return &LeadRepository{db: d}
}

const leadColumns = `l.id, l.owner_id, l.campaign_id, l.email, l.phone, l.first_name, l.last_name, l.company, l.custom_fields, l.created_at`

// CreateBatch inserts leads in one transaction
func (r *LeadRepository) CreateBatch(ctx context.Context, leads []models.Lead) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO leads (id, owner_id, campaign_id, email, phone, first_name, last_name, company, custom_fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := utc(time.Now())
	for i := range leads {
		l := &leads[i]
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		l.CreatedAt = now
		fields := l.CustomFields
		if fields == nil {
			fields = map[string]string{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to encode custom fields: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, l.ID, l.OwnerID, l.CampaignID, l.Email, l.Phone,
			l.FirstName, l.LastName, l.Company, string(data), l.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert lead %s: %w", l.Email, err)
		}
	}

	return tx.Commit()
}

// GetByID returns a lead by ID
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*models.Lead, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+leadColumns+` FROM leads l WHERE l.id = ?`), id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return l, nil
}

// List returns leads of an owner
func (r *LeadRepository) List(ctx context.Context, filter models.LeadFilter) ([]models.Lead, int, error) {
	where := " WHERE l.owner_id = ?"
	args := []any{filter.OwnerID}
	if filter.CampaignID != "" {
		where += " AND l.campaign_id = ?"
		args = append(args, filter.CampaignID)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM leads l`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count leads: %w", err)
	}

	query := `SELECT ` + leadColumns + ` FROM leads l` + where + ` ORDER BY l.created_at, l.id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	leads, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return leads, total, nil
}

// ListUnenrolled returns leads targeted by seq that were never enrolled in it.
// A sequence with a campaign targets that campaign's leads, otherwise every
// lead of the owner.
func (r *LeadRepository) ListUnenrolled(ctx context.Context, seq *models.Sequence, limit int) ([]models.Lead, error) {
	query := `
		SELECT ` + leadColumns + ` FROM leads l
		WHERE l.owner_id = ?`
	args := []any{seq.OwnerID}
	if seq.CampaignID != "" {
		query += " AND l.campaign_id = ?"
		args = append(args, seq.CampaignID)
	}
	query += `
			AND NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.sequence_id = ? AND e.lead_id = l.id)
		ORDER BY l.created_at, l.id`
	args = append(args, seq.ID)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

// GetByIDs returns the owner's leads among ids
func (r *LeadRepository) GetByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{ownerID}
	for _, id := range ids {
		args = append(args, id)
	}
	return r.query(ctx, `SELECT `+leadColumns+` FROM leads l WHERE l.owner_id = ? AND l.id IN (`+placeholders(len(ids))+`) ORDER BY l.created_at, l.id`, args...)
}

// Delete removes a lead; its enrollments cascade
func (r *LeadRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM leads WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete lead: %w", err)
	}
	return nil
}

func (r *LeadRepository) query(ctx context.Context, query string, args ...any) ([]models.Lead, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	leads := []models.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

func scanLead(row rowScanner) (*models.Lead, error) {
	l := &models.Lead{}
	var fields string
	if err := row.Scan(&l.ID, &l.OwnerID, &l.CampaignID, &l.Email, &l.Phone, &l.FirstName, &l.LastName,
		&l.Company, &fields, &l.CreatedAt); err != nil {
		return nil, err
	}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &l.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode custom fields: %w", err)
		}
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

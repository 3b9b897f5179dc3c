package repo

import (
	"context"
	"database/sql"

	"journeyline/internal/domain"
)

const campaignSelect = `SELECT c.id,c.business_id,b.name,c.month,c.slot_capacity,c.status,c.version,c.created_at,c.updated_at
FROM campaigns c JOIN businesses b ON b.id=c.business_id`

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(&c.ID, &c.BusinessID, &c.BusinessName, &c.Month, &c.SlotCapacity, &c.Status, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	_, err := r.exec(ctx, tx, `INSERT INTO campaigns(id,business_id,month,slot_capacity,status,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.BusinessID, c.Month, c.SlotCapacity, c.Status, c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Campaign, error) {
	return scanCampaign(r.queryRow(ctx, tx, campaignSelect+` WHERE b.org_id=? AND c.id=?`, orgID, id))
}

// FindCampaigns resolves the compound "<business name>-<month>" key.
func (r Repo) FindCampaigns(ctx context.Context, tx *sql.Tx, orgID, businessName, month string) ([]domain.Campaign, error) {
	rows, err := r.query(ctx, tx, campaignSelect+` WHERE b.org_id=? AND lower(trim(b.name))=lower(trim(?)) AND c.month=? ORDER BY c.created_at, c.id`,
		orgID, businessName, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

func (r Repo) ListCampaigns(ctx context.Context, orgID, businessID string) ([]domain.Campaign, error) {
	query := campaignSelect + ` WHERE b.org_id=?`
	args := []any{orgID}
	if businessID != "" {
		query += ` AND c.business_id=?`
		args = append(args, businessID)
	}
	query += ` ORDER BY c.month DESC, b.name`
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCampaigns(rows)
}

func collectCampaigns(rows *sql.Rows) ([]domain.Campaign, error) {
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LatestCampaignMonth returns "" when the business has no campaign yet.
func (r Repo) LatestCampaignMonth(ctx context.Context, tx *sql.Tx, businessID string) (string, error) {
	var month sql.NullString
	if err := r.queryRow(ctx, tx, `SELECT MAX(month) FROM campaigns WHERE business_id=?`, businessID).Scan(&month); err != nil {
		return "", err
	}
	return month.String, nil
}

// DecrementCapacity lowers slot capacity by one in a single store-side
// statement, never going below floor, and returns the resulting value.
func (r Repo) DecrementCapacity(ctx context.Context, tx *sql.Tx, campaignID string, floor int, now string) (int, error) {
	var capacity int
	err := r.queryRow(ctx, tx, `UPDATE campaigns
SET slot_capacity = CASE WHEN slot_capacity > ? THEN slot_capacity - 1 ELSE slot_capacity END,
    updated_at=?, version=version+1
WHERE id=?
RETURNING slot_capacity`, floor, now, campaignID).Scan(&capacity)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return capacity, err
}

// RaiseCapacityToActive lifts slot capacity to the active slot count when it
// has fallen behind, in a single store-side statement.
func (r Repo) RaiseCapacityToActive(ctx context.Context, tx *sql.Tx, campaignID, now string) (int, error) {
	var capacity int
	err := r.queryRow(ctx, tx, `UPDATE campaigns
SET slot_capacity = CASE
      WHEN slot_capacity < (SELECT COUNT(*) FROM assignments a WHERE a.campaign_id=campaigns.id AND a.status='active')
      THEN (SELECT COUNT(*) FROM assignments a WHERE a.campaign_id=campaigns.id AND a.status='active')
      ELSE slot_capacity END,
    updated_at=?, version=version+1
WHERE id=?
RETURNING slot_capacity`, now, campaignID).Scan(&capacity)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return capacity, err
}

func (r Repo) OverwriteCampaignStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	return r.overwriteOne(ctx, tx, `UPDATE campaigns SET status=?, updated_at=?, version=version+1 WHERE id=?`, status, now, id)
}

func (r Repo) OverwriteCampaignCapacity(ctx context.Context, tx *sql.Tx, id string, capacity int, now string) error {
	return r.overwriteOne(ctx, tx, `UPDATE campaigns SET slot_capacity=?, updated_at=?, version=version+1 WHERE id=?`, capacity, now, id)
}

func (r Repo) overwriteOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := r.exec(ctx, tx, query, args...)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

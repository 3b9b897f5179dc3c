package repo

import (
	"context"
	"database/sql"

	"journeyline/internal/domain"
)

const assignmentColumns = `id,campaign_id,slot_no,creator_id,role,status,payload_json,version,created_at,updated_at,removed_at`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var creator, removedAt sql.NullString
	err := row.Scan(&a.ID, &a.CampaignID, &a.SlotNo, &creator, &a.Role, &a.Status, &a.Payload, &a.Version, &a.CreatedAt, &a.UpdatedAt, &removedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.CreatorID = optionalString(creator)
	a.RemovedAt = optionalString(removedAt)
	return a, err
}

func collectAssignments(rows *sql.Rows) ([]domain.Assignment, error) {
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	if a.Payload == "" {
		a.Payload = "{}"
	}
	_, err := r.exec(ctx, tx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CampaignID, a.SlotNo, nullableStringPtr(a.CreatorID), a.Role, a.Status, a.Payload, a.Version, a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.RemovedAt))
	return err
}

// NextSlotNo returns the slot number a newly appended slot should carry.
func (r Repo) NextSlotNo(ctx context.Context, tx *sql.Tx, campaignID string) (int, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COALESCE(MAX(slot_no),0)+1 FROM assignments WHERE campaign_id=?`, campaignID).Scan(&n)
	return n, err
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, campaignID string, includeRemoved bool) ([]domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE campaign_id=?`
	if !includeRemoved {
		query += ` AND status='active'`
	}
	query += ` ORDER BY slot_no, id`
	rows, err := r.query(ctx, tx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// ActiveAssignmentsForCreator returns the non-removed slots a creator holds in a campaign.
func (r Repo) ActiveAssignmentsForCreator(ctx context.Context, tx *sql.Tx, campaignID, creatorID string) ([]domain.Assignment, error) {
	rows, err := r.query(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE campaign_id=? AND creator_id=? AND status='active' ORDER BY slot_no, id`,
		campaignID, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// EmptySlots returns active slots with no creator, lowest slot number first.
func (r Repo) EmptySlots(ctx context.Context, tx *sql.Tx, campaignID string) ([]domain.Assignment, error) {
	rows, err := r.query(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE campaign_id=? AND creator_id IS NULL AND status='active' ORDER BY slot_no, id`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (r Repo) CountActiveAssignments(ctx context.Context, tx *sql.Tx, campaignID string) (int, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM assignments WHERE campaign_id=? AND status='active'`, campaignID).Scan(&n)
	return n, err
}

// SetSlotCreator rebinds an active slot to a creator if its version is unchanged.
// The slot's payload and identity are kept.
func (r Repo) SetSlotCreator(ctx context.Context, tx *sql.Tx, id string, version int64, creatorID, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE assignments SET creator_id=?, updated_at=?, version=version+1 WHERE id=? AND version=? AND status='active'`,
		creatorID, now, id, version)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// SoftRemove marks an active slot removed if its version is unchanged.
func (r Repo) SoftRemove(ctx context.Context, tx *sql.Tx, id string, version int64, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE assignments SET status='removed', removed_at=?, updated_at=?, version=version+1 WHERE id=? AND version=? AND status='active'`,
		now, now, id, version)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) OverwriteAssignmentStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	var removedAt any
	if status == domain.AssignmentRemoved {
		removedAt = now
	}
	return r.overwriteOne(ctx, tx, `UPDATE assignments SET status=?, removed_at=?, updated_at=?, version=version+1 WHERE id=?`, status, removedAt, now, id)
}

func (r Repo) OverwriteAssignmentCreator(ctx context.Context, tx *sql.Tx, id, creatorID, now string) error {
	return r.overwriteOne(ctx, tx, `UPDATE assignments SET creator_id=?, updated_at=?, version=version+1 WHERE id=?`, nullable(creatorID), now, id)
}

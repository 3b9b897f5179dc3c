package repo

import (
	"context"
	"database/sql"

	"journeyline/internal/domain"
)

const businessColumns = `id,org_id,name,stage,stage_entered_at,stage_month,priority,estimated_value,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBusiness(row rowScanner) (domain.Business, error) {
	var b domain.Business
	var stage string
	err := row.Scan(&b.ID, &b.OrgID, &b.Name, &stage, &b.StageEnteredAt, &b.StageMonth, &b.Priority, &b.EstimatedValue, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	b.Stage = domain.Stage(stage)
	return b, err
}

func (r Repo) InsertBusiness(ctx context.Context, tx *sql.Tx, b domain.Business) error {
	_, err := r.exec(ctx, tx, `INSERT INTO businesses(`+businessColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.OrgID, b.Name, string(b.Stage), b.StageEnteredAt, b.StageMonth, b.Priority, b.EstimatedValue, b.Version, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBusiness(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Business, error) {
	return scanBusiness(r.queryRow(ctx, tx, `SELECT `+businessColumns+` FROM businesses WHERE org_id=? AND id=?`, orgID, id))
}

// FindBusinessesByName matches names exactly after trimming and case folding.
func (r Repo) FindBusinessesByName(ctx context.Context, tx *sql.Tx, orgID, name string) ([]domain.Business, error) {
	rows, err := r.query(ctx, tx, `SELECT `+businessColumns+` FROM businesses WHERE org_id=? AND lower(trim(name))=lower(trim(?)) ORDER BY created_at, id`, orgID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) ListBusinesses(ctx context.Context, orgID string, stage domain.Stage) ([]domain.Business, error) {
	query := `SELECT ` + businessColumns + ` FROM businesses WHERE org_id=?`
	args := []any{orgID}
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY name`
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CompareAndSetStage moves a business from one stage to another only if it
// still sits in the expected stage, recording the campaign month the new
// stage is entered under. It returns false when the precondition failed.
func (r Repo) CompareAndSetStage(ctx context.Context, tx *sql.Tx, id string, from, to domain.Stage, month, enteredAt, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE businesses SET stage=?, stage_month=?, stage_entered_at=?, updated_at=?, version=version+1 WHERE id=? AND stage=?`,
		string(to), month, enteredAt, now, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// OverwriteStage is the reconciler's repair path; it does not touch stage_entered_at.
func (r Repo) OverwriteStage(ctx context.Context, tx *sql.Tx, id string, stage domain.Stage, now string) error {
	return r.overwriteOne(ctx, tx, `UPDATE businesses SET stage=?, updated_at=?, version=version+1 WHERE id=?`, string(stage), now, id)
}

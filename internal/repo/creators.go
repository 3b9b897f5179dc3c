package repo

import (
	"context"
	"database/sql"

	"journeyline/internal/domain"
)

const creatorColumns = `id,org_id,name,status,followers,engagement_rate,created_at,updated_at`

func scanCreator(row rowScanner) (domain.Creator, error) {
	var c domain.Creator
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Status, &c.Followers, &c.EngagementRate, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCreator(ctx context.Context, tx *sql.Tx, c domain.Creator) error {
	_, err := r.exec(ctx, tx, `INSERT INTO creators(`+creatorColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.OrgID, c.Name, c.Status, c.Followers, c.EngagementRate, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCreator(ctx context.Context, tx *sql.Tx, orgID, id string) (domain.Creator, error) {
	return scanCreator(r.queryRow(ctx, tx, `SELECT `+creatorColumns+` FROM creators WHERE org_id=? AND id=?`, orgID, id))
}

func (r Repo) ListCreators(ctx context.Context, orgID string) ([]domain.Creator, error) {
	rows, err := r.query(ctx, nil, `SELECT `+creatorColumns+` FROM creators WHERE org_id=? ORDER BY name, id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Creator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

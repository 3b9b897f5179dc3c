package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"journeyline/internal/domain"
)

const taskColumns = `id,business_id,campaign_id,business_name,campaign_month,journey_stage,template_key,title,status,blocks_progression,auto_generated,due_date,priority,created_by,created_at,updated_at,completed_at`

func scanTask(row rowScanner) (domain.JourneyTask, error) {
	var t domain.JourneyTask
	var businessID, campaignID, templateKey, dueDate, completedAt sql.NullString
	var stage string
	var blocks, auto int
	err := row.Scan(&t.ID, &businessID, &campaignID, &t.BusinessName, &t.CampaignMonth, &stage, &templateKey, &t.Title, &t.Status,
		&blocks, &auto, &dueDate, &t.Priority, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.JourneyStage = domain.Stage(stage)
	t.BusinessID = optionalString(businessID)
	t.CampaignID = optionalString(campaignID)
	t.TemplateKey = optionalString(templateKey)
	t.DueDate = optionalString(dueDate)
	t.CompletedAt = optionalString(completedAt)
	t.BlocksProgression = blocks != 0
	t.AutoGenerated = auto != 0
	return t, err
}

func taskArgs(t domain.JourneyTask) []any {
	return []any{
		t.ID, nullableStringPtr(t.BusinessID), nullableStringPtr(t.CampaignID), t.BusinessName, t.CampaignMonth, string(t.JourneyStage),
		nullableStringPtr(t.TemplateKey), t.Title, t.Status, boolInt(t.BlocksProgression), boolInt(t.AutoGenerated),
		nullableStringPtr(t.DueDate), t.Priority, t.CreatedBy, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt),
	}
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.JourneyTask) error {
	_, err := r.exec(ctx, tx, `INSERT INTO journey_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, taskArgs(t)...)
	return err
}

// InsertTaskIfAbsent inserts a task unless its id already exists and reports
// whether a row was written.
func (r Repo) InsertTaskIfAbsent(ctx context.Context, tx *sql.Tx, t domain.JourneyTask) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO journey_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`, taskArgs(t)...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.JourneyTask, error) {
	return scanTask(r.queryRow(ctx, tx, `SELECT `+taskColumns+` FROM journey_tasks WHERE id=?`, id))
}

// TaskFilter narrows task listings. Empty fields do not filter.
type TaskFilter struct {
	BusinessName  string
	CampaignMonth string
	Stage         domain.Stage
	Status        string
	AutoOnly      bool
	BlockingOnly  bool
	NotDone       bool
}

func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilter) ([]domain.JourneyTask, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.BusinessName != "" {
		clauses = append(clauses, "business_name=?")
		args = append(args, f.BusinessName)
	}
	if f.CampaignMonth != "" {
		clauses = append(clauses, "campaign_month=?")
		args = append(args, f.CampaignMonth)
	}
	if f.Stage != "" {
		clauses = append(clauses, "journey_stage=?")
		args = append(args, string(f.Stage))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AutoOnly {
		clauses = append(clauses, "auto_generated=1")
	}
	if f.BlockingOnly {
		clauses = append(clauses, "blocks_progression=1")
	}
	if f.NotDone {
		clauses = append(clauses, "status<>'done'")
	}
	query := fmt.Sprintf(`SELECT %s FROM journey_tasks WHERE %s ORDER BY created_at, id`, taskColumns, strings.Join(clauses, " AND "))
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JourneyTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountAutoTasks counts auto-generated tasks for a (business, month, stage) triple.
func (r Repo) CountAutoTasks(ctx context.Context, tx *sql.Tx, businessName, month string, stage domain.Stage) (int, error) {
	var n int
	err := r.queryRow(ctx, tx, `SELECT COUNT(*) FROM journey_tasks WHERE business_name=? AND campaign_month=? AND journey_stage=? AND auto_generated=1`,
		businessName, month, string(stage)).Scan(&n)
	return n, err
}

// CompareAndSetTaskStatus changes status only if it still equals from.
func (r Repo) CompareAndSetTaskStatus(ctx context.Context, tx *sql.Tx, id, from, to string, completedAt *string, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE journey_tasks SET status=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		to, nullableStringPtr(completedAt), now, id, from)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) OverwriteTaskStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	var completedAt any
	if status == domain.TaskDone {
		completedAt = now
	}
	return r.overwriteOne(ctx, tx, `UPDATE journey_tasks SET status=?, completed_at=?, updated_at=? WHERE id=?`, status, completedAt, now, id)
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	return r.overwriteOne(ctx, tx, `DELETE FROM journey_tasks WHERE id=?`, id)
}

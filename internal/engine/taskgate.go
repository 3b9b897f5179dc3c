package engine

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// SeedInput identifies the (business, month, stage) triple whose checklist is seeded.
type SeedInput struct {
	BusinessName  string
	CampaignMonth string
	Stage         domain.Stage
	BusinessID    string
	CampaignID    string
	Actor         string
}

type SeedResult struct {
	CountCreated int                  `json:"count_created"`
	Created      []domain.JourneyTask `json:"created_task_list"`
	Warnings     []ConsistencyWarning `json:"warnings,omitempty"`
}

func validateTriple(name, month string, stage domain.Stage) error {
	switch {
	case strings.TrimSpace(name) == "":
		return ValidationError{Field: "business_name", Reason: "required"}
	case strings.TrimSpace(month) == "":
		return ValidationError{Field: "campaign_month", Reason: "required"}
	case !domain.ValidMonth(month):
		return ValidationError{Field: "campaign_month", Reason: "must be YYYY-MM"}
	case stage == "":
		return ValidationError{Field: "journey_stage", Reason: "required"}
	case !stage.Valid():
		return ValidationError{Field: "journey_stage", Reason: "unknown stage " + string(stage)}
	}
	return nil
}

// seededTaskID is stable per triple and template key, so concurrent seeders
// collide on the primary key instead of duplicating the checklist. The name
// is used exactly as the task rows store and match it.
func seededTaskID(name, month string, stage domain.Stage, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name+"|"+month+"|"+string(stage)+"|"+key)).String()
}

// SeedTasks instantiates the stage's task template unless an auto-generated
// task already exists for the triple. A repeated call returns zero.
func (e Engine) SeedTasks(ctx context.Context, in SeedInput) (SeedResult, error) {
	in.BusinessName = strings.TrimSpace(in.BusinessName)
	in.CampaignMonth = strings.TrimSpace(in.CampaignMonth)
	if err := validateTriple(in.BusinessName, in.CampaignMonth, in.Stage); err != nil {
		return SeedResult{}, err
	}
	actor := actorOr(in.Actor)
	var created []domain.JourneyTask
	err := e.retry(ctx, "seed_tasks", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		created = nil
		return e.inTx(ctx, "seed_tasks", func(tx *sql.Tx) error {
			existing, err := e.Repo.CountAutoTasks(ctx, tx, in.BusinessName, in.CampaignMonth, in.Stage)
			if err != nil {
				return err
			}
			if existing > 0 {
				return nil
			}
			now := e.now()
			stamp := domain.FormatTime(now)
			for _, tpl := range e.Config.TemplatesFor(in.Stage) {
				key := tpl.Key
				t := domain.JourneyTask{
					ID:                seededTaskID(in.BusinessName, in.CampaignMonth, in.Stage, tpl.Key),
					BusinessName:      in.BusinessName,
					CampaignMonth:     in.CampaignMonth,
					JourneyStage:      in.Stage,
					TemplateKey:       &key,
					Title:             tpl.Title,
					Status:            domain.TaskOpen,
					BlocksProgression: tpl.BlocksProgression,
					AutoGenerated:     true,
					Priority:          tpl.Priority,
					CreatedBy:         actor,
					CreatedAt:         stamp,
					UpdatedAt:         stamp,
				}
				if t.Priority == "" {
					t.Priority = "medium"
				}
				if in.BusinessID != "" {
					t.BusinessID = &in.BusinessID
				}
				if in.CampaignID != "" {
					t.CampaignID = &in.CampaignID
				}
				if tpl.DueInDays > 0 {
					due := domain.FormatTime(now.Add(time.Duration(tpl.DueInDays) * 24 * time.Hour))
					t.DueDate = &due
				}
				inserted, err := e.Repo.InsertTaskIfAbsent(ctx, tx, t)
				if err != nil {
					return err
				}
				if inserted {
					created = append(created, t)
				}
			}
			return nil
		})
	})
	if err != nil {
		return SeedResult{}, err
	}
	res := SeedResult{CountCreated: len(created), Created: created}
	if len(created) == 0 {
		return res, nil
	}
	entries := make([]domain.AuditLogEntry, 0, len(created))
	for _, t := range created {
		entries = append(entries, domain.AuditLogEntry{
			EntityType: domain.EntityTask,
			EntityID:   t.ID,
			EntityName: t.BusinessName,
			Action:     domain.ActionSeed,
			FieldName:  "status",
			NewValue:   audit.Value(t.Status),
			Actor:      actor,
			Details: audit.Details(map[string]any{
				"campaign_month":     t.CampaignMonth,
				"journey_stage":      t.JourneyStage,
				"template_key":       *t.TemplateKey,
				"blocks_progression": t.BlocksProgression,
			}),
			CreatedAt: t.CreatedAt,
		})
	}
	res.Warnings = e.record(ctx, "seed_tasks", entries...)
	for _, t := range created {
		e.pushMirrors(ctx, taskRef(t), taskFields(t))
	}
	return res, nil
}

type GateInput struct {
	BusinessName  string
	CampaignMonth string
	Stage         domain.Stage
}

type GateResult struct {
	CanProgress   bool                 `json:"can_progress"`
	BlockingTasks []domain.JourneyTask `json:"blocking_tasks"`
}

// BlockingTaskIDs lists the ids of the tasks holding the gate closed.
func (g GateResult) BlockingTaskIDs() []string {
	ids := make([]string, 0, len(g.BlockingTasks))
	for _, t := range g.BlockingTasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// CanProgress is true iff no blocking task of the triple is still open.
func (e Engine) CanProgress(ctx context.Context, in GateInput) (GateResult, error) {
	name := strings.TrimSpace(in.BusinessName)
	month := strings.TrimSpace(in.CampaignMonth)
	if err := validateTriple(name, month, in.Stage); err != nil {
		return GateResult{}, err
	}
	var blocking []domain.JourneyTask
	err := e.retry(ctx, "can_progress", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		blocking, err = e.Repo.ListTasks(ctx, nil, repo.TaskFilter{
			BusinessName:  name,
			CampaignMonth: month,
			Stage:         in.Stage,
			BlockingOnly:  true,
			NotDone:       true,
		})
		return classify("can_progress", err)
	})
	if err != nil {
		return GateResult{}, err
	}
	if blocking == nil {
		blocking = []domain.JourneyTask{}
	}
	return GateResult{CanProgress: len(blocking) == 0, BlockingTasks: blocking}, nil
}

// ListTasks reads tasks for a triple; empty fields widen the match.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilter) ([]domain.JourneyTask, error) {
	if f.CampaignMonth != "" && !domain.ValidMonth(f.CampaignMonth) {
		return nil, ValidationError{Field: "campaign_month", Reason: "must be YYYY-MM"}
	}
	var tasks []domain.JourneyTask
	err := e.retry(ctx, "list_tasks", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		tasks, err = e.Repo.ListTasks(ctx, nil, f)
		return classify("list_tasks", err)
	})
	return tasks, err
}

var taskTransitions = map[string][]string{
	domain.TaskOpen:       {domain.TaskInProgress, domain.TaskDone},
	domain.TaskInProgress: {domain.TaskDone, domain.TaskOpen},
	domain.TaskDone:       {domain.TaskOpen},
}

type TaskStatusResult struct {
	Task     domain.JourneyTask   `json:"task"`
	Warnings []ConsistencyWarning `json:"warnings,omitempty"`
}

// SetTaskStatus moves a task along open -> in_progress -> done, allowing a reopen.
func (e Engine) SetTaskStatus(ctx context.Context, taskID, status, actor string) (TaskStatusResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return TaskStatusResult{}, ValidationError{Field: "task_id", Reason: "required"}
	}
	if _, ok := taskTransitions[status]; !ok {
		return TaskStatusResult{}, ValidationError{Field: "status", Reason: "must be open, in_progress or done"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return TaskStatusResult{}, classify("set_task_status", notFound("task", taskID, err))
	}
	if t.Status == status {
		return TaskStatusResult{Task: t}, nil
	}
	if !slices.Contains(taskTransitions[t.Status], status) {
		return TaskStatusResult{}, ValidationError{Field: "status", Reason: "cannot move task from " + t.Status + " to " + status}
	}
	stamp := domain.FormatTime(e.now())
	var completedAt *string
	if status == domain.TaskDone {
		completedAt = &stamp
	}
	ok, err := e.Repo.CompareAndSetTaskStatus(ctx, nil, t.ID, t.Status, status, completedAt, stamp)
	if err != nil {
		return TaskStatusResult{}, classify("set_task_status", err)
	}
	if !ok {
		return TaskStatusResult{}, ConflictError{Reason: "task " + t.ID + " changed concurrently"}
	}
	prev := t.Status
	t.Status, t.CompletedAt, t.UpdatedAt = status, completedAt, stamp
	warnings := e.record(ctx, "set_task_status", domain.AuditLogEntry{
		EntityType: domain.EntityTask,
		EntityID:   t.ID,
		EntityName: t.BusinessName,
		Action:     domain.ActionUpdate,
		FieldName:  "status",
		OldValue:   audit.Value(prev),
		NewValue:   audit.Value(status),
		Actor:      actorOr(actor),
		CreatedAt:  stamp,
	})
	e.pushMirrors(ctx, taskRef(t), taskFields(t))
	return TaskStatusResult{Task: t, Warnings: warnings}, nil
}

// DeleteTask removes a task explicitly. Stage exits never delete tasks.
func (e Engine) DeleteTask(ctx context.Context, taskID, actor string) ([]ConsistencyWarning, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, ValidationError{Field: "task_id", Reason: "required"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	t, err := e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return nil, classify("delete_task", notFound("task", taskID, err))
	}
	if err := e.Repo.DeleteTask(ctx, nil, taskID); err != nil {
		return nil, classify("delete_task", notFound("task", taskID, err))
	}
	return e.record(ctx, "delete_task", domain.AuditLogEntry{
		EntityType: domain.EntityTask,
		EntityID:   t.ID,
		EntityName: t.BusinessName,
		Action:     domain.ActionDelete,
		FieldName:  "status",
		OldValue:   audit.Value(t.Status),
		Actor:      actorOr(actor),
		Details:    audit.Details(map[string]any{"title": t.Title, "journey_stage": t.JourneyStage, "campaign_month": t.CampaignMonth}),
	}), nil
}

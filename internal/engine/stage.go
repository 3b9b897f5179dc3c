package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

type CreateBusinessResult struct {
	domain.Business
	Warnings []ConsistencyWarning `json:"warnings,omitempty"`
}

type CreateBusinessInput struct {
	Name           string
	Stage          domain.Stage
	Priority       string
	EstimatedValue float64
	Actor          string
}

func validPriority(p string) bool {
	switch p {
	case "low", "medium", "high":
		return true
	}
	return false
}

// CreateBusiness onboards a business at its initial stage (Lead unless given).
func (e Engine) CreateBusiness(ctx context.Context, in CreateBusinessInput) (CreateBusinessResult, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return CreateBusinessResult{}, ValidationError{Field: "name", Reason: "required"}
	}
	stage := in.Stage
	if stage == "" {
		stage = domain.StageLead
	}
	if !stage.Valid() {
		return CreateBusinessResult{}, ValidationError{Field: "stage", Reason: "unknown stage " + string(stage)}
	}
	priority := in.Priority
	if priority == "" {
		priority = "medium"
	}
	if !validPriority(priority) {
		return CreateBusinessResult{}, ValidationError{Field: "priority", Reason: "must be low, medium or high"}
	}
	if in.EstimatedValue < 0 {
		return CreateBusinessResult{}, ValidationError{Field: "estimated_value", Reason: "must not be negative"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	stamp := domain.FormatTime(e.now())
	b := domain.Business{
		ID:             uuid.NewString(),
		OrgID:          e.OrgID,
		Name:           name,
		Stage:          stage,
		StageEnteredAt: stamp,
		Priority:       priority,
		EstimatedValue: in.EstimatedValue,
		Version:        1,
		CreatedAt:      stamp,
		UpdatedAt:      stamp,
	}
	if err := e.Repo.InsertBusiness(ctx, nil, b); err != nil {
		if repo.IsUniqueViolation(err) {
			return CreateBusinessResult{}, ConflictError{Reason: "business " + name + " already exists", Err: err}
		}
		return CreateBusinessResult{}, classify("create_business", err)
	}
	warnings := e.record(ctx, "create_business", domain.AuditLogEntry{
		EntityType: domain.EntityBusiness,
		EntityID:   b.ID,
		EntityName: b.Name,
		Action:     domain.ActionCreate,
		FieldName:  "stage",
		NewValue:   audit.Value(string(b.Stage)),
		Actor:      actorOr(in.Actor),
		CreatedAt:  stamp,
	})
	e.pushMirrors(ctx, businessRef(b), businessFields(b))
	return CreateBusinessResult{Business: b, Warnings: warnings}, nil
}

func (e Engine) GetBusiness(ctx context.Context, id string) (domain.Business, error) {
	var b domain.Business
	err := e.retry(ctx, "get_business", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		b, err = e.Repo.GetBusiness(ctx, nil, e.OrgID, id)
		return classify("get_business", notFound("business", id, err))
	})
	return b, err
}

func (e Engine) ListBusinesses(ctx context.Context, stage domain.Stage) ([]domain.Business, error) {
	var out []domain.Business
	err := e.retry(ctx, "list_businesses", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = e.Repo.ListBusinesses(ctx, e.OrgID, stage)
		return classify("list_businesses", err)
	})
	return out, err
}

type AdvanceInput struct {
	BusinessID  string
	TargetStage domain.Stage
	// ExpectedStage, when set, must match the stored stage.
	ExpectedStage domain.Stage
	// CampaignMonth scopes the checklist of the stage being entered; see
	// stageMonths.
	CampaignMonth string
	Actor         string
}

type AdvanceResult struct {
	Business      domain.Business      `json:"business"`
	From          domain.Stage         `json:"from_stage"`
	CampaignMonth string               `json:"campaign_month"`
	Warnings      []ConsistencyWarning `json:"warnings,omitempty"`
}

// resolveMonth picks the explicit month, else the latest campaign month,
// else the current clock month.
func (e Engine) resolveMonth(ctx context.Context, b domain.Business, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	month, err := e.Repo.LatestCampaignMonth(ctx, nil, b.ID)
	if err != nil {
		return "", err
	}
	if month != "" {
		return month, nil
	}
	return domain.FormatMonth(e.now()), nil
}

// stageMonths returns the month whose checklist gates the current stage and
// the month the next stage is entered under. Once a business has advanced,
// the gate always reads the stored stage month: a newer campaign or an
// explicit month only moves the next stage.
func (e Engine) stageMonths(ctx context.Context, b domain.Business, explicit string) (gate, next string, err error) {
	if b.StageMonth != "" {
		next = b.StageMonth
		if explicit != "" {
			next = explicit
		}
		return b.StageMonth, next, nil
	}
	month, err := e.resolveMonth(ctx, b, explicit)
	return month, month, err
}

// Advance moves a business one stage forward. Leaving a gated stage requires
// every blocking task of the current stage to be done. The stage write is a
// compare-and-swap on the stage that was read.
func (e Engine) Advance(ctx context.Context, in AdvanceInput) (AdvanceResult, error) {
	if strings.TrimSpace(in.BusinessID) == "" {
		return AdvanceResult{}, ValidationError{Field: "business_id", Reason: "required"}
	}
	if !in.TargetStage.Valid() {
		return AdvanceResult{}, ValidationError{Field: "target_stage", Reason: "unknown stage " + string(in.TargetStage)}
	}
	if in.ExpectedStage != "" && !in.ExpectedStage.Valid() {
		return AdvanceResult{}, ValidationError{Field: "expected_stage", Reason: "unknown stage " + string(in.ExpectedStage)}
	}
	if in.CampaignMonth != "" && !domain.ValidMonth(in.CampaignMonth) {
		return AdvanceResult{}, ValidationError{Field: "campaign_month", Reason: "must be YYYY-MM"}
	}
	parent := ctx
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	b, err := e.Repo.GetBusiness(ctx, nil, e.OrgID, in.BusinessID)
	if err != nil {
		return AdvanceResult{}, classify("advance", notFound("business", in.BusinessID, err))
	}
	if in.ExpectedStage != "" && b.Stage != in.ExpectedStage {
		return AdvanceResult{}, ConflictError{Reason: "business is at " + string(b.Stage) + ", expected " + string(in.ExpectedStage)}
	}
	next, ok := b.Stage.Next()
	if !ok {
		return AdvanceResult{}, ValidationError{Field: "target_stage", Reason: string(b.Stage) + " is terminal"}
	}
	if in.TargetStage != next {
		return AdvanceResult{}, ValidationError{Field: "target_stage", Reason: "next stage after " + string(b.Stage) + " is " + string(next)}
	}
	gateMonth, month, err := e.stageMonths(ctx, b, in.CampaignMonth)
	if err != nil {
		return AdvanceResult{}, classify("advance", err)
	}
	if b.Stage.Gated() {
		gate, err := e.CanProgress(ctx, GateInput{BusinessName: b.Name, CampaignMonth: gateMonth, Stage: b.Stage})
		if err != nil {
			return AdvanceResult{}, err
		}
		if !gate.CanProgress {
			return AdvanceResult{}, StageBlockedError{Stage: b.Stage, BlockingTaskIDs: gate.BlockingTaskIDs()}
		}
	}

	now := e.now()
	entered := now
	if prev, err := domain.ParseTime(b.StageEnteredAt); err == nil && prev.After(now) {
		entered = prev
	}
	stamp := domain.FormatTime(now)
	swapped, err := e.Repo.CompareAndSetStage(ctx, nil, b.ID, b.Stage, in.TargetStage, month, domain.FormatTime(entered), stamp)
	if err != nil {
		return AdvanceResult{}, classify("advance", err)
	}
	if !swapped {
		return AdvanceResult{}, ConflictError{Reason: "stage of business " + b.ID + " changed concurrently"}
	}
	from := b.Stage
	b.Stage = in.TargetStage
	b.StageEnteredAt = domain.FormatTime(entered)
	b.StageMonth = month
	b.UpdatedAt = stamp
	b.Version++

	actor := actorOr(in.Actor)
	warnings := e.record(ctx, "advance", domain.AuditLogEntry{
		EntityType: domain.EntityBusiness,
		EntityID:   b.ID,
		EntityName: b.Name,
		Action:     domain.ActionAdvance,
		FieldName:  "stage",
		OldValue:   audit.Value(string(from)),
		NewValue:   audit.Value(string(b.Stage)),
		Actor:      actor,
		Details:    audit.Details(map[string]any{"campaign_month": month, "gated_month": gateMonth}),
		CreatedAt:  stamp,
	})
	e.pushMirrors(ctx, businessRef(b), businessFields(b))

	seed := SeedInput{BusinessName: b.Name, CampaignMonth: month, Stage: b.Stage, BusinessID: b.ID, Actor: actor}
	bg := context.WithoutCancel(parent)
	e.async(func() {
		if _, err := e.SeedTasks(bg, seed); err != nil {
			e.Log.Warn().Err(err).Str("business_id", seed.BusinessID).Str("stage", string(seed.Stage)).
				Str("campaign_month", seed.CampaignMonth).Msg("seeding tasks after advance failed")
		}
	})
	return AdvanceResult{Business: b, From: from, CampaignMonth: month, Warnings: warnings}, nil
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

const defaultRole = "creator"

type CreateCreatorInput struct {
	Name           string
	Status         string
	Followers      int64
	EngagementRate float64
}

func (e Engine) CreateCreator(ctx context.Context, in CreateCreatorInput) (domain.Creator, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Creator{}, ValidationError{Field: "name", Reason: "required"}
	}
	status := in.Status
	if status == "" {
		status = "active"
	}
	if status != "active" && status != "inactive" {
		return domain.Creator{}, ValidationError{Field: "status", Reason: "must be active or inactive"}
	}
	if in.Followers < 0 || in.EngagementRate < 0 {
		return domain.Creator{}, ValidationError{Field: "reach", Reason: "metrics must not be negative"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	stamp := domain.FormatTime(e.now())
	c := domain.Creator{
		ID:             uuid.NewString(),
		OrgID:          e.OrgID,
		Name:           name,
		Status:         status,
		Followers:      in.Followers,
		EngagementRate: in.EngagementRate,
		CreatedAt:      stamp,
		UpdatedAt:      stamp,
	}
	if err := e.Repo.InsertCreator(ctx, nil, c); err != nil {
		return domain.Creator{}, classify("create_creator", err)
	}
	return c, nil
}

func (e Engine) ListCreators(ctx context.Context) ([]domain.Creator, error) {
	var out []domain.Creator
	err := e.retry(ctx, "list_creators", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = e.Repo.ListCreators(ctx, e.OrgID)
		return classify("list_creators", err)
	})
	return out, err
}

type CreateCampaignInput struct {
	BusinessID   string
	Month        string
	SlotCapacity int
	Status       string
	Actor        string
}

func validCampaignStatus(s string) bool {
	switch s {
	case "planned", "active", "completed", "canceled":
		return true
	}
	return false
}

type CreateCampaignResult struct {
	domain.Campaign
	Warnings []ConsistencyWarning `json:"warnings,omitempty"`
}

// CreateCampaign creates a campaign together with SlotCapacity empty slots.
func (e Engine) CreateCampaign(ctx context.Context, in CreateCampaignInput) (CreateCampaignResult, error) {
	switch {
	case strings.TrimSpace(in.BusinessID) == "":
		return CreateCampaignResult{}, ValidationError{Field: "business_id", Reason: "required"}
	case !domain.ValidMonth(in.Month):
		return CreateCampaignResult{}, ValidationError{Field: "month", Reason: "must be YYYY-MM"}
	case in.SlotCapacity < 0:
		return CreateCampaignResult{}, ValidationError{Field: "slot_capacity", Reason: "must not be negative"}
	}
	if in.Status == "" {
		in.Status = "planned"
	}
	if !validCampaignStatus(in.Status) {
		return CreateCampaignResult{}, ValidationError{Field: "status", Reason: "must be planned, active, completed or canceled"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	stamp := domain.FormatTime(e.now())
	c := domain.Campaign{
		ID:           uuid.NewString(),
		BusinessID:   in.BusinessID,
		Month:        in.Month,
		SlotCapacity: in.SlotCapacity,
		Status:       in.Status,
		Version:      1,
		CreatedAt:    stamp,
		UpdatedAt:    stamp,
	}
	var slots []domain.Assignment
	err := e.inTx(ctx, "create_campaign", func(tx *sql.Tx) error {
		b, err := e.Repo.GetBusiness(ctx, tx, e.OrgID, in.BusinessID)
		if err != nil {
			return notFound("business", in.BusinessID, err)
		}
		c.BusinessName = b.Name
		if err := e.Repo.InsertCampaign(ctx, tx, c); err != nil {
			if repo.IsUniqueViolation(err) {
				return ConflictError{Reason: "campaign " + c.Key() + " already exists", Err: err}
			}
			return err
		}
		for i := 1; i <= in.SlotCapacity; i++ {
			slot := domain.Assignment{
				ID: uuid.NewString(), CampaignID: c.ID, SlotNo: i, Role: defaultRole,
				Status: domain.AssignmentActive, Version: 1, CreatedAt: stamp, UpdatedAt: stamp,
			}
			if err := e.Repo.InsertAssignment(ctx, tx, slot); err != nil {
				return err
			}
			slots = append(slots, slot)
		}
		return nil
	})
	if err != nil {
		return CreateCampaignResult{}, err
	}
	actor := actorOr(in.Actor)
	warnings := e.record(ctx, "create_campaign",
		domain.AuditLogEntry{EntityType: domain.EntityCampaign, EntityID: c.ID, EntityName: c.Key(), Action: domain.ActionCreate,
			FieldName: "status", NewValue: audit.Value(c.Status), Actor: actor, CreatedAt: stamp},
		domain.AuditLogEntry{EntityType: domain.EntityCampaign, EntityID: c.ID, EntityName: c.Key(), Action: domain.ActionCreate,
			FieldName: "slot_capacity", NewValue: audit.Value(strconv.Itoa(c.SlotCapacity)), Actor: actor, CreatedAt: stamp},
	)
	e.pushMirrors(ctx, campaignRef(c), campaignFields(c))
	for _, s := range slots {
		e.pushMirrors(ctx, assignmentRef(c, s), assignmentFields(s))
	}
	return CreateCampaignResult{Campaign: c, Warnings: warnings}, nil
}

func (e Engine) ListCampaigns(ctx context.Context, businessID string) ([]domain.Campaign, error) {
	var out []domain.Campaign
	err := e.retry(ctx, "list_campaigns", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		out, err = e.Repo.ListCampaigns(ctx, e.OrgID, businessID)
		return classify("list_campaigns", err)
	})
	return out, err
}

// resolveCampaign accepts a campaign id or the "<business name>-<YYYY-MM>" key.
func (e Engine) resolveCampaign(ctx context.Context, tx *sql.Tx, key string) (domain.Campaign, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Campaign{}, ValidationError{Field: "campaign_key", Reason: "required"}
	}
	c, err := e.Repo.GetCampaign(ctx, tx, e.OrgID, key)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Campaign{}, err
	}
	name, month, ok := domain.SplitCampaignKey(key)
	if !ok {
		return domain.Campaign{}, NotFoundError{Kind: "campaign", Key: key}
	}
	found, err := e.Repo.FindCampaigns(ctx, tx, e.OrgID, name, month)
	if err != nil {
		return domain.Campaign{}, err
	}
	switch len(found) {
	case 0:
		return domain.Campaign{}, NotFoundError{Kind: "campaign", Key: key}
	case 1:
		return found[0], nil
	default:
		return domain.Campaign{}, ConflictError{Reason: fmt.Sprintf("campaign key %s matches %d campaigns", key, len(found))}
	}
}

type RosterView struct {
	Campaign domain.Campaign     `json:"campaign"`
	Slots    []domain.Assignment `json:"slots"`
	Active   int                 `json:"active"`
}

// Roster lists a campaign's slots, removed ones included on request.
func (e Engine) Roster(ctx context.Context, campaignKey string, includeRemoved bool) (RosterView, error) {
	var view RosterView
	err := e.retry(ctx, "roster", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		c, err := e.resolveCampaign(ctx, nil, campaignKey)
		if err != nil {
			return classify("roster", err)
		}
		slots, err := e.Repo.ListAssignments(ctx, nil, c.ID, includeRemoved)
		if err != nil {
			return classify("roster", err)
		}
		view = RosterView{Campaign: c, Slots: slots}
		for _, s := range slots {
			if s.Status == domain.AssignmentActive {
				view.Active++
			}
		}
		return nil
	})
	return view, err
}

// checkCapacity verifies capacity against active rows: they are equal, or
// active rows fell below the floor and capacity sits at the floor.
func (e Engine) checkCapacity(ctx context.Context, tx *sql.Tx, campaignID, op string) ([]ConsistencyWarning, error) {
	c, err := e.Repo.GetCampaign(ctx, tx, e.OrgID, campaignID)
	if err != nil {
		return nil, err
	}
	active, err := e.Repo.CountActiveAssignments(ctx, tx, campaignID)
	if err != nil {
		return nil, err
	}
	floor := e.capacityFloor()
	if c.SlotCapacity == active || (active < floor && c.SlotCapacity == floor) {
		return nil, nil
	}
	return []ConsistencyWarning{e.warn(op, fmt.Sprintf("campaign %s declares %d slots but has %d active", c.Key(), c.SlotCapacity, active))}, nil
}

func capacityEntry(c domain.Campaign, from, to int, action, actor, stamp string) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		EntityType: domain.EntityCampaign,
		EntityID:   c.ID,
		EntityName: c.Key(),
		Action:     action,
		FieldName:  "slot_capacity",
		OldValue:   audit.Value(strconv.Itoa(from)),
		NewValue:   audit.Value(strconv.Itoa(to)),
		Actor:      actor,
		CreatedAt:  stamp,
	}
}

func creatorValue(id string) *string {
	if id == "" {
		return nil
	}
	return audit.Value(id)
}

type AddInput struct {
	CampaignKey string
	CreatorID   string
	Role        string
	Actor       string
}

type AddResult struct {
	AssignmentID string               `json:"assignment_id"`
	Assignment   domain.Assignment    `json:"assignment"`
	SlotCapacity int                  `json:"slot_capacity"`
	Warnings     []ConsistencyWarning `json:"warnings,omitempty"`
}

// Add books a creator into the campaign. An empty slot is filled first;
// otherwise a slot is appended and capacity raised to the active row count.
func (e Engine) Add(ctx context.Context, in AddInput) (AddResult, error) {
	if strings.TrimSpace(in.CreatorID) == "" {
		return AddResult{}, ValidationError{Field: "creator_id", Reason: "required"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	actor := actorOr(in.Actor)
	stamp := domain.FormatTime(e.now())
	var (
		c        domain.Campaign
		slot     domain.Assignment
		inserted bool
		capacity int
		warnings []ConsistencyWarning
	)
	err := e.inTx(ctx, "roster.add", func(tx *sql.Tx) error {
		var err error
		if c, err = e.resolveCampaign(ctx, tx, in.CampaignKey); err != nil {
			return err
		}
		if _, err := e.Repo.GetCreator(ctx, tx, e.OrgID, in.CreatorID); err != nil {
			return notFound("creator", in.CreatorID, err)
		}
		held, err := e.Repo.ActiveAssignmentsForCreator(ctx, tx, c.ID, in.CreatorID)
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return ConflictError{Reason: fmt.Sprintf("creator %s already holds slot %d of %s", in.CreatorID, held[0].SlotNo, c.Key()), Err: ErrDuplicateAssignment}
		}
		empty, err := e.Repo.EmptySlots(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if len(empty) > 0 {
			slot = empty[0]
			ok, err := e.Repo.SetSlotCreator(ctx, tx, slot.ID, slot.Version, in.CreatorID, stamp)
			if err != nil {
				return err
			}
			if !ok {
				return ConflictError{Reason: "slot " + slot.ID + " changed concurrently"}
			}
			slot.Version++
			capacity = c.SlotCapacity
		} else {
			no, err := e.Repo.NextSlotNo(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			role := in.Role
			if role == "" {
				role = defaultRole
			}
			slot = domain.Assignment{
				ID: uuid.NewString(), CampaignID: c.ID, SlotNo: no, Role: role,
				Status: domain.AssignmentActive, Version: 1, CreatedAt: stamp, UpdatedAt: stamp,
			}
			if err := e.Repo.InsertAssignment(ctx, tx, slot); err != nil {
				return err
			}
			inserted = true
			if capacity, err = e.Repo.RaiseCapacityToActive(ctx, tx, c.ID, stamp); err != nil {
				return err
			}
		}
		slot.CreatorID = &in.CreatorID
		slot.UpdatedAt = stamp
		warnings, err = e.checkCapacity(ctx, tx, c.ID, "roster.add")
		return err
	})
	if err != nil {
		var ce ConflictError
		if errors.As(err, &ce) && !errors.Is(err, ErrDuplicateAssignment) && repo.IsUniqueViolation(ce.Err) {
			return AddResult{}, ConflictError{Reason: "creator " + in.CreatorID + " booked concurrently", Err: ErrDuplicateAssignment}
		}
		return AddResult{}, err
	}
	action := domain.ActionUpdate
	if inserted {
		action = domain.ActionCreate
	}
	entries := []domain.AuditLogEntry{{
		EntityType: domain.EntityAssignment,
		EntityID:   slot.ID,
		EntityName: c.Key(),
		Action:     action,
		FieldName:  "creator_id",
		NewValue:   audit.Value(in.CreatorID),
		Actor:      actor,
		Details:    audit.Details(map[string]any{"slot_no": slot.SlotNo}),
		CreatedAt:  stamp,
	}}
	if inserted {
		entries = append(entries, domain.AuditLogEntry{
			EntityType: domain.EntityAssignment, EntityID: slot.ID, EntityName: c.Key(), Action: domain.ActionCreate,
			FieldName: "status", NewValue: audit.Value(domain.AssignmentActive), Actor: actor, CreatedAt: stamp,
		})
	}
	if capacity != c.SlotCapacity {
		entries = append(entries, capacityEntry(c, c.SlotCapacity, capacity, domain.ActionUpdate, actor, stamp))
	}
	warnings = append(warnings, e.record(ctx, "roster.add", entries...)...)
	e.pushMirrors(ctx, assignmentRef(c, slot), assignmentFields(slot))
	if capacity != c.SlotCapacity {
		c.SlotCapacity = capacity
		e.pushMirrors(ctx, campaignRef(c), campaignFields(c))
	}
	return AddResult{AssignmentID: slot.ID, Assignment: slot, SlotCapacity: capacity, Warnings: warnings}, nil
}

type ReplaceInput struct {
	CampaignKey  string
	OldCreatorID string
	NewCreatorID string
	Actor        string
}

type ReplaceResult struct {
	Assignment             domain.Assignment    `json:"updated_assignment"`
	DuplicatesRemovedCount int                  `json:"duplicates_removed_count"`
	Warnings               []ConsistencyWarning `json:"warnings,omitempty"`
}

// Replace rebinds old creator's slot to the new creator in place, keeping the
// slot's identity and payload. Other active slots of the new creator in the
// campaign are removed first so it ends up holding exactly this slot.
// Capacity is left untouched.
func (e Engine) Replace(ctx context.Context, in ReplaceInput) (ReplaceResult, error) {
	switch {
	case strings.TrimSpace(in.OldCreatorID) == "":
		return ReplaceResult{}, ValidationError{Field: "old_creator_id", Reason: "required"}
	case strings.TrimSpace(in.NewCreatorID) == "":
		return ReplaceResult{}, ValidationError{Field: "new_creator_id", Reason: "required"}
	case in.OldCreatorID == in.NewCreatorID:
		return ReplaceResult{}, ValidationError{Field: "new_creator_id", Reason: "must differ from old_creator_id"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	actor := actorOr(in.Actor)
	stamp := domain.FormatTime(e.now())
	var (
		c        domain.Campaign
		target   domain.Assignment
		removed  []domain.Assignment
		warnings []ConsistencyWarning
	)
	err := e.inTx(ctx, "roster.replace", func(tx *sql.Tx) error {
		var err error
		if c, err = e.resolveCampaign(ctx, tx, in.CampaignKey); err != nil {
			return err
		}
		if _, err := e.Repo.GetCreator(ctx, tx, e.OrgID, in.NewCreatorID); err != nil {
			return notFound("creator", in.NewCreatorID, err)
		}
		held, err := e.Repo.ActiveAssignmentsForCreator(ctx, tx, c.ID, in.OldCreatorID)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return NotFoundError{Kind: "assignment", Key: c.Key() + "/" + in.OldCreatorID}
		}
		target = held[0]
		dups, err := e.Repo.ActiveAssignmentsForCreator(ctx, tx, c.ID, in.NewCreatorID)
		if err != nil {
			return err
		}
		for _, d := range dups {
			ok, err := e.Repo.SoftRemove(ctx, tx, d.ID, d.Version, stamp)
			if err != nil {
				return err
			}
			if !ok {
				return ConflictError{Reason: "slot " + d.ID + " changed concurrently"}
			}
			d.Status, d.RemovedAt, d.UpdatedAt = domain.AssignmentRemoved, &stamp, stamp
			d.Version++
			removed = append(removed, d)
		}
		ok, err := e.Repo.SetSlotCreator(ctx, tx, target.ID, target.Version, in.NewCreatorID, stamp)
		if err != nil {
			return err
		}
		if !ok {
			return ConflictError{Reason: "slot " + target.ID + " changed concurrently"}
		}
		warnings, err = e.checkCapacity(ctx, tx, c.ID, "roster.replace")
		return err
	})
	if err != nil {
		return ReplaceResult{}, err
	}
	entries := make([]domain.AuditLogEntry, 0, len(removed)+1)
	for _, d := range removed {
		entries = append(entries, domain.AuditLogEntry{
			EntityType: domain.EntityAssignment,
			EntityID:   d.ID,
			EntityName: c.Key(),
			Action:     domain.ActionRemove,
			FieldName:  "status",
			OldValue:   audit.Value(domain.AssignmentActive),
			NewValue:   audit.Value(domain.AssignmentRemoved),
			Actor:      actor,
			Details:    audit.Details(map[string]any{"creator_id": in.NewCreatorID, "slot_no": d.SlotNo, "reason": "dedup before replace"}),
			CreatedAt:  stamp,
		})
	}
	entries = append(entries, domain.AuditLogEntry{
		EntityType: domain.EntityAssignment,
		EntityID:   target.ID,
		EntityName: c.Key(),
		Action:     domain.ActionUpdate,
		FieldName:  "creator_id",
		OldValue:   creatorValue(in.OldCreatorID),
		NewValue:   audit.Value(in.NewCreatorID),
		Actor:      actor,
		Details:    audit.Details(map[string]any{"slot_no": target.SlotNo}),
		CreatedAt:  stamp,
	})
	warnings = append(warnings, e.record(ctx, "roster.replace", entries...)...)

	target.CreatorID = &in.NewCreatorID
	target.UpdatedAt = stamp
	target.Version++
	for _, d := range removed {
		e.pushMirrors(ctx, assignmentRef(c, d), assignmentFields(d))
	}
	e.pushMirrors(ctx, assignmentRef(c, target), assignmentFields(target))
	return ReplaceResult{Assignment: target, DuplicatesRemovedCount: len(removed), Warnings: warnings}, nil
}

type RemoveInput struct {
	CampaignKey string
	// CreatorID or SlotID picks the slot; with neither, one empty slot goes.
	CreatorID string
	SlotID    string
	Actor     string
}

type RemoveResult struct {
	NewCapacity int                  `json:"new_capacity"`
	Removed     domain.Assignment    `json:"removed"`
	Warnings    []ConsistencyWarning `json:"warnings,omitempty"`
}

// Remove soft-deletes a slot and lowers capacity by one in the store, never
// below the configured floor.
func (e Engine) Remove(ctx context.Context, in RemoveInput) (RemoveResult, error) {
	if in.CreatorID != "" && in.SlotID != "" {
		return RemoveResult{}, ValidationError{Field: "creator_id", Reason: "give creator_id or slot_id, not both"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	actor := actorOr(in.Actor)
	stamp := domain.FormatTime(e.now())
	var (
		c        domain.Campaign
		target   domain.Assignment
		capacity int
		warnings []ConsistencyWarning
	)
	err := e.inTx(ctx, "roster.remove", func(tx *sql.Tx) error {
		var err error
		if c, err = e.resolveCampaign(ctx, tx, in.CampaignKey); err != nil {
			return err
		}
		switch {
		case in.CreatorID != "":
			held, err := e.Repo.ActiveAssignmentsForCreator(ctx, tx, c.ID, in.CreatorID)
			if err != nil {
				return err
			}
			if len(held) == 0 {
				return NotFoundError{Kind: "assignment", Key: c.Key() + "/" + in.CreatorID}
			}
			target = held[0]
		case in.SlotID != "":
			a, err := e.Repo.GetAssignment(ctx, tx, in.SlotID)
			if err != nil {
				return notFound("assignment", in.SlotID, err)
			}
			if a.CampaignID != c.ID || a.Status != domain.AssignmentActive {
				return NotFoundError{Kind: "assignment", Key: in.SlotID}
			}
			target = a
		default:
			empty, err := e.Repo.EmptySlots(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if len(empty) == 0 {
				return NotFoundError{Kind: "empty slot", Key: c.Key()}
			}
			target = empty[len(empty)-1]
		}
		ok, err := e.Repo.SoftRemove(ctx, tx, target.ID, target.Version, stamp)
		if err != nil {
			return err
		}
		if !ok {
			return ConflictError{Reason: "slot " + target.ID + " changed concurrently"}
		}
		if capacity, err = e.Repo.DecrementCapacity(ctx, tx, c.ID, e.capacityFloor(), stamp); err != nil {
			return err
		}
		warnings, err = e.checkCapacity(ctx, tx, c.ID, "roster.remove")
		return err
	})
	if err != nil {
		return RemoveResult{}, err
	}
	target.Status, target.RemovedAt, target.UpdatedAt = domain.AssignmentRemoved, &stamp, stamp
	target.Version++
	entries := []domain.AuditLogEntry{{
		EntityType: domain.EntityAssignment,
		EntityID:   target.ID,
		EntityName: c.Key(),
		Action:     domain.ActionRemove,
		FieldName:  "status",
		OldValue:   audit.Value(domain.AssignmentActive),
		NewValue:   audit.Value(domain.AssignmentRemoved),
		Actor:      actor,
		Details:    audit.Details(map[string]any{"creator_id": target.Creator(), "slot_no": target.SlotNo}),
		CreatedAt:  stamp,
	}}
	if capacity != c.SlotCapacity {
		entries = append(entries, capacityEntry(c, c.SlotCapacity, capacity, domain.ActionUpdate, actor, stamp))
	}
	warnings = append(warnings, e.record(ctx, "roster.remove", entries...)...)
	e.pushMirrors(ctx, assignmentRef(c, target), assignmentFields(target))
	if capacity != c.SlotCapacity {
		c.SlotCapacity = capacity
		e.pushMirrors(ctx, campaignRef(c), campaignFields(c))
	}
	return RemoveResult{NewCapacity: capacity, Removed: target, Warnings: warnings}, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// EntityKey identifies the entity to reconcile. ID is exact; Name (with Month
// for campaigns) is a deprecated fallback matched after trimming and case folding.
type EntityKey struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Month string `json:"month,omitempty"`
}

type ReconcileInput struct {
	EntityType domain.EntityType
	Key        EntityKey
	Actor      string
}

type ReconcileResult struct {
	Synced           bool                 `json:"synced"`
	CorrectedFields  []string             `json:"corrected_fields"`
	BackfilledFields []string             `json:"backfilled_fields,omitempty"`
	Warnings         []ConsistencyWarning `json:"warnings,omitempty"`
}

func (e Engine) statusStores() []StatusStore {
	return append([]StatusStore{relationalStore{e: e}}, e.Mirrors...)
}

// resolveEntity finds the entity's id in the relational store.
func (e Engine) resolveEntity(ctx context.Context, t domain.EntityType, key EntityKey) (EntityRef, error) {
	id := strings.TrimSpace(key.ID)
	name := strings.TrimSpace(key.Name)
	if id == "" && name == "" {
		return EntityRef{}, ValidationError{Field: "entity_key", Reason: "id or name required"}
	}
	r := e.Repo
	switch t {
	case domain.EntityBusiness:
		if id != "" {
			b, err := r.GetBusiness(ctx, nil, e.OrgID, id)
			if err != nil {
				return EntityRef{}, notFound("business", id, err)
			}
			return businessRef(b), nil
		}
		found, err := r.FindBusinessesByName(ctx, nil, e.OrgID, name)
		if err != nil {
			return EntityRef{}, err
		}
		if err := onlyMatch(len(found), "business", name); err != nil {
			return EntityRef{}, err
		}
		e.Log.Warn().Str("entity_type", string(t)).Str("name", name).Msg("reconcile matched by name; pass the entity id instead")
		return businessRef(found[0]), nil
	case domain.EntityCampaign:
		if id != "" {
			c, err := r.GetCampaign(ctx, nil, e.OrgID, id)
			if err != nil {
				return EntityRef{}, notFound("campaign", id, err)
			}
			return campaignRef(c), nil
		}
		month := strings.TrimSpace(key.Month)
		if month == "" {
			var ok bool
			if name, month, ok = domain.SplitCampaignKey(name); !ok {
				return EntityRef{}, ValidationError{Field: "entity_key", Reason: "campaign needs name and month"}
			}
		}
		found, err := r.FindCampaigns(ctx, nil, e.OrgID, name, month)
		if err != nil {
			return EntityRef{}, err
		}
		if err := onlyMatch(len(found), "campaign", domain.CampaignKey(name, month)); err != nil {
			return EntityRef{}, err
		}
		e.Log.Warn().Str("entity_type", string(t)).Str("name", name).Str("month", month).Msg("reconcile matched by name; pass the entity id instead")
		return campaignRef(found[0]), nil
	case domain.EntityAssignment:
		if id == "" {
			return EntityRef{}, ValidationError{Field: "entity_key", Reason: "assignments are matched by id only"}
		}
		a, err := r.GetAssignment(ctx, nil, id)
		if err != nil {
			return EntityRef{}, notFound("assignment", id, err)
		}
		c, err := r.GetCampaign(ctx, nil, e.OrgID, a.CampaignID)
		if err != nil {
			return EntityRef{}, notFound("assignment", id, err)
		}
		return assignmentRef(c, a), nil
	case domain.EntityTask:
		if id == "" {
			return EntityRef{}, ValidationError{Field: "entity_key", Reason: "tasks are matched by id only"}
		}
		tk, err := r.GetTask(ctx, nil, id)
		if err != nil {
			return EntityRef{}, notFound("task", id, err)
		}
		return taskRef(tk), nil
	default:
		return EntityRef{}, ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", t)}
	}
}

func onlyMatch(n int, kind, key string) error {
	switch {
	case n == 0:
		return NotFoundError{Kind: kind, Key: key}
	case n > 1:
		return ConflictError{Reason: fmt.Sprintf("%d %s records match %q; reconcile by id", n, kind, key)}
	}
	return nil
}

// readAll snapshots every status store concurrently.
func readAll(ctx context.Context, stores []StatusStore, ref EntityRef) ([]Snapshot, error) {
	snaps := make([]Snapshot, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range stores {
		g.Go(func() error {
			snap, err := s.ReadStatus(gctx, ref)
			if err != nil {
				return fmt.Errorf("read %s: %w", s.Name(), err)
			}
			snaps[i] = snap
			return nil
		})
	}
	return snaps, g.Wait()
}

// Reconcile repairs the status fields of one entity. The newest audit entry
// per field is the truth. A field with no audit history at all takes the
// relational value, which is appended to the audit log first. Every store
// holding another value is then overwritten. Running it again is a no-op.
//
// Row stamps are not compared with audit stamps: updated_at moves with any
// column of the row, so it says nothing about a single field.
func (e Engine) Reconcile(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	if _, err := domain.ParseEntityType(string(in.EntityType)); err != nil {
		return ReconcileResult{}, ValidationError{Field: "entity_type", Reason: err.Error()}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	actor := actorOr(in.Actor)

	var ref EntityRef
	err := e.retry(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		ref, err = e.resolveEntity(ctx, in.EntityType, in.Key)
		return classify("reconcile", err)
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	fields := in.EntityType.StatusFields()
	stores := e.statusStores()
	var (
		truth map[string]domain.AuditLogEntry
		snaps []Snapshot
	)
	err = e.retry(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		if truth, err = e.Audit.LatestByField(ctx, ref.Type, ref.ID, fields); err != nil {
			return classify("reconcile", err)
		}
		snaps, err = readAll(ctx, stores, ref)
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: string(ref.Type), Key: ref.ID}
		}
		return classify("reconcile", err)
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{Synced: true, CorrectedFields: []string{}}
	primary := snaps[0]
	stamp := domain.FormatTime(e.now())
	want := make(map[string]string, len(fields))
	for _, field := range fields {
		current := primary.Fields[field]
		entry, known := truth[field]
		if known && *entry.NewValue == current {
			want[field] = current
			continue
		}
		if !known {
			backfill := domain.AuditLogEntry{
				EntityType: ref.Type,
				EntityID:   ref.ID,
				EntityName: ref.Key,
				Action:     domain.ActionReconcileBackfill,
				FieldName:  field,
				NewValue:   audit.Value(current),
				Actor:      actor,
				Details:    audit.Details(map[string]any{"store": relationalStoreName, "store_updated_at": primary.UpdatedAt}),
				CreatedAt:  stamp,
			}
			if w := e.record(ctx, "reconcile", backfill); len(w) > 0 {
				res.Warnings = append(res.Warnings, w...)
				res.Synced = false
			}
			res.BackfilledFields = append(res.BackfilledFields, field)
			want[field] = current
			continue
		}
		want[field] = *entry.NewValue
	}

	for i, store := range stores {
		snap := snaps[i]
		diff := map[string]string{}
		for _, field := range fields {
			if v, ok := snap.Fields[field]; !snap.Found || !ok || v != want[field] {
				diff[field] = want[field]
			}
		}
		if len(diff) == 0 {
			continue
		}
		if err := store.WriteStatus(ctx, ref, diff); err != nil {
			res.Synced = false
			res.Warnings = append(res.Warnings, e.warn("reconcile", fmt.Sprintf("overwrite %s in %s failed: %v", ref.ID, store.Name(), err)))
			continue
		}
		names := make([]string, 0, len(diff))
		for field := range diff {
			names = append(names, field)
		}
		sort.Strings(names)
		for _, field := range names {
			res.CorrectedFields = append(res.CorrectedFields, store.Name()+"."+field)
			entry := domain.AuditLogEntry{
				EntityType: ref.Type,
				EntityID:   ref.ID,
				EntityName: ref.Key,
				Action:     domain.ActionReconcile,
				FieldName:  field,
				NewValue:   audit.Value(diff[field]),
				Actor:      actor,
				Details:    audit.Details(map[string]any{"store": store.Name()}),
				CreatedAt:  stamp,
			}
			if v, ok := snap.Fields[field]; snap.Found && ok {
				entry.OldValue = audit.Value(v)
			}
			res.Warnings = append(res.Warnings, e.record(ctx, "reconcile", entry)...)
		}
	}
	return res, nil
}

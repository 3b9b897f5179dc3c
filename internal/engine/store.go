package engine

import (
	"context"
	"fmt"
	"strconv"

	"journeyline/internal/domain"
)

// EntityRef addresses one tracked record across stores. Key is the
// human-facing compound name for stores that carry no surrogate id.
type EntityRef struct {
	Type domain.EntityType `json:"entity_type"`
	ID   string            `json:"id"`
	Key  string            `json:"key"`
}

// Snapshot is one store's cached copy of an entity's status fields.
type Snapshot struct {
	Found     bool
	Fields    map[string]string
	UpdatedAt string
}

// StatusStore is a store holding denormalized status fields.
type StatusStore interface {
	Name() string
	ReadStatus(ctx context.Context, ref EntityRef) (Snapshot, error)
	WriteStatus(ctx context.Context, ref EntityRef, fields map[string]string) error
}

const relationalStoreName = "relational"

// relationalStore exposes the primary database through StatusStore.
type relationalStore struct {
	e Engine
}

func (s relationalStore) Name() string { return relationalStoreName }

func (s relationalStore) ReadStatus(ctx context.Context, ref EntityRef) (Snapshot, error) {
	r := s.e.Repo
	switch ref.Type {
	case domain.EntityBusiness:
		b, err := r.GetBusiness(ctx, nil, s.e.OrgID, ref.ID)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Found: true, UpdatedAt: b.UpdatedAt, Fields: businessFields(b)}, nil
	case domain.EntityCampaign:
		c, err := r.GetCampaign(ctx, nil, s.e.OrgID, ref.ID)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Found: true, UpdatedAt: c.UpdatedAt, Fields: campaignFields(c)}, nil
	case domain.EntityAssignment:
		a, err := r.GetAssignment(ctx, nil, ref.ID)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Found: true, UpdatedAt: a.UpdatedAt, Fields: assignmentFields(a)}, nil
	case domain.EntityTask:
		t, err := r.GetTask(ctx, nil, ref.ID)
		if err != nil {
			return Snapshot{}, err
		}
		return Snapshot{Found: true, UpdatedAt: t.UpdatedAt, Fields: taskFields(t)}, nil
	default:
		return Snapshot{}, fmt.Errorf("unknown entity type %q", ref.Type)
	}
}

func (s relationalStore) WriteStatus(ctx context.Context, ref EntityRef, fields map[string]string) error {
	r := s.e.Repo
	now := domain.FormatTime(s.e.now())
	for field, value := range fields {
		var err error
		switch {
		case ref.Type == domain.EntityBusiness && field == "stage":
			st, perr := domain.ParseStage(value)
			if perr != nil {
				return perr
			}
			err = r.OverwriteStage(ctx, nil, ref.ID, st, now)
		case ref.Type == domain.EntityCampaign && field == "status":
			err = r.OverwriteCampaignStatus(ctx, nil, ref.ID, value, now)
		case ref.Type == domain.EntityCampaign && field == "slot_capacity":
			n, perr := strconv.Atoi(value)
			if perr != nil || n < 0 {
				return fmt.Errorf("slot_capacity %q is not a non-negative integer", value)
			}
			err = r.OverwriteCampaignCapacity(ctx, nil, ref.ID, n, now)
		case ref.Type == domain.EntityAssignment && field == "status":
			err = r.OverwriteAssignmentStatus(ctx, nil, ref.ID, value, now)
		case ref.Type == domain.EntityAssignment && field == "creator_id":
			err = r.OverwriteAssignmentCreator(ctx, nil, ref.ID, value, now)
		case ref.Type == domain.EntityTask && field == "status":
			err = r.OverwriteTaskStatus(ctx, nil, ref.ID, value, now)
		default:
			return fmt.Errorf("%s.%s is not a status field", ref.Type, field)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func businessFields(b domain.Business) map[string]string {
	return map[string]string{"stage": string(b.Stage)}
}

func campaignFields(c domain.Campaign) map[string]string {
	return map[string]string{"status": c.Status, "slot_capacity": strconv.Itoa(c.SlotCapacity)}
}

func assignmentFields(a domain.Assignment) map[string]string {
	return map[string]string{"status": a.Status, "creator_id": a.Creator()}
}

func taskFields(t domain.JourneyTask) map[string]string {
	return map[string]string{"status": t.Status}
}

func businessRef(b domain.Business) EntityRef {
	return EntityRef{Type: domain.EntityBusiness, ID: b.ID, Key: b.Name}
}

func campaignRef(c domain.Campaign) EntityRef {
	return EntityRef{Type: domain.EntityCampaign, ID: c.ID, Key: c.Key()}
}

func assignmentRef(c domain.Campaign, a domain.Assignment) EntityRef {
	return EntityRef{Type: domain.EntityAssignment, ID: a.ID, Key: fmt.Sprintf("%s#%d", c.Key(), a.SlotNo)}
}

func taskRef(t domain.JourneyTask) EntityRef {
	return EntityRef{Type: domain.EntityTask, ID: t.ID, Key: fmt.Sprintf("%s-%s/%s/%s", t.BusinessName, t.CampaignMonth, t.JourneyStage, t.Title)}
}

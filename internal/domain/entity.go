package domain

import "fmt"

// EntityType tags the kind of record an audit entry describes.
type EntityType string

const (
	EntityBusiness   EntityType = "business"
	EntityCampaign   EntityType = "campaign"
	EntityAssignment EntityType = "assignment"
	EntityTask       EntityType = "task"
)

func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case EntityBusiness, EntityCampaign, EntityAssignment, EntityTask:
		return t, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", s)
	}
}

// StatusFields lists the denormalized fields the reconciler repairs.
func (t EntityType) StatusFields() []string {
	switch t {
	case EntityBusiness:
		return []string{"stage"}
	case EntityCampaign:
		return []string{"status", "slot_capacity"}
	case EntityAssignment:
		return []string{"status", "creator_id"}
	case EntityTask:
		return []string{"status"}
	default:
		return nil
	}
}

// Audit actions.
const (
	ActionCreate            = "create"
	ActionUpdate            = "update"
	ActionRemove            = "remove"
	ActionDelete            = "delete"
	ActionAdvance           = "advance"
	ActionSeed              = "seed"
	ActionReconcile         = "reconcile"
	ActionReconcileBackfill = "reconcile.backfill"
)

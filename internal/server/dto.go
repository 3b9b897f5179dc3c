package server

import (
	"journeyline/internal/domain"
	"journeyline/internal/engine"
)

// Request payloads

type CreateBusinessRequest struct {
	Name           string   `json:"name"`
	Stage          string   `json:"stage,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,medium,high"`
	EstimatedValue *float64 `json:"estimated_value,omitempty"`
}

type AdvanceRequest struct {
	TargetStage   string `json:"target_stage"`
	ExpectedStage string `json:"expected_stage,omitempty"`
	CampaignMonth string `json:"campaign_month,omitempty" example:"2025-07"`
}

type CreateCreatorRequest struct {
	Name           string   `json:"name"`
	Status         string   `json:"status,omitempty" enum:"active,inactive"`
	Followers      *int64   `json:"followers,omitempty"`
	EngagementRate *float64 `json:"engagement_rate,omitempty"`
}

type CreateCampaignRequest struct {
	BusinessID   string `json:"business_id"`
	Month        string `json:"month" example:"2025-07"`
	SlotCapacity int    `json:"slot_capacity"`
	Status       string `json:"status,omitempty" enum:"planned,active,completed,canceled"`
}

type RosterAddRequest struct {
	CreatorID string `json:"creator_id"`
	Role      string `json:"role,omitempty"`
}

type RosterReplaceRequest struct {
	OldCreatorID string `json:"old_creator_id"`
	NewCreatorID string `json:"new_creator_id"`
}

type RosterRemoveRequest struct {
	CreatorID string `json:"creator_id,omitempty"`
	SlotID    string `json:"slot_id,omitempty"`
}

type SeedTasksRequest struct {
	BusinessName  string `json:"business_name"`
	CampaignMonth string `json:"campaign_month" example:"2025-07"`
	JourneyStage  string `json:"journey_stage" example:"Scheduling"`
	BusinessID    string `json:"business_id,omitempty"`
	CampaignID    string `json:"campaign_id,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"open,in_progress,done"`
}

type ReconcileRequest struct {
	EntityType string           `json:"entity_type" enum:"business,campaign,assignment,task"`
	EntityKey  engine.EntityKey `json:"entity_key"`
}

// Response payloads

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type TaskListResponse struct {
	Items []domain.JourneyTask `json:"items"`
}

type DeleteTaskResponse struct {
	Deleted  string                      `json:"deleted"`
	Warnings []engine.ConsistencyWarning `json:"warnings,omitempty"`
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

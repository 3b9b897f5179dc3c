package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is fixed-width so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// MonthLayout identifies a campaign month.
const MonthLayout = "2006-01"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

func FormatMonth(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// ValidMonth reports whether s is a YYYY-MM month identifier.
func ValidMonth(s string) bool {
	if len(s) != len(MonthLayout) {
		return false
	}
	_, err := time.Parse(MonthLayout, s)
	return err == nil
}

type Business struct {
	ID             string  `json:"id"`
	OrgID          string  `json:"org_id"`
	Name           string  `json:"name"`
	Stage          Stage   `json:"stage"`
	StageEnteredAt string  `json:"stage_entered_at" format:"date-time"`
	// StageMonth is the campaign month the current stage was entered under.
	// Empty until the business first advances.
	StageMonth     string  `json:"stage_month,omitempty"`
	Priority       string  `json:"priority" enum:"low,medium,high"`
	EstimatedValue float64 `json:"estimated_value"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Creator struct {
	ID             string  `json:"id"`
	OrgID          string  `json:"org_id"`
	Name           string  `json:"name"`
	Status         string  `json:"status" enum:"active,inactive"`
	Followers      int64   `json:"followers"`
	EngagementRate float64 `json:"engagement_rate"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Campaign struct {
	ID           string `json:"id"`
	BusinessID   string `json:"business_id"`
	BusinessName string `json:"business_name"`
	Month        string `json:"month"`
	SlotCapacity int    `json:"slot_capacity"`
	Status       string `json:"status" enum:"planned,active,completed,canceled"`
	Version      int64  `json:"version"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Key is the compound name used by stores without surrogate ids.
func (c Campaign) Key() string {
	return CampaignKey(c.BusinessName, c.Month)
}

func CampaignKey(businessName, month string) string {
	return fmt.Sprintf("%s-%s", businessName, month)
}

// SplitCampaignKey splits "<business name>-<YYYY-MM>".
func SplitCampaignKey(key string) (string, string, bool) {
	key = strings.TrimSpace(key)
	if len(key) < len(MonthLayout)+2 {
		return "", "", false
	}
	month := key[len(key)-len(MonthLayout):]
	sep := key[len(key)-len(MonthLayout)-1]
	name := strings.TrimSpace(key[:len(key)-len(MonthLayout)-1])
	if sep != '-' || name == "" || !ValidMonth(month) {
		return "", "", false
	}
	return name, month, true
}

const (
	AssignmentActive  = "active"
	AssignmentRemoved = "removed"
)

type Assignment struct {
	ID         string  `json:"id"`
	CampaignID string  `json:"campaign_id"`
	SlotNo     int     `json:"slot_no"`
	CreatorID  *string `json:"creator_id,omitempty"`
	Role       string  `json:"role"`
	Status     string  `json:"status" enum:"active,removed"`
	Payload    string  `json:"payload_json"`
	Version    int64   `json:"version"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
	RemovedAt  *string `json:"removed_at,omitempty" format:"date-time"`
}

func (a Assignment) Empty() bool {
	return a.CreatorID == nil || *a.CreatorID == ""
}

func (a Assignment) Creator() string {
	if a.CreatorID == nil {
		return ""
	}
	return *a.CreatorID
}

const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
)

type JourneyTask struct {
	ID                string  `json:"id"`
	BusinessID        *string `json:"business_id,omitempty"`
	CampaignID        *string `json:"campaign_id,omitempty"`
	BusinessName      string  `json:"business_name"`
	CampaignMonth     string  `json:"campaign_month"`
	JourneyStage      Stage   `json:"journey_stage"`
	TemplateKey       *string `json:"template_key,omitempty"`
	Title             string  `json:"title"`
	Status            string  `json:"status" enum:"open,in_progress,done"`
	BlocksProgression bool    `json:"blocks_progression"`
	AutoGenerated     bool    `json:"auto_generated"`
	DueDate           *string `json:"due_date,omitempty"`
	Priority          string  `json:"priority"`
	CreatedBy         string  `json:"created_by"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
}

type AuditLogEntry struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	EntityType EntityType `json:"entity_type" enum:"business,campaign,assignment,task"`
	EntityID   string     `json:"entity_id"`
	EntityName string     `json:"entity_name"`
	Action     string     `json:"action"`
	FieldName  string     `json:"field_name,omitempty"`
	OldValue   *string    `json:"old_value,omitempty"`
	NewValue   *string    `json:"new_value,omitempty"`
	Actor      string     `json:"actor"`
	Details    string     `json:"details"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

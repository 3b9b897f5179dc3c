// Package journeylinesdk is a small client for the Journeyline HTTP API.
package journeylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Journeyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Business struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Stage          string  `json:"stage"`
	StageEnteredAt string  `json:"stage_entered_at"`
	StageMonth     string  `json:"stage_month,omitempty"`
	Priority       string  `json:"priority"`
	EstimatedValue float64 `json:"estimated_value"`
	Version        int64   `json:"version"`
}

type Creator struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	Followers      int64   `json:"followers"`
	EngagementRate float64 `json:"engagement_rate"`
}

type Campaign struct {
	ID           string `json:"id"`
	BusinessID   string `json:"business_id"`
	BusinessName string `json:"business_name"`
	Month        string `json:"month"`
	SlotCapacity int    `json:"slot_capacity"`
	Status       string `json:"status"`
}

// Key is the campaign's composite key.
func (c Campaign) Key() string {
	return c.BusinessName + "-" + c.Month
}

type Slot struct {
	ID        string  `json:"id"`
	SlotNo    int     `json:"slot_no"`
	CreatorID *string `json:"creator_id,omitempty"`
	Role      string  `json:"role"`
	Status    string  `json:"status"`
}

type Roster struct {
	Campaign Campaign `json:"campaign"`
	Slots    []Slot   `json:"slots"`
	Active   int      `json:"active"`
}

type Task struct {
	ID                string  `json:"id"`
	BusinessName      string  `json:"business_name"`
	CampaignMonth     string  `json:"campaign_month"`
	JourneyStage      string  `json:"journey_stage"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	BlocksProgression bool    `json:"blocks_progression"`
	DueDate           *string `json:"due_date,omitempty"`
}

type Warning struct {
	Op     string `json:"op"`
	Detail string `json:"detail"`
}

type AdvanceResult struct {
	Business      Business  `json:"business"`
	FromStage     string    `json:"from_stage"`
	CampaignMonth string    `json:"campaign_month"`
	Warnings      []Warning `json:"warnings,omitempty"`
}

type AddResult struct {
	AssignmentID string    `json:"assignment_id"`
	SlotCapacity int       `json:"slot_capacity"`
	Warnings     []Warning `json:"warnings,omitempty"`
}

type ReplaceResult struct {
	Assignment             Slot      `json:"updated_assignment"`
	DuplicatesRemovedCount int       `json:"duplicates_removed_count"`
	Warnings               []Warning `json:"warnings,omitempty"`
}

type RemoveResult struct {
	NewCapacity int       `json:"new_capacity"`
	Removed     Slot      `json:"removed"`
	Warnings    []Warning `json:"warnings,omitempty"`
}

type SeedResult struct {
	CountCreated int    `json:"count_created"`
	Created      []Task `json:"created_task_list"`
}

type GateResult struct {
	CanProgress   bool   `json:"can_progress"`
	BlockingTasks []Task `json:"blocking_tasks"`
}

type ReconcileResult struct {
	Synced           bool      `json:"synced"`
	CorrectedFields  []string  `json:"corrected_fields"`
	BackfilledFields []string  `json:"backfilled_fields,omitempty"`
	Warnings         []Warning `json:"warnings,omitempty"`
}

type AuditEntry struct {
	ID         string  `json:"id"`
	Seq        int64   `json:"seq"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	EntityName string  `json:"entity_name"`
	Action     string  `json:"action"`
	FieldName  string  `json:"field_name,omitempty"`
	OldValue   *string `json:"old_value,omitempty"`
	NewValue   *string `json:"new_value,omitempty"`
	Actor      string  `json:"actor"`
	CreatedAt  string  `json:"created_at"`
}

// AuditPage wraps audit listings with a resume cursor.
type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

type AuditQuery struct {
	EntityType string
	EntityID   string
	Action     string
	Since      string
	Cursor     string
	Limit      int
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when one was sent.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStageBlocked reports whether err is a 422 stage_blocked response and
// returns the blocking task ids.
func IsStageBlocked(err error) ([]string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "stage_blocked" {
		return nil, false
	}
	raw, _ := apiErr.Details["blocking_task_ids"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, true
}

func (c *Client) CreateBusiness(ctx context.Context, name, stage string) (Business, error) {
	body := map[string]any{"name": name}
	if stage != "" {
		body["stage"] = stage
	}
	var resp Business
	err := c.do(ctx, http.MethodPost, "businesses", body, &resp)
	return resp, err
}

func (c *Client) GetBusiness(ctx context.Context, id string) (Business, error) {
	var resp Business
	err := c.do(ctx, http.MethodGet, "businesses/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Advance moves a business to target. expected, when set, guards against
// concurrent moves.
func (c *Client) Advance(ctx context.Context, businessID, target, expected, month string) (AdvanceResult, error) {
	body := map[string]any{"target_stage": target}
	if expected != "" {
		body["expected_stage"] = expected
	}
	if month != "" {
		body["campaign_month"] = month
	}
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, "businesses/"+url.PathEscape(businessID)+"/advance", body, &resp)
	return resp, err
}

func (c *Client) CreateCreator(ctx context.Context, name string) (Creator, error) {
	var resp Creator
	err := c.do(ctx, http.MethodPost, "creators", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) CreateCampaign(ctx context.Context, businessID, month string, slots int) (Campaign, error) {
	body := map[string]any{"business_id": businessID, "month": month, "slot_capacity": slots}
	var resp Campaign
	err := c.do(ctx, http.MethodPost, "campaigns", body, &resp)
	return resp, err
}

func (c *Client) Roster(ctx context.Context, campaignKey string, includeRemoved bool) (Roster, error) {
	endpoint := c.campaignPath(campaignKey, "roster")
	if includeRemoved {
		endpoint += "?include_removed=true"
	}
	var resp Roster
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) AddToRoster(ctx context.Context, campaignKey, creatorID, role string) (AddResult, error) {
	body := map[string]any{"creator_id": creatorID}
	if role != "" {
		body["role"] = role
	}
	var resp AddResult
	err := c.do(ctx, http.MethodPost, c.campaignPath(campaignKey, "roster"), body, &resp)
	return resp, err
}

func (c *Client) ReplaceInRoster(ctx context.Context, campaignKey, oldCreatorID, newCreatorID string) (ReplaceResult, error) {
	body := map[string]any{"old_creator_id": oldCreatorID, "new_creator_id": newCreatorID}
	var resp ReplaceResult
	err := c.do(ctx, http.MethodPost, c.campaignPath(campaignKey, "roster/replace"), body, &resp)
	return resp, err
}

// RemoveFromRoster removes the creator's slot, or an empty slot when
// creatorID is blank.
func (c *Client) RemoveFromRoster(ctx context.Context, campaignKey, creatorID string) (RemoveResult, error) {
	body := map[string]any{}
	if creatorID != "" {
		body["creator_id"] = creatorID
	}
	var resp RemoveResult
	err := c.do(ctx, http.MethodPost, c.campaignPath(campaignKey, "roster/remove"), body, &resp)
	return resp, err
}

func (c *Client) SeedTasks(ctx context.Context, businessName, month, stage string) (SeedResult, error) {
	body := map[string]any{"business_name": businessName, "campaign_month": month, "journey_stage": stage}
	var resp SeedResult
	err := c.do(ctx, http.MethodPost, "tasks/seed", body, &resp)
	return resp, err
}

func (c *Client) CanProgress(ctx context.Context, businessName, month, stage string) (GateResult, error) {
	q := url.Values{}
	q.Set("business_name", businessName)
	q.Set("campaign_month", month)
	q.Set("current_stage", stage)
	var resp GateResult
	err := c.do(ctx, http.MethodGet, "tasks/can-progress?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(taskID), map[string]any{"status": status}, &resp)
	return resp.Task, err
}

func (c *Client) Reconcile(ctx context.Context, entityType, id string) (ReconcileResult, error) {
	body := map[string]any{"entity_type": entityType, "entity_key": map[string]string{"id": id}}
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, "reconcile", body, &resp)
	return resp, err
}

// Audit returns one page of audit entries; pass NextCursor back to resume.
func (c *Client) Audit(ctx context.Context, q AuditQuery) (AuditPage, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("entity_type", q.EntityType)
	set("entity_id", q.EntityID)
	set("action", q.Action)
	set("since", q.Since)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "audit"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) campaignPath(key, rest string) string {
	return "campaigns/" + url.PathEscape(key) + "/" + rest
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

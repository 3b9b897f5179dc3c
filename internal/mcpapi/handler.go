// Package mcpapi exposes the journey and roster operations as MCP tools over
// stateless streamable HTTP.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/engine/auth"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
	// Principal extracts the authenticated caller from the HTTP request. When
	// nil every call runs as DefaultActor with no permission checks.
	Principal    func(r *http.Request) (auth.Principal, bool)
	DefaultActor string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

type principalKey struct{}

type tools struct {
	engine   engine.Engine
	rbac     auth.Resolver
	open     bool
	fallback string
}

func NewHandler(cfg Config, e engine.Engine) (*Handler, error) {
	if e.DB == nil {
		return nil, fmt.Errorf("engine store is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	t := tools{engine: e, rbac: auth.NewResolver(e.Config), open: cfg.Principal == nil, fallback: cfg.DefaultActor}
	registerJourneyTools(mcpSrv, t)
	registerRosterTools(mcpSrv, t)
	registerLedgerTools(mcpSrv, t)

	opts := []mcpserver.StreamableHTTPOption{
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	}
	if cfg.Principal != nil {
		opts = append(opts, mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if p, ok := cfg.Principal(r); ok {
				return context.WithValue(ctx, principalKey{}, p)
			}
			return ctx
		}))
	}
	return &Handler{httpHandler: mcpserver.NewStreamableHTTPServer(mcpSrv, opts...)}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "journeyline"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	if strings.TrimSpace(cfg.DefaultActor) == "" {
		cfg.DefaultActor = "mcp"
	}
	return cfg
}

// actor returns who is calling, enforcing perm unless the handler is open.
func (t tools) actor(ctx context.Context, perm string) (string, error) {
	if t.open {
		return t.fallback, nil
	}
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	if !ok || p.ActorID == "" {
		return "", errUnauthenticated
	}
	if perm != "" {
		if err := t.rbac.Require(p, perm); err != nil {
			return "", err
		}
	}
	return p.ActorID, nil
}

var errUnauthenticated = errors.New("authentication required")

func stageArg(req mcp.CallToolRequest, name string) (domain.Stage, error) {
	raw := req.GetString(name, "")
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	st, err := domain.ParseStage(raw)
	if err != nil {
		return "", engine.ValidationError{Field: name, Reason: err.Error()}
	}
	return st, nil
}

func jsonResult(name string, v any) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", name, err)
	}
	return result, nil
}

func registerJourneyTools(srv *mcpserver.MCPServer, t tools) {
	e := t.engine
	srv.AddTool(
		mcp.NewTool(
			"journey.seed_tasks",
			mcp.WithDescription("Create the stage checklist for a business and campaign month. Idempotent."),
			mcp.WithString("business_name", mcp.Required(), mcp.Description("Business name")),
			mcp.WithString("campaign_month", mcp.Required(), mcp.Description("Campaign month, YYYY-MM")),
			mcp.WithString("journey_stage", mcp.Required(), mcp.Description("Stage to seed"), mcp.Enum(stageNames()...)),
			mcp.WithString("business_id", mcp.Description("Optional business id to link")),
			mcp.WithString("campaign_id", mcp.Description("Optional campaign id to link")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := t.actor(ctx, auth.PermTasksWrite)
			if err != nil {
				return toolResultFromError(err), nil
			}
			stage, err := stageArg(req, "journey_stage")
			if err != nil {
				return toolResultFromError(err), nil
			}
			res, err := e.SeedTasks(ctx, engine.SeedInput{
				BusinessName:  req.GetString("business_name", ""),
				CampaignMonth: req.GetString("campaign_month", ""),
				Stage:         stage,
				BusinessID:    req.GetString("business_id", ""),
				CampaignID:    req.GetString("campaign_id", ""),
				Actor:         actor,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("seed_tasks", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"journey.can_progress",
			mcp.WithDescription("Report whether any blocking task is still open for the stage."),
			mcp.WithString("business_name", mcp.Required(), mcp.Description("Business name")),
			mcp.WithString("campaign_month", mcp.Required(), mcp.Description("Campaign month, YYYY-MM")),
			mcp.WithString("current_stage", mcp.Required(), mcp.Description("Stage being left"), mcp.Enum(stageNames()...)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if _, err := t.actor(ctx, ""); err != nil {
				return toolResultFromError(err), nil
			}
			stage, err := stageArg(req, "current_stage")
			if err != nil {
				return toolResultFromError(err), nil
			}
			res, err := e.CanProgress(ctx, engine.GateInput{
				BusinessName:  req.GetString("business_name", ""),
				CampaignMonth: req.GetString("campaign_month", ""),
				Stage:         stage,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("can_progress", map[string]any{
				"can_progress":      res.CanProgress,
				"blocking_tasks":    res.BlockingTasks,
				"blocking_task_ids": res.BlockingTaskIDs(),
			})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"journey.advance",
			mcp.WithDescription("Move a business to the next stage once the current stage's blocking tasks are done."),
			mcp.WithString("business_id", mcp.Required(), mcp.Description("Business identifier")),
			mcp.WithString("target_stage", mcp.Required(), mcp.Description("Next stage"), mcp.Enum(stageNames()...)),
			mcp.WithString("expected_stage", mcp.Description("Fails with a conflict unless the business is still at this stage")),
			mcp.WithString("campaign_month", mcp.Description("Campaign month the next stage is entered under, YYYY-MM. Gating always uses the current stage month.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := t.actor(ctx, auth.PermBusinessAdvance)
			if err != nil {
				return toolResultFromError(err), nil
			}
			businessID, err := req.RequireString("business_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			target, err := stageArg(req, "target_stage")
			if err != nil {
				return toolResultFromError(err), nil
			}
			expected, err := stageArg(req, "expected_stage")
			if err != nil {
				return toolResultFromError(err), nil
			}
			res, err := e.Advance(ctx, engine.AdvanceInput{
				BusinessID:    businessID,
				TargetStage:   target,
				ExpectedStage: expected,
				CampaignMonth: req.GetString("campaign_month", ""),
				Actor:         actor,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("advance", res)
		},
	)
}

func registerRosterTools(srv *mcpserver.MCPServer, t tools) {
	e := t.engine
	campaignKey := mcp.WithString("campaign_key", mcp.Required(), mcp.Description("Campaign id or <business name>-<YYYY-MM>"))

	srv.AddTool(
		mcp.NewTool(
			"roster.list",
			mcp.WithDescription("List the slots of a campaign."),
			campaignKey,
			mcp.WithBoolean("include_removed", mcp.Description("Include removed slots")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if _, err := t.actor(ctx, ""); err != nil {
				return toolResultFromError(err), nil
			}
			view, err := e.Roster(ctx, req.GetString("campaign_key", ""), req.GetBool("include_removed", false))
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("roster.list", view)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"roster.add",
			mcp.WithDescription("Book a creator into a campaign, filling an empty slot first."),
			campaignKey,
			mcp.WithString("creator_id", mcp.Required(), mcp.Description("Creator identifier")),
			mcp.WithString("role", mcp.Description("Slot role")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := t.actor(ctx, auth.PermRosterWrite)
			if err != nil {
				return toolResultFromError(err), nil
			}
			res, err := e.Add(ctx, engine.AddInput{
				CampaignKey: req.GetString("campaign_key", ""),
				CreatorID:   req.GetString("creator_id", ""),
				Role:        req.GetString("role", ""),
				Actor:       actor,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("roster.add", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"roster.replace",
			mcp.WithDescription("Swap a booked creator for another in the same slot, removing the new creator's other slots."),
			campaignKey,
			mcp.WithString("old_creator_id", mcp.Required(), mcp.Description("Creator leaving the slot")),
			mcp.WithString("new_creator_id", mcp.Required(), mcp.Description("Creator taking the slot")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := t.actor(ctx, auth.PermRosterWrite)
			if err != nil {
				return toolResultFromError(err), nil
			}
			res, err := e.Replace(ctx, engine.ReplaceInput{
				CampaignKey:  req.GetString("campaign_key", ""),
				OldCreatorID: req.GetString("old_creator_id", ""),
				NewCreatorID: req.GetString("new_creator_id", ""),
				Actor:        actor,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("roster.replace", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"roster.remove",
			mcp.WithDescription("Remove a slot and shrink capacity. Without creator_id or slot_id one empty slot is removed."),
			campaignKey,
			mcp.WithString("creator_id", mcp.Description("Creator whose slot is removed")),
			mcp.WithString("slot_id", mcp.Description("Slot identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := t.actor(ctx, auth.PermRosterWrite)
			if err != nil {
				return toolResultFromError(err), nil
			}
			res, err := e.Remove(ctx, engine.RemoveInput{
				CampaignKey: req.GetString("campaign_key", ""),
				CreatorID:   req.GetString("creator_id", ""),
				SlotID:      req.GetString("slot_id", ""),
				Actor:       actor,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("roster.remove", res)
		},
	)
}

func registerLedgerTools(srv *mcpserver.MCPServer, t tools) {
	e := t.engine
	srv.AddTool(
		mcp.NewTool(
			"reconcile",
			mcp.WithDescription("Repair status drift for one entity across all stores using the audit log."),
			mcp.WithString("entity_type", mcp.Required(), mcp.Enum("business", "campaign", "assignment", "task")),
			mcp.WithString("id", mcp.Description("Entity id (preferred)")),
			mcp.WithString("name", mcp.Description("Business name, deprecated fallback")),
			mcp.WithString("month", mcp.Description("Campaign month with name, YYYY-MM")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actor, err := t.actor(ctx, auth.PermReconcileRun)
			if err != nil {
				return toolResultFromError(err), nil
			}
			et, err := domain.ParseEntityType(req.GetString("entity_type", ""))
			if err != nil {
				return toolResultFromError(engine.ValidationError{Field: "entity_type", Reason: err.Error()}), nil
			}
			res, err := e.Reconcile(ctx, engine.ReconcileInput{
				EntityType: et,
				Key: engine.EntityKey{
					ID:    req.GetString("id", ""),
					Name:  req.GetString("name", ""),
					Month: req.GetString("month", ""),
				},
				Actor: actor,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("reconcile", res)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"audit.query",
			mcp.WithDescription("Read audit log entries oldest first, with cursor paging."),
			mcp.WithString("entity_type", mcp.Description("Entity type filter")),
			mcp.WithString("entity_id", mcp.Description("Entity id filter")),
			mcp.WithString("entity_name", mcp.Description("Entity name filter")),
			mcp.WithString("field", mcp.Description("Field filter")),
			mcp.WithString("action", mcp.Description("Action filter")),
			mcp.WithString("cursor", mcp.Description("Resume after this cursor")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows to return")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if _, err := t.actor(ctx, auth.PermAuditRead); err != nil {
				return toolResultFromError(err), nil
			}
			page, err := e.QueryAudit(ctx, audit.Filter{
				EntityType: domain.EntityType(req.GetString("entity_type", "")),
				EntityID:   req.GetString("entity_id", ""),
				EntityName: req.GetString("entity_name", ""),
				FieldName:  req.GetString("field", ""),
				Action:     req.GetString("action", ""),
				Cursor:     req.GetString("cursor", ""),
				Limit:      req.GetInt("limit", audit.DefaultLimit),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("audit.query", page)
		},
	)
}

func stageNames() []string {
	stages := domain.Stages()
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func toolResultFromError(err error) *mcp.CallToolResult {
	var (
		fe auth.ForbiddenError
		ve engine.ValidationError
		nf engine.NotFoundError
		sb engine.StageBlockedError
		ce engine.ConflictError
		de engine.DependencyError
	)
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, errUnauthenticated):
		return mcp.NewToolResultError("unauthorized: " + err.Error())
	case errors.As(err, &fe):
		return mcp.NewToolResultError("forbidden: " + err.Error())
	case errors.As(err, &ve):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.As(err, &nf):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.As(err, &sb):
		return mcp.NewToolResultError("stage_blocked: " + err.Error() + " (blocking: " + strings.Join(sb.BlockingTaskIDs, ",") + ")")
	case errors.Is(err, engine.ErrDuplicateAssignment):
		return mcp.NewToolResultError("duplicate_assignment: " + err.Error())
	case errors.As(err, &ce):
		return mcp.NewToolResultError("conflict: " + err.Error())
	case errors.As(err, &de):
		return mcp.NewToolResultError("unavailable: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/engine/auth"
	"journeyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	// Extra is mounted next to the API, e.g. the MCP endpoint.
	Extra map[string]http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_blocked"`
	Message string         `json:"message" example:"stage Scheduling blocked by 2 open task(s)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blocking_task_ids\":[\"t1\"]}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type handlers struct {
	engine engine.Engine
	rbac   auth.Resolver
}

// New returns an HTTP handler exposing the journeyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine has no store")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	protected := []string{basePath}
	for mount := range cfg.Extra {
		protected = append(protected, mount)
	}
	router.Use(newAuthMiddleware(protected, cfg.Auth, cfg.Engine, cfg.Log))
	hcfg := huma.DefaultConfig("journeyline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, rbac: auth.NewResolver(cfg.Engine.Config)}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, h)
	registerBusinesses(group, h)
	registerCreators(group, h)
	registerCampaigns(group, h)
	registerRoster(group, h)
	registerTasks(group, h)
	registerReconcile(group, h)
	registerAudit(group, h)
	registerOpenAPI(router, api, basePath)
	for mount, handler := range cfg.Extra {
		router.Handle(mount, handler)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		se huma.StatusError
		fe auth.ForbiddenError
		ve engine.ValidationError
		nf engine.NotFoundError
		sb engine.StageBlockedError
		ce engine.ConflictError
		de engine.DependencyError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "key": nf.Key})
	case errors.As(err, &sb):
		return newAPIError(http.StatusUnprocessableEntity, "stage_blocked", err.Error(), map[string]any{
			"stage":             sb.Stage,
			"blocking_task_ids": orEmpty(sb.BlockingTaskIDs),
		})
	case errors.Is(err, engine.ErrDuplicateAssignment):
		return newAPIError(http.StatusConflict, "duplicate_assignment", err.Error(), nil)
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &de):
		return newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", err.Error(), map[string]any{"op": de.Op})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// authorize returns the caller, checking perm when one is given.
func (h handlers) authorize(ctx context.Context, perm string) (auth.Principal, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if perm == "" {
		return p, nil
	}
	if err := h.rbac.Require(p, perm); err != nil {
		return auth.Principal{}, handleError(err)
	}
	return p, nil
}

func requireBody(ctx context.Context) error {
	if buf, _ := ctx.Value(bodyBytesKey{}).([]byte); len(bytes.TrimSpace(buf)) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
}

func parseStage(field, raw string) (domain.Stage, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	st, err := domain.ParseStage(raw)
	if err != nil {
		return "", engine.ValidationError{Field: field, Reason: err.Error()}
	}
	return st, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI serves the document built on first request, after every
// operation has been registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	build := sync.OnceValues(func() ([]byte, error) {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		return json.Marshal(oas)
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		spec, err := build()
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>journeyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		p, err := h.authorize(ctx, "")
		if err != nil {
			return nil, err
		}
		return reply(MeResponse{
			ActorID:     p.ActorID,
			Roles:       orEmpty(p.Roles),
			Permissions: orEmpty(h.rbac.Permissions(p)),
			Source:      p.Source,
		}), nil
	})
}

func registerBusinesses(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-business",
		Method:        http.MethodPost,
		Path:          "/businesses",
		Summary:       "Onboard a business",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateBusinessRequest
	}) (*output[engine.CreateBusinessResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermBusinessWrite)
		if err != nil {
			return nil, err
		}
		stage, err := parseStage("stage", input.Body.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		in := engine.CreateBusinessInput{
			Name:     input.Body.Name,
			Stage:    stage,
			Priority: input.Body.Priority,
			Actor:    p.ActorID,
		}
		if input.Body.EstimatedValue != nil {
			in.EstimatedValue = *input.Body.EstimatedValue
		}
		b, err := e.CreateBusiness(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-businesses",
		Method:      http.MethodGet,
		Path:        "/businesses",
		Summary:     "List businesses",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage"`
	}) (*output[[]domain.Business], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		stage, err := parseStage("stage", input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListBusinesses(ctx, stage)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-business",
		Method:      http.MethodGet,
		Path:        "/businesses/{business_id}",
		Summary:     "Get business",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
	}) (*output[domain.Business], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		b, err := e.GetBusiness(ctx, input.BusinessID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-business",
		Method:      http.MethodPost,
		Path:        "/businesses/{business_id}/advance",
		Summary:     "Advance a business to the next journey stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
		Body       AdvanceRequest
	}) (*output[engine.AdvanceResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermBusinessAdvance)
		if err != nil {
			return nil, err
		}
		target, err := parseStage("target_stage", input.Body.TargetStage)
		if err != nil {
			return nil, handleError(err)
		}
		expected, err := parseStage("expected_stage", input.Body.ExpectedStage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Advance(ctx, engine.AdvanceInput{
			BusinessID:    input.BusinessID,
			TargetStage:   target,
			ExpectedStage: expected,
			CampaignMonth: input.Body.CampaignMonth,
			Actor:         p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerCreators(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-creator",
		Method:        http.MethodPost,
		Path:          "/creators",
		Summary:       "Onboard a creator",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateCreatorRequest
	}) (*output[domain.Creator], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if _, err := h.authorize(ctx, auth.PermRosterWrite); err != nil {
			return nil, err
		}
		in := engine.CreateCreatorInput{Name: input.Body.Name, Status: input.Body.Status}
		if input.Body.Followers != nil {
			in.Followers = *input.Body.Followers
		}
		if input.Body.EngagementRate != nil {
			in.EngagementRate = *input.Body.EngagementRate
		}
		c, err := e.CreateCreator(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-creators",
		Method:      http.MethodGet,
		Path:        "/creators",
		Summary:     "List creators",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Creator], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		items, err := e.ListCreators(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(orEmpty(items)), nil
	})
}

func registerCampaigns(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-campaign",
		Method:        http.MethodPost,
		Path:          "/campaigns",
		Summary:       "Create a monthly campaign with empty slots",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCampaignRequest
	}) (*output[engine.CreateCampaignResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermRosterWrite)
		if err != nil {
			return nil, err
		}
		c, err := e.CreateCampaign(ctx, engine.CreateCampaignInput{
			BusinessID:   input.Body.BusinessID,
			Month:        input.Body.Month,
			SlotCapacity: input.Body.SlotCapacity,
			Status:       input.Body.Status,
			Actor:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, input *struct {
		BusinessID string `query:"business_id"`
	}) (*output[[]domain.Campaign], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		items, err := e.ListCampaigns(ctx, input.BusinessID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(orEmpty(items)), nil
	})
}

func registerRoster(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "get-roster",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_key}/roster",
		Summary:     "List campaign slots",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CampaignKey    string `path:"campaign_key" doc:"Campaign id or <business name>-<YYYY-MM>"`
		IncludeRemoved bool   `query:"include_removed"`
	}) (*output[engine.RosterView], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		view, err := e.Roster(ctx, input.CampaignKey, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		view.Slots = orEmpty(view.Slots)
		return reply(view), nil
	})

	rosterErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusServiceUnavailable,
	}

	huma.Register(api, huma.Operation{
		OperationID: "roster-add",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_key}/roster",
		Summary:     "Book a creator into the campaign",
		Errors:      rosterErrors,
	}, func(ctx context.Context, input *struct {
		CampaignKey string `path:"campaign_key" doc:"Campaign id or <business name>-<YYYY-MM>"`
		Body        RosterAddRequest
	}) (*output[engine.AddResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermRosterWrite)
		if err != nil {
			return nil, err
		}
		res, err := e.Add(ctx, engine.AddInput{
			CampaignKey: input.CampaignKey,
			CreatorID:   input.Body.CreatorID,
			Role:        input.Body.Role,
			Actor:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "roster-replace",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_key}/roster/replace",
		Summary:     "Replace a booked creator in place",
		Errors:      rosterErrors,
	}, func(ctx context.Context, input *struct {
		CampaignKey string `path:"campaign_key" doc:"Campaign id or <business name>-<YYYY-MM>"`
		Body        RosterReplaceRequest
	}) (*output[engine.ReplaceResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermRosterWrite)
		if err != nil {
			return nil, err
		}
		res, err := e.Replace(ctx, engine.ReplaceInput{
			CampaignKey:  input.CampaignKey,
			OldCreatorID: input.Body.OldCreatorID,
			NewCreatorID: input.Body.NewCreatorID,
			Actor:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "roster-remove",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_key}/roster/remove",
		Summary:     "Remove a slot and shrink capacity",
		Errors:      rosterErrors,
	}, func(ctx context.Context, input *struct {
		CampaignKey string               `path:"campaign_key" doc:"Campaign id or <business name>-<YYYY-MM>"`
		Body        *RosterRemoveRequest `required:"false"`
	}) (*output[engine.RemoveResult], error) {
		p, err := h.authorize(ctx, auth.PermRosterWrite)
		if err != nil {
			return nil, err
		}
		in := engine.RemoveInput{CampaignKey: input.CampaignKey, Actor: p.ActorID}
		if input.Body != nil {
			in.CreatorID, in.SlotID = input.Body.CreatorID, input.Body.SlotID
		}
		res, err := e.Remove(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerTasks(api huma.API, h handlers) {
	e := h.engine
	huma.Register(api, huma.Operation{
		OperationID: "seed-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/seed",
		Summary:     "Seed the stage checklist for a business and month",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SeedTasksRequest
	}) (*output[engine.SeedResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, err
		}
		stage, err := parseStage("journey_stage", input.Body.JourneyStage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SeedTasks(ctx, engine.SeedInput{
			BusinessName:  input.Body.BusinessName,
			CampaignMonth: input.Body.CampaignMonth,
			Stage:         stage,
			BusinessID:    input.Body.BusinessID,
			CampaignID:    input.Body.CampaignID,
			Actor:         p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Created = orEmpty(res.Created)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "can-progress",
		Method:      http.MethodGet,
		Path:        "/tasks/can-progress",
		Summary:     "Check whether blocking tasks remain for a stage",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		BusinessName  string `query:"business_name"`
		CampaignMonth string `query:"campaign_month"`
		CurrentStage  string `query:"current_stage"`
	}) (*output[engine.GateResult], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		stage, err := parseStage("current_stage", input.CurrentStage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CanProgress(ctx, engine.GateInput{
			BusinessName:  input.BusinessName,
			CampaignMonth: input.CampaignMonth,
			Stage:         stage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.BlockingTasks = orEmpty(res.BlockingTasks)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List journey tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BusinessName  string `query:"business_name"`
		CampaignMonth string `query:"campaign_month"`
		Stage         string `query:"stage"`
		Status        string `query:"status"`
		BlockingOnly  bool   `query:"blocking_only"`
	}) (*output[TaskListResponse], error) {
		if _, err := h.authorize(ctx, ""); err != nil {
			return nil, err
		}
		stage, err := parseStage("stage", input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx, repo.TaskFilter{
			BusinessName:  input.BusinessName,
			CampaignMonth: input.CampaignMonth,
			Stage:         stage,
			Status:        input.Status,
			BlockingOnly:  input.BlockingOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TaskListResponse{Items: orEmpty(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Move a task through open, in_progress and done",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   SetTaskStatusRequest
	}) (*output[engine.TaskStatusResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, err
		}
		res, err := e.SetTaskStatus(ctx, input.TaskID, input.Body.Status, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*output[DeleteTaskResponse], error) {
		p, err := h.authorize(ctx, auth.PermTasksWrite)
		if err != nil {
			return nil, err
		}
		warnings, err := e.DeleteTask(ctx, input.TaskID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DeleteTaskResponse{Deleted: input.TaskID, Warnings: warnings}), nil
	})
}

func registerReconcile(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Repair status drift between stores from the audit log",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ReconcileRequest
	}) (*output[engine.ReconcileResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		p, err := h.authorize(ctx, auth.PermReconcileRun)
		if err != nil {
			return nil, err
		}
		t, err := domain.ParseEntityType(input.Body.EntityType)
		if err != nil {
			return nil, handleError(engine.ValidationError{Field: "entity_type", Reason: err.Error()})
		}
		res, err := h.engine.Reconcile(ctx, engine.ReconcileInput{EntityType: t, Key: input.Body.EntityKey, Actor: p.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		res.CorrectedFields = orEmpty(res.CorrectedFields)
		return reply(res), nil
	})
}

func registerAudit(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		EntityName string `query:"entity_name"`
		Field      string `query:"field"`
		Action     string `query:"action"`
		Since      string `query:"since"`
		Cursor     string `query:"cursor"`
		Limit      int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
		Desc       bool   `query:"desc"`
	}) (*output[audit.Page], error) {
		if _, err := h.authorize(ctx, auth.PermAuditRead); err != nil {
			return nil, err
		}
		page, err := h.engine.QueryAudit(ctx, audit.Filter{
			EntityType: domain.EntityType(input.EntityType),
			EntityID:   input.EntityID,
			EntityName: input.EntityName,
			FieldName:  input.Field,
			Action:     input.Action,
			Since:      input.Since,
			Cursor:     input.Cursor,
			Limit:      input.Limit,
			Desc:       input.Desc,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page.Items = orEmpty(page.Items)
		return reply(page), nil
	})
}

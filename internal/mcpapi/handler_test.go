package mcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"journeyline/internal/audit"
	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/engine/auth"
	"journeyline/internal/migrate"
)

type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	e := engine.New(conn, dialect, config.Default("org-test"), zerolog.Nop())
	e.Async = func(fn func()) { fn() }
	return e
}

func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "journeyline-test",
				"version": "1.0.0",
			},
		},
	}
}

func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

func postJSONRPC(t *testing.T, client *http.Client, url string, payload any, headers map[string]string) jsonRPCResponse {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Mcp-Session-Id"))
	var decoded jsonRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func toolResultText(t *testing.T, result map[string]any) string {
	t.Helper()
	contentRaw, ok := result["content"].([]any)
	require.True(t, ok && len(contentRaw) > 0, "content missing: %#v", result)
	first, ok := contentRaw[0].(map[string]any)
	require.True(t, ok)
	text, _ := first["text"].(string)
	return text
}

func toolResultStructured(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	structured, ok := result["structuredContent"].(map[string]any)
	require.True(t, ok, "structuredContent missing: %#v", result)
	return structured
}

func isError(result map[string]any) bool {
	v, _ := result["isError"].(bool)
	return v
}

func TestHandlerListsJourneyTools(t *testing.T) {
	handler, err := NewHandler(Config{}, newEngine(t))
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()
	url := server.URL + "/mcp"

	postJSONRPC(t, server.Client(), url, initializeRequest(), nil)
	resp := postJSONRPC(t, server.Client(), url, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}, nil)
	toolsRaw, ok := resp.Result["tools"].([]any)
	require.True(t, ok)
	var names []string
	for _, raw := range toolsRaw {
		if m, ok := raw.(map[string]any); ok {
			name, _ := m["name"].(string)
			names = append(names, name)
		}
	}
	for _, want := range []string{
		"journey.seed_tasks",
		"journey.can_progress",
		"journey.advance",
		"roster.add",
		"roster.replace",
		"roster.remove",
		"reconcile",
		"audit.query",
	} {
		require.True(t, slices.Contains(names, want), "missing tool %s in %v", want, names)
	}
}

func TestRosterToolsAgainstEngine(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	b, err := e.CreateBusiness(ctx, engine.CreateBusinessInput{Name: "Acme", Stage: domain.StageScheduling})
	require.NoError(t, err)
	_, err = e.CreateCampaign(ctx, engine.CreateCampaignInput{BusinessID: b.ID, Month: "2025-07", SlotCapacity: 2})
	require.NoError(t, err)
	cr, err := e.CreateCreator(ctx, engine.CreateCreatorInput{Name: "Dana"})
	require.NoError(t, err)

	handler, err := NewHandler(Config{DefaultActor: "agent-7"}, e)
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()
	url := server.URL + "/mcp"
	postJSONRPC(t, server.Client(), url, initializeRequest(), nil)

	add := postJSONRPC(t, server.Client(), url, callToolRequest(2, "roster.add", map[string]any{"campaign_key": "Acme-2025-07", "creator_id": cr.ID}), nil)
	require.False(t, isError(add.Result), toolResultText(t, add.Result))
	require.NotEmpty(t, toolResultStructured(t, add.Result)["assignment_id"])

	dup := postJSONRPC(t, server.Client(), url, callToolRequest(3, "roster.add", map[string]any{"campaign_key": "Acme-2025-07", "creator_id": cr.ID}), nil)
	require.True(t, isError(dup.Result))
	require.True(t, strings.HasPrefix(toolResultText(t, dup.Result), "duplicate_assignment:"))

	page, err := e.QueryAudit(ctx, audit.Filter{EntityType: domain.EntityAssignment})
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	require.Equal(t, "agent-7", page.Items[0].Actor)

	gate := postJSONRPC(t, server.Client(), url, callToolRequest(4, "journey.can_progress", map[string]any{
		"business_name": "Acme", "campaign_month": "2025-07", "current_stage": "Scheduling",
	}), nil)
	require.False(t, isError(gate.Result), toolResultText(t, gate.Result))
	require.Equal(t, true, toolResultStructured(t, gate.Result)["can_progress"])

	bad := postJSONRPC(t, server.Client(), url, callToolRequest(5, "reconcile", map[string]any{"entity_type": "task"}), nil)
	require.True(t, isError(bad.Result))
	require.True(t, strings.HasPrefix(toolResultText(t, bad.Result), "invalid_request:"))
}

func TestPrincipalPermissionsAreEnforced(t *testing.T) {
	e := newEngine(t)
	handler, err := NewHandler(Config{Principal: func(r *http.Request) (auth.Principal, bool) {
		if id := r.Header.Get("X-Test-Actor"); id != "" {
			return auth.Principal{ActorID: id, Roles: []string{r.Header.Get("X-Test-Role")}}, true
		}
		return auth.Principal{}, false
	}}, e)
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()
	url := server.URL + "/mcp"
	postJSONRPC(t, server.Client(), url, initializeRequest(), nil)

	args := map[string]any{"business_name": "Acme", "campaign_month": "2025-07", "journey_stage": "Scheduling"}
	anon := postJSONRPC(t, server.Client(), url, callToolRequest(2, "journey.seed_tasks", args), nil)
	require.True(t, strings.HasPrefix(toolResultText(t, anon.Result), "unauthorized:"))

	viewer := map[string]string{"X-Test-Actor": "vic", "X-Test-Role": "viewer"}
	denied := postJSONRPC(t, server.Client(), url, callToolRequest(3, "journey.seed_tasks", args), viewer)
	require.True(t, strings.HasPrefix(toolResultText(t, denied.Result), "forbidden:"))

	operator := map[string]string{"X-Test-Actor": "ops", "X-Test-Role": "operator"}
	seeded := postJSONRPC(t, server.Client(), url, callToolRequest(4, "journey.seed_tasks", args), operator)
	require.False(t, isError(seeded.Result), toolResultText(t, seeded.Result))
	require.EqualValues(t, 3, toolResultStructured(t, seeded.Result)["count_created"])
}

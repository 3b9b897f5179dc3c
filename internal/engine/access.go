package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"journeyline/internal/audit"
	"journeyline/internal/domain"
	"journeyline/internal/repo"
)

// QueryAudit reads the audit log. A malformed cursor or entity type is a
// ValidationError.
func (e Engine) QueryAudit(ctx context.Context, f audit.Filter) (audit.Page, error) {
	if f.Cursor != "" {
		if _, err := audit.ParseCursor(f.Cursor); err != nil {
			return audit.Page{}, ValidationError{Field: "cursor", Reason: err.Error()}
		}
	}
	if f.EntityType != "" {
		if _, err := domain.ParseEntityType(string(f.EntityType)); err != nil {
			return audit.Page{}, ValidationError{Field: "entity_type", Reason: err.Error()}
		}
	}
	if f.Since != "" {
		if _, err := domain.ParseTime(f.Since); err != nil {
			return audit.Page{}, ValidationError{Field: "since", Reason: "must use " + domain.TimeLayout}
		}
	}
	var page audit.Page
	err := e.retry(ctx, "query_audit", func(ctx context.Context) error {
		ctx, cancel := e.withTimeout(ctx)
		defer cancel()
		var err error
		page, err = e.Audit.Query(ctx, f)
		return classify("query_audit", err)
	})
	return page, err
}

type CreateAPIKeyInput struct {
	ActorID string
	Role    string
	Name    string
}

// CreateAPIKey stores the hash of a fresh key and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, in CreateAPIKeyInput) (domain.APIKey, string, error) {
	actor := strings.TrimSpace(in.ActorID)
	if actor == "" {
		return domain.APIKey{}, "", ValidationError{Field: "actor_id", Reason: "required"}
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		return domain.APIKey{}, "", ValidationError{Field: "role", Reason: "required"}
	}
	if e.Config != nil {
		if _, ok := e.Config.RBAC.Roles[role]; !ok {
			return domain.APIKey{}, "", ValidationError{Field: "role", Reason: "unknown role " + role}
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "jl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actor,
		Role:      role,
		Name:      strings.TrimSpace(in.Name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.FormatTime(e.now()),
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", classify("create_api_key", err)
	}
	e.Log.Info().Str("api_key_id", key.ID).Str("actor_id", actor).Str("role", role).Msg("api key created")
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	return keys, classify("list_api_keys", err)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return classify("revoke_api_key", notFound("api_key", id, e.Repo.DeleteAPIKey(ctx, id)))
}

// LookupAPIKey resolves a plaintext key to its stored record.
func (e Engine) LookupAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.APIKey{}, ValidationError{Field: "api_key", Reason: "required"}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	return key, classify("lookup_api_key", notFound("api_key", "presented key", err))
}

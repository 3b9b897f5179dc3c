// Package audit is the append-only change history. It exposes no update or
// delete operation, and the store rejects both through triggers.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"journeyline/internal/db"
	"journeyline/internal/domain"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

type Log struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

// Details encodes a details payload; nil becomes "{}".
func Details(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Value is a convenience for populating OldValue/NewValue.
func Value(s string) *string {
	return &s
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one entry and returns its id. Errors are returned, never dropped.
func (l Log) Append(ctx context.Context, e domain.AuditLogEntry) (string, error) {
	if _, err := domain.ParseEntityType(string(e.EntityType)); err != nil {
		return "", err
	}
	switch {
	case strings.TrimSpace(e.EntityID) == "":
		return "", errors.New("audit entry entity_id required")
	case strings.TrimSpace(e.Action) == "":
		return "", errors.New("audit entry action required")
	case strings.TrimSpace(e.Actor) == "":
		return "", errors.New("audit entry actor required")
	}
	if e.Details == "" {
		e.Details = "{}"
	}
	if !json.Valid([]byte(e.Details)) {
		return "", errors.New("audit entry details must be JSON")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = domain.FormatTime(l.now())
	}
	_, err := l.DB.ExecContext(ctx, l.Dialect.Rebind(`INSERT INTO audit_log(id,entity_type,entity_id,entity_name,action,field_name,old_value,new_value,actor,details,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, string(e.EntityType), e.EntityID, e.EntityName, e.Action, e.FieldName, nullableValue(e.OldValue), nullableValue(e.NewValue), e.Actor, e.Details, e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	return e.ID, nil
}

// Filter selects entries. Zero fields do not filter.
type Filter struct {
	EntityType domain.EntityType
	EntityID   string
	EntityName string
	FieldName  string
	Action     string
	Since      string
	Cursor     string
	Limit      int
	Desc       bool
}

type Page struct {
	Items      []domain.AuditLogEntry `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Query returns entries in append order (seq), ascending unless Desc.
// created_at is the caller's domain stamp and may lag behind entries that
// were appended earlier, so it never drives paging. NextCursor resumes after
// the last returned entry.
func (l Log) Query(ctx context.Context, f Filter) (Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.EntityName != "" {
		clauses = append(clauses, "lower(trim(entity_name))=lower(trim(?))")
		args = append(args, f.EntityName)
	}
	if f.FieldName != "" {
		clauses = append(clauses, "field_name=?")
		args = append(args, f.FieldName)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	if f.Cursor != "" {
		seq, err := ParseCursor(f.Cursor)
		if err != nil {
			return Page{}, err
		}
		op := ">"
		if f.Desc {
			op = "<"
		}
		clauses = append(clauses, "seq "+op+" ?")
		args = append(args, seq)
	}
	order := "ASC"
	if f.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT seq,id,entity_type,entity_id,entity_name,action,field_name,old_value,new_value,actor,details,created_at
FROM audit_log WHERE %s ORDER BY seq %s LIMIT ?`, strings.Join(clauses, " AND "), order)
	args = append(args, limit)
	rows, err := l.DB.QueryContext(ctx, l.Dialect.Rebind(query), args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()
	var page Page
	for rows.Next() {
		var e domain.AuditLogEntry
		var entityType string
		var oldValue, newValue sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &entityType, &e.EntityID, &e.EntityName, &e.Action, &e.FieldName, &oldValue, &newValue, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return Page{}, err
		}
		e.EntityType = domain.EntityType(entityType)
		if oldValue.Valid {
			e.OldValue = Value(oldValue.String)
		}
		if newValue.Valid {
			e.NewValue = Value(newValue.String)
		}
		page.Items = append(page.Items, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(page.Items) == limit {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = ComposeCursor(last.Seq)
	}
	return page, nil
}

// LatestByField walks an entity's history and returns the newest entry per
// field among the given fields.
func (l Log) LatestByField(ctx context.Context, entityType domain.EntityType, entityID string, fields []string) (map[string]domain.AuditLogEntry, error) {
	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[f] = true
	}
	latest := map[string]domain.AuditLogEntry{}
	cursor := ""
	for {
		page, err := l.Query(ctx, Filter{EntityType: entityType, EntityID: entityID, Cursor: cursor, Limit: MaxLimit})
		if err != nil {
			return nil, err
		}
		for _, e := range page.Items {
			if wanted[e.FieldName] && e.NewValue != nil {
				latest[e.FieldName] = e
			}
		}
		if page.NextCursor == "" {
			return latest, nil
		}
		cursor = page.NextCursor
	}
}

// Count returns the number of stored entries.
func (l Log) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

func nullableValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// ComposeCursor encodes the seq of the last entry a reader has seen.
func ComposeCursor(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return "s" + strconv.FormatInt(seq, 10)
}

func ParseCursor(cursor string) (int64, error) {
	raw, ok := strings.CutPrefix(cursor, "s")
	if !ok {
		return 0, fmt.Errorf("invalid cursor")
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return seq, nil
}

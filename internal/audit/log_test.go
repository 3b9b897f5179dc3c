package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/audit"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/migrate"
)

func newLog(t *testing.T) audit.Log {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	return audit.Log{DB: conn, Dialect: dialect, Now: func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}}
}

func stageEntry(id, from, to string) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		EntityType: domain.EntityBusiness,
		EntityID:   id,
		EntityName: "Acme",
		Action:     domain.ActionAdvance,
		FieldName:  "stage",
		OldValue:   audit.Value(from),
		NewValue:   audit.Value(to),
		Actor:      "tester",
	}
}

func TestAppendValidates(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, domain.AuditLogEntry{EntityType: "invoice", EntityID: "x", Action: "create", Actor: "a"})
	require.Error(t, err)

	_, err = l.Append(ctx, domain.AuditLogEntry{EntityType: domain.EntityTask, Action: "create", Actor: "a"})
	require.Error(t, err)

	_, err = l.Append(ctx, domain.AuditLogEntry{EntityType: domain.EntityTask, EntityID: "t1", Action: "create"})
	require.Error(t, err)

	_, err = l.Append(ctx, domain.AuditLogEntry{EntityType: domain.EntityTask, EntityID: "t1", Action: "create", Actor: "a", Details: "{broken"})
	require.Error(t, err)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueryOrderAndCursor(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	stages := []string{"Lead", "Contact Made", "Proposal Sent", "Briefing Meeting", "Scheduling"}
	for i := 1; i < len(stages); i++ {
		_, err := l.Append(ctx, stageEntry("b1", stages[i-1], stages[i]))
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, stageEntry("b2", "Lead", "Contact Made"))
	require.NoError(t, err)

	first, err := l.Query(ctx, audit.Filter{EntityID: "b1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "Contact Made", *first.Items[0].NewValue)
	assert.Equal(t, "Proposal Sent", *first.Items[1].NewValue)

	second, err := l.Query(ctx, audit.Filter{EntityID: "b1", Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "Briefing Meeting", *second.Items[0].NewValue)
	assert.Equal(t, "Scheduling", *second.Items[1].NewValue)

	rest, err := l.Query(ctx, audit.Filter{EntityID: "b1", Limit: 2, Cursor: second.NextCursor})
	require.NoError(t, err)
	require.Empty(t, rest.Items)
	require.Empty(t, rest.NextCursor)

	tail, err := l.Query(ctx, audit.Filter{EntityType: domain.EntityBusiness, Desc: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, tail.Items, 1)
	assert.Equal(t, "b2", tail.Items[0].EntityID)

	byName, err := l.Query(ctx, audit.Filter{EntityName: " acme "})
	require.NoError(t, err)
	assert.Len(t, byName.Items, 5)

	_, err = l.Query(ctx, audit.Filter{Cursor: "garbage"})
	require.Error(t, err)
}

func TestLatestByField(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	_, err := l.Append(ctx, stageEntry("b1", "Lead", "Contact Made"))
	require.NoError(t, err)
	_, err = l.Append(ctx, stageEntry("b1", "Contact Made", "Proposal Sent"))
	require.NoError(t, err)
	_, err = l.Append(ctx, domain.AuditLogEntry{EntityType: domain.EntityBusiness, EntityID: "b1", Action: domain.ActionCreate, Actor: "tester"})
	require.NoError(t, err)

	latest, err := l.LatestByField(ctx, domain.EntityBusiness, "b1", []string{"stage"})
	require.NoError(t, err)
	require.Contains(t, latest, "stage")
	assert.Equal(t, "Proposal Sent", *latest["stage"].NewValue)

	none, err := l.LatestByField(ctx, domain.EntityBusiness, "missing", []string{"stage"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreRejectsMutation(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()
	id, err := l.Append(ctx, stageEntry("b1", "Lead", "Contact Made"))
	require.NoError(t, err)

	_, err = l.DB.ExecContext(ctx, `UPDATE audit_log SET actor='intruder' WHERE id=?`, id)
	require.Error(t, err)
	_, err = l.DB.ExecContext(ctx, `DELETE FROM audit_log WHERE id=?`, id)
	require.Error(t, err)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := audit.ComposeCursor(42)
	seq, err := audit.ParseCursor(cursor)
	require.NoError(t, err)
	assert.EqualValues(t, 42, seq)
	assert.Empty(t, audit.ComposeCursor(0))

	for _, bad := range []string{"42", "s", "s-1", "2025-07-01T09:00:01.000000Z|42"} {
		_, err := audit.ParseCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestCursorKeepsEntriesStampedEarlier(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	late := stageEntry("b1", "Lead", "Contact Made")
	late.CreatedAt = "2025-07-01T09:00:02.000000Z"
	_, err := l.Append(ctx, late)
	require.NoError(t, err)

	head, err := l.Query(ctx, audit.Filter{Limit: 1, Desc: true})
	require.NoError(t, err)
	require.Len(t, head.Items, 1)
	cursor := audit.ComposeCursor(head.Items[0].Seq)

	early := stageEntry("b2", "Lead", "Contact Made")
	early.CreatedAt = "2025-07-01T09:00:01.000000Z"
	_, err = l.Append(ctx, early)
	require.NoError(t, err)

	after, err := l.Query(ctx, audit.Filter{Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, after.Items, 1)
	assert.Equal(t, "b2", after.Items[0].EntityID)
	assert.Equal(t, early.CreatedAt, after.Items[0].CreatedAt)
}

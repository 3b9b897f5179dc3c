package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"journeyline/internal/db"
	"journeyline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn, dialect))
	require.NoError(t, migrate.Migrate(conn, dialect))

	var version int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	require.Equal(t, 2, version)
}

func TestAuditLogRejectsUpdateAndDelete(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, dialect))

	_, err = conn.Exec(`INSERT INTO audit_log(id,entity_type,entity_id,action,actor,created_at) VALUES ('a1','business','b1','create','tester','2025-07-01T00:00:00.000000Z')`)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE audit_log SET actor='mallory' WHERE id='a1'`)
	require.ErrorContains(t, err, "append-only")
	_, err = conn.Exec(`DELETE FROM audit_log WHERE id='a1'`)
	require.ErrorContains(t, err, "append-only")

	_, err = conn.Exec(`INSERT INTO audit_log(id,entity_type,entity_id,action,actor,created_at) VALUES ('a2','invoice','x','create','tester','2025-07-01T00:00:00.000000Z')`)
	require.Error(t, err)
}

func TestActiveCreatorIndexPreventsDuplicateBooking(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, dialect))

	ts := "2025-07-01T00:00:00.000000Z"
	stmts := []string{
		`INSERT INTO businesses(id,org_id,name,stage,stage_entered_at,created_at,updated_at) VALUES ('b1','o','Acme','Lead','` + ts + `','` + ts + `','` + ts + `')`,
		`INSERT INTO creators(id,org_id,name,created_at,updated_at) VALUES ('c1','o','Ana','` + ts + `','` + ts + `')`,
		`INSERT INTO campaigns(id,business_id,month,slot_capacity,created_at,updated_at) VALUES ('k1','b1','2025-07',2,'` + ts + `','` + ts + `')`,
		`INSERT INTO assignments(id,campaign_id,slot_no,creator_id,status,created_at,updated_at) VALUES ('a1','k1',1,'c1','active','` + ts + `','` + ts + `')`,
		`INSERT INTO assignments(id,campaign_id,slot_no,creator_id,status,created_at,updated_at) VALUES ('a2','k1',2,'c1','removed','` + ts + `','` + ts + `')`,
	}
	for _, stmt := range stmts {
		_, err := conn.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = conn.Exec(`INSERT INTO assignments(id,campaign_id,slot_no,creator_id,status,created_at,updated_at) VALUES ('a3','k1',3,'c1','active','` + ts + `','` + ts + `')`)
	require.Error(t, err)
}

func TestBusinessNamesAreUniqueIgnoringCase(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, dialect))

	insert := `INSERT INTO businesses(id,org_id,name,stage,stage_entered_at,created_at,updated_at) VALUES (?,?,?,'Lead','2025-07-01T00:00:00.000000Z','2025-07-01T00:00:00.000000Z','2025-07-01T00:00:00.000000Z')`
	_, err = conn.Exec(insert, "b1", "o", "Acme")
	require.NoError(t, err)
	_, err = conn.Exec(insert, "b2", "o", " ACME ")
	require.Error(t, err)
	_, err = conn.Exec(insert, "b3", "other-org", "ACME")
	require.NoError(t, err)

	var month string
	require.NoError(t, conn.QueryRow(`SELECT stage_month FROM businesses WHERE id='b1'`).Scan(&month))
	require.Empty(t, month)
}

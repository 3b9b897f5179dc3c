package repo_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/migrate"
	"journeyline/internal/repo"
)

const ts = "2025-07-01T10:00:00.000000Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return repo.Repo{DB: conn, Dialect: dialect}
}

func seedCampaign(t *testing.T, r repo.Repo, capacity int) domain.Campaign {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.InsertBusiness(ctx, nil, domain.Business{
		ID: "b1", OrgID: "org", Name: "Acme", Stage: domain.StageLead, StageEnteredAt: ts,
		Priority: "medium", Version: 1, CreatedAt: ts, UpdatedAt: ts,
	}))
	c := domain.Campaign{ID: "k1", BusinessID: "b1", Month: "2025-07", SlotCapacity: capacity, Status: "active", Version: 1, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertCampaign(ctx, nil, c))
	for i := 1; i <= capacity; i++ {
		require.NoError(t, r.InsertAssignment(ctx, nil, domain.Assignment{
			ID: fmt.Sprintf("slot-%d", i), CampaignID: "k1", SlotNo: i, Role: "creator",
			Status: domain.AssignmentActive, Version: 1, CreatedAt: ts, UpdatedAt: ts,
		}))
	}
	got, err := r.GetCampaign(ctx, nil, "org", "k1")
	require.NoError(t, err)
	return got
}

func TestDecrementCapacityIsFloored(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedCampaign(t, r, 2)

	capacity, err := r.DecrementCapacity(ctx, nil, "k1", 1, ts)
	require.NoError(t, err)
	require.Equal(t, 1, capacity)

	capacity, err = r.DecrementCapacity(ctx, nil, "k1", 1, ts)
	require.NoError(t, err)
	require.Equal(t, 1, capacity)

	_, err = r.DecrementCapacity(ctx, nil, "missing", 1, ts)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRaiseCapacityTracksActiveSlots(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedCampaign(t, r, 1)

	require.NoError(t, r.InsertAssignment(ctx, nil, domain.Assignment{
		ID: "extra", CampaignID: "k1", SlotNo: 2, Role: "creator", Status: domain.AssignmentActive, Version: 1, CreatedAt: ts, UpdatedAt: ts,
	}))
	capacity, err := r.RaiseCapacityToActive(ctx, nil, "k1", ts)
	require.NoError(t, err)
	require.Equal(t, 2, capacity)

	// Already at or above the active count: unchanged.
	capacity, err = r.RaiseCapacityToActive(ctx, nil, "k1", ts)
	require.NoError(t, err)
	require.Equal(t, 2, capacity)
}

func TestSlotCompareAndSet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertCreator(ctx, nil, domain.Creator{ID: "c1", OrgID: "org", Name: "Ana", Status: "active", CreatedAt: ts, UpdatedAt: ts}))
	seedCampaign(t, r, 1)

	slot, err := r.GetAssignment(ctx, nil, "slot-1")
	require.NoError(t, err)
	require.True(t, slot.Empty())

	ok, err := r.SetSlotCreator(ctx, nil, slot.ID, slot.Version, "c1", ts)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale version loses.
	ok, err = r.SetSlotCreator(ctx, nil, slot.ID, slot.Version, "c1", ts)
	require.NoError(t, err)
	require.False(t, ok)

	held, err := r.ActiveAssignmentsForCreator(ctx, nil, "k1", "c1")
	require.NoError(t, err)
	require.Len(t, held, 1)

	ok, err = r.SoftRemove(ctx, nil, slot.ID, held[0].Version, ts)
	require.NoError(t, err)
	require.True(t, ok)
	n, err := r.CountActiveAssignments(ctx, nil, "k1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFindCampaignsByCompoundKey(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedCampaign(t, r, 1)

	found, err := r.FindCampaigns(ctx, nil, "org", "  acme ", "2025-07")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "Acme-2025-07", found[0].Key())

	found, err = r.FindCampaigns(ctx, nil, "org", "Acm", "2025-07")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestInsertTaskIfAbsent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	task := domain.JourneyTask{
		ID: "t1", BusinessName: "Acme", CampaignMonth: "2025-07", JourneyStage: domain.StageScheduling,
		Title: "Confirm roster", Status: domain.TaskOpen, BlocksProgression: true, AutoGenerated: true,
		Priority: "high", CreatedBy: "tester", CreatedAt: ts, UpdatedAt: ts,
	}
	inserted, err := r.InsertTaskIfAbsent(ctx, nil, task)
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = r.InsertTaskIfAbsent(ctx, nil, task)
	require.NoError(t, err)
	require.False(t, inserted)

	n, err := r.CountAutoTasks(ctx, nil, "Acme", "2025-07", domain.StageScheduling)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := r.GetTask(ctx, nil, "t1")
	require.NoError(t, err)
	require.True(t, got.BlocksProgression)
	require.True(t, got.AutoGenerated)
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/audit"
	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/engine"
	"journeyline/internal/migrate"
	"journeyline/internal/repo"
)

const month = "2025-07"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func steppingClock() func() time.Time {
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	cfg := config.Default("org-test")
	cfg.Retry.BaseDelay = time.Millisecond
	eng := engine.New(conn, dialect, cfg, zerolog.Nop())
	eng.Now = steppingClock()
	eng.Audit.Now = eng.Now
	eng.Async = func(fn func()) { fn() }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) business(t *testing.T, name string, stage domain.Stage) domain.Business {
	t.Helper()
	res, err := env.Engine.CreateBusiness(env.Ctx, engine.CreateBusinessInput{Name: name, Stage: stage, Actor: "tester"})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	return res.Business
}

func (env testEnv) creator(t *testing.T, name string) string {
	t.Helper()
	c, err := env.Engine.CreateCreator(env.Ctx, engine.CreateCreatorInput{Name: name, Followers: 1000})
	require.NoError(t, err)
	return c.ID
}

func (env testEnv) campaign(t *testing.T, b domain.Business, capacity int) domain.Campaign {
	t.Helper()
	res, err := env.Engine.CreateCampaign(env.Ctx, engine.CreateCampaignInput{BusinessID: b.ID, Month: month, SlotCapacity: capacity, Status: "active"})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	return res.Campaign
}

func (env testEnv) auditCount(t *testing.T) int64 {
	t.Helper()
	n, err := env.Engine.Audit.Count(env.Ctx)
	require.NoError(t, err)
	return n
}

func (env testEnv) activeCount(t *testing.T, campaignID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountActiveAssignments(env.Ctx, nil, campaignID)
	require.NoError(t, err)
	return n
}

func TestSeedTasksIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	in := engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling, Actor: "tester"}

	first, err := env.Engine.SeedTasks(env.Ctx, in)
	require.NoError(t, err)
	require.Equal(t, 3, first.CountCreated)
	require.Len(t, first.Created, 3)

	second, err := env.Engine.SeedTasks(env.Ctx, in)
	require.NoError(t, err)
	require.Zero(t, second.CountCreated)
	require.Empty(t, second.Created)

	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilter{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
}

func TestSeedTasksConcurrentCallsSeedOnce(t *testing.T) {
	env := newTestEnv(t)
	in := engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageFinalDelivery}
	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.SeedTasks(env.Ctx, in)
			assert.NoError(t, err)
			counts[i] = res.CountCreated
		}()
	}
	wg.Wait()
	total := 0
	for _, n := range counts {
		total += n
	}
	require.Equal(t, 3, total)
}

func TestSeedTasksValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.SeedInput{
		{CampaignMonth: month, Stage: domain.StageScheduling},
		{BusinessName: "Acme", Stage: domain.StageScheduling},
		{BusinessName: "Acme", CampaignMonth: "July", Stage: domain.StageScheduling},
		{BusinessName: "Acme", CampaignMonth: month},
		{BusinessName: "Acme", CampaignMonth: month, Stage: "Nowhere"},
	}
	for _, in := range cases {
		_, err := env.Engine.SeedTasks(env.Ctx, in)
		var ve engine.ValidationError
		require.ErrorAs(t, err, &ve, "%+v", in)
	}
}

func TestSeedTasksWithoutTemplateCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SeedTasks(env.Ctx, engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageContactMade})
	require.NoError(t, err)
	require.Zero(t, res.CountCreated)
}

func TestCanProgressFollowsBlockingTasks(t *testing.T) {
	env := newTestEnv(t)
	seeded, err := env.Engine.SeedTasks(env.Ctx, engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling})
	require.NoError(t, err)
	gate := engine.GateInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling}

	res, err := env.Engine.CanProgress(env.Ctx, gate)
	require.NoError(t, err)
	require.False(t, res.CanProgress)
	require.Len(t, res.BlockingTasks, 2)

	for _, task := range seeded.Created {
		if !task.BlocksProgression {
			continue
		}
		_, err := env.Engine.SetTaskStatus(env.Ctx, task.ID, domain.TaskDone, "tester")
		require.NoError(t, err)
	}
	res, err = env.Engine.CanProgress(env.Ctx, gate)
	require.NoError(t, err)
	require.True(t, res.CanProgress)
	require.Empty(t, res.BlockingTasks)

	// Another month is a different triple.
	other, err := env.Engine.CanProgress(env.Ctx, engine.GateInput{BusinessName: "Acme", CampaignMonth: "2025-08", Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.True(t, other.CanProgress)
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	seeded, err := env.Engine.SeedTasks(env.Ctx, engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageBriefingMeeting})
	require.NoError(t, err)
	id := seeded.Created[0].ID

	res, err := env.Engine.SetTaskStatus(env.Ctx, id, domain.TaskInProgress, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.TaskInProgress, res.Task.Status)

	res, err = env.Engine.SetTaskStatus(env.Ctx, id, domain.TaskDone, "tester")
	require.NoError(t, err)
	require.NotNil(t, res.Task.CompletedAt)

	_, err = env.Engine.SetTaskStatus(env.Ctx, id, domain.TaskInProgress, "tester")
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	res, err = env.Engine.SetTaskStatus(env.Ctx, id, domain.TaskOpen, "tester")
	require.NoError(t, err)
	require.Nil(t, res.Task.CompletedAt)

	_, err = env.Engine.SetTaskStatus(env.Ctx, "missing", domain.TaskDone, "tester")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeleteTaskIsExplicitAndAudited(t *testing.T) {
	env := newTestEnv(t)
	in := engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageClosed}
	seeded, err := env.Engine.SeedTasks(env.Ctx, in)
	require.NoError(t, err)
	require.Equal(t, 1, seeded.CountCreated)

	_, err = env.Engine.DeleteTask(env.Ctx, seeded.Created[0].ID, "tester")
	require.NoError(t, err)
	page, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{EntityID: seeded.Created[0].ID, Action: domain.ActionDelete})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	_, err = env.Engine.DeleteTask(env.Ctx, seeded.Created[0].ID, "tester")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)

	// With every auto task gone the triple can be seeded again.
	again, err := env.Engine.SeedTasks(env.Ctx, in)
	require.NoError(t, err)
	require.Equal(t, 1, again.CountCreated)
}

func TestAdvanceWalksPipelineWithGating(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageProposalSent)

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageBriefingMeeting, CampaignMonth: month, Actor: "tester"})
	require.NoError(t, err)
	require.Equal(t, domain.StageBriefingMeeting, res.Business.Stage)
	require.Equal(t, domain.StageProposalSent, res.From)
	require.GreaterOrEqual(t, res.Business.StageEnteredAt, b.StageEnteredAt)

	// Entering Briefing Meeting seeded its checklist, which now blocks the exit.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageScheduling, CampaignMonth: month})
	var blocked engine.StageBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, domain.StageBriefingMeeting, blocked.Stage)
	require.Len(t, blocked.BlockingTaskIDs, 2)

	for _, id := range blocked.BlockingTaskIDs {
		_, err := env.Engine.SetTaskStatus(env.Ctx, id, domain.TaskDone, "tester")
		require.NoError(t, err)
	}
	res, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageScheduling, CampaignMonth: month})
	require.NoError(t, err)
	require.Equal(t, domain.StageScheduling, res.Business.Stage)

	gate, err := env.Engine.CanProgress(env.Ctx, engine.GateInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.False(t, gate.CanProgress)

	page, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{EntityID: b.ID, Action: domain.ActionAdvance})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
}

func TestAdvanceRejectsSkipsAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", "")
	require.Equal(t, domain.StageLead, b.Stage)

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageProposalSent})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	closed := env.business(t, "Done Deal", domain.StageClosed)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: closed.ID, TargetStage: domain.StageLead})
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: "missing", TargetStage: domain.StageContactMade})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestAdvanceExpectedStageConflict(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageLead)

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageContactMade, ExpectedStage: domain.StageLead})
	require.NoError(t, err)

	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageContactMade, ExpectedStage: domain.StageLead})
	var ce engine.ConflictError
	require.ErrorAs(t, err, &ce)
	require.True(t, engine.IsRetryable(err))
}

func TestAdvanceDefaultsToLatestCampaignMonth(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageProposalSent)
	env.campaign(t, b, 2)

	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageBriefingMeeting})
	require.NoError(t, err)
	require.Equal(t, month, res.CampaignMonth)
}

func TestAddRejectsDuplicateBooking(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 2)
	ana := env.creator(t, "Ana")

	res, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: "Acme-2025-07", CreatorID: ana})
	require.NoError(t, err)
	require.NotEmpty(t, res.AssignmentID)
	require.Equal(t, 2, res.SlotCapacity)

	_, err = env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: ana})
	var ce engine.ConflictError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, engine.ErrDuplicateAssignment)

	_, err = env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: "ghost"})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: "Acm-2025-07", CreatorID: ana})
	require.ErrorAs(t, err, &nf)
}

func TestAddFillsEmptySlotsThenGrows(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 1)

	first, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: env.creator(t, "Ana")})
	require.NoError(t, err)
	require.Equal(t, 1, first.Assignment.SlotNo)
	require.Equal(t, 1, first.SlotCapacity)

	second, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: env.creator(t, "Bia")})
	require.NoError(t, err)
	require.Equal(t, 2, second.Assignment.SlotNo)
	require.Equal(t, 2, second.SlotCapacity)
	require.Empty(t, second.Warnings)
	require.Equal(t, 2, env.activeCount(t, c.ID))
}

func TestReplaceDedupsNewCreator(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 3)
	a, b, cc, d := env.creator(t, "A"), env.creator(t, "B"), env.creator(t, "C"), env.creator(t, "D")
	for _, id := range []string{a, b, cc} {
		_, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: id})
		require.NoError(t, err)
	}
	// D already sits in a slot the declared capacity never accounted for.
	stamp := domain.FormatTime(time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, env.Engine.Repo.InsertAssignment(env.Ctx, nil, domain.Assignment{
		ID: "d-slot", CampaignID: c.ID, SlotNo: 4, CreatorID: &d, Role: "creator",
		Status: domain.AssignmentActive, Version: 1, CreatedAt: stamp, UpdatedAt: stamp,
	}))
	before, err := env.Engine.Roster(env.Ctx, c.ID, false)
	require.NoError(t, err)
	var bSlot domain.Assignment
	for _, s := range before.Slots {
		if s.Creator() == b {
			bSlot = s
		}
	}
	logBefore := env.auditCount(t)

	res, err := env.Engine.Replace(env.Ctx, engine.ReplaceInput{CampaignKey: "Acme-2025-07", OldCreatorID: b, NewCreatorID: d, Actor: "tester"})
	require.NoError(t, err)
	require.Equal(t, 1, res.DuplicatesRemovedCount)
	require.Equal(t, bSlot.ID, res.Assignment.ID)
	require.Equal(t, d, res.Assignment.Creator())
	require.Empty(t, res.Warnings)

	dSlot, err := env.Engine.Repo.GetAssignment(env.Ctx, nil, "d-slot")
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentRemoved, dSlot.Status)

	after, err := env.Engine.Roster(env.Ctx, c.ID, false)
	require.NoError(t, err)
	require.Equal(t, 3, after.Campaign.SlotCapacity)
	require.Equal(t, 3, after.Active)
	seen := map[string]int{}
	for _, s := range after.Slots {
		seen[s.Creator()]++
	}
	require.Equal(t, map[string]int{a: 1, cc: 1, d: 1}, seen)

	require.Equal(t, logBefore+2, env.auditCount(t))
	page, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{EntityType: domain.EntityAssignment, Desc: true, Limit: 2})
	require.NoError(t, err)
	actions := []string{page.Items[0].Action, page.Items[1].Action}
	require.ElementsMatch(t, []string{domain.ActionRemove, domain.ActionUpdate}, actions)
}

func TestReplaceRequiresOldAssignment(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 1)
	a, b := env.creator(t, "A"), env.creator(t, "B")

	_, err := env.Engine.Replace(env.Ctx, engine.ReplaceInput{CampaignKey: c.ID, OldCreatorID: a, NewCreatorID: b})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = env.Engine.Replace(env.Ctx, engine.ReplaceInput{CampaignKey: c.ID, OldCreatorID: a, NewCreatorID: a})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestRemoveIsFlooredAtOne(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 1)
	a := env.creator(t, "A")
	added, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: a})
	require.NoError(t, err)

	res, err := env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: "Acme-2025-07", CreatorID: a})
	require.NoError(t, err)
	require.Equal(t, 1, res.NewCapacity)
	require.Empty(t, res.Warnings)

	slot, err := env.Engine.Repo.GetAssignment(env.Ctx, nil, added.AssignmentID)
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentRemoved, slot.Status)
	require.NotNil(t, slot.RemovedAt)

	_, err = env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: c.ID, CreatorID: a})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestRemoveKeepsCapacityInStep(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 3)
	a := env.creator(t, "A")
	added, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: a})
	require.NoError(t, err)

	res, err := env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: c.ID})
	require.NoError(t, err)
	require.Equal(t, 2, res.NewCapacity)
	require.True(t, res.Removed.Empty())
	require.Equal(t, 3, res.Removed.SlotNo)

	res, err = env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: c.ID, SlotID: added.AssignmentID})
	require.NoError(t, err)
	require.Equal(t, 1, res.NewCapacity)
	require.Equal(t, 1, env.activeCount(t, c.ID))

	_, err = env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: c.ID, SlotID: added.AssignmentID})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestConcurrentRemovesDecrementOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 4)
	ids := []string{env.creator(t, "A"), env.creator(t, "B"), env.creator(t, "C"), env.creator(t, "D")}
	for _, id := range ids {
		_, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: id})
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	for _, id := range ids[:3] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: c.ID, CreatorID: id})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	view, err := env.Engine.Roster(env.Ctx, c.ID, false)
	require.NoError(t, err)
	require.Equal(t, 1, view.Active)
	require.Equal(t, 1, view.Campaign.SlotCapacity)
}

func TestAuditLogOnlyGrows(t *testing.T) {
	env := newTestEnv(t)
	var last int64
	step := func() {
		n := env.auditCount(t)
		require.GreaterOrEqual(t, n, last)
		last = n
	}
	b := env.business(t, "Acme", domain.StageProposalSent)
	step()
	c := env.campaign(t, b, 2)
	step()
	a := env.creator(t, "A")
	_, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: a})
	require.NoError(t, err)
	step()
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageBriefingMeeting})
	require.NoError(t, err)
	step()
	_, err = env.Engine.Remove(env.Ctx, engine.RemoveInput{CampaignKey: c.ID, CreatorID: a})
	require.NoError(t, err)
	step()
	_, err = env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityCampaign, Key: engine.EntityKey{ID: c.ID}})
	require.NoError(t, err)
	step()
	require.Positive(t, last)
}

// memStore is an in-memory secondary store keyed by entity id.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]map[string]string
	failWrite bool
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]map[string]string{}}
}

func (m *memStore) Name() string { return "sheet" }

func (m *memStore) ReadStatus(_ context.Context, ref engine.EntityRef) (engine.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[ref.ID]
	if !ok {
		return engine.Snapshot{}, nil
	}
	fields := map[string]string{}
	for k, v := range row {
		fields[k] = v
	}
	return engine.Snapshot{Found: true, Fields: fields}, nil
}

func (m *memStore) WriteStatus(_ context.Context, ref engine.EntityRef, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("sheet offline")
	}
	row, ok := m.rows[ref.ID]
	if !ok {
		row = map[string]string{}
		m.rows[ref.ID] = row
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

func (m *memStore) set(id, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id][field] = value
}

func TestReconcileRepairsMirrorDriftIdempotently(t *testing.T) {
	env := newTestEnv(t)
	sheet := newMemStore()
	env.Engine.Mirrors = []engine.StatusStore{sheet}
	b := env.business(t, "Acme", domain.StageLead)
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageContactMade})
	require.NoError(t, err)

	sheet.set(b.ID, "stage", string(domain.StageLead))

	res, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityBusiness, Key: engine.EntityKey{ID: b.ID}, Actor: "tester"})
	require.NoError(t, err)
	require.True(t, res.Synced)
	require.Equal(t, []string{"sheet.stage"}, res.CorrectedFields)
	require.Empty(t, res.BackfilledFields)

	snap, err := sheet.ReadStatus(env.Ctx, engine.EntityRef{ID: b.ID})
	require.NoError(t, err)
	require.Equal(t, string(domain.StageContactMade), snap.Fields["stage"])

	again, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityBusiness, Key: engine.EntityKey{ID: b.ID}})
	require.NoError(t, err)
	require.True(t, again.Synced)
	require.Empty(t, again.CorrectedFields)

	page, err := env.Engine.Audit.Query(env.Ctx, audit.Filter{EntityID: b.ID, Action: domain.ActionReconcile})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestReconcileRestoresStaleRelationalCopy(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageLead)
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageContactMade})
	require.NoError(t, err)

	// A write that bypassed the engine and left updated_at behind.
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE businesses SET stage='Lead', updated_at=? WHERE id=?`, b.UpdatedAt, b.ID)
	require.NoError(t, err)

	res, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityBusiness, Key: engine.EntityKey{Name: " acme "}})
	require.NoError(t, err)
	require.True(t, res.Synced)
	require.Equal(t, []string{"relational.stage"}, res.CorrectedFields)

	got, err := env.Engine.GetBusiness(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageContactMade, got.Stage)
}

func TestReconcileBackfillsMissingHistory(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 1)
	view, err := env.Engine.Roster(env.Ctx, c.ID, false)
	require.NoError(t, err)
	slot := view.Slots[0]

	res, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityAssignment, Key: engine.EntityKey{ID: slot.ID}})
	require.NoError(t, err)
	require.True(t, res.Synced)
	require.ElementsMatch(t, []string{"status", "creator_id"}, res.BackfilledFields)
	require.Empty(t, res.CorrectedFields)

	again, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityAssignment, Key: engine.EntityKey{ID: slot.ID}})
	require.NoError(t, err)
	require.Empty(t, again.BackfilledFields)
	require.Empty(t, again.CorrectedFields)
}

func TestReconcileReportsFailedOverwrite(t *testing.T) {
	env := newTestEnv(t)
	sheet := newMemStore()
	env.Engine.Mirrors = []engine.StatusStore{sheet}
	c := env.campaign(t, env.business(t, "Acme", ""), 2)
	sheet.set(c.ID, "slot_capacity", "7")
	sheet.failWrite = true

	res, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityCampaign, Key: engine.EntityKey{Name: "Acme", Month: month}})
	require.NoError(t, err)
	require.False(t, res.Synced)
	require.NotEmpty(t, res.Warnings)
}

func TestReconcileKeyResolution(t *testing.T) {
	env := newTestEnv(t)
	env.business(t, "Acme Brasil", "")

	_, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityBusiness, Key: engine.EntityKey{Name: "Acme"}})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityTask, Key: engine.EntityKey{Name: "anything"}})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: "invoice", Key: engine.EntityKey{ID: "x"}})
	require.ErrorAs(t, err, &ve)
}

func TestSeedTasksKeepsCaseVariantNamesApart(t *testing.T) {
	env := newTestEnv(t)
	upper, err := env.Engine.SeedTasks(env.Ctx, engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.Equal(t, 3, upper.CountCreated)

	shout, err := env.Engine.SeedTasks(env.Ctx, engine.SeedInput{BusinessName: "ACME", CampaignMonth: month, Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.Equal(t, 3, shout.CountCreated)
	for i := range shout.Created {
		require.NotEqual(t, upper.Created[i].ID, shout.Created[i].ID)
		require.Equal(t, "ACME", shout.Created[i].BusinessName)
	}

	gate, err := env.Engine.CanProgress(env.Ctx, engine.GateInput{BusinessName: "ACME", CampaignMonth: month, Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.False(t, gate.CanProgress)
	require.Len(t, gate.BlockingTasks, 2)
}

func TestCreateBusinessRejectsCaseVariantOfExistingName(t *testing.T) {
	env := newTestEnv(t)
	env.business(t, "Acme", "")

	_, err := env.Engine.CreateBusiness(env.Ctx, engine.CreateBusinessInput{Name: " ACME "})
	var ce engine.ConflictError
	require.ErrorAs(t, err, &ce)

	list, err := env.Engine.ListBusinesses(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestAdvanceGatesOnMonthStageWasEnteredUnder(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageProposalSent)
	env.campaign(t, b, 1)

	entered, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageBriefingMeeting})
	require.NoError(t, err)
	require.Equal(t, month, entered.CampaignMonth)
	require.Equal(t, month, entered.Business.StageMonth)

	// A newer campaign must not move the gate off the seeded checklist.
	_, err = env.Engine.CreateCampaign(env.Ctx, engine.CreateCampaignInput{BusinessID: b.ID, Month: "2025-08", SlotCapacity: 1})
	require.NoError(t, err)

	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageScheduling})
	var blocked engine.StageBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.BlockingTaskIDs, 2)

	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageScheduling, CampaignMonth: "2025-08"})
	require.ErrorAs(t, err, &blocked)

	got, err := env.Engine.GetBusiness(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageBriefingMeeting, got.Stage)
	require.Equal(t, month, got.StageMonth)

	for _, id := range blocked.BlockingTaskIDs {
		_, err := env.Engine.SetTaskStatus(env.Ctx, id, domain.TaskDone, "tester")
		require.NoError(t, err)
	}
	moved, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageScheduling, CampaignMonth: "2025-08"})
	require.NoError(t, err)
	require.Equal(t, "2025-08", moved.CampaignMonth)

	got, err = env.Engine.GetBusiness(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageScheduling, got.Stage)
	require.Equal(t, "2025-08", got.StageMonth)

	gate, err := env.Engine.CanProgress(env.Ctx, engine.GateInput{BusinessName: "Acme", CampaignMonth: "2025-08", Stage: domain.StageScheduling})
	require.NoError(t, err)
	require.False(t, gate.CanProgress)
}

func TestReconcileKeepsAuditValueAfterUnrelatedRowWrite(t *testing.T) {
	env := newTestEnv(t)
	c := env.campaign(t, env.business(t, "Acme", ""), 1)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE campaigns SET status='canceled' WHERE id=?`, c.ID)
	require.NoError(t, err)
	// Growing the roster rewrites the campaign row through an audited path.
	for _, name := range []string{"A", "B", "C"} {
		_, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: env.creator(t, name)})
		require.NoError(t, err)
	}

	res, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityCampaign, Key: engine.EntityKey{ID: c.ID}})
	require.NoError(t, err)
	require.True(t, res.Synced)
	require.Empty(t, res.BackfilledFields)
	require.Equal(t, []string{"relational.status"}, res.CorrectedFields)

	got, err := env.Engine.Repo.GetCampaign(env.Ctx, nil, env.Engine.OrgID, c.ID)
	require.NoError(t, err)
	require.Equal(t, "active", got.Status)
	require.Equal(t, 3, got.SlotCapacity)
}

func TestFailedAuditAppendKeepsMutationAndWarns(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageLead)
	c := env.campaign(t, b, 1)
	ana := env.creator(t, "Ana")
	logged := env.auditCount(t)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER audit_log_offline BEFORE INSERT ON audit_log
BEGIN
  SELECT RAISE(ABORT, 'audit offline');
END`)
	require.NoError(t, err)

	added, err := env.Engine.Add(env.Ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: ana})
	require.NoError(t, err)
	require.NotEmpty(t, added.Warnings)
	require.Contains(t, added.Warnings[0].Detail, "audit offline")

	advanced, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageContactMade})
	require.NoError(t, err)
	require.NotEmpty(t, advanced.Warnings)

	globex, err := env.Engine.CreateBusiness(env.Ctx, engine.CreateBusinessInput{Name: "Globex"})
	require.NoError(t, err)
	require.NotEmpty(t, globex.Warnings)
	camp, err := env.Engine.CreateCampaign(env.Ctx, engine.CreateCampaignInput{BusinessID: globex.ID, Month: month, SlotCapacity: 1})
	require.NoError(t, err)
	require.Len(t, camp.Warnings, 2)
	_, err = env.Engine.GetBusiness(env.Ctx, globex.ID)
	require.NoError(t, err)

	slot, err := env.Engine.Repo.GetAssignment(env.Ctx, nil, added.AssignmentID)
	require.NoError(t, err)
	require.Equal(t, ana, slot.Creator())
	got, err := env.Engine.GetBusiness(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageContactMade, got.Stage)
	require.Equal(t, logged, env.auditCount(t))

	_, err = env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER audit_log_offline`)
	require.NoError(t, err)
	res, err := env.Engine.Reconcile(env.Ctx, engine.ReconcileInput{EntityType: domain.EntityAssignment, Key: engine.EntityKey{ID: added.AssignmentID}})
	require.NoError(t, err)
	require.Contains(t, res.BackfilledFields, "creator_id")
	slot, err = env.Engine.Repo.GetAssignment(env.Ctx, nil, added.AssignmentID)
	require.NoError(t, err)
	require.Equal(t, ana, slot.Creator())
}

func TestExpiredDeadlineFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	b := env.business(t, "Acme", domain.StageProposalSent)
	c := env.campaign(t, b, 1)
	ana := env.creator(t, "Ana")
	logged := env.auditCount(t)

	ctx, cancel := context.WithDeadline(env.Ctx, time.Now().Add(-time.Second))
	defer cancel()
	var dep engine.DependencyError

	_, err := env.Engine.Advance(ctx, engine.AdvanceInput{BusinessID: b.ID, TargetStage: domain.StageBriefingMeeting})
	require.ErrorAs(t, err, &dep)
	require.True(t, engine.IsRetryable(err))

	_, err = env.Engine.Add(ctx, engine.AddInput{CampaignKey: c.ID, CreatorID: ana})
	require.ErrorAs(t, err, &dep)

	_, err = env.Engine.SeedTasks(ctx, engine.SeedInput{BusinessName: "Acme", CampaignMonth: month, Stage: domain.StageScheduling})
	require.ErrorAs(t, err, &dep)

	got, err := env.Engine.GetBusiness(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StageProposalSent, got.Stage)
	view, err := env.Engine.Roster(env.Ctx, c.ID, false)
	require.NoError(t, err)
	require.Len(t, view.Slots, 1)
	require.True(t, view.Slots[0].Empty())
	require.Equal(t, logged, env.auditCount(t))
}

package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/qafila/errors"
	qafilatest "github.com/teranos/qafila/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(qafilatest.CreateTestDB(t))
}

func TestCreateAndGetRoundtrip(t *testing.T) {
	store := newTestStore(t)

	j, err := New("catalog-sync", 10)
	require.NoError(t, err)
	j.SetMeta("current_step", "resource-metadata")
	require.NoError(t, store.Create(j))

	got, err := store.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, "catalog-sync", got.Type)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 10, got.Priority)
	require.Equal(t, "resource-metadata", got.Meta("current_step"))
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)
}

func TestGetMissingJobReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nope")
	require.Error(t, err)
	require.True(t, errors.IsNotFound(err))
}

func TestTryClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)

	j, _ := New("catalog-sync", 10)
	require.NoError(t, store.Create(j))

	claimed, err := store.TryClaim(j.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Second claim loses: the job is no longer pending
	claimed, err = store.TryClaim(j.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	got, err := store.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.Zero(t, got.ProgressPercent)
}

func TestClaimOrderIsPriorityThenFIFO(t *testing.T) {
	store := newTestStore(t)

	low, _ := New("catalog-sync", 50)
	require.NoError(t, store.Create(low))
	time.Sleep(5 * time.Millisecond)
	urgentFirst, _ := New("prayer-times", 1)
	require.NoError(t, store.Create(urgentFirst))
	time.Sleep(5 * time.Millisecond)
	urgentSecond, _ := New("prayer-times", 1)
	require.NoError(t, store.Create(urgentSecond))

	pending, err := store.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, urgentFirst.ID, pending[0].ID, "lower priority number goes first")
	require.Equal(t, urgentSecond.ID, pending[1].ID, "equal priority is FIFO")
	require.Equal(t, low.ID, pending[2].ID)
}

func TestUpdateProgressIsMonotone(t *testing.T) {
	store := newTestStore(t)

	j, _ := New("catalog-sync", 10)
	require.NoError(t, store.Create(j))

	require.NoError(t, store.UpdateProgress(j.ID, 45))
	require.NoError(t, store.UpdateProgress(j.ID, 20)) // stale update arrives late

	got, err := store.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, 45.0, got.ProgressPercent, "progress must never decrease within a run")
}

func TestListFiltersAndPagination(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		j, _ := New("catalog-sync", 10)
		require.NoError(t, store.Create(j))
	}
	failed, _ := New("prayer-times", 10)
	failed.MarkFailed(errors.New("upstream unreachable"))
	require.NoError(t, store.Create(failed))

	page, err := store.List(Filter{Types: []string{"catalog-sync"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	require.Equal(t, 5, page.Total)
	require.True(t, page.HasMore, "hasMore comes from the separate total count")

	page, err = store.List(Filter{Types: []string{"catalog-sync"}, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	require.False(t, page.HasMore)

	page, err = store.List(Filter{Statuses: []Status{StatusFailed}})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	require.Equal(t, failed.ID, page.Jobs[0].ID)
}

func TestFindActiveByTypeIgnoresTerminal(t *testing.T) {
	store := newTestStore(t)

	done, _ := New("catalog-sync", 10)
	done.MarkCompleted()
	require.NoError(t, store.Create(done))

	active, err := store.FindActiveByType("catalog-sync")
	require.NoError(t, err)
	require.Nil(t, active)

	queued, _ := New("catalog-sync", 10)
	require.NoError(t, store.Create(queued))

	active, err = store.FindActiveByType("catalog-sync")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, queued.ID, active.ID)
}

func TestRequeueRunningRecoversOrphans(t *testing.T) {
	store := newTestStore(t)

	j, _ := New("catalog-sync", 10)
	require.NoError(t, store.Create(j))
	_, err := store.TryClaim(j.ID)
	require.NoError(t, err)

	// Checkpoint written mid-run survives the crash
	claimed, _ := store.Get(j.ID)
	claimed.SetMeta("checkpoint", `{"stage_index":1,"items_done":4}`)
	require.NoError(t, store.Update(claimed))

	n, err := store.RequeueRunning()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, `{"stage_index":1,"items_done":4}`, got.Meta("checkpoint"))
}

func TestAuditEntriesKeepOperatorOrder(t *testing.T) {
	store := newTestStore(t)

	j, _ := New("catalog-sync", 10)
	require.NoError(t, store.Create(j))

	actions := []Action{ActionEnqueue, ActionPause, ActionResume, ActionCancel}
	for _, action := range actions {
		require.NoError(t, store.AppendAudit(&AuditEntry{
			JobID:       j.ID,
			Action:      action,
			PerformedBy: "operator",
			CreatedAt:   time.Now(),
		}))
	}

	entries, err := store.ListAudit(j.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, action := range actions {
		require.Equal(t, action, entries[i].Action)
	}
}

func TestCleanupTerminalRemovesJobsAndAudit(t *testing.T) {
	store := newTestStore(t)

	old, _ := New("catalog-sync", 10)
	old.MarkCompleted()
	past := time.Now().Add(-48 * time.Hour)
	old.UpdatedAt = past
	require.NoError(t, store.Create(old))
	require.NoError(t, store.AppendAudit(&AuditEntry{JobID: old.ID, Action: ActionEnqueue, PerformedBy: "op", CreatedAt: past}))

	fresh, _ := New("catalog-sync", 10)
	require.NoError(t, store.Create(fresh))

	n, err := store.CleanupTerminal(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.Get(old.ID)
	require.True(t, errors.IsNotFound(err))

	entries, err := store.ListAudit(old.ID)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = store.Get(fresh.ID)
	require.NoError(t, err, "non-terminal jobs survive cleanup")
}

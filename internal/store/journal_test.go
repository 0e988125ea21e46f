package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/storage/wal"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

func openJournaled(t *testing.T, path string) *Journaled {
	t.Helper()
	log, err := wal.Open(path, wal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	j := NewJournaled(NewMemory(), log)
	t.Cleanup(func() { j.Close() })
	return j
}

// reopen 模擬重啟：關閉後以同一個日誌檔與快照重建
func reopen(t *testing.T, j *Journaled, data types.SnapshotData) *Journaled {
	t.Helper()
	path := j.log.Path()
	require.NoError(t, j.Close())

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var decoded types.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	next := openJournaled(t, path)
	require.NoError(t, next.Restore(decoded))
	return next
}

// assertSameState 忽略 map 走訪順序與快照本身的欄位
func assertSameState(t *testing.T, want, got types.SnapshotData) {
	t.Helper()
	normalize := func(d types.SnapshotData) string {
		sort.Slice(d.Tasks, func(i, j int) bool { return d.Tasks[i].ID < d.Tasks[j].ID })
		sort.Slice(d.Outbox, func(i, j int) bool { return d.Outbox[i].ID < d.Outbox[j].ID })
		sort.Slice(d.RuleSets, func(i, j int) bool { return d.RuleSets[i].ID < d.RuleSets[j].ID })
		sort.Slice(d.Keys, func(i, j int) bool { return d.Keys[i].Key < d.Keys[j].Key })
		d.TakenAt = time.Time{}
		d.JournalSeq = 0
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		return string(raw)
	}
	assert.JSONEq(t, normalize(want), normalize(got))
}

func TestJournaled(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))
	})
}

func TestJournaled_ReplayWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	e := newExecutor("alice", 10)
	require.NoError(t, j.CreateExecutor(ctx, e))
	assigned := newTask("t1")
	pending := newTask("t2")
	require.NoError(t, j.CreateTask(ctx, assigned))
	require.NoError(t, j.CreateTask(ctx, pending))

	c := commitFor(assigned, e)
	c.Event.ID = ""
	require.NoError(t, j.CommitAssignment(ctx, c))

	rs := &types.RuleSet{Name: "rs", Active: true}
	require.NoError(t, j.SaveRuleSet(ctx, rs))
	ok, err := j.InsertKeyIfAbsent(ctx, "key", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, j.UpsertKPI(ctx, types.KPIRecord{Day: time.Now(), MAE: 0.25, TotalAssigned: 1}))

	before := j.Snapshot()
	require.Equal(t, uint64(7), before.JournalSeq)

	restored := reopen(t, j, types.SnapshotData{})
	assert.Equal(t, 7, restored.Replayed())

	after := restored.Snapshot()
	assert.Equal(t, uint64(7), after.JournalSeq)
	assertSameState(t, before, after)

	got, err := restored.GetExecutor(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AssignedToday)

	active, err := restored.ActiveRuleSet(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, rs.ID, active.ID)

	ok, err = restored.InsertKeyIfAbsent(ctx, "key", time.Now(), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJournaled_GeneratedIDsAreStable(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	e := newExecutor("alice", 10)
	require.NoError(t, j.CreateExecutor(ctx, e))
	e.Name = "alice-2"
	require.NoError(t, j.UpdateExecutor(ctx, e))

	events, err := j.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	restored := reopen(t, j, types.SnapshotData{})
	replayed, err := restored.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, events[0].ID, replayed[0].ID)
	assert.True(t, events[0].CreatedAt.Equal(replayed[0].CreatedAt))

	got, err := restored.GetExecutor(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice-2", got.Name)
	assert.True(t, e.UpdatedAt.Equal(got.UpdatedAt))
}

func TestJournaled_ResumesAfterCompaction(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	e := newExecutor("alice", 10)
	require.NoError(t, j.CreateExecutor(ctx, e))
	first := newTask("t1")
	require.NoError(t, j.CreateTask(ctx, first))

	snap := j.Snapshot()
	require.NoError(t, j.Compact(snap.JournalSeq))

	second := newTask("t2")
	require.NoError(t, j.CreateTask(ctx, second))
	require.NoError(t, j.CommitAssignment(ctx, commitFor(second, e)))

	restored := reopen(t, j, snap)
	assert.Equal(t, 2, restored.Replayed())

	got, err := restored.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got.Status)

	exec, err := restored.GetExecutor(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.AssignedToday)

	seqBefore := restored.Snapshot().JournalSeq
	require.NoError(t, restored.TouchTask(ctx, first.ID, time.Now()))
	assert.Equal(t, seqBefore+1, restored.Snapshot().JournalSeq)
}

func TestJournaled_SkipsEventsCoveredBySnapshot(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	e := newExecutor("alice", 10)
	require.NoError(t, j.CreateExecutor(ctx, e))
	task := newTask("t1")
	require.NoError(t, j.CreateTask(ctx, task))

	// 快照已寫出但尚未 Compact 就崩潰
	snap := j.Snapshot()

	restored := reopen(t, j, snap)
	assert.Equal(t, 0, restored.Replayed())

	counts, err := restored.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskPending])
}

func TestJournaled_EmptyLogAfterCompactionKeepsSequence(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	require.NoError(t, j.CreateExecutor(ctx, newExecutor("alice", 10)))
	require.NoError(t, j.CreateTask(ctx, newTask("t1")))
	snap := j.Snapshot()
	require.NoError(t, j.Compact(snap.JournalSeq))

	restored := reopen(t, j, snap)
	require.NoError(t, restored.CreateTask(ctx, newTask("t2")))
	assert.Equal(t, snap.JournalSeq+1, restored.Snapshot().JournalSeq)
}

func TestJournaled_DetectsGap(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	require.NoError(t, j.CreateExecutor(ctx, newExecutor("alice", 10)))
	stale := j.Snapshot()

	require.NoError(t, j.CreateTask(ctx, newTask("t1")))
	require.NoError(t, j.CreateTask(ctx, newTask("t2")))
	require.NoError(t, j.Compact(2))

	path := j.log.Path()
	require.NoError(t, j.Close())

	next := openJournaled(t, path)
	err := next.Restore(stale)
	assert.ErrorIs(t, err, ErrJournalGap)
}

func TestJournaled_NoOpMutationsAreNotJournaled(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	n, err := j.ResetDailyCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = j.PurgeKeys(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	now := time.Now()
	ok, err := j.InsertKeyIfAbsent(ctx, "k", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = j.InsertKeyIfAbsent(ctx, "k", now, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, j.DeleteKey(ctx, "other"))

	assert.ErrorIs(t, j.TouchTask(ctx, "missing", now), ErrNotFound)
	assert.Equal(t, uint64(1), j.Snapshot().JournalSeq)
}

func TestJournaled_ReplaysKeyRelease(t *testing.T) {
	ctx := context.Background()
	j := openJournaled(t, filepath.Join(t.TempDir(), "journal.log"))

	now := time.Now()
	ok, err := j.InsertKeyIfAbsent(ctx, "k", now, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, j.DeleteKey(ctx, "k"))
	require.Equal(t, uint64(2), j.Snapshot().JournalSeq)

	restored := reopen(t, j, types.SnapshotData{})
	assert.Equal(t, 2, restored.Replayed())

	ok, err = restored.InsertKeyIfAbsent(ctx, "k", now, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

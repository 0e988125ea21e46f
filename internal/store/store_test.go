package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// ============================================================================
// 共用的 Store 行為測試，Memory、Journaled 與 Postgres 都跑同一組
// ============================================================================

type storeFactory func(t *testing.T) Store

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("ExecutorLifecycle", func(t *testing.T) { testExecutorLifecycle(t, newStore(t)) })
	t.Run("DuplicateTask", func(t *testing.T) { testDuplicateTask(t, newStore(t)) })
	t.Run("CommitAssignment", func(t *testing.T) { testCommitAssignment(t, newStore(t)) })
	t.Run("CapacityGuard", func(t *testing.T) { testCapacityGuard(t, newStore(t)) })
	t.Run("ConcurrentCommits", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
	t.Run("IdempotencyKeys", func(t *testing.T) { testIdempotencyKeys(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("KPI", func(t *testing.T) { testKPI(t, newStore(t)) })
	t.Run("RuleSets", func(t *testing.T) { testRuleSets(t, newStore(t)) })
	t.Run("StalePending", func(t *testing.T) { testStalePending(t, newStore(t)) })
}

func newExecutor(name string, limit int) *types.Executor {
	return &types.Executor{
		Name:       name,
		Parameters: types.MustDocument("region", "eu", "rating", 4),
		Active:     true,
		DailyLimit: limit,
	}
}

func newTask(externalID string) *types.Task {
	return &types.Task{
		ExternalID: externalID,
		Parameters: types.MustDocument("priority", "high"),
		Weight:     1,
	}
}

func commitFor(task *types.Task, exec *types.Executor) Commit {
	a := types.Assignment{
		TaskID:     task.ID,
		ExecutorID: exec.ID,
		Score:      0.5,
		AssignedAt: time.Now().UTC(),
		Latency:    250 * time.Millisecond,
	}
	a.ID = fmt.Sprintf("asg-%s", task.ID)
	return Commit{Assignment: a, Event: AssignmentCreatedEvent(a)}
}

func testExecutorLifecycle(t *testing.T, s Store) {
	ctx := context.Background()

	a := newExecutor("alice", 10)
	require.NoError(t, s.CreateExecutor(ctx, a))
	require.NotEmpty(t, a.ID)

	b := newExecutor("bob", 10)
	b.Active = false
	require.NoError(t, s.CreateExecutor(ctx, b))

	err := s.CreateExecutor(ctx, &types.Executor{ID: a.ID, Name: "again", DailyLimit: 1})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	all, err := s.ListExecutors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListActiveExecutors(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Name)
	assert.True(t, active[0].Parameters.Lookup("region").Equal(types.String("eu")))

	b.Active = true
	b.DailyLimit = 20
	require.NoError(t, s.UpdateExecutor(ctx, b))

	got, err := s.GetExecutor(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, 20, got.DailyLimit)

	events, err := s.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventExecutorUpdated, events[0].EventType)
	assert.True(t, events[0].Payload.Lookup("executor_id").Equal(types.String(b.ID)))

	err = s.UpdateExecutor(ctx, &types.Executor{ID: "missing", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetExecutor(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDuplicateTask(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("ext-1")))
	err := s.CreateTask(ctx, newTask("ext-1"))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	counts, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskPending])
	assert.Equal(t, 0, counts[types.TaskAssigned])
}

func testCommitAssignment(t *testing.T, s Store) {
	ctx := context.Background()

	exec := newExecutor("alice", 5)
	require.NoError(t, s.CreateExecutor(ctx, exec))
	task := newTask("ext-commit")
	require.NoError(t, s.CreateTask(ctx, task))

	c := commitFor(task, exec)
	require.NoError(t, s.CommitAssignment(ctx, c))

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, gotTask.Status)

	gotExec, err := s.GetExecutor(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotExec.AssignedToday)

	events, err := s.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventAssignmentCreated, events[0].EventType)
	assert.True(t, events[0].Payload.Lookup("task_id").Equal(types.String(task.ID)))

	from := c.Assignment.AssignedAt.Add(-time.Minute)
	list, err := s.AssignmentsBetween(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, exec.ID, list[0].ExecutorID)
	assert.InDelta(t, 0.25, list[0].Latency.Seconds(), 1e-6)

	// 第二次提交同一任務必須失敗且不改動計數
	err = s.CommitAssignment(ctx, commitFor(task, exec))
	assert.ErrorIs(t, err, ErrTaskNotPending)

	gotExec, err = s.GetExecutor(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotExec.AssignedToday)

	n, err := s.ResetDailyCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	gotExec, err = s.GetExecutor(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gotExec.AssignedToday)
}

func testCapacityGuard(t *testing.T, s Store) {
	ctx := context.Background()

	exec := newExecutor("tiny", 1)
	require.NoError(t, s.CreateExecutor(ctx, exec))

	first := newTask("cap-1")
	second := newTask("cap-2")
	require.NoError(t, s.CreateTask(ctx, first))
	require.NoError(t, s.CreateTask(ctx, second))

	require.NoError(t, s.CommitAssignment(ctx, commitFor(first, exec)))
	err := s.CommitAssignment(ctx, commitFor(second, exec))
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	// 失敗的提交不得留下任何痕跡
	got, err := s.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	events, err := s.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func testConcurrentCommits(t *testing.T, s Store) {
	ctx := context.Background()

	const limit = 5
	const tasks = 20

	exec := newExecutor("contended", limit)
	require.NoError(t, s.CreateExecutor(ctx, exec))

	all := make([]*types.Task, tasks)
	for i := range all {
		all[i] = newTask(fmt.Sprintf("race-%d", i))
		require.NoError(t, s.CreateTask(ctx, all[i]))
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for _, task := range all {
		wg.Add(1)
		go func(task *types.Task) {
			defer wg.Done()
			if err := s.CommitAssignment(ctx, commitFor(task, exec)); err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrCapacityExhausted)
			}
		}(task)
	}
	wg.Wait()

	assert.Equal(t, int32(limit), succeeded.Load())
	got, err := s.GetExecutor(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, got.AssignedToday)
}

func testIdempotencyKeys(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	ttl := time.Hour

	ok, err := s.InsertKeyIfAbsent(ctx, "k1", now, ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertKeyIfAbsent(ctx, "k1", now.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// 過期後視為新鍵
	ok, err = s.InsertKeyIfAbsent(ctx, "k1", now.Add(2*ttl), ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.InsertKeyIfAbsent(ctx, "old", now.Add(-3*ttl), ttl)
	require.NoError(t, err)

	n, err := s.PurgeKeys(ctx, now.Add(-ttl))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.DeleteKey(ctx, "k1"))
	require.NoError(t, s.DeleteKey(ctx, "missing"))
	ok, err = s.InsertKeyIfAbsent(ctx, "k1", now.Add(2*ttl), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "deleted key is free again")
}

func testOutbox(t *testing.T, s Store) {
	ctx := context.Background()

	exec := newExecutor("outbox", 10)
	require.NoError(t, s.CreateExecutor(ctx, exec))
	for i := 0; i < 3; i++ {
		task := newTask(fmt.Sprintf("ob-%d", i))
		require.NoError(t, s.CreateTask(ctx, task))
		c := commitFor(task, exec)
		c.Event.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CommitAssignment(ctx, c))
	}

	events, err := s.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// 失敗的事件排到最後
	require.NoError(t, s.MarkEventFailed(ctx, events[0].ID, "boom"))
	require.NoError(t, s.MarkEventProcessed(ctx, events[1].ID, time.Now()))

	events2, err := s.UnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events2, 2)
	assert.Equal(t, events[2].ID, events2[0].ID)
	assert.Equal(t, events[0].ID, events2[1].ID)
	assert.Equal(t, 1, events2[1].Attempts)
	assert.Equal(t, "boom", events2[1].LastError)

	limited, err := s.UnprocessedEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.ErrorIs(t, s.MarkEventProcessed(ctx, "missing", time.Now()), ErrNotFound)
	assert.ErrorIs(t, s.MarkEventFailed(ctx, "missing", "x"), ErrNotFound)
}

func testKPI(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.UpsertKPI(ctx, types.KPIRecord{
			Day:           base.AddDate(0, 0, i).Add(3 * time.Hour),
			MAE:           float64(i) / 10,
			AvgLatency:    1.5,
			TotalAssigned: i * 10,
		}))
	}
	// 同一天再寫一次會覆蓋
	require.NoError(t, s.UpsertKPI(ctx, types.KPIRecord{Day: base.AddDate(0, 0, 4), MAE: 0.9, TotalAssigned: 99}))

	trend, err := s.KPITrend(ctx, 3)
	require.NoError(t, err)
	require.Len(t, trend, 3)
	assert.True(t, trend[0].Day.Equal(base.AddDate(0, 0, 2)))
	assert.True(t, trend[2].Day.Equal(base.AddDate(0, 0, 4)))
	assert.Equal(t, 99, trend[2].TotalAssigned)
	assert.InDelta(t, 0.9, trend[2].MAE, 1e-9)
}

func testRuleSets(t *testing.T, s Store) {
	ctx := context.Background()

	rs, err := s.ActiveRuleSet(ctx)
	require.NoError(t, err)
	assert.Nil(t, rs)

	w := 2.0
	older := &types.RuleSet{
		Name:      "older",
		Active:    true,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &types.RuleSet{
		Name:   "newer",
		Active: true,
		Conditions: []types.Condition{
			{Operator: types.OpEq, Field: "executor.region", Value: types.String("eu")},
		},
		Weights: []types.WeightRule{{Weight: &w}},
	}
	inactive := &types.RuleSet{Name: "off", CreatedAt: time.Now().UTC().Add(time.Hour)}

	require.NoError(t, s.SaveRuleSet(ctx, older))
	require.NoError(t, s.SaveRuleSet(ctx, newer))
	require.NoError(t, s.SaveRuleSet(ctx, inactive))

	rs, err = s.ActiveRuleSet(ctx)
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, "newer", rs.Name)
	require.Len(t, rs.Conditions, 1)
	assert.True(t, rs.Conditions[0].Value.Equal(types.String("eu")))
	assert.Equal(t, 2.0, rs.Weights[0].Multiplier())
}

func testStalePending(t *testing.T, s Store) {
	ctx := context.Background()

	a := newTask("stale-a")
	b := newTask("stale-b")
	require.NoError(t, s.CreateTask(ctx, a))
	require.NoError(t, s.CreateTask(ctx, b))

	future := time.Now().Add(time.Hour)
	stale, err := s.ListStalePendingTasks(ctx, future, 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	require.NoError(t, s.TouchTask(ctx, a.ID, future.Add(time.Minute)))
	stale, err = s.ListStalePendingTasks(ctx, future, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, b.ID, stale[0].ID)

	assert.ErrorIs(t, s.TouchTask(ctx, "missing", future), ErrNotFound)
}

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/broker"
	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/internal/rules"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type observation struct {
	executor string
	status   string
	latency  time.Duration
}

type fakeRecorder struct {
	mu   sync.Mutex
	obs  []observation
	lags []int
}

func (r *fakeRecorder) ObserveAssignment(executorID, status string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{executorID, status, latency})
}

func (r *fakeRecorder) SetQueueLag(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lags = append(r.lags, n)
}

type fixture struct {
	store    *store.Memory
	broker   *broker.Memory
	enqueuer *Enqueuer
	consumer *Consumer
	rec      *fakeRecorder
}

func newFixture(t *testing.T, assigner Assigner) *fixture {
	t.Helper()
	s := store.NewMemory()
	b := broker.NewMemory(time.Minute)
	t.Cleanup(func() { b.Close() })

	if assigner == nil {
		engine, err := rules.NewEngine(rules.DefaultCostLimit)
		require.NoError(t, err)
		assigner = matcher.New(s, engine, matcher.Config{}, nil)
	}
	rec := &fakeRecorder{}
	cfg := Config{Consumer: "test", Block: 50 * time.Millisecond, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}
	return &fixture{
		store:    s,
		broker:   b,
		enqueuer: NewEnqueuer(b, "", nil),
		consumer: NewConsumer(b, s, assigner, rec, cfg, nil),
		rec:      rec,
	}
}

func (f *fixture) addExecutor(t *testing.T, id string, limit int) {
	t.Helper()
	require.NoError(t, f.store.CreateExecutor(context.Background(), &types.Executor{
		ID: id, Name: id, Active: true, DailyLimit: limit,
	}))
}

func (f *fixture) submit(t *testing.T, externalID string) *types.Task {
	t.Helper()
	task := &types.Task{ExternalID: externalID, Weight: 1}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	_, err := f.enqueuer.Enqueue(context.Background(), task.ID, task.Weight)
	require.NoError(t, err)
	return task
}

// ============================================================================
// 單輪處理
// ============================================================================

func TestRunOnce_AssignsAndAcks(t *testing.T) {
	f := newFixture(t, nil)
	f.addExecutor(t, "A", 10)
	task := f.submit(t, "ext-1")

	res, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusAssigned, res.Outcomes[0].Status)
	assert.Equal(t, "A", res.Outcomes[0].ExecutorID)
	assert.Equal(t, 0, res.Lag)

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, got.Status)

	require.Len(t, f.rec.obs, 1)
	assert.Equal(t, observation{"A", StatusAssigned, res.Outcomes[0].Latency}, f.rec.obs[0])
	assert.Equal(t, []int{0}, f.rec.lags)
}

func TestRunOnce_RedeliveredAssignedTaskIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.addExecutor(t, "A", 10)
	task := f.submit(t, "ext-1")

	_, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)

	// 同一任務再次出現在佇列中
	_, err = f.enqueuer.Enqueue(context.Background(), task.ID, 1)
	require.NoError(t, err)

	res, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusSkipped, res.Outcomes[0].Status)

	e, err := f.store.GetExecutor(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AssignedToday)

	n, err := f.broker.Len(context.Background(), DefaultStream)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnce_NoMatchIsAcked(t *testing.T) {
	f := newFixture(t, nil)
	f.addExecutor(t, "full", 0)
	task := f.submit(t, "ext-1")

	res, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusNoMatch, res.Outcomes[0].Status)
	assert.Equal(t, 0, res.Lag)

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	require.Len(t, f.rec.obs, 1)
	assert.Equal(t, "none", f.rec.obs[0].executor)
	assert.Equal(t, StatusNoMatch, f.rec.obs[0].status)
}

func TestRunOnce_PoisonAndMissingAreAcked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.broker.Append(ctx, DefaultStream, []byte("not json"))
	require.NoError(t, err)
	_, err = f.broker.Append(ctx, DefaultStream, []byte(`{"weight":1}`))
	require.NoError(t, err)
	_, err = f.enqueuer.Enqueue(ctx, "does-not-exist", 1)
	require.NoError(t, err)

	res, err := f.consumer.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, 2, res.Count(StatusInvalid))
	assert.Equal(t, 1, res.Count(StatusSkipped))
	assert.Equal(t, 0, res.Lag)
	assert.Empty(t, f.rec.obs)
}

type failingAssigner struct{ calls atomic.Int32 }

func (f *failingAssigner) AssignTask(context.Context, *types.Task) (*types.Assignment, bool, error) {
	f.calls.Add(1)
	return nil, false, errors.New("database unavailable")
}

func TestRunOnce_UnexpectedErrorIsAcked(t *testing.T) {
	assigner := &failingAssigner{}
	f := newFixture(t, assigner)
	f.submit(t, "ext-1")

	res, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusError, res.Outcomes[0].Status)
	assert.Error(t, res.Outcomes[0].Err)
	assert.Equal(t, 0, res.Lag, "failed message must not be redelivered")

	res, err = f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, int32(1), assigner.calls.Load())
}

func TestRunOnce_EmptyBatch(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.consumer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Empty(t, f.rec.lags)
}

// ============================================================================
// 主迴圈
// ============================================================================

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	f := newFixture(t, nil)
	f.addExecutor(t, "A", 100)
	f.addExecutor(t, "B", 100)

	tasks := make([]*types.Task, 20)
	for i := range tasks {
		tasks[i] = f.submit(t, "ext-"+string(rune('a'+i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := f.store.CountTasks(context.Background())
		return err == nil && counts[types.TaskAssigned] == len(tasks)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	a, err := f.store.GetExecutor(context.Background(), "A")
	require.NoError(t, err)
	b, err := f.store.GetExecutor(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 10, a.AssignedToday)
	assert.Equal(t, 10, b.AssignedToday)
}

type flakyBroker struct {
	broker.Broker
	failures atomic.Int32
	reads    atomic.Int32
}

func (f *flakyBroker) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]broker.Message, error) {
	f.reads.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.Broker.ReadGroup(ctx, stream, group, consumer, count, block)
}

func TestRun_RetriesTransientBrokerErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.addExecutor(t, "A", 10)
	task := f.submit(t, "ext-1")

	flaky := &flakyBroker{Broker: f.broker}
	flaky.failures.Store(3)
	c := NewConsumer(flaky, f.store, f.consumer.assigner, f.rec, f.consumer.cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.store.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == types.TaskAssigned
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, flaky.reads.Load(), int32(4))

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_StopsWhenBrokerClosed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.broker.Close())

	err := f.consumer.Run(context.Background())
	assert.ErrorIs(t, err, broker.ErrClosed)
}

// ============================================================================
// 重新排隊
// ============================================================================

func TestRequeueStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := &types.Task{ExternalID: "old", Weight: 2}
	require.NoError(t, f.store.CreateTask(ctx, old))
	fresh := &types.Task{ExternalID: "fresh", Weight: 1}
	require.NoError(t, f.store.CreateTask(ctx, fresh))
	require.NoError(t, f.store.TouchTask(ctx, old.ID, time.Now().Add(-time.Hour)))

	n, err := f.enqueuer.RequeueStale(ctx, f.store, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := f.broker.ReadGroup(ctx, DefaultStream, DefaultGroup, "peek", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	qm, err := DecodeQueueMessage(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, old.ID, qm.TaskID)
	assert.Equal(t, 2, qm.Weight)

	// 已更新時間，下一輪不再排入
	n, err = f.enqueuer.RequeueStale(ctx, f.store, 10*time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

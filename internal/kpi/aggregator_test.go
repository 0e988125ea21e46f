package kpi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

// seed 以 load[i] 筆分派填入第 i 位 Executor，分派時間落在 at 當日
func seed(t *testing.T, s *store.Memory, at time.Time, latency time.Duration, load ...int) {
	t.Helper()
	ctx := context.Background()

	for i, n := range load {
		e := &types.Executor{Name: "exec", Active: true, DailyLimit: 100}
		require.NoError(t, s.CreateExecutor(ctx, e))
		for j := 0; j < n; j++ {
			task := &types.Task{ExternalID: at.Format(time.DateOnly) + "-" + e.ID + "-" + string(rune('a'+j)), Weight: 1}
			require.NoError(t, s.CreateTask(ctx, task))
			a := types.Assignment{
				TaskID:     task.ID,
				ExecutorID: e.ID,
				Score:      1,
				AssignedAt: at.Add(time.Duration(i*10+j) * time.Minute),
				Latency:    latency,
			}
			require.NoError(t, s.CommitAssignment(ctx, store.Commit{Assignment: a}))
		}
	}
}

func TestComputeDay(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, day.Add(9*time.Hour), 2*time.Second, 2, 4, 6)
	// 前一日與後一日的分派不計入
	seed(t, s, day.Add(-time.Hour), time.Minute, 5)
	seed(t, s, day.Add(24*time.Hour), time.Minute, 5)

	agg := NewAggregator(s, Config{}, nil)
	rec, ok, err := agg.ComputeDay(ctx, day.Add(13*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, day, rec.Day)
	assert.Equal(t, 12, rec.TotalAssigned)
	assert.InDelta(t, 4.0/3.0, rec.MAE, 1e-9)
	assert.InDelta(t, 2.0, rec.AvgLatency, 1e-9)

	trend, err := agg.Trend(ctx, 7)
	require.NoError(t, err)
	require.Len(t, trend, 1)
	assert.Equal(t, rec.TotalAssigned, trend[0].TotalAssigned)
}

func TestComputeDay_NoAssignmentsWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	agg := NewAggregator(s, Config{}, nil)
	_, ok, err := agg.ComputeDay(ctx, day)
	require.NoError(t, err)
	assert.False(t, ok)

	trend, err := agg.Trend(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, trend)
}

func TestComputeDay_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seed(t, s, day.Add(time.Hour), time.Second, 3, 3)

	agg := NewAggregator(s, Config{}, nil)
	first, ok, err := agg.ComputeDay(ctx, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, first.MAE)

	seed(t, s, day.Add(2*time.Hour), time.Second, 6)
	second, ok, err := agg.ComputeDay(ctx, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, second.TotalAssigned)
	assert.InDelta(t, 4.0/3.0, second.MAE, 1e-9)

	trend, err := agg.Trend(ctx, 7)
	require.NoError(t, err)
	require.Len(t, trend, 1, "recomputing a day must overwrite, not append")
	assert.Equal(t, 12, trend[0].TotalAssigned)
}

func TestTrendOrdering(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for i := 0; i < 5; i++ {
		seed(t, s, day.AddDate(0, 0, i).Add(time.Hour), time.Second, i+1)
	}

	agg := NewAggregator(s, Config{TrendDays: 3}, nil)
	for i := 4; i >= 0; i-- {
		_, ok, err := agg.ComputeDay(ctx, day.AddDate(0, 0, i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	trend, err := agg.Trend(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trend, 3)
	for i, rec := range trend {
		assert.Equal(t, day.AddDate(0, 0, i+2), rec.Day)
		assert.Equal(t, i+3, rec.TotalAssigned)
	}
}

type failingStore struct{ Store }

func (failingStore) AssignmentsBetween(context.Context, time.Time, time.Time) ([]types.Assignment, error) {
	return nil, errors.New("connection refused")
}

func TestComputeDay_StoreError(t *testing.T) {
	agg := NewAggregator(failingStore{}, Config{}, nil)
	_, ok, err := agg.ComputeDay(context.Background(), day)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "2024-03-10")
}

func TestDayStart(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	// 台北 3/11 02:00 = UTC 3/10 18:00
	assert.Equal(t, day, DayStart(time.Date(2024, 3, 11, 2, 0, 0, 0, loc)))
	assert.Equal(t, day, DayStart(day))
	assert.Equal(t, day, DayStart(day.Add(24*time.Hour-time.Nanosecond)))
}

// ============================================================================
// fairshare Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput of ingestion and assignment
//
// TestSystemThroughput:
//   - 10 executors, 500 tasks submitted directly through the Controller
//   - measure the time until every task is assigned
//   - target: >= 50 assignments/s, zero loss
//
// BenchmarkSubmit:
//   ingestion cost per task (idempotency check, store write, enqueue)
//
// Notes:
//   - results are affected by machine load; CI may be slower than local
//   - state lives under t.TempDir()
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/controller"
	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

func addExecutors(tb testing.TB, ctrl *controller.Controller, n, limit int) {
	tb.Helper()
	for i := 0; i < n; i++ {
		require.NoError(tb, ctrl.Store().CreateExecutor(context.Background(), &types.Executor{
			ID:         fmt.Sprintf("exec-%d", i),
			Name:       fmt.Sprintf("exec-%d", i),
			Active:     true,
			DailyLimit: limit,
		}))
	}
}

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	cfg := testConfig(t, t.TempDir())
	ctrl, err := controller.Build(context.Background(), cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	addExecutors(t, ctrl, 10, 100)

	const total = 500
	start := time.Now()
	for i := 0; i < total; i++ {
		_, err := ctrl.CreateTask(context.Background(), ingress.Request{
			ExternalID: fmt.Sprintf("perf-%d", i),
			Parameters: types.MustDocument("index", i),
		})
		require.NoError(t, err)
	}

	done := waitFor(func() bool { return assigned(ctrl) == total }, 30*time.Second)
	elapsed := time.Since(start)
	rate := float64(assigned(ctrl)) / elapsed.Seconds()
	t.Logf("assigned %d/%d tasks in %s (%.1f/s)", assigned(ctrl), total, elapsed, rate)

	require.True(t, done, "every task should be assigned")
	assert.GreaterOrEqual(t, rate, 50.0)

	dist, err := ctrl.Matcher().DistributionStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, total, dist.TotalAssigned)
	assert.Less(t, dist.MAE, 0.05)
}

func BenchmarkSubmit(b *testing.B) {
	cfg := testConfig(b, b.TempDir())
	ctrl, err := controller.Build(context.Background(), cfg, prometheus.NewRegistry(), nil)
	require.NoError(b, err)
	require.NoError(b, ctrl.Start())
	defer ctrl.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := ctrl.CreateTask(context.Background(), ingress.Request{
			ExternalID: fmt.Sprintf("bench-%d", i),
		})
		require.NoError(b, err)
	}
	b.StopTimer()
}

// ============================================================================
// fairshare 端到端測試
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 經由 gRPC 提交任務、驗證公平分派與重啟後的狀態恢復
//
// TestEndToEndFairnessAndRecovery:
//   - 3 個 Executor，各 40 個名額
//   - 經由 gRPC 提交 60 個任務（含重送的冪等鍵）
//   - 等待全部分派，驗證負載平均（MAE 接近 0）
//   - 停止後以同一份設定重建，計數與任務狀態不變
//
// TestJournalReplayPerformance:
//   - 寫入 2000 筆修改後不拍快照直接關閉
//   - 重新開啟並重放，目標 < 3 秒
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/config"
	"github.com/ChuLiYu/fairshare/internal/controller"
	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/internal/server"
	"github.com/ChuLiYu/fairshare/internal/storage/wal"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

func testConfig(t testing.TB, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "warn"
	cfg.Store.SnapshotPath = filepath.Join(dir, "state.snapshot.json")
	cfg.Store.JournalPath = filepath.Join(dir, "state.journal")
	cfg.Worker.Block = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

// startSystem 建立並啟動 Controller 與 gRPC 伺服器，回傳 client
func startSystem(t *testing.T, cfg *config.Config) (*controller.Controller, *server.Client, func()) {
	t.Helper()
	ctrl, err := controller.Build(context.Background(), cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := server.NewGRPCServer(server.NewServer(ctrl, ctrl.Matcher(), ctrl.Aggregator(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, g, lis) }()

	client, err := server.Dial(lis.Addr().String())
	require.NoError(t, err)

	stop := func() {
		client.Close()
		cancel()
		<-done
		ctrl.Stop()
	}
	return ctrl, client, stop
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func assigned(ctrl *controller.Controller) int {
	counts, err := ctrl.Store().CountTasks(context.Background())
	if err != nil {
		return -1
	}
	return counts[types.TaskAssigned]
}

func TestEndToEndFairnessAndRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	ctx := context.Background()

	ctrl, client, stop := startSystem(t, cfg)
	for i := 0; i < 3; i++ {
		require.NoError(t, ctrl.Store().CreateExecutor(ctx, &types.Executor{
			ID:         fmt.Sprintf("exec-%d", i),
			Name:       fmt.Sprintf("exec-%d", i),
			Parameters: types.MustDocument("region", "eu"),
			Active:     true,
			DailyLimit: 40,
		}))
	}

	const total = 60
	for i := 0; i < total; i++ {
		req := ingress.Request{
			ExternalID:     fmt.Sprintf("order-%d", i),
			Parameters:     types.MustDocument("priority", "normal"),
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		}
		_, err := client.CreateTask(ctx, req)
		require.NoError(t, err)
	}
	// 重送同一個冪等鍵不會建立新任務
	_, err := client.CreateTask(ctx, ingress.Request{ExternalID: "order-0", IdempotencyKey: "key-0"})
	require.Error(t, err)

	require.True(t, waitFor(func() bool { return assigned(ctrl) == total }, 10*time.Second),
		"all tasks should be assigned")

	dist, err := client.DistributionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, dist.TotalAssigned)
	assert.InDelta(t, 0, dist.MAE, 0.05, "load should be spread evenly")
	for _, e := range dist.Executors {
		assert.InDelta(t, total/3, e.AssignedToday, 2)
	}
	stop()

	// 重啟後由快照與日誌恢復
	ctrl2, client2, stop2 := startSystem(t, cfg)
	defer stop2()

	assert.Equal(t, total, assigned(ctrl2))
	dist2, err := client2.DistributionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, dist.TotalAssigned, dist2.TotalAssigned)
	assert.InDelta(t, dist.MAE, dist2.MAE, 1e-9)
}

func TestJournalReplayPerformance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.journal")
	ctx := context.Background()

	log, err := wal.Open(path, wal.Options{})
	require.NoError(t, err)
	s := store.NewJournaled(store.NewMemory(), log)
	require.NoError(t, s.CreateExecutor(ctx, &types.Executor{ID: "a", Name: "a", Active: true, DailyLimit: 5000}))

	const total = 2000
	for i := 0; i < total; i++ {
		task := &types.Task{ExternalID: fmt.Sprintf("t-%d", i), Parameters: types.NewDocument(), Weight: 1}
		require.NoError(t, s.CreateTask(ctx, task))
	}
	require.NoError(t, s.Close())

	start := time.Now()
	log, err = wal.Open(path, wal.Options{})
	require.NoError(t, err)
	restored := store.NewJournaled(store.NewMemory(), log)
	defer restored.Close()
	require.NoError(t, restored.Restore(types.SnapshotData{}))
	elapsed := time.Since(start)

	t.Logf("replayed %d events in %s", restored.Replayed(), elapsed)
	assert.Equal(t, total+1, restored.Replayed())
	assert.Less(t, elapsed, 3*time.Second)

	counts, err := restored.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, counts[types.TaskPending])
}

package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/matcher"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

// find 取出指定名稱且標籤完全符合的指標
func find(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	return nil
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	if len(m.GetLabel()) != len(want) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector.assignments, "assignments counter should be initialized")
	assert.NotNil(t, collector.latency, "latency histogram should be initialized")
	assert.NotNil(t, collector.mae, "mae gauge should be initialized")
	assert.NotNil(t, collector.utilization, "utilization gauge should be initialized")
	assert.NotNil(t, collector.activeExecutors, "active executors gauge should be initialized")
	assert.NotNil(t, collector.queueLag, "queue lag gauge should be initialized")
	assert.NotNil(t, collector.outboxEvents, "outbox counter should be initialized")
	assert.NotNil(t, collector.ingest, "ingest counter should be initialized")
}

func TestObserveAssignment(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.ObserveAssignment("A", "assigned", 500*time.Millisecond)
	collector.ObserveAssignment("A", "assigned", 1500*time.Millisecond)
	collector.ObserveAssignment("none", "no_match", 0)

	m := find(t, reg, "fairshare_assignments_total", map[string]string{"executor": "A", "status": "assigned"})
	require.NotNil(t, m)
	assert.Equal(t, 2.0, m.GetCounter().GetValue())

	m = find(t, reg, "fairshare_assignments_total", map[string]string{"executor": "none", "status": "no_match"})
	require.NotNil(t, m)
	assert.Equal(t, 1.0, m.GetCounter().GetValue())

	// NoMatch 不記錄延遲
	m = find(t, reg, "fairshare_assignment_latency_seconds", nil)
	require.NotNil(t, m)
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 2.0, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestSetQueueLag(t *testing.T) {
	collector, reg := newTestCollector(t)

	for _, lag := range []int{0, 10, 3} {
		collector.SetQueueLag(lag)
	}
	m := find(t, reg, "fairshare_queue_lag", nil)
	require.NotNil(t, m)
	assert.Equal(t, 3.0, m.GetGauge().GetValue())
}

func TestObserveOutboxAndIngest(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.ObserveOutbox("assignment_created", true)
	collector.ObserveOutbox("assignment_created", false)
	collector.ObserveOutbox("assignment_created", true)
	collector.ObserveIngest("new")
	collector.ObserveIngest("duplicate")

	m := find(t, reg, "fairshare_outbox_events_total", map[string]string{"event_type": "assignment_created", "result": "ok"})
	require.NotNil(t, m)
	assert.Equal(t, 2.0, m.GetCounter().GetValue())

	m = find(t, reg, "fairshare_ingest_requests_total", map[string]string{"outcome": "duplicate"})
	require.NotNil(t, m)
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
}

func TestUpdateDistribution(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.UpdateDistribution(matcher.Distribution{
		Executors: []matcher.ExecutorStat{
			{ID: "A", Utilization: 0.2},
			{ID: "B", Utilization: 0.8},
		},
		ActiveExecutors: 2,
		MAE:             0.3,
	})

	m := find(t, reg, "fairshare_executor_utilization", map[string]string{"executor": "B"})
	require.NotNil(t, m)
	assert.Equal(t, 0.8, m.GetGauge().GetValue())
	assert.Equal(t, 0.3, find(t, reg, "fairshare_mae_fairness", nil).GetGauge().GetValue())
	assert.Equal(t, 2.0, find(t, reg, "fairshare_active_executors_total", nil).GetGauge().GetValue())

	// 被移除的 Executor 不再輸出
	collector.UpdateDistribution(matcher.Distribution{
		Executors:       []matcher.ExecutorStat{{ID: "A", Utilization: 0.5}},
		ActiveExecutors: 1,
	})
	assert.Nil(t, find(t, reg, "fairshare_executor_utilization", map[string]string{"executor": "B"}))
	assert.Equal(t, 0.5, find(t, reg, "fairshare_executor_utilization", map[string]string{"executor": "A"}).GetGauge().GetValue())
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, reg := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.ObserveAssignment("A", "assigned", 100*time.Millisecond)
			collector.SetQueueLag(5)
			collector.UpdateDistribution(matcher.Distribution{
				Executors: []matcher.ExecutorStat{{ID: "A", Utilization: 0.1}},
			})
		}()
	}
	wg.Wait()

	m := find(t, reg, "fairshare_assignments_total", map[string]string{"executor": "A", "status": "assigned"})
	require.NotNil(t, m)
	assert.Equal(t, 100.0, m.GetCounter().GetValue())
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// 同一個 registry 重複註冊會 panic
	assert.Panics(t, func() {
		NewCollector(reg)
	}, "Creating a second collector on one registry should panic")

	// 不同 registry 互不影響
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.ObserveAssignment("A", "assigned", time.Second)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fairshare_assignments_total{executor="A",status="assigned"} 1`)
}

func TestStartServer(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.SetQueueLag(7)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, addr, reg, nil) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, strings.Contains(body, "fairshare_queue_lag 7"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}

// ============================================================================
// fairshare Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露分派、公平性與佇列指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - fairshare_assignments_total{executor,status}: 每批次結束後依結果累加
//        status ∈ assigned | no_match | error；未配對時 executor="none"
//      - fairshare_outbox_events_total{event_type,result}: 事件處理結果 (ok | failed)
//      - fairshare_ingest_requests_total{outcome}: new | duplicate | invalid | error
//
//   2. 分佈 (Histogram)：
//      - fairshare_assignment_latency_seconds: 任務建立到分派完成的時間
//
//   3. 狀態 (Gauge)：
//      - fairshare_mae_fairness: 目前使用率的平均絕對偏差
//      - fairshare_queue_lag: 佇列積壓
//      - fairshare_executor_utilization{executor}: assigned_today / daily_limit
//      - fairshare_active_executors_total: 啟用中的 Executor 數
//
// Prometheus 查詢示例:
//
//   # 每分鐘成功分派數
//   sum(rate(fairshare_assignments_total{status="assigned"}[1m]))
//
//   # 95 分位分派延遲
//   histogram_quantile(0.95, rate(fairshare_assignment_latency_seconds_bucket[5m]))
//
//   # 找不到可用 Executor 的比例
//   sum(rate(fairshare_assignments_total{status="no_match"}[5m]))
//     / sum(rate(fairshare_assignments_total[5m]))
//
// HTTP 端點:
//   /metrics，由 Prometheus 定期抓取，預設 :9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/fairshare/internal/matcher"
)

const namespace = "fairshare"

// Collector Prometheus 指標收集器
type Collector struct {
	// 分派相關指標
	assignments *prometheus.CounterVec
	latency     prometheus.Histogram

	// 公平性與容量
	mae             prometheus.Gauge
	utilization     *prometheus.GaugeVec
	activeExecutors prometheus.Gauge

	// 佇列
	queueLag prometheus.Gauge

	// 周邊流程
	outboxEvents *prometheus.CounterVec
	ingest       *prometheus.CounterVec

	// 上一輪出現過的 executor 標籤，用於清除已移除的 Executor
	mu        sync.Mutex
	executors map[string]struct{}
}

// NewCollector 在 reg 上註冊所有指標；reg 為 nil 時使用預設 registry
//
// 同一個 registry 只能建立一個 Collector，重複註冊會 panic。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Queue messages processed, by executor and result",
		}, []string{"executor", "status"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assignment_latency_seconds",
			Help:      "Time from task creation to assignment in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		mae: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mae_fairness",
			Help:      "Mean absolute deviation of executor utilization",
		}),
		utilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_utilization",
			Help:      "assigned_today / daily_limit per executor",
		}, []string{"executor"}),
		activeExecutors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executors_total",
			Help:      "Number of active executors",
		}),
		queueLag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_lag",
			Help:      "Messages waiting in the task stream",
		}),
		outboxEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox events dispatched, by type and result",
		}, []string{"event_type", "result"}),
		ingest: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Task submissions, by outcome",
		}, []string{"outcome"}),
		executors: make(map[string]struct{}),
	}
}

// ObserveAssignment 記錄一筆訊息的處理結果；只有成功分派才記錄延遲
func (c *Collector) ObserveAssignment(executorID, status string, latency time.Duration) {
	c.assignments.WithLabelValues(executorID, status).Inc()
	if status == "assigned" {
		c.latency.Observe(latency.Seconds())
	}
}

// SetQueueLag 設置佇列積壓
func (c *Collector) SetQueueLag(n int) {
	c.queueLag.Set(float64(n))
}

// ObserveOutbox 記錄 outbox 事件處理結果
func (c *Collector) ObserveOutbox(eventType string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.outboxEvents.WithLabelValues(eventType, result).Inc()
}

// ObserveIngest 記錄提交結果
func (c *Collector) ObserveIngest(outcome string) {
	c.ingest.WithLabelValues(outcome).Inc()
}

// UpdateDistribution 以最新的分佈統計更新公平性與容量指標
func (c *Collector) UpdateDistribution(d matcher.Distribution) {
	c.mae.Set(d.MAE)
	c.activeExecutors.Set(float64(d.ActiveExecutors))

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(d.Executors))
	for _, e := range d.Executors {
		c.utilization.WithLabelValues(e.ID).Set(e.Utilization)
		seen[e.ID] = struct{}{}
	}
	for id := range c.executors {
		if _, ok := seen[id]; !ok {
			c.utilization.DeleteLabelValues(id)
		}
	}
	c.executors = seen
}

// Handler 回傳 /metrics 的 HTTP handler；g 為 nil 時使用預設 registry
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消後關閉
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//   - g: 指標來源
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉回傳 nil
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

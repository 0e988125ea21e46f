// ============================================================================
// fairshare 控制器 - 背景循環協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組合 Ingress / Matcher / Queue Consumer / Outbox / KPI，
//       管理所有背景循環的啟動、恢復與關閉
//
// 架構設計:
//   Controller 不持有業務邏輯，只負責協調以下元件：
//   - Ingress: 建立任務（去重 → 寫入 → 排入佇列）
//   - Consumer: 從佇列取任務交給 Matcher 分派
//   - Dispatcher: 處理 outbox 事件
//   - Aggregator: 計算每日 KPI
//   - Snapshot: 記憶體儲存的快照（僅 memory 後端）
//
// 背景循環:
//   1. Consume Loop  - worker.Consumer.Run，直到停止
//   2. Outbox Loop   - 每 outbox.interval 掃描一次未處理事件
//   3. KPI Loop      - 每 kpi.interval 重算今天的 KPI
//   4. Purge Loop    - 清除過期的冪等鍵
//   5. Stats Loop    - 分佈統計 → Prometheus gauge
//   6. Requeue Loop  - 重新排入久未分派的 pending 任務
//   7. Rollover Loop - 日期切換：結算前一天 KPI 並歸零 assignedToday
//   8. Snapshot Loop - 定期寫入快照（僅 memory 後端）
//
// 恢復流程（memory 後端）:
//   1. loadSnapshot() - 從快照恢復儲存狀態
//   2. 快照若來自前一天，立即執行一次日期切換
//   3. 套用規則檔（在恢復之後，避免被快照內容覆蓋）
//   4. 重新排入所有 pending 任務（記憶體佇列的內容不在快照中）
//
// 並發安全:
//   - stopCh 通知所有 ticker 循環退出
//   - runCtx 在 Stop 時取消，讓 Consumer 結束目前批次後返回
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// 職責說明：
//   1. 啟動與恢復
//   2. 背景循環的排程
//   3. 依序關閉並釋放資源
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/fairshare/internal/broker"
	"github.com/ChuLiYu/fairshare/internal/idempotency"
	"github.com/ChuLiYu/fairshare/internal/ingress"
	"github.com/ChuLiYu/fairshare/internal/kpi"
	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/internal/metrics"
	"github.com/ChuLiYu/fairshare/internal/outbox"
	"github.com/ChuLiYu/fairshare/internal/rules"
	"github.com/ChuLiYu/fairshare/internal/snapshot"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/internal/worker"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

var ErrStopped = errors.New("controller is stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Worker           worker.Config      // 佇列消費
	Matcher          matcher.Config     // 分派重試
	Idempotency      idempotency.Config // 冪等鍵 TTL 與清除間隔
	Outbox           outbox.Config      // outbox 批次與間隔
	KPI              kpi.Config         // KPI 計算間隔
	StatsInterval    time.Duration      // 分佈統計間隔
	SnapshotInterval time.Duration      // 快照間隔
	SnapshotKeep     int                // 保留的快照備份數
	DailyReset       bool               // 是否由本行程負責日期切換
	RolloverCheck    time.Duration      // 檢查日期切換的間隔
	RuleFile         string             // 啟動時套用的規則檔（可留空）
}

// Deps 外部建立的後端；Build 依設定檔產生，測試可直接注入
type Deps struct {
	Store     store.Store
	Broker    broker.Broker
	Keys      idempotency.KeyStore // 為 nil 時使用 Store
	Engine    *rules.Engine
	Metrics   *metrics.Collector
	Snapshots *snapshot.Manager // 只對實作 store.Snapshotter 的儲存生效
	Closers   []io.Closer       // 停止時額外關閉的資源
	Logger    *slog.Logger
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	store      store.Store
	broker     broker.Broker
	engine     *rules.Engine
	matcher    *matcher.Matcher
	guard      *idempotency.Guard
	ingress    *ingress.Service
	enqueuer   *worker.Enqueuer
	consumer   *worker.Consumer
	dispatcher *outbox.Dispatcher
	aggregator *kpi.Aggregator
	metrics    *metrics.Collector
	snapshot   *snapshot.Manager
	closers    []io.Closer
	config     Config
	log        *slog.Logger

	day       time.Time          // 目前計數所屬的 UTC 日期
	now       func() time.Time   // 測試注入
	runCtx    context.Context    // 背景循環共用
	cancel    context.CancelFunc // 取消 runCtx
	stopCh    chan struct{}      // 停止訊號
	started   bool
	stopped   bool           // 標記是否已停止
	startTime time.Time      // 啟動時間（用於統計）
	loopWg    sync.WaitGroup // 等待所有循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 組合所有元件
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Store == nil || deps.Broker == nil {
		return nil, errors.New("controller requires a store and a broker")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	// 1. 規則引擎
	engine := deps.Engine
	if engine == nil {
		var err error
		if engine, err = rules.NewEngine(rules.DefaultCostLimit); err != nil {
			return nil, fmt.Errorf("failed to create rule engine: %w", err)
		}
	}

	// 2. 指標（沒有注入時使用獨立的 registry）
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NewCollector(prometheus.NewRegistry())
	}

	// 3. 冪等守衛
	keys := deps.Keys
	if keys == nil {
		keys = deps.Store
	}
	guard := idempotency.NewGuard(keys, cfg.Idempotency, log)

	// 4. 佇列兩端與分派
	cfg.Worker.ApplyDefaults()
	m := matcher.New(deps.Store, engine, cfg.Matcher, log)
	enq := worker.NewEnqueuer(deps.Broker, cfg.Worker.Stream, log)
	consumer := worker.NewConsumer(deps.Broker, deps.Store, m, rec, cfg.Worker, log)

	// 5. outbox 與 KPI
	handlers := outbox.DefaultHandlers(deps.Broker, cfg.Outbox.NotifyStream, log)
	dispatcher := outbox.NewDispatcher(deps.Store, handlers, rec, cfg.Outbox, log)
	aggregator := kpi.NewAggregator(deps.Store, cfg.KPI, log)

	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 3
	}
	if cfg.RolloverCheck <= 0 {
		cfg.RolloverCheck = time.Minute
	}
	if cfg.Idempotency.PurgeInterval <= 0 {
		cfg.Idempotency.PurgeInterval = time.Hour
	}

	snap := deps.Snapshots
	if _, ok := deps.Store.(store.Snapshotter); !ok {
		snap = nil
	}

	return &Controller{
		store:      deps.Store,
		broker:     deps.Broker,
		engine:     engine,
		matcher:    m,
		guard:      guard,
		ingress:    ingress.NewService(guard, deps.Store, enq, rec, log),
		enqueuer:   enq,
		consumer:   consumer,
		dispatcher: dispatcher,
		aggregator: aggregator,
		metrics:    rec,
		snapshot:   snap,
		closers:    deps.Closers,
		config:     cfg,
		log:        log,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot → 補做日期切換 → 套用規則檔 → 重新排入 pending 任務
//  2. 啟動階段：啟動所有背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = c.now()
	c.day = kpi.DayStart(c.startTime)
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	// 1. 恢復階段
	if c.snapshot != nil {
		c.log.Info("Starting recovery...")
		if err := c.loadSnapshot(); err != nil {
			c.cancel()
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
			return fmt.Errorf("loadSnapshot failed: %w", err)
		}
	}
	if c.config.DailyReset {
		if _, err := c.Rollover(c.runCtx); err != nil {
			c.log.Error("Rollover during startup failed", "error", err)
		}
	}
	if c.config.RuleFile != "" {
		rs, applied, err := ApplyRuleFile(c.runCtx, c.store, c.engine, c.config.RuleFile)
		if err != nil {
			c.cancel()
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
			return fmt.Errorf("failed to apply rule file: %w", err)
		}
		c.log.Info("Rule set loaded", "name", rs.Name, "id", rs.ID, "applied", applied)
	}
	if c.snapshot != nil {
		n, err := c.enqueuer.RequeueStale(c.runCtx, c.store, 0, 0)
		if err != nil {
			c.log.Error("Failed to requeue pending tasks during recovery", "error", err)
		}
		c.log.Info("Recovery completed",
			"duration", time.Since(c.startTime),
			"requeued_tasks", n)
	}

	// 2. 啟動背景循環
	c.loopWg.Add(1)
	go c.consumeLoop()

	c.startTicker("outbox", c.dispatcher.Interval(), c.sweepOutbox)
	c.startTicker("kpi", c.aggregator.Interval(), c.computeKPI)
	c.startTicker("purge", c.config.Idempotency.PurgeInterval, c.purgeKeys)
	c.startTicker("stats", c.config.StatsInterval, c.refreshStats)
	c.startTicker("requeue", c.config.Worker.RequeueInterval, c.requeueStale)
	if c.config.DailyReset {
		c.startTicker("rollover", c.config.RolloverCheck, func(ctx context.Context) {
			if _, err := c.Rollover(ctx); err != nil {
				c.log.Error("Rollover failed", "error", err)
			}
		})
	}
	if c.snapshot != nil {
		c.startTicker("snapshot", c.config.SnapshotInterval, func(context.Context) {
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		})
	}

	c.log.Info("Controller started",
		"stream", c.config.Worker.Stream,
		"group", c.config.Worker.Group,
		"consumer", c.config.Worker.Consumer)
	return nil
}

// loadSnapshot 從快照恢復記憶體儲存
//
// 沒有快照也沒有日誌紀錄時（首次啟動）不動儲存，保留呼叫端預先寫入的狀態。
// 快照若在前一天拍攝，把 day 設為快照日期，讓隨後的 Rollover 結算並歸零。
func (c *Controller) loadSnapshot() error {
	start := time.Now()

	if !c.hasRecoveryState() {
		c.log.Info("No snapshot or journal found, keeping current state", "path", c.snapshot.Path())
		return nil
	}

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	if err := c.store.(store.Snapshotter).Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	replayed := 0
	if j, ok := c.store.(*store.Journaled); ok {
		replayed = j.Replayed()
	}

	if !data.TakenAt.IsZero() {
		c.mu.Lock()
		if taken := kpi.DayStart(data.TakenAt); taken.Before(c.day) {
			c.day = taken
		}
		c.mu.Unlock()
	}

	c.log.Info("Snapshot loaded",
		"duration", time.Since(start),
		"executors", len(data.Executors),
		"tasks", len(data.Tasks),
		"taken_at", data.TakenAt,
		"journal_replayed", replayed)
	return nil
}

// hasRecoveryState 快照檔存在，或日誌中有可重放的紀錄
func (c *Controller) hasRecoveryState() bool {
	if c.snapshot.Exists() {
		return true
	}
	j, ok := c.store.(*store.Journaled)
	return ok && j.JournalSeq() > 0
}

// ============================================================================
// 背景循環
// ============================================================================

// consumeLoop 執行 Consumer 直到 runCtx 取消
func (c *Controller) consumeLoop() {
	defer c.loopWg.Done()

	if err := c.consumer.Run(c.runCtx); err != nil {
		c.log.Error("Consume loop exited", "error", err)
		return
	}
	c.log.Info("Consume loop stopped")
}

// startTicker 以固定間隔執行 fn，直到收到停止訊號
func (c *Controller) startTicker(name string, interval time.Duration, fn func(ctx context.Context)) {
	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				c.log.Debug("Loop stopped", "loop", name)
				return

			case <-ticker.C:
				// ticker 與停止訊號同時就緒時優先停止
				select {
				case <-c.stopCh:
					c.log.Debug("Loop stopped", "loop", name)
					return
				default:
				}
				fn(c.runCtx)
			}
		}
	}()
}

func (c *Controller) sweepOutbox(ctx context.Context) {
	if _, err := c.dispatcher.Sweep(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("Outbox sweep failed", "error", err)
	}
}

func (c *Controller) computeKPI(ctx context.Context) {
	if _, _, err := c.aggregator.ComputeToday(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("KPI computation failed", "error", err)
	}
}

func (c *Controller) purgeKeys(ctx context.Context) {
	if _, err := c.guard.Purge(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("Idempotency purge failed", "error", err)
	}
}

func (c *Controller) refreshStats(ctx context.Context) {
	if err := c.RefreshStats(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("Stats refresh failed", "error", err)
	}
}

func (c *Controller) requeueStale(ctx context.Context) {
	n, err := c.enqueuer.RequeueStale(ctx, c.store, c.config.Worker.RequeueAfter, c.config.Worker.RequeueLimit)
	if err != nil && ctx.Err() == nil {
		c.log.Error("Requeue failed", "error", err)
		return
	}
	if n > 0 {
		c.log.Info("Requeued stale pending tasks", "count", n)
	}
}

// RefreshStats 重新計算分佈並更新指標
func (c *Controller) RefreshStats(ctx context.Context) error {
	d, err := c.matcher.DistributionStats(ctx)
	if err != nil {
		return err
	}
	c.metrics.UpdateDistribution(d)
	return nil
}

// Rollover 日期已切換時結算前一天的 KPI 並歸零 assignedToday
//
// 回傳是否執行了切換。KPI 結算失敗不阻擋歸零。
func (c *Controller) Rollover(ctx context.Context) (bool, error) {
	today := kpi.DayStart(c.now())

	c.mu.Lock()
	previous := c.day
	if previous.IsZero() {
		c.day = today
		c.mu.Unlock()
		return false, nil
	}
	if !today.After(previous) {
		c.mu.Unlock()
		return false, nil
	}
	c.day = today
	c.mu.Unlock()

	if rec, ok, err := c.aggregator.ComputeDay(ctx, previous); err != nil {
		c.log.Error("Failed to finalize KPI", "day", previous.Format(time.DateOnly), "error", err)
	} else if ok {
		c.log.Info("KPI finalized",
			"day", previous.Format(time.DateOnly),
			"mae", rec.MAE,
			"total_assigned", rec.TotalAssigned)
	}

	n, err := c.matcher.ResetDailyCounts(ctx)
	if err != nil {
		return true, fmt.Errorf("failed to reset daily counts: %w", err)
	}
	c.log.Info("Daily counts reset", "day", today.Format(time.DateOnly), "executors", n)
	return true, nil
}

// takeSnapshot 寫入快照並保留備份
func (c *Controller) takeSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	data := c.store.(store.Snapshotter).Snapshot()
	if err := c.snapshot.WriteWithBackup(data, c.config.SnapshotKeep); err != nil {
		return err
	}
	// 快照落地後才能丟棄已涵蓋的日誌
	if cp, ok := c.store.(store.Compactor); ok {
		if err := cp.Compact(data.JournalSeq); err != nil {
			return fmt.Errorf("failed to compact journal: %w", err)
		}
	}
	c.log.Debug("Snapshot written", "path", c.snapshot.Path(), "tasks", len(data.Tasks), "journal_seq", data.JournalSeq)
	return nil
}

// ============================================================================
// 對外介面
// ============================================================================

func (c *Controller) Ingress() *ingress.Service      { return c.ingress }
func (c *Controller) Matcher() *matcher.Matcher      { return c.matcher }
func (c *Controller) Aggregator() *kpi.Aggregator    { return c.aggregator }
func (c *Controller) Store() store.Store             { return c.store }
func (c *Controller) Metrics() *metrics.Collector    { return c.metrics }
func (c *Controller) Consumer() *worker.Consumer     { return c.consumer }
func (c *Controller) Dispatcher() *outbox.Dispatcher { return c.dispatcher }

// CreateTask 經由 Ingress 建立任務
func (c *Controller) CreateTask(ctx context.Context, req ingress.Request) (ingress.Response, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ingress.Response{}, ErrStopped
	}
	return c.ingress.CreateTask(ctx, req)
}

// GetStatus 回傳系統狀態
func (c *Controller) GetStatus(ctx context.Context) (map[string]any, error) {
	counts, err := c.store.CountTasks(ctx)
	if err != nil {
		return nil, err
	}
	lag, err := c.broker.Len(ctx, c.config.Worker.Stream)
	if err != nil {
		return nil, err
	}
	d, err := c.matcher.DistributionStats(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.now().Sub(c.startTime).Round(time.Second)
	}
	day := c.day
	c.mu.Unlock()

	return map[string]any{
		"uptime":           uptime.String(),
		"day":              day.Format(time.DateOnly),
		"pending":          counts[types.TaskPending],
		"assigned":         counts[types.TaskAssigned],
		"queue_lag":        lag,
		"active_executors": d.ActiveExecutors,
		"total_assigned":   d.TotalAssigned,
		"total_capacity":   d.TotalCapacity,
		"mae":              d.MAE,
	}, nil
}

// Stop 停止 Controller
//
// 關閉順序：
//  1. 發送停止訊號並取消 runCtx（所有循環開始退出）
//  2. 等待所有循環退出；Consumer 會先處理並確認已取回的批次
//  3. 最後一次快照（持久化最終狀態）
//  4. 關閉 broker、額外資源與儲存
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	// 1. 停止訊號
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}

	// 2. 等待循環
	c.loopWg.Wait()

	// 3. 最後一次快照；未啟動時不覆蓋既有快照
	if started {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
		}
	}

	// 4. 釋放資源
	if err := c.broker.Close(); err != nil {
		c.log.Error("Failed to close broker", "error", err)
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			c.log.Error("Failed to close resource", "error", err)
		}
	}
	if err := c.store.Close(); err != nil {
		c.log.Error("Failed to close store", "error", err)
	}

	c.log.Info("Controller stopped")
}

// ============================================================================
// fairshare 配對引擎 - 依規則權重與公平度挑選 Executor
// ============================================================================
//
// Package: internal/matcher
// 文件: matcher.go
//
// 評分流程（每個候選 Executor）:
//   1. assignedToday ≥ dailyLimit 或未啟用 → 排除
//   2. 建立 {task, executor} 評估上下文
//   3. RuleSet 的條件全部成立才保留
//   4. weight   = 規則權重連乘（無規則時 1.0）
//   5. fairness = 1 − assignedToday/dailyLimit
//   6. score    = weight × fairness，取最大值；同分時先出現者勝
//
// 提交:
//   Store.CommitAssignment 以條件式更新保證 assignedToday 不超過上限。
//   若在選定之後被其他 worker 搶先用完額度，排除該 Executor 後重新評分，
//   最多 MaxCommitRetries 次。
//
// ============================================================================

package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/fairshare/internal/observability"
	"github.com/ChuLiYu/fairshare/internal/rules"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

const DefaultMaxCommitRetries = 3

// Store 配對引擎需要的儲存操作
type Store interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListExecutors(ctx context.Context) ([]types.Executor, error)
	ListActiveExecutors(ctx context.Context) ([]types.Executor, error)
	ActiveRuleSet(ctx context.Context) (*types.RuleSet, error)
	CommitAssignment(ctx context.Context, c store.Commit) error
	AssignmentsBetween(ctx context.Context, from, to time.Time) ([]types.Assignment, error)
	ResetDailyCounts(ctx context.Context) (int, error)
}

type Config struct {
	MaxCommitRetries int `yaml:"max_commit_retries"`
}

// Matcher 配對引擎
type Matcher struct {
	store  Store
	engine *rules.Engine
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

// Selection 一次評分的結果
type Selection struct {
	Executor types.Executor
	Weight   float64
	Fairness float64
	Score    float64
}

func New(s Store, engine *rules.Engine, cfg Config, log *slog.Logger) *Matcher {
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = DefaultMaxCommitRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		store:  s,
		engine: engine,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Fairness 1 − assigned/limit；limit ≤ 0 時為 0
func Fairness(assigned, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return 1 - float64(assigned)/float64(limit)
}

// Context 建立規則評估用的 {task, executor} 文件
func Context(task *types.Task, e *types.Executor) *types.Document {
	taskDoc := types.NewDocument().
		Set("id", types.String(task.ID)).
		Set("external_id", types.String(task.ExternalID)).
		Set("parameters", types.Doc(task.Parameters)).
		Set("weight", types.Number(float64(task.Weight)))

	execDoc := types.NewDocument().
		Set("id", types.String(e.ID)).
		Set("name", types.String(e.Name)).
		Set("parameters", types.Doc(e.Parameters)).
		Set("assigned_today", types.Number(float64(e.AssignedToday))).
		Set("daily_limit", types.Number(float64(e.DailyLimit)))

	return types.NewDocument().
		Set("task", types.Doc(taskDoc)).
		Set("executor", types.Doc(execDoc))
}

// Select 在候選 Executor 中挑出分數最高者
//
// 沒有可用 Executor 時回傳 ok=false 且不是錯誤。
// 規則中的未知運算子等結構性錯誤會直接回傳。
func (m *Matcher) Select(task *types.Task, candidates []types.Executor, rs *types.RuleSet) (Selection, bool, error) {
	var (
		best  Selection
		found bool
	)
	for i := range candidates {
		e := &candidates[i]
		if !e.Active || !e.HasCapacity() {
			continue
		}

		ctx := Context(task, e)
		eligible, err := m.engine.Eligible(rs, ctx)
		if err != nil {
			return Selection{}, false, fmt.Errorf("executor %s: %w", e.ID, err)
		}
		if !eligible {
			continue
		}

		weight := 1.0
		if rs != nil {
			weight, err = m.engine.CalculateWeight(rs.Weights, ctx)
			if err != nil {
				return Selection{}, false, fmt.Errorf("executor %s: %w", e.ID, err)
			}
		}

		fairness := Fairness(e.AssignedToday, e.DailyLimit)
		score := weight * fairness
		if !found || score > best.Score {
			best = Selection{Executor: *e, Weight: weight, Fairness: fairness, Score: score}
			found = true
		}
	}
	return best, found, nil
}

// Assign 選出 Executor 並原子性提交分派
//
// 回傳 matched=false 代表目前沒有可用 Executor，任務維持 pending。
// 任務已不是 pending 時回傳 store.ErrTaskNotPending。
func (m *Matcher) Assign(ctx context.Context, task *types.Task, candidates []types.Executor, rs *types.RuleSet) (*types.Assignment, bool, error) {
	ctx, span := observability.StartSpan(ctx, "matcher.assign",
		attribute.String("task.id", task.ID),
		attribute.Int("candidates", len(candidates)))
	defer span.End()

	remaining := append([]types.Executor(nil), candidates...)
	for attempt := 0; attempt <= m.cfg.MaxCommitRetries; attempt++ {
		sel, ok, err := m.Select(task, remaining, rs)
		if err != nil {
			span.RecordError(err)
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}

		now := m.now().UTC()
		a := types.Assignment{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			ExecutorID: sel.Executor.ID,
			Score:      sel.Score,
			AssignedAt: now,
			Latency:    latency(task.CreatedAt, now),
		}
		err = m.store.CommitAssignment(ctx, store.Commit{
			Assignment: a,
			Event:      store.AssignmentCreatedEvent(a),
		})
		switch {
		case err == nil:
			span.SetAttributes(
				attribute.String("executor.id", a.ExecutorID),
				attribute.Float64("score", a.Score))
			m.log.Debug("task assigned",
				"task_id", task.ID,
				"executor_id", a.ExecutorID,
				"score", a.Score,
				"weight", sel.Weight,
				"fairness", sel.Fairness)
			return &a, true, nil

		case errors.Is(err, store.ErrCapacityExhausted), errors.Is(err, store.ErrExecutorUnavailable):
			// 額度被搶先用完或剛被停用，排除後重選
			m.log.Debug("executor lost capacity race, reselecting",
				"task_id", task.ID, "executor_id", sel.Executor.ID, "attempt", attempt)
			remaining = without(remaining, sel.Executor.ID)

		default:
			span.RecordError(err)
			return nil, false, err
		}
	}
	return nil, false, nil
}

// AssignTask 讀取啟用中的 Executor 與規則集後執行 Assign
func (m *Matcher) AssignTask(ctx context.Context, task *types.Task) (*types.Assignment, bool, error) {
	executors, err := m.store.ListActiveExecutors(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list executors: %w", err)
	}
	rs, err := m.store.ActiveRuleSet(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load rule set: %w", err)
	}
	return m.Assign(ctx, task, executors, rs)
}

// ResetDailyCounts 將所有 Executor 的當日計數歸零（可重複執行）
func (m *Matcher) ResetDailyCounts(ctx context.Context) (int, error) {
	n, err := m.store.ResetDailyCounts(ctx)
	if err != nil {
		return 0, err
	}
	m.log.Info("daily counts reset", "executors", n)
	return n, nil
}

// ============================================================================
// 統計
// ============================================================================

// ExecutorStat 單一 Executor 的負載
type ExecutorStat struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Active        bool    `json:"active"`
	AssignedToday int     `json:"assigned_today"`
	DailyLimit    int     `json:"daily_limit"`
	Utilization   float64 `json:"utilization"`
}

// Distribution 整體負載分布
type Distribution struct {
	Executors       []ExecutorStat `json:"executors"`
	ActiveExecutors int            `json:"active_executors"`
	TotalAssigned   int            `json:"total_assigned"`
	TotalCapacity   int            `json:"total_capacity"`
	MeanUtilization float64        `json:"mean_utilization"`
	MAE             float64        `json:"mae"`
}

// DistributionStats 回傳每個 Executor 的使用率與啟用 Executor 間的 MAE
func (m *Matcher) DistributionStats(ctx context.Context) (Distribution, error) {
	executors, err := m.store.ListExecutors(ctx)
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to list executors: %w", err)
	}

	d := Distribution{Executors: make([]ExecutorStat, 0, len(executors))}
	utils := make([]float64, 0, len(executors))
	for _, e := range executors {
		u := e.Utilization()
		d.Executors = append(d.Executors, ExecutorStat{
			ID:            e.ID,
			Name:          e.Name,
			Active:        e.Active,
			AssignedToday: e.AssignedToday,
			DailyLimit:    e.DailyLimit,
			Utilization:   u,
		})
		if !e.Active {
			continue
		}
		d.ActiveExecutors++
		d.TotalAssigned += e.AssignedToday
		d.TotalCapacity += e.DailyLimit
		utils = append(utils, u)
	}
	d.MeanUtilization = mean(utils)
	d.MAE = MeanAbsDeviation(utils)
	return d, nil
}

// Performance 單一 Executor 在一段期間內的分派概況
type Performance struct {
	ExecutorID   string        `json:"executor_id"`
	Assignments  int           `json:"assignments"`
	AverageScore float64       `json:"average_score"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

// ExecutorPerformance 統計最近 days 天（含今天）每個 Executor 的分派數與平均分數
func (m *Matcher) ExecutorPerformance(ctx context.Context, days int) ([]Performance, error) {
	if days <= 0 {
		days = 7
	}
	now := m.now().UTC()
	y, mo, d := now.Date()
	to := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -days)

	assignments, err := m.store.AssignmentsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	type acc struct {
		n       int
		score   float64
		latency time.Duration
	}
	byExec := make(map[string]*acc)
	order := make([]string, 0)
	for _, a := range assignments {
		s, ok := byExec[a.ExecutorID]
		if !ok {
			s = &acc{}
			byExec[a.ExecutorID] = s
			order = append(order, a.ExecutorID)
		}
		s.n++
		s.score += a.Score
		s.latency += a.Latency
	}

	out := make([]Performance, 0, len(order))
	for _, id := range order {
		s := byExec[id]
		out = append(out, Performance{
			ExecutorID:   id,
			Assignments:  s.n,
			AverageScore: s.score / float64(s.n),
			AvgLatency:   s.latency / time.Duration(s.n),
		})
	}
	return out, nil
}

// MeanAbsDeviation Σ|x − mean| / n；空集合為 0
func MeanAbsDeviation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := mean(xs)
	var sum float64
	for _, x := range xs {
		sum += math.Abs(x - mu)
	}
	return sum / float64(len(xs))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func latency(created, assigned time.Time) time.Duration {
	if created.IsZero() || assigned.Before(created) {
		return 0
	}
	return assigned.Sub(created)
}

func without(executors []types.Executor, id string) []types.Executor {
	out := executors[:0]
	for _, e := range executors {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

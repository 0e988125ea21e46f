// ============================================================================
// fairshare KPI Aggregator - 每日公平性指標
// ============================================================================
//
// Package: internal/kpi
// 文件: aggregator.go
//
// 每日一筆 KPIRecord（以 UTC 日期為鍵）:
//   - total_assigned: 當日 [00:00, 24:00) 的分派數
//   - mae:            各 Executor 當日分派數相對平均值的平均絕對偏差
//   - avg_latency:    任務建立到分派完成的平均時間（秒）
//
// 同一天重複計算會覆寫同一筆紀錄；當日沒有分派時不寫入。
//
// ============================================================================

package kpi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fairshare/internal/matcher"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

const (
	DefaultInterval  = 15 * time.Minute
	DefaultTrendDays = 7
)

// Store KPI 需要的儲存操作
type Store interface {
	AssignmentsBetween(ctx context.Context, from, to time.Time) ([]types.Assignment, error)
	UpsertKPI(ctx context.Context, rec types.KPIRecord) error
	KPITrend(ctx context.Context, n int) ([]types.KPIRecord, error)
}

type Config struct {
	// Interval 重新計算當日指標的間隔
	Interval  time.Duration `yaml:"interval"`
	TrendDays int           `yaml:"trend_days"`
}

type Aggregator struct {
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

func NewAggregator(s Store, cfg Config, log *slog.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TrendDays <= 0 {
		cfg.TrendDays = DefaultTrendDays
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: s, cfg: cfg, log: log, now: time.Now}
}

// Interval 重新計算間隔
func (a *Aggregator) Interval() time.Duration { return a.cfg.Interval }

// DayStart 回傳 t 所在 UTC 日期的零點
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ComputeDay 計算並寫入 day 所在日期的指標
//
// 當日沒有分派時回傳 ok=false 且不寫入。
func (a *Aggregator) ComputeDay(ctx context.Context, day time.Time) (types.KPIRecord, bool, error) {
	from := DayStart(day)
	to := from.AddDate(0, 0, 1)

	assignments, err := a.store.AssignmentsBetween(ctx, from, to)
	if err != nil {
		return types.KPIRecord{}, false, fmt.Errorf("failed to load assignments for %s: %w", from.Format(time.DateOnly), err)
	}
	if len(assignments) == 0 {
		a.log.Debug("no assignments, skipping kpi", "day", from.Format(time.DateOnly))
		return types.KPIRecord{}, false, nil
	}

	rec := Summarize(from, assignments)
	rec.UpdatedAt = a.now().UTC()
	if err := a.store.UpsertKPI(ctx, rec); err != nil {
		return types.KPIRecord{}, false, fmt.Errorf("failed to store kpi for %s: %w", from.Format(time.DateOnly), err)
	}

	a.log.Info("kpi computed",
		"day", from.Format(time.DateOnly),
		"total_assigned", rec.TotalAssigned,
		"mae", rec.MAE,
		"avg_latency", rec.AvgLatency)
	return rec, true, nil
}

// ComputeToday 計算目前 UTC 日期的指標
func (a *Aggregator) ComputeToday(ctx context.Context) (types.KPIRecord, bool, error) {
	return a.ComputeDay(ctx, a.now())
}

// Trend 最近 n 天的紀錄，依日期遞增；n ≤ 0 時使用設定值
func (a *Aggregator) Trend(ctx context.Context, n int) ([]types.KPIRecord, error) {
	if n <= 0 {
		n = a.cfg.TrendDays
	}
	recs, err := a.store.KPITrend(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load kpi trend: %w", err)
	}
	return recs, nil
}

// Summarize 由一日的分派紀錄計算指標（不含 UpdatedAt）
func Summarize(day time.Time, assignments []types.Assignment) types.KPIRecord {
	perExecutor := make(map[string]int)
	var latency time.Duration
	for _, asg := range assignments {
		perExecutor[asg.ExecutorID]++
		latency += asg.Latency
	}

	loads := make([]float64, 0, len(perExecutor))
	for _, n := range perExecutor {
		loads = append(loads, float64(n))
	}

	rec := types.KPIRecord{
		Day:           DayStart(day),
		MAE:           matcher.MeanAbsDeviation(loads),
		TotalAssigned: len(assignments),
	}
	if len(assignments) > 0 {
		rec.AvgLatency = latency.Seconds() / float64(len(assignments))
	}
	return rec
}

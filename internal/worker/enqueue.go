// ============================================================================
// fairshare Enqueuer - 任務排入佇列與補排
// ============================================================================
//
// Package: internal/worker
// 文件: enqueue.go
//
// 職責說明：
// 1. Enqueue：任務進入流程的唯一入口，寫入 {task_id, weight, timestamp}
// 2. RequeueStale：把久未分派的 pending 任務重新排入佇列
//    （NoMatch 的任務稍後再試；遺失的 enqueue 也會被補回）
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fairshare/internal/broker"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

// PendingStore 重新排隊需要的儲存操作
type PendingStore interface {
	ListStalePendingTasks(ctx context.Context, before time.Time, limit int) ([]types.Task, error)
	TouchTask(ctx context.Context, id string, at time.Time) error
}

// Enqueuer 將任務寫入訊息流
type Enqueuer struct {
	broker broker.Broker
	stream string
	log    *slog.Logger
	now    func() time.Time
}

func NewEnqueuer(b broker.Broker, stream string, log *slog.Logger) *Enqueuer {
	if stream == "" {
		stream = DefaultStream
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enqueuer{broker: b, stream: stream, log: log, now: time.Now}
}

// Enqueue 回傳訊息 ID
func (e *Enqueuer) Enqueue(ctx context.Context, taskID string, weight int) (string, error) {
	data, err := QueueMessage{TaskID: taskID, Weight: weight, Timestamp: e.now().UTC()}.Encode()
	if err != nil {
		return "", err
	}
	id, err := e.broker.Append(ctx, e.stream, data)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	return id, nil
}

// RequeueStale 重新排入 UpdatedAt 早於 now−olderThan 的 pending 任務
//
// 排入後更新 UpdatedAt，下一輪不會重複排入同一任務。
func (e *Enqueuer) RequeueStale(ctx context.Context, s PendingStore, olderThan time.Duration, limit int) (int, error) {
	now := e.now().UTC()
	tasks, err := s.ListStalePendingTasks(ctx, now.Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	requeued := 0
	for _, t := range tasks {
		if _, err := e.Enqueue(ctx, t.ID, t.Weight); err != nil {
			return requeued, err
		}
		if err := s.TouchTask(ctx, t.ID, now); err != nil {
			e.log.Warn("failed to touch requeued task", "task_id", t.ID, "error", err)
		}
		requeued++
	}
	if requeued > 0 {
		e.log.Info("requeued stale pending tasks", "count", requeued)
	}
	return requeued, nil
}

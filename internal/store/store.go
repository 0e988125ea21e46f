// ============================================================================
// fairshare 儲存層 - 領域資料的持久化介面
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 定義 Executor / Task / RuleSet / Assignment / IdempotencyKey /
//       OutboxEvent / KPIRecord 的儲存操作與共用錯誤
//
// 實作:
//   - Memory:    單一 RWMutex 保護的 map 與狀態索引，搭配快照檔持久化
//   - Journaled: Memory + 預寫日誌，快照之間的修改在重啟後重放
//   - Postgres:  database/sql + lib/pq，分派提交為單一交易
//
// 分派提交 (CommitAssignment) 的原子性要求:
//   1. Task 必須仍為 pending（否則 ErrTaskNotPending）
//   2. Executor 必須啟用且 assignedToday < dailyLimit（否則 ErrCapacityExhausted）
//   3. 寫入 Assignment、assignedToday+1、Task → assigned、寫入 OutboxEvent
//   以上全部成功或全部不生效
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound            = errors.New("record not found")
	ErrAlreadyExists       = errors.New("record already exists")
	ErrDuplicateTask       = errors.New("task external id already exists")
	ErrTaskNotPending      = errors.New("task is not pending")
	ErrCapacityExhausted   = errors.New("executor daily capacity exhausted")
	ErrExecutorUnavailable = errors.New("executor is not active")
)

// Commit 一次分派提交的內容；Event 的 EventType 為空時不寫入 outbox
type Commit struct {
	Assignment types.Assignment
	Event      types.OutboxEvent
}

// Store 完整的儲存介面；各元件只依賴自己需要的子集
type Store interface {
	CreateExecutor(ctx context.Context, e *types.Executor) error
	UpdateExecutor(ctx context.Context, e *types.Executor) error
	GetExecutor(ctx context.Context, id string) (*types.Executor, error)
	ListExecutors(ctx context.Context) ([]types.Executor, error)
	ListActiveExecutors(ctx context.Context) ([]types.Executor, error)
	ResetDailyCounts(ctx context.Context) (int, error)

	CreateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListStalePendingTasks(ctx context.Context, before time.Time, limit int) ([]types.Task, error)
	TouchTask(ctx context.Context, id string, at time.Time) error
	CountTasks(ctx context.Context) (map[types.TaskStatus]int, error)

	SaveRuleSet(ctx context.Context, rs *types.RuleSet) error
	ActiveRuleSet(ctx context.Context) (*types.RuleSet, error)

	CommitAssignment(ctx context.Context, c Commit) error
	AssignmentsBetween(ctx context.Context, from, to time.Time) ([]types.Assignment, error)

	InsertKeyIfAbsent(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error)
	PurgeKeys(ctx context.Context, before time.Time) (int, error)
	DeleteKey(ctx context.Context, key string) error

	UnprocessedEvents(ctx context.Context, limit int) ([]types.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string, reason string) error

	UpsertKPI(ctx context.Context, rec types.KPIRecord) error
	KPITrend(ctx context.Context, n int) ([]types.KPIRecord, error)

	Close() error
}

// Snapshotter 可整體匯出與還原的儲存（memory 後端）
type Snapshotter interface {
	Snapshot() types.SnapshotData
	Restore(data types.SnapshotData) error
}

// Compactor 快照寫入後丟棄已涵蓋的日誌
type Compactor interface {
	Compact(upTo uint64) error
}

var (
	_ Store       = (*Memory)(nil)
	_ Store       = (*Postgres)(nil)
	_ Store       = (*Journaled)(nil)
	_ Snapshotter = (*Memory)(nil)
	_ Snapshotter = (*Journaled)(nil)
	_ Compactor   = (*Journaled)(nil)
)

// AssignmentCreatedEvent 建立 assignment_created outbox 事件
func AssignmentCreatedEvent(a types.Assignment) types.OutboxEvent {
	return types.OutboxEvent{
		ID:        uuid.NewString(),
		EventType: types.EventAssignmentCreated,
		Payload: types.MustDocument(
			"assignment_id", a.ID,
			"task_id", a.TaskID,
			"executor_id", a.ExecutorID,
			"score", a.Score,
			"assigned_at", a.AssignedAt.UTC().Format(time.RFC3339Nano),
		),
		CreatedAt: a.AssignedAt,
	}
}

// ExecutorUpdatedEvent 建立 executor_updated outbox 事件
func ExecutorUpdatedEvent(e types.Executor, at time.Time) types.OutboxEvent {
	return types.OutboxEvent{
		ID:        uuid.NewString(),
		EventType: types.EventExecutorUpdated,
		Payload: types.MustDocument(
			"executor_id", e.ID,
			"name", e.Name,
			"active", e.Active,
			"daily_limit", e.DailyLimit,
		),
		CreatedAt: at,
	}
}

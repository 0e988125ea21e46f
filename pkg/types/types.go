// Package types 定義了 fairshare 系統中使用的核心領域模型
package types

import (
	"time"
)

// TaskStatus 任務狀態
type TaskStatus string

// 定義任務狀態常數（pending → assigned 為單向轉換）
const (
	TaskPending  TaskStatus = "pending"  // 待分派：任務已建立，等待 Matcher 選擇執行者
	TaskAssigned TaskStatus = "assigned" // 已分派：已寫入 Assignment，不會再被分派
	TaskFailed   TaskStatus = "failed"   // 失敗：保留給外部流程標記，不參與分派
)

// Executor 執行者，擁有每日容量上限
//
// 不變式：每次成功分派後 AssignedToday ≤ DailyLimit
type Executor struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Parameters    *Document `json:"parameters"`
	Active        bool      `json:"active"`
	DailyLimit    int       `json:"daily_limit"`
	AssignedToday int       `json:"assigned_today"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Utilization 回傳當日使用率（DailyLimit ≤ 0 時為 0）
func (e Executor) Utilization() float64 {
	if e.DailyLimit <= 0 {
		return 0
	}
	return float64(e.AssignedToday) / float64(e.DailyLimit)
}

// HasCapacity 判斷是否還能接受新任務
func (e Executor) HasCapacity() bool {
	return e.AssignedToday < e.DailyLimit
}

// Task 待分派的工作單元
type Task struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id"` // 外部唯一識別碼
	Parameters *Document  `json:"parameters"`
	Weight     int        `json:"weight"`
	ParentID   string     `json:"parent_id,omitempty"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Assignment 分派紀錄（只追加，每個 Task 最多一筆）
type Assignment struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	ExecutorID string        `json:"executor_id"`
	Score      float64       `json:"score"`
	AssignedAt time.Time     `json:"assigned_at"`
	Latency    time.Duration `json:"latency"` // 任務建立到分派完成的時間
}

// IdempotencyKey 去重鍵
type IdempotencyKey struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// KPIRecord 每日公平性指標，以 Day（UTC 零點）為唯一鍵
type KPIRecord struct {
	Day           time.Time `json:"day"`
	MAE           float64   `json:"mae"`
	AvgLatency    float64   `json:"avg_latency"` // 秒
	TotalAssigned int       `json:"total_assigned"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SnapshotSchemaVersion 目前的快照資料結構版本
const SnapshotSchemaVersion = 1

// SnapshotData 快照資料，用於記憶體儲存的持久化和恢復
type SnapshotData struct {
	Executors   []Executor       `json:"executors"`
	Tasks       []Task           `json:"tasks"`
	Assignments []Assignment     `json:"assignments"`
	RuleSets    []RuleSet        `json:"rule_sets"`
	Outbox      []OutboxEvent    `json:"outbox"`
	KPIs        []KPIRecord      `json:"kpis"`
	Keys        []IdempotencyKey `json:"idempotency_keys"`
	SchemaVer   int              `json:"schema_ver"` // 資料結構版本號，用於向後相容性
	TakenAt     time.Time        `json:"taken_at"`
	JournalSeq  uint64           `json:"journal_seq,omitempty"` // 快照已涵蓋的最後一筆日誌序號
}

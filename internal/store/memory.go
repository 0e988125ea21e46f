// ============================================================================
// fairshare 記憶體儲存 - 單機模式與測試用的完整 Store 實作
// ============================================================================
//
// Package: internal/store
// 文件: memory.go
//
// 設計理念:
//   1. 各實體以 map 為單一真實來源 (Single Source of Truth)
//   2. 輔助索引：externalID → taskID、taskID → assignmentID、pending 集合
//   3. 單一 sync.RWMutex 保護所有資料，CommitAssignment 在寫鎖內完成
//      檢查與修改，等同資料庫交易
//
// 快照支持:
//   - Snapshot() 序列化所有實體
//   - Restore() 從快照重建 map 與索引
//
// 讀取回傳副本，呼叫端修改不會影響內部狀態。
//
// ============================================================================

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// SnapshotSchemaVersion 記憶體快照的資料結構版本
const SnapshotSchemaVersion = types.SnapshotSchemaVersion

// Memory 記憶體儲存
type Memory struct {
	mu          sync.RWMutex
	executors   map[string]*types.Executor
	tasks       map[string]*types.Task
	byExternal  map[string]string   // externalID → taskID
	pending     map[string]struct{} // pending 任務索引
	assignments []types.Assignment  // 只追加
	byTask      map[string]string   // taskID → assignmentID
	ruleSets    map[string]*types.RuleSet
	keys        map[string]time.Time
	outbox      map[string]*types.OutboxEvent
	kpis        map[string]types.KPIRecord // day (2006-01-02) → record

	now   func() time.Time
	newID func() string
}

// NewMemory 建立空的記憶體儲存
func NewMemory() *Memory {
	m := &Memory{now: time.Now, newID: uuid.NewString}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.executors = make(map[string]*types.Executor)
	m.tasks = make(map[string]*types.Task)
	m.byExternal = make(map[string]string)
	m.pending = make(map[string]struct{})
	m.assignments = make([]types.Assignment, 0)
	m.byTask = make(map[string]string)
	m.ruleSets = make(map[string]*types.RuleSet)
	m.keys = make(map[string]time.Time)
	m.outbox = make(map[string]*types.OutboxEvent)
	m.kpis = make(map[string]types.KPIRecord)
}

func (m *Memory) Close() error { return nil }

// ============================================================================
// Executor
// ============================================================================

func (m *Memory) CreateExecutor(_ context.Context, e *types.Executor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = m.newID()
	}
	if _, exists := m.executors[e.ID]; exists {
		return fmt.Errorf("executor %s: %w", e.ID, ErrAlreadyExists)
	}
	now := m.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	m.executors[e.ID] = cloneExecutor(e)
	return nil
}

// UpdateExecutor 更新名稱、參數、啟用狀態與上限，並寫入 executor_updated 事件
//
// assignedToday 只由 CommitAssignment / ResetDailyCounts 修改
func (m *Memory) UpdateExecutor(_ context.Context, e *types.Executor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.executors[e.ID]
	if !ok {
		return fmt.Errorf("executor %s: %w", e.ID, ErrNotFound)
	}
	now := m.now().UTC()
	cur.Name = e.Name
	cur.Parameters = e.Parameters.Clone()
	cur.Active = e.Active
	cur.DailyLimit = e.DailyLimit
	cur.UpdatedAt = now

	ev := ExecutorUpdatedEvent(*cur, now)
	ev.ID = m.newID()
	m.outbox[ev.ID] = &ev

	*e = *cloneExecutor(cur)
	return nil
}

func (m *Memory) GetExecutor(_ context.Context, id string) (*types.Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executors[id]
	if !ok {
		return nil, fmt.Errorf("executor %s: %w", id, ErrNotFound)
	}
	return cloneExecutor(e), nil
}

func (m *Memory) ListExecutors(_ context.Context) ([]types.Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExecutors(false), nil
}

func (m *Memory) ListActiveExecutors(_ context.Context) ([]types.Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExecutors(true), nil
}

// listExecutors 依建立時間、ID 排序，與 Postgres 的 ORDER BY 一致
func (m *Memory) listExecutors(activeOnly bool) []types.Executor {
	out := make([]types.Executor, 0, len(m.executors))
	for _, e := range m.executors {
		if activeOnly && !e.Active {
			continue
		}
		out = append(out, *cloneExecutor(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ResetDailyCounts(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reset := 0
	now := m.now().UTC()
	for _, e := range m.executors {
		if e.AssignedToday != 0 {
			e.AssignedToday = 0
			e.UpdatedAt = now
			reset++
		}
	}
	return reset, nil
}

// ============================================================================
// Task
// ============================================================================

func (m *Memory) CreateTask(_ context.Context, t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byExternal[t.ExternalID]; exists {
		return fmt.Errorf("external id %s: %w", t.ExternalID, ErrDuplicateTask)
	}
	if t.ID == "" {
		t.ID = m.newID()
	}
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	now := m.now().UTC()
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	m.tasks[t.ID] = cloneTask(t)
	m.byExternal[t.ExternalID] = t.ID
	if t.Status == types.TaskPending {
		m.pending[t.ID] = struct{}{}
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return cloneTask(t), nil
}

// ListStalePendingTasks 回傳 UpdatedAt 早於 before 的 pending 任務（依建立時間排序）
func (m *Memory) ListStalePendingTasks(_ context.Context, before time.Time, limit int) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Task, 0)
	for id := range m.pending {
		t := m.tasks[id]
		if t.UpdatedAt.Before(before) {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TouchTask(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	t.UpdatedAt = at.UTC()
	return nil
}

func (m *Memory) CountTasks(_ context.Context) (map[types.TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[types.TaskStatus]int{
		types.TaskPending:  0,
		types.TaskAssigned: 0,
		types.TaskFailed:   0,
	}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// ============================================================================
// RuleSet
// ============================================================================

func (m *Memory) SaveRuleSet(_ context.Context, rs *types.RuleSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rs.ID == "" {
		rs.ID = m.newID()
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = m.now().UTC()
	}
	cp := *rs
	m.ruleSets[rs.ID] = &cp
	return nil
}

// ActiveRuleSet 回傳最新建立的啟用規則集；沒有時回傳 nil, nil
func (m *Memory) ActiveRuleSet(_ context.Context) (*types.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *types.RuleSet
	for _, rs := range m.ruleSets {
		if !rs.Active {
			continue
		}
		if latest == nil || rs.CreatedAt.After(latest.CreatedAt) ||
			(rs.CreatedAt.Equal(latest.CreatedAt) && rs.ID > latest.ID) {
			latest = rs
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// ============================================================================
// Assignment
// ============================================================================

// CommitAssignment 在寫鎖內完成檢查與所有修改
func (m *Memory) CommitAssignment(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := c.Assignment
	t, ok := m.tasks[a.TaskID]
	if !ok {
		return fmt.Errorf("task %s: %w", a.TaskID, ErrNotFound)
	}
	if t.Status != types.TaskPending {
		return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, ErrTaskNotPending)
	}
	if _, dup := m.byTask[t.ID]; dup {
		return fmt.Errorf("task %s already has an assignment: %w", t.ID, ErrTaskNotPending)
	}

	e, ok := m.executors[a.ExecutorID]
	if !ok {
		return fmt.Errorf("executor %s: %w", a.ExecutorID, ErrNotFound)
	}
	if !e.Active {
		return fmt.Errorf("executor %s: %w", e.ID, ErrExecutorUnavailable)
	}
	if !e.HasCapacity() {
		return fmt.Errorf("executor %s at %d/%d: %w", e.ID, e.AssignedToday, e.DailyLimit, ErrCapacityExhausted)
	}

	if a.ID == "" {
		a.ID = m.newID()
	}
	now := m.now().UTC()

	e.AssignedToday++
	e.UpdatedAt = now
	t.Status = types.TaskAssigned
	t.UpdatedAt = now
	delete(m.pending, t.ID)
	m.assignments = append(m.assignments, a)
	m.byTask[t.ID] = a.ID

	if ev := c.Event; ev.EventType != "" {
		if ev.ID == "" {
			ev.ID = m.newID()
		}
		m.outbox[ev.ID] = &ev
	}
	return nil
}

// AssignmentsBetween 回傳 assignedAt ∈ [from, to) 的分派紀錄
func (m *Memory) AssignmentsBetween(_ context.Context, from, to time.Time) ([]types.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Assignment, 0)
	for _, a := range m.assignments {
		if !a.AssignedAt.Before(from) && a.AssignedAt.Before(to) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ============================================================================
// IdempotencyKey
// ============================================================================

// InsertKeyIfAbsent 單次加鎖完成檢查與寫入；過期的鍵視為不存在
func (m *Memory) InsertKeyIfAbsent(_ context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if created, ok := m.keys[key]; ok && now.Sub(created) < ttl {
		return false, nil
	}
	m.keys[key] = now
	return true, nil
}

// DeleteKey 釋放鍵；鍵不存在時不是錯誤
func (m *Memory) DeleteKey(_ context.Context, key string) error {
	m.removeKey(key)
	return nil
}

func (m *Memory) removeKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key]; !ok {
		return false
	}
	delete(m.keys, key)
	return true
}

func (m *Memory) PurgeKeys(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for k, created := range m.keys {
		if created.Before(before) {
			delete(m.keys, k)
			purged++
		}
	}
	return purged, nil
}

// ============================================================================
// Outbox
// ============================================================================

// UnprocessedEvents 依 attempts、建立時間排序，失敗過的事件排在後面
func (m *Memory) UnprocessedEvents(_ context.Context, limit int) ([]types.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.OutboxEvent, 0)
	for _, ev := range m.outbox {
		if !ev.Processed {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts < out[j].Attempts
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkEventProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.outbox[id]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	at = at.UTC()
	ev.Processed = true
	ev.ProcessedAt = &at
	ev.LastError = ""
	return nil
}

func (m *Memory) MarkEventFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.outbox[id]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	ev.Attempts++
	ev.LastError = reason
	return nil
}

// ============================================================================
// KPI
// ============================================================================

func (m *Memory) UpsertKPI(_ context.Context, rec types.KPIRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Day = dayOf(rec.Day)
	rec.UpdatedAt = m.now().UTC()
	m.kpis[rec.Day.Format(time.DateOnly)] = rec
	return nil
}

// KPITrend 回傳最近 n 天的紀錄，依日期遞增
func (m *Memory) KPITrend(_ context.Context, n int) ([]types.KPIRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.KPIRecord, 0, len(m.kpis))
	for _, rec := range m.kpis {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot 匯出完整狀態
func (m *Memory) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := types.SnapshotData{
		Executors:   m.listExecutors(false),
		Tasks:       make([]types.Task, 0, len(m.tasks)),
		Assignments: append([]types.Assignment(nil), m.assignments...),
		RuleSets:    make([]types.RuleSet, 0, len(m.ruleSets)),
		Outbox:      make([]types.OutboxEvent, 0, len(m.outbox)),
		KPIs:        make([]types.KPIRecord, 0, len(m.kpis)),
		Keys:        make([]types.IdempotencyKey, 0, len(m.keys)),
		SchemaVer:   SnapshotSchemaVersion,
		TakenAt:     m.now().UTC(),
	}
	for _, t := range m.tasks {
		data.Tasks = append(data.Tasks, *cloneTask(t))
	}
	for _, rs := range m.ruleSets {
		data.RuleSets = append(data.RuleSets, *rs)
	}
	for _, ev := range m.outbox {
		data.Outbox = append(data.Outbox, *ev)
	}
	for _, rec := range m.kpis {
		data.KPIs = append(data.KPIs, rec)
	}
	for k, created := range m.keys {
		data.Keys = append(data.Keys, types.IdempotencyKey{Key: k, CreatedAt: created})
	}
	return data
}

// Restore 以快照內容取代目前狀態並重建索引
func (m *Memory) Restore(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	for i := range data.Executors {
		e := data.Executors[i]
		m.executors[e.ID] = cloneExecutor(&e)
	}
	for i := range data.Tasks {
		t := data.Tasks[i]
		if _, dup := m.byExternal[t.ExternalID]; dup {
			return fmt.Errorf("restore: external id %s: %w", t.ExternalID, ErrDuplicateTask)
		}
		m.tasks[t.ID] = cloneTask(&t)
		m.byExternal[t.ExternalID] = t.ID
		if t.Status == types.TaskPending {
			m.pending[t.ID] = struct{}{}
		}
	}
	for _, a := range data.Assignments {
		m.assignments = append(m.assignments, a)
		m.byTask[a.TaskID] = a.ID
	}
	for i := range data.RuleSets {
		rs := data.RuleSets[i]
		m.ruleSets[rs.ID] = &rs
	}
	for i := range data.Outbox {
		ev := data.Outbox[i]
		m.outbox[ev.ID] = &ev
	}
	for _, rec := range data.KPIs {
		m.kpis[dayOf(rec.Day).Format(time.DateOnly)] = rec
	}
	for _, k := range data.Keys {
		m.keys[k.Key] = k.CreatedAt
	}
	return nil
}

// ============================================================================
// 工具函式
// ============================================================================

func cloneExecutor(e *types.Executor) *types.Executor {
	cp := *e
	cp.Parameters = e.Parameters.Clone()
	return &cp
}

func cloneTask(t *types.Task) *types.Task {
	cp := *t
	cp.Parameters = t.Parameters.Clone()
	return &cp
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

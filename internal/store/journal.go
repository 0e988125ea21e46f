// ============================================================================
// fairshare 日誌化記憶體儲存
// ============================================================================
//
// Package: internal/store
// 文件: journal.go
//
// 職責說明：
// 1. Journaled：在 Memory 之上，每次成功的修改都寫入 WAL
// 2. Restore：套用快照後重放序號大於 JournalSeq 的日誌
// 3. Snapshot：在同一把鎖內取得狀態與最後序號，兩者一致
//
// 重放的確定性：
//   修改期間 Memory 的時鐘與 ID 產生器由 Journaled 提供；
//   記錄時保存當下的時間與產生的 ID，重放時依序回填。
//
// ============================================================================

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fairshare/internal/storage/wal"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

var (
	ErrJournalGap       = errors.New("journal does not continue from the snapshot")
	ErrUnknownJournalOp = errors.New("unknown journal operation")
)

const (
	opCreateExecutor   wal.EventType = "executor.create"
	opUpdateExecutor   wal.EventType = "executor.update"
	opResetDaily       wal.EventType = "executor.reset_daily"
	opCreateTask       wal.EventType = "task.create"
	opTouchTask        wal.EventType = "task.touch"
	opSaveRuleSet      wal.EventType = "ruleset.save"
	opCommitAssignment wal.EventType = "assignment.commit"
	opInsertKey        wal.EventType = "key.insert"
	opPurgeKeys        wal.EventType = "key.purge"
	opDeleteKey        wal.EventType = "key.delete"
	opEventProcessed   wal.EventType = "outbox.processed"
	opEventFailed      wal.EventType = "outbox.failed"
	opUpsertKPI        wal.EventType = "kpi.upsert"
)

// entry 日誌事件的 data
type entry struct {
	At   time.Time       `json:"at"`
	IDs  []string        `json:"ids,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

type touchArgs struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

type keyArgs struct {
	Key string        `json:"key"`
	Now time.Time     `json:"now"`
	TTL time.Duration `json:"ttl"`
}

type purgeArgs struct {
	Before time.Time `json:"before"`
}

type eventArgs struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type commitArgs struct {
	Assignment types.Assignment  `json:"assignment"`
	Event      types.OutboxEvent `json:"event"`
}

// Journaled 帶預寫日誌的記憶體儲存
//
// 所有修改在 mu 內依序完成「套用 → 寫日誌」，日誌順序即套用順序。
// 讀取直接走內嵌的 Memory。
type Journaled struct {
	*Memory
	log *wal.WAL

	mu        sync.Mutex
	at        time.Time
	ids       []string // 記錄模式：本次修改產生的 ID
	queue     []string // 重放模式：待回填的 ID
	replaying bool
	replayed  int
}

// NewJournaled 以 log 包裝 m；m 之後只應透過回傳值修改
func NewJournaled(m *Memory, log *wal.WAL) *Journaled {
	j := &Journaled{Memory: m, log: log}
	m.now = j.clock
	m.newID = j.nextID
	return j
}

// clock 與 nextID 只在持有 j.mu 時被 Memory 呼叫
func (j *Journaled) clock() time.Time {
	if j.at.IsZero() {
		return time.Now()
	}
	return j.at
}

func (j *Journaled) nextID() string {
	if j.replaying && len(j.queue) > 0 {
		id := j.queue[0]
		j.queue = j.queue[1:]
		return id
	}
	id := uuid.NewString()
	if !j.replaying {
		j.ids = append(j.ids, id)
	}
	return id
}

// mutate 套用 fn；fn 回傳 changed=true 時把 args 寫入日誌
//
// 日誌寫入失敗時記憶體狀態已改變，錯誤照樣回傳給呼叫端。
func (j *Journaled) mutate(op wal.EventType, args any, fn func() (changed bool, err error)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.at = time.Now().UTC()
	j.ids = j.ids[:0]
	defer func() { j.at = time.Time{} }()

	changed, err := fn()
	if err != nil || !changed {
		return err
	}

	e := entry{At: j.at, IDs: j.ids}
	if args != nil {
		if e.Args, err = json.Marshal(args); err != nil {
			return fmt.Errorf("journal %s: %w", op, err)
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal %s: %w", op, err)
	}
	if _, err := j.log.Append(op, data); err != nil {
		return fmt.Errorf("journal %s: %w", op, err)
	}
	return nil
}

// ============================================================================
// 修改操作
// ============================================================================

func (j *Journaled) CreateExecutor(ctx context.Context, e *types.Executor) error {
	return j.mutate(opCreateExecutor, e, func() (bool, error) {
		return true, j.Memory.CreateExecutor(ctx, e)
	})
}

func (j *Journaled) UpdateExecutor(ctx context.Context, e *types.Executor) error {
	return j.mutate(opUpdateExecutor, e, func() (bool, error) {
		return true, j.Memory.UpdateExecutor(ctx, e)
	})
}

func (j *Journaled) ResetDailyCounts(ctx context.Context) (int, error) {
	var n int
	err := j.mutate(opResetDaily, nil, func() (bool, error) {
		var err error
		n, err = j.Memory.ResetDailyCounts(ctx)
		return n > 0, err
	})
	return n, err
}

func (j *Journaled) CreateTask(ctx context.Context, t *types.Task) error {
	return j.mutate(opCreateTask, t, func() (bool, error) {
		return true, j.Memory.CreateTask(ctx, t)
	})
}

func (j *Journaled) TouchTask(ctx context.Context, id string, at time.Time) error {
	return j.mutate(opTouchTask, touchArgs{ID: id, At: at}, func() (bool, error) {
		return true, j.Memory.TouchTask(ctx, id, at)
	})
}

func (j *Journaled) SaveRuleSet(ctx context.Context, rs *types.RuleSet) error {
	return j.mutate(opSaveRuleSet, rs, func() (bool, error) {
		return true, j.Memory.SaveRuleSet(ctx, rs)
	})
}

func (j *Journaled) CommitAssignment(ctx context.Context, c Commit) error {
	return j.mutate(opCommitAssignment, commitArgs(c), func() (bool, error) {
		return true, j.Memory.CommitAssignment(ctx, c)
	})
}

func (j *Journaled) InsertKeyIfAbsent(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	var inserted bool
	err := j.mutate(opInsertKey, keyArgs{Key: key, Now: now, TTL: ttl}, func() (bool, error) {
		var err error
		inserted, err = j.Memory.InsertKeyIfAbsent(ctx, key, now, ttl)
		return inserted, err
	})
	return inserted, err
}

func (j *Journaled) PurgeKeys(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := j.mutate(opPurgeKeys, purgeArgs{Before: before}, func() (bool, error) {
		var err error
		n, err = j.Memory.PurgeKeys(ctx, before)
		return n > 0, err
	})
	return n, err
}

func (j *Journaled) DeleteKey(_ context.Context, key string) error {
	return j.mutate(opDeleteKey, keyArgs{Key: key}, func() (bool, error) {
		return j.Memory.removeKey(key), nil
	})
}

func (j *Journaled) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	return j.mutate(opEventProcessed, eventArgs{ID: id, At: at}, func() (bool, error) {
		return true, j.Memory.MarkEventProcessed(ctx, id, at)
	})
}

func (j *Journaled) MarkEventFailed(ctx context.Context, id string, reason string) error {
	return j.mutate(opEventFailed, eventArgs{ID: id, Reason: reason}, func() (bool, error) {
		return true, j.Memory.MarkEventFailed(ctx, id, reason)
	})
}

func (j *Journaled) UpsertKPI(ctx context.Context, rec types.KPIRecord) error {
	return j.mutate(opUpsertKPI, rec, func() (bool, error) {
		return true, j.Memory.UpsertKPI(ctx, rec)
	})
}

// ============================================================================
// 快照與重放
// ============================================================================

// Snapshot 匯出狀態並記錄已涵蓋的日誌序號
func (j *Journaled) Snapshot() types.SnapshotData {
	j.mu.Lock()
	defer j.mu.Unlock()

	data := j.Memory.Snapshot()
	data.JournalSeq = j.log.LastSeq()
	return data
}

// Restore 套用快照，再依序重放 JournalSeq 之後的日誌
//
// 日誌必須從 JournalSeq+1 連續接上，否則回傳 ErrJournalGap（例如用了較舊的快照備份）。
func (j *Journaled) Restore(data types.SnapshotData) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.Memory.Restore(data); err != nil {
		return err
	}

	j.replaying = true
	j.replayed = 0
	defer func() {
		j.replaying = false
		j.queue = nil
		j.at = time.Time{}
	}()

	next := data.JournalSeq + 1
	err := j.log.Replay(func(ev wal.Event) error {
		if ev.Seq <= data.JournalSeq {
			return nil
		}
		if ev.Seq != next {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrJournalGap, next, ev.Seq)
		}
		if err := j.apply(ev); err != nil {
			return fmt.Errorf("replay seq=%d %s: %w", ev.Seq, ev.Type, err)
		}
		next++
		j.replayed++
		return nil
	})
	if err != nil {
		return err
	}
	j.log.EnsureSeq(data.JournalSeq)
	return nil
}

// JournalSeq 最後寫入日誌的序號；0 表示日誌中沒有任何紀錄
func (j *Journaled) JournalSeq() uint64 {
	return j.log.LastSeq()
}

// Replayed 上一次 Restore 重放的事件數
func (j *Journaled) Replayed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.replayed
}

// Compact 丟棄 seq ≤ upTo 的日誌
func (j *Journaled) Compact(upTo uint64) error {
	return j.log.Compact(upTo)
}

// Close 寫出並關閉日誌
func (j *Journaled) Close() error {
	return errors.Join(j.log.Close(), j.Memory.Close())
}

// apply 在重放模式下把一筆事件套用到 Memory
func (j *Journaled) apply(ev wal.Event) error {
	var e entry
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return err
	}
	j.at = e.At
	j.queue = append(j.queue[:0], e.IDs...)

	ctx := context.Background()
	decode := func(v any) error { return json.Unmarshal(e.Args, v) }

	switch ev.Type {
	case opCreateExecutor:
		var x types.Executor
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.CreateExecutor(ctx, &x)

	case opUpdateExecutor:
		var x types.Executor
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.UpdateExecutor(ctx, &x)

	case opResetDaily:
		_, err := j.Memory.ResetDailyCounts(ctx)
		return err

	case opCreateTask:
		var x types.Task
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.CreateTask(ctx, &x)

	case opTouchTask:
		var x touchArgs
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.TouchTask(ctx, x.ID, x.At)

	case opSaveRuleSet:
		var x types.RuleSet
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.SaveRuleSet(ctx, &x)

	case opCommitAssignment:
		var x commitArgs
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.CommitAssignment(ctx, Commit(x))

	case opInsertKey:
		var x keyArgs
		if err := decode(&x); err != nil {
			return err
		}
		_, err := j.Memory.InsertKeyIfAbsent(ctx, x.Key, x.Now, x.TTL)
		return err

	case opPurgeKeys:
		var x purgeArgs
		if err := decode(&x); err != nil {
			return err
		}
		_, err := j.Memory.PurgeKeys(ctx, x.Before)
		return err

	case opDeleteKey:
		var x keyArgs
		if err := decode(&x); err != nil {
			return err
		}
		j.Memory.removeKey(x.Key)
		return nil

	case opEventProcessed:
		var x eventArgs
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.MarkEventProcessed(ctx, x.ID, x.At)

	case opEventFailed:
		var x eventArgs
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.MarkEventFailed(ctx, x.ID, x.Reason)

	case opUpsertKPI:
		var x types.KPIRecord
		if err := decode(&x); err != nil {
			return err
		}
		return j.Memory.UpsertKPI(ctx, x)
	}
	return fmt.Errorf("%w: %s", ErrUnknownJournalOp, ev.Type)
}

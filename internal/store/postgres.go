// ============================================================================
// fairshare PostgreSQL 儲存
// ============================================================================
//
// Package: internal/store
// 文件: postgres.go
//
// 職責說明：
// 1. 以 database/sql + lib/pq 實作 Store
// 2. 分派提交在單一交易內完成：以條件式 UPDATE 當作 compare-and-swap，
//    受影響列數為 0 即代表競爭失敗（task 已分派或 executor 已滿）
// 3. 去重鍵以 INSERT ... ON CONFLICT 單次語句完成，不做先讀後寫
// 4. KPI 以 day 為主鍵 upsert
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation 是 PostgreSQL 的唯一鍵衝突錯誤碼
const uniqueViolation = "23505"

// PostgresConfig 連線池設定
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Postgres 關聯式資料庫儲存
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres 開啟連線池並確認可連線
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return NewPostgres(db), nil
}

// NewPostgres 包裝既有的 *sql.DB
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate 建立資料表（可重複執行）
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// ============================================================================
// Executor
// ============================================================================

const executorColumns = `id, name, parameters, active, daily_limit, assigned_today, created_at, updated_at`

func (p *Postgres) CreateExecutor(ctx context.Context, e *types.Executor) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := p.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO executors (`+executorColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Name, e.Parameters, e.Active, e.DailyLimit, e.AssignedToday, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("executor %s: %w", e.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert executor: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateExecutor(ctx context.Context, e *types.Executor) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := p.now().UTC()
	row := tx.QueryRowContext(ctx,
		`UPDATE executors SET name = $2, parameters = $3, active = $4, daily_limit = $5, updated_at = $6
		 WHERE id = $1
		 RETURNING `+executorColumns,
		e.ID, e.Name, e.Parameters, e.Active, e.DailyLimit, now)
	updated, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("executor %s: %w", e.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update executor: %w", err)
	}

	if err := insertEvent(ctx, tx, ExecutorUpdatedEvent(*updated, now)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit executor update: %w", err)
	}
	*e = *updated
	return nil
}

func (p *Postgres) GetExecutor(ctx context.Context, id string) (*types.Executor, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+executorColumns+` FROM executors WHERE id = $1`, id)
	e, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("executor %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load executor: %w", err)
	}
	return e, nil
}

func (p *Postgres) ListExecutors(ctx context.Context) ([]types.Executor, error) {
	return p.queryExecutors(ctx, `SELECT `+executorColumns+` FROM executors ORDER BY created_at, id`)
}

func (p *Postgres) ListActiveExecutors(ctx context.Context) ([]types.Executor, error) {
	return p.queryExecutors(ctx, `SELECT `+executorColumns+` FROM executors WHERE active ORDER BY created_at, id`)
}

func (p *Postgres) queryExecutors(ctx context.Context, query string, args ...any) ([]types.Executor, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executors: %w", err)
	}
	defer rows.Close()

	out := make([]types.Executor, 0)
	for rows.Next() {
		e, err := scanExecutor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan executor: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *Postgres) ResetDailyCounts(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE executors SET assigned_today = 0, updated_at = $1 WHERE assigned_today <> 0`, p.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// Task
// ============================================================================

const taskColumns = `id, external_id, parameters, weight, parent_id, status, created_at, updated_at`

func (p *Postgres) CreateTask(ctx context.Context, t *types.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	now := p.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.ExternalID, t.Parameters, t.Weight, nullString(t.ParentID), string(t.Status), t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("external id %s: %w", t.ExternalID, ErrDuplicateTask)
	}
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

func (p *Postgres) ListStalePendingTasks(ctx context.Context, before time.Time, limit int) ([]types.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'pending' AND updated_at < $1
		 ORDER BY created_at, id LIMIT $2`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	out := make([]types.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchTask(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE tasks SET updated_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CountTasks(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[types.TaskStatus]int{
		types.TaskPending:  0,
		types.TaskAssigned: 0,
		types.TaskFailed:   0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ============================================================================
// RuleSet
// ============================================================================

func (p *Postgres) SaveRuleSet(ctx context.Context, rs *types.RuleSet) error {
	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = p.now().UTC()
	}
	conds, err := json.Marshal(rs.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	weights, err := json.Marshal(rs.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO rule_sets (id, name, active, conditions, weights, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, active = EXCLUDED.active,
		     conditions = EXCLUDED.conditions, weights = EXCLUDED.weights`,
		rs.ID, rs.Name, rs.Active, conds, weights, rs.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save rule set: %w", err)
	}
	return nil
}

func (p *Postgres) ActiveRuleSet(ctx context.Context) (*types.RuleSet, error) {
	var (
		rs             types.RuleSet
		conds, weights []byte
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, active, conditions, weights, created_at FROM rule_sets
		 WHERE active ORDER BY created_at DESC, id DESC LIMIT 1`).
		Scan(&rs.ID, &rs.Name, &rs.Active, &conds, &weights, &rs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active rule set: %w", err)
	}
	if err := json.Unmarshal(conds, &rs.Conditions); err != nil {
		return nil, fmt.Errorf("rule set %s conditions: %w", rs.ID, err)
	}
	if err := json.Unmarshal(weights, &rs.Weights); err != nil {
		return nil, fmt.Errorf("rule set %s weights: %w", rs.ID, err)
	}
	return &rs, nil
}

// ============================================================================
// Assignment
// ============================================================================

// CommitAssignment 單一交易：
//
//	UPDATE tasks     ... WHERE status = 'pending'                 → 0 列 = ErrTaskNotPending
//	UPDATE executors ... WHERE active AND assigned_today < limit  → 0 列 = ErrCapacityExhausted
//	INSERT assignments, INSERT outbox_events
func (p *Postgres) CommitAssignment(ctx context.Context, c Commit) error {
	a := c.Assignment
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := p.now().UTC()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'assigned', updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		a.TaskID, now)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", a.TaskID, ErrTaskNotPending)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE executors SET assigned_today = assigned_today + 1, updated_at = $2
		 WHERE id = $1 AND active AND assigned_today < daily_limit`,
		a.ExecutorID, now)
	if err != nil {
		return fmt.Errorf("failed to update executor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("executor %s: %w", a.ExecutorID, ErrCapacityExhausted)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assignments (id, task_id, executor_id, score, assigned_at, latency_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TaskID, a.ExecutorID, a.Score, a.AssignedAt.UTC(), a.Latency.Seconds())
	if isUniqueViolation(err) {
		return fmt.Errorf("task %s already has an assignment: %w", a.TaskID, ErrTaskNotPending)
	}
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}

	if c.Event.EventType != "" {
		if err := insertEvent(ctx, tx, c.Event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment: %w", err)
	}
	return nil
}

func (p *Postgres) AssignmentsBetween(ctx context.Context, from, to time.Time) ([]types.Assignment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, task_id, executor_id, score, assigned_at, latency_seconds FROM assignments
		 WHERE assigned_at >= $1 AND assigned_at < $2 ORDER BY assigned_at, id`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	out := make([]types.Assignment, 0)
	for rows.Next() {
		var (
			a       types.Assignment
			latency float64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ExecutorID, &a.Score, &a.AssignedAt, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.Latency = time.Duration(latency * float64(time.Second))
		out = append(out, a)
	}
	return out, rows.Err()
}

// ============================================================================
// IdempotencyKey
// ============================================================================

// InsertKeyIfAbsent 鍵不存在或已過期時寫入並回傳 true
//
// 衝突且未過期時 DO UPDATE 的 WHERE 不成立，不回傳任何列。
func (p *Postgres) InsertKeyIfAbsent(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	var inserted string
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO idempotency_keys (key, created_at) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET created_at = EXCLUDED.created_at
		 WHERE idempotency_keys.created_at <= $3
		 RETURNING key`,
		key, now.UTC(), now.Add(-ttl).UTC()).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return true, nil
}

func (p *Postgres) DeleteKey(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

func (p *Postgres) PurgeKeys(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// Outbox
// ============================================================================

func (p *Postgres) UnprocessedEvents(ctx context.Context, limit int) ([]types.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, event_type, payload, processed, processed_at, created_at, attempts, last_error
		 FROM outbox_events WHERE NOT processed
		 ORDER BY attempts, created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	out := make([]types.OutboxEvent, 0)
	for rows.Next() {
		var (
			ev          types.OutboxEvent
			eventType   string
			processedAt sql.NullTime
		)
		ev.Payload = types.NewDocument()
		if err := rows.Scan(&ev.ID, &eventType, ev.Payload, &ev.Processed, &processedAt,
			&ev.CreatedAt, &ev.Attempts, &ev.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.EventType = types.EventType(eventType)
		if processedAt.Valid {
			t := processedAt.Time
			ev.ProcessedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed = TRUE, processed_at = $2, last_error = '' WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) MarkEventFailed(ctx context.Context, id string, reason string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, ErrNotFound)
	}
	return nil
}

// ============================================================================
// KPI
// ============================================================================

func (p *Postgres) UpsertKPI(ctx context.Context, rec types.KPIRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO kpi_daily (day, mae, avg_latency, total_assigned, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (day) DO UPDATE
		 SET mae = EXCLUDED.mae, avg_latency = EXCLUDED.avg_latency,
		     total_assigned = EXCLUDED.total_assigned, updated_at = EXCLUDED.updated_at`,
		dayOf(rec.Day).Format(time.DateOnly), rec.MAE, rec.AvgLatency, rec.TotalAssigned, p.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert kpi: %w", err)
	}
	return nil
}

func (p *Postgres) KPITrend(ctx context.Context, n int) ([]types.KPIRecord, error) {
	if n <= 0 {
		n = 7
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT day, mae, avg_latency, total_assigned, updated_at FROM (
		   SELECT * FROM kpi_daily ORDER BY day DESC LIMIT $1
		 ) recent ORDER BY day`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query kpi trend: %w", err)
	}
	defer rows.Close()

	out := make([]types.KPIRecord, 0, n)
	for rows.Next() {
		var rec types.KPIRecord
		if err := rows.Scan(&rec.Day, &rec.MAE, &rec.AvgLatency, &rec.TotalAssigned, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan kpi: %w", err)
		}
		rec.Day = dayOf(rec.Day)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// 工具函式
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecutor(row rowScanner) (*types.Executor, error) {
	e := &types.Executor{Parameters: types.NewDocument()}
	if err := row.Scan(&e.ID, &e.Name, e.Parameters, &e.Active, &e.DailyLimit,
		&e.AssignedToday, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t        = &types.Task{Parameters: types.NewDocument()}
		parentID sql.NullString
		status   string
	)
	if err := row.Scan(&t.ID, &t.ExternalID, t.Parameters, &t.Weight, &parentID,
		&status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ParentID = parentID.String
	t.Status = types.TaskStatus(status)
	return t, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev types.OutboxEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		ev.ID, string(ev.EventType), ev.Payload, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

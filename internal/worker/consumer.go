// ============================================================================
// fairshare Queue Consumer - 從訊息流取出任務並交給配對引擎
// ============================================================================
//
// Package: internal/worker
// 文件: consumer.go
//
// 競爭消費者 (competing consumers):
//   每個行程是同一消費者群組中的一員，訊息只會投遞給其中一員 (at-least-once)。
//   水平擴展 = 以相同群組名稱啟動更多行程。
//
// 每一輪:
//   1. ReadGroup 最多 BatchSize 筆，最多等待 Block（預設 1s），
//      讓停止訊號能在兩次讀取之間被觀察到
//   2. 逐筆解碼 {task_id}，讀取 Task
//   3. Task 不存在或不是 pending → 直接確認並略過（重複投遞的防線）
//   4. 呼叫 Matcher；不論分派成功或 NoMatch 都確認，業務結果不靠重投重試
//   5. 非預期錯誤 → 記錄後仍確認，避免毒訊息無限重投
//   6. 批次結束後送出指標：assignments_total、latency、queue_lag
//
// 停止:
//   ctx 取消後不再讀取新批次；已取回的批次在脫離取消訊號的 context 上
//   處理並確認完畢才返回，避免訊息遺失。
//
// 錯誤處理:
//   代理層的暫時性錯誤以 jitter 指數退避重試，單次失敗不會結束迴圈。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	rand "math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/fairshare/internal/broker"
	"github.com/ChuLiYu/fairshare/internal/observability"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

const (
	DefaultStream    = "tasks"
	DefaultGroup     = "task_processors"
	DefaultBatchSize = 10
	DefaultBlock     = time.Second
)

// 分派結果標籤
const (
	StatusAssigned = "assigned"
	StatusNoMatch  = "no_match"
	StatusSkipped  = "skipped"
	StatusInvalid  = "invalid"
	StatusError    = "error"
)

// TaskStore 讀取 Task
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
}

// Assigner 配對並提交分派
type Assigner interface {
	AssignTask(ctx context.Context, task *types.Task) (*types.Assignment, bool, error)
}

// Recorder 批次結束後的指標輸出
type Recorder interface {
	ObserveAssignment(executorID, status string, latency time.Duration)
	SetQueueLag(n int)
}

type Config struct {
	Stream          string        `yaml:"stream"`
	Group           string        `yaml:"group"`
	Consumer        string        `yaml:"consumer"`
	BatchSize       int           `yaml:"batch_size"`
	Block           time.Duration `yaml:"block"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	RequeueAfter    time.Duration `yaml:"requeue_after"`
	RequeueInterval time.Duration `yaml:"requeue_interval"`
	RequeueLimit    int           `yaml:"requeue_limit"`
}

// ApplyDefaults 補上未設定的欄位
func (c *Config) ApplyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.RequeueAfter <= 0 {
		c.RequeueAfter = 5 * time.Minute
	}
	if c.RequeueInterval <= 0 {
		c.RequeueInterval = time.Minute
	}
	if c.RequeueLimit <= 0 {
		c.RequeueLimit = 500
	}
}

// Outcome 單筆訊息的處理結果
type Outcome struct {
	MessageID  string
	TaskID     string
	ExecutorID string
	Status     string
	Latency    time.Duration
	Err        error
}

// BatchResult 一輪的處理結果
type BatchResult struct {
	Outcomes []Outcome
	Lag      int
}

// Count 回傳指定狀態的筆數
func (b BatchResult) Count(status string) int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Consumer 佇列消費者
type Consumer struct {
	broker   broker.Broker
	tasks    TaskStore
	assigner Assigner
	rec      Recorder
	cfg      Config
	log      *slog.Logger
	rng      *rand.Rand
}

func NewConsumer(b broker.Broker, tasks TaskStore, assigner Assigner, rec Recorder, cfg Config, log *slog.Logger) *Consumer {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		broker:   b,
		tasks:    tasks,
		assigner: assigner,
		rec:      rec,
		cfg:      cfg,
		log:      log.With("consumer", cfg.Consumer, "group", cfg.Group),
	}
}

// Run 持續消費直到 ctx 取消；正常停止時回傳 nil
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started", "stream", c.cfg.Stream, "batch_size", c.cfg.BatchSize)
	defer c.log.Info("consumer stopped")

	var delay time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, err := c.RunOnce(ctx)
		switch {
		case err == nil:
			delay = 0
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, broker.ErrClosed):
			return err
		default:
			delay = jitterBackoff(delay, c.cfg.BackoffBase, 2.0, c.cfg.BackoffMax, c.rng)
			c.log.Warn("broker read failed, backing off", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

// RunOnce 讀取並處理一個批次
//
// 只有讀取失敗才回傳錯誤；個別訊息的錯誤記錄在 BatchResult。
func (c *Consumer) RunOnce(ctx context.Context) (BatchResult, error) {
	msgs, err := c.broker.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
	if err != nil {
		return BatchResult{}, fmt.Errorf("read group: %w", err)
	}
	if len(msgs) == 0 {
		return BatchResult{}, nil
	}

	// 已取回的訊息必須處理並確認完畢，不受停止訊號影響
	work := context.WithoutCancel(ctx)

	res := BatchResult{Outcomes: make([]Outcome, 0, len(msgs))}
	for _, msg := range msgs {
		out := c.process(work, msg)
		if err := c.broker.Ack(work, c.cfg.Stream, c.cfg.Group, msg.ID); err != nil {
			c.log.Error("failed to ack message", "message_id", msg.ID, "error", err)
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	res.Lag = c.emit(work, res.Outcomes)
	return res, nil
}

func (c *Consumer) process(ctx context.Context, msg broker.Message) Outcome {
	out := Outcome{MessageID: msg.ID}

	qm, err := DecodeQueueMessage(msg.Data)
	if err != nil {
		c.log.Error("dropping undecodable message", "message_id", msg.ID, "error", err)
		out.Status, out.Err = StatusInvalid, err
		return out
	}
	out.TaskID = qm.TaskID

	ctx, span := observability.StartSpan(ctx, "worker.process",
		attribute.String("task.id", qm.TaskID),
		attribute.String("message.id", msg.ID),
		attribute.Int("deliveries", msg.Deliveries))
	defer span.End()

	task, err := c.tasks.GetTask(ctx, qm.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Warn("task not found, skipping", "task_id", qm.TaskID)
		out.Status = StatusSkipped
		return out
	}
	if err != nil {
		c.log.Error("failed to load task", "task_id", qm.TaskID, "error", err)
		span.RecordError(err)
		out.Status, out.Err = StatusError, err
		return out
	}
	if task.Status != types.TaskPending {
		c.log.Debug("task already processed, skipping", "task_id", task.ID, "status", task.Status)
		out.Status = StatusSkipped
		return out
	}

	a, matched, err := c.assigner.AssignTask(ctx, task)
	switch {
	case errors.Is(err, store.ErrTaskNotPending):
		out.Status = StatusSkipped
	case err != nil:
		c.log.Error("assignment failed", "task_id", task.ID, "error", err)
		span.RecordError(err)
		out.Status, out.Err = StatusError, err
	case !matched:
		c.log.Info("no eligible executor, task stays pending", "task_id", task.ID)
		out.Status = StatusNoMatch
	default:
		out.Status = StatusAssigned
		out.ExecutorID = a.ExecutorID
		out.Latency = a.Latency
	}
	return out
}

// emit 送出批次指標並回傳目前積壓量
func (c *Consumer) emit(ctx context.Context, outcomes []Outcome) int {
	lag, err := c.broker.Len(ctx, c.cfg.Stream)
	if err != nil {
		c.log.Warn("failed to read queue length", "error", err)
		lag = -1
	}
	if c.rec == nil {
		return lag
	}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSkipped, StatusInvalid:
			continue
		}
		executor := o.ExecutorID
		if executor == "" {
			executor = "none"
		}
		c.rec.ObserveAssignment(executor, o.Status, o.Latency)
	}
	if lag >= 0 {
		c.rec.SetQueueLag(lag)
	}
	return lag
}

// ============================================================================
// fairshare Outbox Dispatcher - 交易內寫入的事件在交易外送出
// ============================================================================
//
// Package: internal/outbox
// 文件: dispatcher.go
// 功能: 定期取出未處理的 OutboxEvent，依事件種類交給對應的 Handler
//
// 流程 (Sweep):
//   1. 取最多 BatchSize 筆未處理事件（嘗試次數少者優先，再依建立時間）
//   2. 依 EventType 在 Handlers 表中找到處理函式
//   3. 成功 → processed=true、processedAt=now
//   4. 失敗或種類未知 → attempts+1、記錄 lastError，留待下一輪
//   單筆失敗不影響同批其他事件
//
// 投遞語義:
//   at-least-once。Handler 成功但標記失敗時，下一輪會再次處理同一事件，
//   下游需以 event_id 去重。
//
// ============================================================================

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/fairshare/internal/observability"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

const (
	DefaultBatchSize = 100
	DefaultInterval  = 5 * time.Second
)

var ErrUnknownEventType = errors.New("unknown outbox event type")

// EventStore Dispatcher 需要的儲存操作
type EventStore interface {
	UnprocessedEvents(ctx context.Context, limit int) ([]types.OutboxEvent, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	MarkEventFailed(ctx context.Context, id string, reason string) error
}

// Handler 處理單一事件；回傳錯誤表示稍後重試
type Handler func(ctx context.Context, ev types.OutboxEvent) error

// Handlers 每種事件一個處理函式；nil 視為未註冊
type Handlers struct {
	AssignmentCreated Handler
	ExecutorUpdated   Handler
}

// For 依事件種類取出處理函式
func (h Handlers) For(t types.EventType) (Handler, error) {
	var fn Handler
	switch t {
	case types.EventAssignmentCreated:
		fn = h.AssignmentCreated
	case types.EventExecutorUpdated:
		fn = h.ExecutorUpdated
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	return fn, nil
}

// Recorder 每筆事件的處理結果
type Recorder interface {
	ObserveOutbox(eventType string, ok bool)
}

type Config struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
	// NotifyStream assignment_created 通知寫入的訊息流
	NotifyStream string `yaml:"notify_stream"`
}

// Result 一輪掃描的結果
type Result struct {
	Processed int
	Failed    int
}

type Dispatcher struct {
	store    EventStore
	handlers Handlers
	rec      Recorder
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func NewDispatcher(s EventStore, h Handlers, rec Recorder, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		handlers: h,
		rec:      rec,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Interval 掃描間隔
func (d *Dispatcher) Interval() time.Duration { return d.cfg.Interval }

// Sweep 處理一批未處理事件
//
// 只有讀取失敗才回傳錯誤；個別事件的失敗記錄在資料列上。
func (d *Dispatcher) Sweep(ctx context.Context) (Result, error) {
	events, err := d.store.UnprocessedEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load outbox events: %w", err)
	}

	var res Result
	for _, ev := range events {
		if err := d.dispatch(ctx, ev); err != nil {
			res.Failed++
			d.log.Warn("outbox event failed",
				"event_id", ev.ID, "event_type", ev.EventType, "attempts", ev.Attempts+1, "error", err)
			if markErr := d.store.MarkEventFailed(ctx, ev.ID, err.Error()); markErr != nil {
				d.log.Error("failed to record outbox failure", "event_id", ev.ID, "error", markErr)
			}
			d.observe(ev.EventType, false)
			continue
		}
		if err := d.store.MarkEventProcessed(ctx, ev.ID, d.now()); err != nil {
			// Handler 已成功，下一輪會重送
			res.Failed++
			d.log.Error("failed to mark outbox event processed", "event_id", ev.ID, "error", err)
			continue
		}
		res.Processed++
		d.observe(ev.EventType, true)
	}

	if len(events) > 0 {
		d.log.Debug("outbox sweep finished", "processed", res.Processed, "failed", res.Failed)
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev types.OutboxEvent) error {
	fn, err := d.handlers.For(ev.EventType)
	if err != nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "outbox.dispatch",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", string(ev.EventType)))
	defer span.End()

	if err := fn(ctx, ev); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (d *Dispatcher) observe(t types.EventType, ok bool) {
	if d.rec != nil {
		d.rec.ObserveOutbox(string(t), ok)
	}
}

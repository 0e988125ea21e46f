package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

// DefaultNotifyStream assignment_created 通知的預設訊息流
const DefaultNotifyStream = "assignments"

// Publisher 寫入訊息流（broker.Broker 的子集）
type Publisher interface {
	Append(ctx context.Context, stream string, data []byte) (string, error)
}

// Notification 送往下游的事件內容
type Notification struct {
	EventID   string          `json:"event_id"`
	EventType types.EventType `json:"event_type"`
	Payload   *types.Document `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotifyAssignment 將事件發佈到 stream
func NotifyAssignment(p Publisher, stream string) Handler {
	if stream == "" {
		stream = DefaultNotifyStream
	}
	return func(ctx context.Context, ev types.OutboxEvent) error {
		data, err := json.Marshal(Notification{
			EventID:   ev.ID,
			EventType: ev.EventType,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt.UTC(),
		})
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		if _, err := p.Append(ctx, stream, data); err != nil {
			return fmt.Errorf("publish to %s: %w", stream, err)
		}
		return nil
	}
}

// LogExecutorUpdate 只記錄 Executor 變更
func LogExecutorUpdate(log *slog.Logger) Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(_ context.Context, ev types.OutboxEvent) error {
		log.Info("executor updated",
			"event_id", ev.ID,
			"executor_id", ev.Payload.Lookup("executor_id").String(),
			"active", ev.Payload.Lookup("active").String(),
			"daily_limit", ev.Payload.Lookup("daily_limit").String())
		return nil
	}
}

// DefaultHandlers 預設的事件處理表
func DefaultHandlers(p Publisher, stream string, log *slog.Logger) Handlers {
	return Handlers{
		AssignmentCreated: NotifyAssignment(p, stream),
		ExecutorUpdated:   LogExecutorUpdate(log),
	}
}

// ============================================================================
// fairshare Ingress - 任務進入系統的唯一路徑
// ============================================================================
//
// Package: internal/ingress
// 文件: service.go
//
// CreateTask 流程:
//   1. 驗證請求（externalId 必填、weight ≥ 0，0 視為 1）
//   2. Idempotency Guard：有 idempotencyKey 用它，否則以請求內容雜湊
//   3. 寫入 Task (pending)；externalId 已存在同樣視為重複
//   4. 寫入佇列 {task_id, weight, timestamp}
//
// 第 4 步失敗時任務已存在且為 pending，由重新排隊掃描補送，
// 因此仍回傳成功，避免呼叫端重試後被判定為重複。
//
// ============================================================================

package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ChuLiYu/fairshare/internal/idempotency"
	"github.com/ChuLiYu/fairshare/internal/observability"
	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

var (
	ErrDuplicate      = errors.New("duplicate submission")
	ErrInvalidRequest = errors.New("invalid request")
)

// Guard 去重檢查
type Guard interface {
	CheckAndSet(ctx context.Context, key string) (idempotency.Outcome, error)
	Release(ctx context.Context, key string) error
}

// TaskCreator 寫入 Task
type TaskCreator interface {
	CreateTask(ctx context.Context, t *types.Task) error
}

// Enqueuer 寫入佇列
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string, weight int) (string, error)
}

// Recorder 記錄每次請求的結果（new / duplicate / invalid / error）
type Recorder interface {
	ObserveIngest(outcome string)
}

// Request 建立任務的請求
type Request struct {
	ExternalID     string          `json:"external_id"`
	Parameters     *types.Document `json:"parameters,omitempty"`
	Weight         int             `json:"weight,omitempty"`
	ParentID       string          `json:"parent_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Response 建立成功的回應
type Response struct {
	TaskID     string    `json:"task_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	Enqueued   bool      `json:"enqueued"`
}

type Service struct {
	guard    Guard
	tasks    TaskCreator
	enqueuer Enqueuer
	rec      Recorder
	log      *slog.Logger
	now      func() time.Time
}

func NewService(g Guard, tasks TaskCreator, enq Enqueuer, rec Recorder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{guard: g, tasks: tasks, enqueuer: enq, rec: rec, log: log, now: time.Now}
}

// CreateTask 建立並排入任務；重複提交回傳 ErrDuplicate
func (s *Service) CreateTask(ctx context.Context, req Request) (Response, error) {
	ctx, span := observability.StartSpan(ctx, "ingress.create_task",
		attribute.String("task.external_id", req.ExternalID))
	defer span.End()

	resp, outcome, err := s.createTask(ctx, req)
	if err != nil && outcome == "error" {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("ingress.outcome", outcome))
	if s.rec != nil {
		s.rec.ObserveIngest(outcome)
	}
	return resp, err
}

func (s *Service) createTask(ctx context.Context, req Request) (Response, string, error) {
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if err := validate(&req); err != nil {
		return Response{}, "invalid", err
	}

	key := req.IdempotencyKey
	if key == "" {
		derived, err := DeriveKey(req)
		if err != nil {
			return Response{}, "invalid", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		key = derived
	}

	outcome, err := s.guard.CheckAndSet(ctx, key)
	if err != nil {
		return Response{}, "error", err
	}
	if outcome == idempotency.Duplicate {
		s.log.Info("duplicate submission rejected", "external_id", req.ExternalID, "key", key)
		return Response{}, "duplicate", fmt.Errorf("%w: key %s", ErrDuplicate, key)
	}

	task := &types.Task{
		ExternalID: req.ExternalID,
		Parameters: req.Parameters.Clone(),
		Weight:     req.Weight,
		ParentID:   req.ParentID,
		Status:     types.TaskPending,
	}
	if task.Parameters == nil {
		task.Parameters = types.NewDocument()
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			return Response{}, "duplicate", fmt.Errorf("%w: external id %s", ErrDuplicate, req.ExternalID)
		}
		// 任務沒有寫入，鍵必須釋放，否則重試會被當成已接受
		if rerr := s.guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
			s.log.Error("failed to release idempotency key", "key", key, "error", rerr)
			err = errors.Join(err, rerr)
		}
		return Response{}, "error", fmt.Errorf("failed to create task: %w", err)
	}

	resp := Response{TaskID: task.ID, AcceptedAt: s.now().UTC()}
	if _, err := s.enqueuer.Enqueue(ctx, task.ID, task.Weight); err != nil {
		s.log.Warn("enqueue failed, task left for requeue sweep", "task_id", task.ID, "error", err)
	} else {
		resp.Enqueued = true
	}

	s.log.Info("task accepted", "task_id", task.ID, "external_id", task.ExternalID, "weight", task.Weight)
	return resp, "new", nil
}

func validate(req *Request) error {
	if req.ExternalID == "" {
		return fmt.Errorf("%w: external_id is required", ErrInvalidRequest)
	}
	if req.Weight < 0 {
		return fmt.Errorf("%w: weight must be non-negative", ErrInvalidRequest)
	}
	if req.Weight == 0 {
		req.Weight = 1
	}
	return nil
}

// DeriveKey 以請求內容（不含 idempotencyKey）產生去重鍵
func DeriveKey(req Request) (string, error) {
	doc := types.NewDocument().
		Set("external_id", types.String(req.ExternalID)).
		Set("weight", types.Number(float64(req.Weight))).
		Set("parent_id", types.String(req.ParentID))
	if req.Parameters != nil {
		doc.Set("parameters", types.Doc(req.Parameters))
	}
	return idempotency.DeriveKey(doc)
}

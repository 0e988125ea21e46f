package types

import (
	"fmt"
	"time"
)

// EventType 是封閉的 outbox 事件種類
type EventType string

const (
	EventAssignmentCreated EventType = "assignment_created"
	EventExecutorUpdated   EventType = "executor_updated"
)

// EventTypes 列出所有已知事件種類
func EventTypes() []EventType {
	return []EventType{EventAssignmentCreated, EventExecutorUpdated}
}

// ParseEventType 將字串轉為 EventType，未知種類回傳錯誤
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// OutboxEvent 與主交易同時寫入的副作用事件
type OutboxEvent struct {
	ID          string     `json:"id"`
	EventType   EventType  `json:"event_type"`
	Payload     *Document  `json:"payload"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
}

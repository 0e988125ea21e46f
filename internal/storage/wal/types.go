package wal

// ============================================================================
// WAL 型別定義
// 職責：定義日誌紀錄、重放回呼與開啟選項
// ============================================================================

import (
	"encoding/json"
	"time"
)

// EventType 事件類型，由使用端定義（例如 "task.create"）
type EventType string

// Event 一筆日誌紀錄，檔案中每行一筆 JSON
type Event struct {
	Seq       uint64          `json:"seq"` // 單調遞增，Compact 後不重新編號
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"ts"` // Unix 毫秒
	Data      json.RawMessage `json:"data,omitempty"`
	Checksum  uint32          `json:"crc"`
}

// Time 回傳寫入時間
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp).UTC() }

// Handler 重放時對每筆事件呼叫；回傳錯誤會中止重放
type Handler func(event Event) error

// Options 開啟選項
type Options struct {
	// SyncOnAppend 每次 Append 都寫入並 fsync
	//
	// 關閉時事件先進緩衝區，累積 BufferSize 筆或每 FlushInterval 由背景迴圈寫入。
	SyncOnAppend  bool
	FlushInterval time.Duration
	BufferSize    int
}

const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultBufferSize    = 256
)

func (o *Options) applyDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
}

// ============================================================================
// fairshare 訊息代理 - 消費者群組語意的持久化訊息流
// ============================================================================
//
// Package: internal/broker
// 文件: broker.go
//
// 語意（與 Redis Streams 的 XADD / XREADGROUP / XACK / XLEN 對應）:
//   - Append:    寫入訊息，回傳訊息 ID
//   - ReadGroup: 以群組身分讀取最多 count 筆，最多等待 block；
//                群組不存在時自動建立
//   - Ack:       確認處理完成，之後不再投遞
//   - Len:       尚未確認的積壓數量（queue lag）
//
// 同一群組內每筆訊息只投遞給一個消費者；未確認的訊息在可見逾時後重新投遞
// (at-least-once)。
//
// 實作:
//   - Memory:    單一行程，測試與獨立模式
//   - JetStream: NATS JetStream，WorkQueue 保留策略 + durable pull consumer
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed         = errors.New("broker is closed")
	ErrUnknownMessage = errors.New("unknown or already acknowledged message")
)

// Message 一筆投遞給消費者的訊息
type Message struct {
	ID         string
	Stream     string
	Data       []byte
	Deliveries int // 第幾次投遞，從 1 開始
}

// Broker 消費者群組語意的訊息流
type Broker interface {
	Append(ctx context.Context, stream string, data []byte) (string, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream, group, id string) error
	Len(ctx context.Context, stream string) (int, error)
	Close() error
}

var (
	_ Broker = (*Memory)(nil)
	_ Broker = (*JetStream)(nil)
)

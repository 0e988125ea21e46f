// ============================================================================
// fairshare 冪等守門 - 任務進入佇列前的重複提交檢查
// ============================================================================
//
// Package: internal/idempotency
// 文件: guard.go
//
// CheckAndSet 對儲存層只發出一次原子操作（insert-if-absent），
// 兩個同時送出相同鍵的呼叫者只會有一個得到 New。
// 超過 TTL 的鍵視為不存在；Purge 只負責回收空間，失敗不影響判斷。
// 取得鍵之後若任務沒有寫入成功，呼叫端以 Release 釋放，讓重試不被當成重複。
//
// 鍵來源:
//   - 呼叫端提供的 idempotency key
//   - DeriveKey: 正規化 JSON（鍵排序）的 xxh3-128 雜湊
//
// ============================================================================

package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/ChuLiYu/fairshare/pkg/types"
)

const DefaultTTL = 24 * time.Hour

var ErrEmptyKey = errors.New("idempotency key is empty")

// Outcome CheckAndSet 的結果
type Outcome int

const (
	New Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "new"
}

// KeyStore 原子性的鍵儲存
type KeyStore interface {
	InsertKeyIfAbsent(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error)
	PurgeKeys(ctx context.Context, before time.Time) (int, error)
	DeleteKey(ctx context.Context, key string) error
}

type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	Backend       string        `yaml:"backend"` // store | pebble
	PebblePath    string        `yaml:"pebble_path"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type Guard struct {
	keys KeyStore
	ttl  time.Duration
	log  *slog.Logger
	now  func() time.Time
}

func NewGuard(keys KeyStore, cfg Config, log *slog.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{keys: keys, ttl: cfg.TTL, log: log, now: time.Now}
}

// TTL 鍵的有效期
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// CheckAndSet 第一次看到 key 回傳 New，TTL 內再次看到回傳 Duplicate
func (g *Guard) CheckAndSet(ctx context.Context, key string) (Outcome, error) {
	if key == "" {
		return New, ErrEmptyKey
	}
	inserted, err := g.keys.InsertKeyIfAbsent(ctx, key, g.now().UTC(), g.ttl)
	if err != nil {
		return New, fmt.Errorf("idempotency check %s: %w", key, err)
	}
	if !inserted {
		g.log.Debug("duplicate submission", "key", key)
		return Duplicate, nil
	}
	return New, nil
}

// Release 釋放 CheckAndSet 取得的鍵
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.keys.DeleteKey(ctx, key); err != nil {
		return fmt.Errorf("idempotency release %s: %w", key, err)
	}
	return nil
}

// Purge 刪除早於 now−TTL 的鍵
func (g *Guard) Purge(ctx context.Context) (int, error) {
	n, err := g.keys.PurgeKeys(ctx, g.now().UTC().Add(-g.ttl))
	if err != nil {
		return 0, fmt.Errorf("idempotency purge: %w", err)
	}
	if n > 0 {
		g.log.Info("purged expired idempotency keys", "count", n)
	}
	return n, nil
}

// DeriveKey 以正規化 JSON 的 xxh3-128 雜湊作為內容鍵
//
// 鍵順序不同但內容相同的請求會得到相同的鍵。
func DeriveKey(payload *types.Document) (string, error) {
	canonical, err := payload.Canonical()
	if err != nil {
		return "", fmt.Errorf("failed to normalize payload: %w", err)
	}
	sum := xxh3.Hash128(canonical).Bytes()
	return hex.EncodeToString(sum[:]), nil
}

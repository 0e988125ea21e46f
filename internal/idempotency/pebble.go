// ============================================================================
// fairshare pebble 冪等鍵儲存
// ============================================================================
//
// Package: internal/idempotency
// 文件: pebble.go
//
// 職責說明：
// 1. 以嵌入式 pebble 儲存冪等鍵，不需要外部資料庫
// 2. 鍵格式 "idem/<key>"，值為建立時間（unix nano，big-endian）
// 3. 讀取與寫入在同一把鎖內完成，等同單次原子操作
//
// ============================================================================

package idempotency

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var keyPrefix = []byte("idem/")

// PebbleKeyStore 以 pebble 實作 KeyStore
type PebbleKeyStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenPebble(path string) (*PebbleKeyStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &PebbleKeyStore{db: db}, nil
}

func (p *PebbleKeyStore) Close() error {
	return p.db.Close()
}

func (p *PebbleKeyStore) InsertKeyIfAbsent(_ context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := storageKey(key)
	val, closer, err := p.db.Get(k)
	switch {
	case err == nil:
		created := decodeTime(val)
		closer.Close()
		if now.Sub(created) < ttl {
			return false, nil
		}
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return false, err
	}

	if err := p.db.Set(k, encodeTime(now), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PebbleKeyStore) DeleteKey(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Delete(storageKey(key), pebble.Sync)
}

func (p *PebbleKeyStore) PurgeKeys(_ context.Context, before time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: prefixEnd(keyPrefix),
	})
	if err != nil {
		return 0, err
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	purged := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if decodeTime(iter.Value()).Before(before) {
			if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
				iter.Close()
				return 0, err
			}
			purged++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if purged == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return purged, nil
}

func storageKey(key string) []byte {
	return append(bytes.Clone(keyPrefix), key...)
}

func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	end[len(end)-1]++
	return end
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC()
}

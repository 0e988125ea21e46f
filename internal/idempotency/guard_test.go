package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fairshare/internal/store"
	"github.com/ChuLiYu/fairshare/pkg/types"
)

func backends(t *testing.T) map[string]KeyStore {
	t.Helper()
	pebbleStore, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { pebbleStore.Close() })

	return map[string]KeyStore{
		"memory": store.NewMemory(),
		"pebble": pebbleStore,
	}
}

func TestCheckAndSet(t *testing.T) {
	for name, keys := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := NewGuard(keys, Config{TTL: time.Hour}, nil)

			now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			g.now = func() time.Time { return now }

			out, err := g.CheckAndSet(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, New, out)

			out, err = g.CheckAndSet(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, Duplicate, out)

			out, err = g.CheckAndSet(ctx, "order-2")
			require.NoError(t, err)
			assert.Equal(t, New, out)

			// TTL 過後同一個鍵再度可用
			now = now.Add(time.Hour + time.Second)
			out, err = g.CheckAndSet(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, New, out)

			_, err = g.CheckAndSet(ctx, "")
			assert.ErrorIs(t, err, ErrEmptyKey)
		})
	}
}

func TestCheckAndSet_ConcurrentSameKey(t *testing.T) {
	for name, keys := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(keys, Config{}, nil)

			var (
				wg    sync.WaitGroup
				fresh atomic.Int32
			)
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					out, err := g.CheckAndSet(context.Background(), "same")
					assert.NoError(t, err)
					if out == New {
						fresh.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), fresh.Load())
		})
	}
}

func TestPurge(t *testing.T) {
	for name, keys := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := NewGuard(keys, Config{TTL: time.Hour}, nil)

			start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			now := start
			g.now = func() time.Time { return now }

			for i := 0; i < 3; i++ {
				_, err := g.CheckAndSet(ctx, fmt.Sprintf("old-%d", i))
				require.NoError(t, err)
			}
			now = start.Add(90 * time.Minute)
			_, err := g.CheckAndSet(ctx, "fresh")
			require.NoError(t, err)

			n, err := g.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			out, err := g.CheckAndSet(ctx, "fresh")
			require.NoError(t, err)
			assert.Equal(t, Duplicate, out)

			n, err = g.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestRelease(t *testing.T) {
	for name, keys := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := NewGuard(keys, Config{TTL: time.Hour}, nil)

			out, err := g.CheckAndSet(ctx, "order-1")
			require.NoError(t, err)
			require.Equal(t, New, out)

			require.NoError(t, g.Release(ctx, "order-1"))
			out, err = g.CheckAndSet(ctx, "order-1")
			require.NoError(t, err)
			assert.Equal(t, New, out)

			require.NoError(t, g.Release(ctx, "never-seen"))
		})
	}
}

func TestDeriveKey(t *testing.T) {
	a := types.MustDocument("external_id", "x-1", "weight", 2, "parameters", map[string]any{"b": 1, "a": "z"})
	b := types.MustDocument("weight", 2, "parameters", map[string]any{"a": "z", "b": 1}, "external_id", "x-1")
	c := types.MustDocument("external_id", "x-2", "weight", 2)

	ka, err := DeriveKey(a)
	require.NoError(t, err)
	kb, err := DeriveKey(b)
	require.NoError(t, err)
	kc, err := DeriveKey(c)
	require.NoError(t, err)

	assert.Len(t, ka, 32)
	assert.Equal(t, ka, kb, "key order must not matter")
	assert.NotEqual(t, ka, kc)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "new", New.String())
	assert.Equal(t, "duplicate", Duplicate.String())
}

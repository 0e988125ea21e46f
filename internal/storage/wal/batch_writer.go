package wal

// ============================================================================
// 批次寫入
// 職責：SyncOnAppend 關閉時，由背景迴圈定期把緩衝的事件寫入並 fsync
//
// 取捨：
// - 每次 Append 都 fsync 最安全，但吞吐量受限於磁碟延遲
// - 批次寫入時，崩潰最多遺失 FlushInterval 內的事件
// ============================================================================

import "time"

// flushLoop 每 FlushInterval 寫出一次；錯誤保留在 flushErr，由下一次 Append 回傳
func (w *WAL) flushLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				w.flushLocked()
			}
			w.mu.Unlock()
		}
	}
}

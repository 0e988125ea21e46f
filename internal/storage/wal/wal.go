package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一筆 JSON）
// 2. 提供重放功能以恢復系統狀態
// 3. 快照後丟棄已涵蓋的事件（Compact）
// 4. 開啟時截掉崩潰造成的半筆紀錄
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// errTornTail 檔案最後一筆紀錄不完整（寫到一半時崩潰）
var errTornTail = errors.New("wal: torn record at end of file")

// WAL Write-Ahead Log 實例
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	enc      *json.Encoder
	path     string
	seq      uint64 // 最後分配的序號
	opts     Options
	pending  int   // 已編碼但尚未 fsync 的筆數
	flushErr error // 寫入失敗後保留，之後的 Append 一律失敗
	closed   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open 建立或開啟 WAL
//
// 已存在的檔案會完整掃描一次以取得最後的序號；
// 尾端不完整的紀錄會被截掉，中間的損毀回傳 *CorruptionError。
func Open(path string, opts Options) (*WAL, error) {
	opts.applyDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open %s: %w", path, err)
	}

	var last uint64
	end, err := scan(file, func(ev Event) error {
		last = ev.Seq
		return nil
	})
	if err != nil && !errors.Is(err, errTornTail) {
		file.Close()
		return nil, err
	}
	if err := file.Truncate(end); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: failed to truncate torn tail: %w", err)
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: failed to seek: %w", err)
	}

	w := &WAL{file: file, path: path, seq: last, opts: opts}
	w.resetWriter()

	if !opts.SyncOnAppend {
		w.stopCh = make(chan struct{})
		w.doneCh = make(chan struct{})
		go w.flushLoop()
	}
	return w, nil
}

// Append 追加一筆事件並回傳其序號
//
// data 必須是合法的 JSON（可為空）。SyncOnAppend 時返回前已 fsync。
func (w *WAL) Append(eventType EventType, data []byte) (uint64, error) {
	if len(data) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err != nil {
			return 0, fmt.Errorf("wal: invalid event data: %w", err)
		}
		data = compact.Bytes()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.flushErr != nil {
		return 0, w.flushErr
	}

	ev := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	ev.Checksum = Checksum(ev.Seq, ev.Type, ev.Data)
	if err := w.enc.Encode(ev); err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", ev.Seq, err)
	}
	w.seq = ev.Seq
	w.pending++

	if w.opts.SyncOnAppend || w.pending >= w.opts.BufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return ev.Seq, nil
}

// Replay 依序重放檔案中的所有事件
//
// 會先寫入緩衝區；handler 回傳錯誤時立即停止。
func (w *WAL) Replay(handler Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: failed to open for replay: %w", err)
	}
	defer file.Close()

	if _, err := scan(file, handler); err != nil && !errors.Is(err, errTornTail) {
		return err
	}
	return nil
}

// Compact 丟棄 seq ≤ upTo 的事件（通常是快照已涵蓋的部分）
//
// 剩餘事件寫入暫存檔後以 rename 原子替換；序號不重新編號。
func (w *WAL) Compact(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	src, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: failed to open for compaction: %w", err)
	}
	tmpPath := w.path + ".compact"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		src.Close()
		return fmt.Errorf("wal: failed to create %s: %w", tmpPath, err)
	}
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	bw := bufio.NewWriter(tmp)
	enc := newEncoder(bw)
	_, err = scan(src, func(ev Event) error {
		if ev.Seq <= upTo {
			return nil
		}
		return enc.Encode(ev)
	})
	src.Close()
	if err != nil && !errors.Is(err, errTornTail) {
		return cleanup(err)
	}
	if err := bw.Flush(); err != nil {
		return cleanup(fmt.Errorf("wal: failed to write compacted log: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("wal: failed to sync compacted log: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to close compacted log: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to replace log: %w", err)
	}

	w.file.Close()
	file, err := os.OpenFile(w.path, os.O_RDWR, 0o644)
	if err == nil {
		_, err = file.Seek(0, io.SeekEnd)
	}
	if err != nil {
		w.flushErr = fmt.Errorf("wal: failed to reopen after compaction: %w", err)
		return w.flushErr
	}
	w.file = file
	w.resetWriter()
	return nil
}

// Sync 立即寫入緩衝區並 fsync
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked()
}

// LastSeq 最後分配的序號
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq 讓之後的序號大於 seq
//
// 快照記錄的序號可能比檔案中的還新（檔案被 Compact 清空，或尚未寫入的緩衝在崩潰時遺失）。
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

func (w *WAL) Path() string { return w.path }

// Close 停止背景寫入、寫出緩衝區並關閉檔案；重複呼叫回傳 nil
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.flushLocked()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (w *WAL) resetWriter() {
	w.buf = bufio.NewWriter(w.file)
	w.enc = newEncoder(w.buf)
}

// flushLocked 假設呼叫者持有 w.mu
func (w *WAL) flushLocked() error {
	if w.flushErr != nil {
		return w.flushErr
	}
	if w.pending == 0 {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.flushErr = fmt.Errorf("wal: write failed: %w", err)
		return w.flushErr
	}
	if err := w.file.Sync(); err != nil {
		w.flushErr = fmt.Errorf("wal: sync to disk failed: %w", err)
		return w.flushErr
	}
	w.pending = 0
	return nil
}

// newEncoder 不跳脫 HTML，寫出的 data 與計算校驗和的位元組一致
func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// scan 逐行解析並驗證事件，回傳最後一筆有效紀錄結尾的位移
//
// 最後一行不完整或無效時回傳 errTornTail；中間的損毀回傳 *CorruptionError。
func scan(r io.Reader, handler Handler) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		offset int64
		prev   uint64
	)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return offset, fmt.Errorf("wal: read failed: %w", err)
		}
		if len(line) == 0 {
			return offset, nil
		}
		if err != nil {
			// 沒有換行結尾
			return offset, errTornTail
		}
		if len(bytes.TrimSpace(line)) == 0 {
			offset += int64(len(line))
			continue
		}

		ev, derr := decodeLine(line)
		if derr == nil && ev.Seq <= prev {
			derr = fmt.Errorf("seq %d is not after %d", ev.Seq, prev)
		}
		if derr != nil {
			if _, perr := br.Peek(1); errors.Is(perr, io.EOF) {
				return offset, errTornTail
			}
			return offset, &CorruptionError{Seq: prev, Offset: offset, Cause: derr}
		}

		if err := handler(ev); err != nil {
			return offset, err
		}
		prev = ev.Seq
		offset += int64(len(line))
	}
}

func decodeLine(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, err
	}
	if ev.Seq == 0 {
		return ev, errors.New("missing seq")
	}
	if !Verify(ev) {
		return ev, &ChecksumError{
			Seq:      ev.Seq,
			Expected: Checksum(ev.Seq, ev.Type, ev.Data),
			Actual:   ev.Checksum,
		}
	}
	return ev, nil
}

package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查、輸出與修復日誌檔案（供 CLI 使用）
// ============================================================================

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Stats 日誌統計資訊
type Stats struct {
	Path       string            `json:"path"`
	Size       int64             `json:"size"`
	Events     int               `json:"events"`
	EventTypes map[EventType]int `json:"event_types"`
	FirstSeq   uint64            `json:"first_seq"`
	LastSeq    uint64            `json:"last_seq"`
	First      time.Time         `json:"first"`
	Last       time.Time         `json:"last"`
	TornTail   bool              `json:"torn_tail"` // 尾端有不完整的紀錄（下次開啟時截掉）
}

// Inspect 掃描整個檔案並統計；中間損毀時回傳 *CorruptionError
func Inspect(path string) (*Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	st := &Stats{Path: path, Size: info.Size(), EventTypes: make(map[EventType]int)}
	_, err = scan(file, func(ev Event) error {
		if st.Events == 0 {
			st.FirstSeq = ev.Seq
			st.First = ev.Time()
		}
		st.Events++
		st.EventTypes[ev.Type]++
		st.LastSeq = ev.Seq
		st.Last = ev.Time()
		return nil
	})
	if errors.Is(err, errTornTail) {
		st.TornTail = true
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Dump 以人類可讀格式輸出每筆事件
//
//	[seq:1] task.create 2024-03-01T10:00:00.000Z crc=0x1a2b3c4d {"at":...}
func Dump(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: failed to open %s: %w", path, err)
	}
	defer file.Close()

	_, err = scan(file, func(ev Event) error {
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s crc=0x%08x %s\n",
			ev.Seq, ev.Type, ev.Time().Format("2006-01-02T15:04:05.000Z07:00"), ev.Checksum, ev.Data)
		return err
	})
	if errors.Is(err, errTornTail) {
		_, err = fmt.Fprintln(w, "(torn record at end of file)")
	}
	return err
}

// Repair 把 srcPath 中所有有效的事件寫到 dstPath，略過無法解析、校驗失敗或序號倒退的紀錄
//
// 序號保持不變，快照記錄的位置仍然有效。
func Repair(srcPath, dstPath string) (kept, dropped int, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: failed to open %s: %w", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, 0, err
	}
	tmpPath := dstPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: failed to create %s: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	br := bufio.NewReader(src)
	bw := bufio.NewWriter(dst)
	enc := newEncoder(bw)
	var prev uint64
	for {
		line, rerr := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			ev, derr := decodeLine(line)
			if derr != nil || ev.Seq <= prev {
				dropped++
			} else {
				if err := enc.Encode(ev); err != nil {
					dst.Close()
					return kept, dropped, err
				}
				prev = ev.Seq
				kept++
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				dst.Close()
				return kept, dropped, fmt.Errorf("wal: read failed: %w", rerr)
			}
			break
		}
	}

	if err := bw.Flush(); err != nil {
		dst.Close()
		return kept, dropped, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return kept, dropped, err
	}
	if err := dst.Close(); err != nil {
		return kept, dropped, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return kept, dropped, fmt.Errorf("wal: failed to write %s: %w", dstPath, err)
	}
	return kept, dropped, nil
}

package wal

// ============================================================================
// WAL 錯誤定義
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted 檔案中間有無法解析或校驗失敗的紀錄
	ErrCorrupted = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch 校驗和不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrClosed WAL 已關閉
	ErrClosed = errors.New("wal: already closed")
)

// ChecksumError 帶有序號與校驗值的校驗錯誤
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError 檔案損毀的位置與原因
type CorruptionError struct {
	Seq    uint64 // 最後一筆有效紀錄的序號
	Offset int64  // 損毀紀錄的位元組位移
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at offset %d after seq=%d: %v", e.Offset, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

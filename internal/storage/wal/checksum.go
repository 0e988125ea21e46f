package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum 以 CRC32-IEEE 計算 seq、type 與 data 的校驗和
//
// Timestamp 不納入，Compact 重寫檔案時不影響校驗結果。
func Checksum(seq uint64, eventType EventType, data []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write([]byte(eventType))
	h.Write(data)
	return h.Sum32()
}

// Verify 回傳事件的校驗和是否正確
func Verify(event Event) bool {
	return event.Checksum == Checksum(event.Seq, event.Type, event.Data)
}

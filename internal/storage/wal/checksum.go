package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍為 Checksum 欄位歸零後的完整 JSON，
// 因此 payload（task、annotation、failure）的任何變動都會被偵測到。
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}

func jsonLine(event Event) ([]byte, error) {
	line, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

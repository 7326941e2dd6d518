package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（status 指令與測試使用）
// ============================================================================

import (
	"fmt"
	"io"
	"os"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 從頭到尾掃描；檔案不存在時回傳 os.IsNotExist 錯誤，空檔回傳 (nil, nil)。
func GetLastEvent(path string) (*Event, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var last *Event
	err := scan(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// CountEvents 計算 WAL 中的完整事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式與校驗和正確
// - seq 連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return scan(path, func(e Event) error {
		if lastSeq != 0 && e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSeqGap, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] ENQUEUE 39012345 at 2024-12-01T00:00:00Z
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(e Event) error {
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		line := fmt.Sprintf("[Seq:%d] %s %s at %s", e.Seq, e.Type, e.TaskID, ts)
		if e.BatchID != "" {
			line += " batch=" + e.BatchID
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := scan(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

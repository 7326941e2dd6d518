package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務佇列事件到日誌檔案（append-only，一行一個 JSON）
// 2. 提供重放功能以恢復佇列狀態
// 3. 支援日誌旋轉（快照後清空），序號在旋轉後持續遞增
// 4. 確保寫入持久性與資料完整性（可選每次追加都 fsync）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const maxLineSize = 16 << 20

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後寫入的事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	now          func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，先截掉崩潰時寫了一半的最後一行，再讀取最後一個完整事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, syncOnAppend bool) (*WAL, error) {
	if err := trimTornTail(path); err != nil {
		return nil, err
	}

	var seq uint64
	last, err := GetLastEvent(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、填入 timestamp、計算 checksum
// - 寫入一行 JSON；syncOnAppend 時立即 fsync
//
// 回傳寫入後的事件（含 Seq）
func (w *WAL) Append(event Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	event.Seq = w.seq + 1
	event.Timestamp = w.now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	line, err := jsonLine(event)
	if err != nil {
		return Event{}, fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
	}
	if _, err := w.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	w.seq = event.Seq
	return event, nil
}

// Replay 重放 seq 大於 afterSeq 的所有事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 最後一行不完整（寫入中崩潰）時忽略
// - 中間行損壞或 checksum 錯誤時立即停止並回傳錯誤
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return scan(w.path, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// Rotate 旋轉日誌檔案：舊檔保留為 <path>.1，開新檔
//
// 呼叫端必須先寫入包含目前 seq 的快照。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("wal: rotate %s: %w", w.path, err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen %s: %w", w.path, err)
	}
	w.file = newFile
	return nil
}

// AdvanceSeq 將序號推進到至少 seq（用於快照之後的新 WAL 檔）
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// scan 逐行解碼事件；最後一行解析失敗視為崩潰時的不完整寫入而忽略
func scan(path string, fn func(Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		lineNo  int
		pending error // 上一行的解析錯誤，只有在後面還有資料時才算損壞
	)
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			pending = &CorruptionError{Line: lineNo, Cause: err}
			continue
		}
		if !VerifyChecksum(event) {
			return &CorruptionError{Line: lineNo, Cause: &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event),
				Actual:   event.Checksum,
			}}
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// trimTornTail 將檔案截到最後一個以換行結尾的有效事件之後
//
// 沒有換行的最後一行或無法解碼的最後一行視為不完整寫入；之後以 O_APPEND 追加的事件
// 若接在殘行後面，會讓整個檔案在下次重放時變成中間損壞。
// 中間行損壞或 checksum 錯誤時不動檔案，交給 scan 回報。
func trimTornTail(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer file.Close()

	var (
		r      = bufio.NewReaderSize(file, 64*1024)
		offset int64 // 已讀取的位元組數
		good   int64 // 最後一個有效事件之後的位置
		bad    bool  // 已遇到無效行
	)
	for {
		line, err := r.ReadBytes('\n')
		offset += int64(len(line))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("wal: read %s: %w", path, err)
		}
		complete := err == nil
		raw := bytes.TrimSpace(line)
		if len(raw) > 0 {
			if bad {
				return nil
			}
			var event Event
			switch {
			case !complete || json.Unmarshal(raw, &event) != nil:
				bad = true
			case !VerifyChecksum(event):
				return nil
			default:
				good = offset
			}
		} else if complete && !bad {
			good = offset
		}
		if !complete {
			break
		}
	}

	if offset == good {
		return nil
	}
	if err := os.Truncate(path, good); err != nil {
		return fmt.Errorf("wal: truncate torn tail of %s: %w", path, err)
	}
	return nil
}

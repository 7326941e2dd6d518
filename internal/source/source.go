// ============================================================================
// litcurate ExternalSourceClient - 外部文獻服務
// ============================================================================
//
// Package: internal/source
// 文件: source.go
// 功能: 對外部 metadata 服務（E-utilities、PubTator3）發出分頁、限速、
//       可重試的查詢
//
// 錯誤分類:
//   - 暫時性：網路錯誤、HTTP 429、HTTP 5xx → 以固定 retry_delay 重試
//   - 重試用盡：回傳 *UnavailableError（errors.Is(err, ErrSourceUnavailable)）
//   - 其他 4xx / 回應無法解析：立即回傳，不重試
//
// 本套件不修改任何本地狀態；呼叫端負責持久化結果。
//
// ============================================================================

package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

var (
	// ErrSourceUnavailable 重試預算用盡後的外部服務錯誤
	ErrSourceUnavailable = errors.New("source: unavailable after retries")
	// ErrBadResponse 回應內容無法解析
	ErrBadResponse = errors.New("source: malformed response")
)

// Page 一頁查詢結果；Next 為空字串代表沒有下一頁
type Page struct {
	Records []types.Record
	Next    string
	Total   int
}

// Source 以日期區間分頁查詢文獻紀錄
type Source interface {
	Fetch(ctx context.Context, r types.DateRange, cursor string) (Page, error)
}

// Annotator 查詢每筆紀錄最常出現的物種與基因
type Annotator interface {
	Annotate(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error)
}

// MetadataFetcher 查詢標題、摘要與 MeSH
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error)
}

// UnavailableError 重試用盡時的詳細資訊
type UnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source: %s unavailable after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// StatusError 非 2xx 的 HTTP 回應
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "source: unexpected status " + e.Status
}

// Temporary 429 與 5xx 視為暫時性錯誤
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// FetchAll 逐頁讀取整個日期區間；任何一頁失敗即回傳錯誤
func FetchAll(ctx context.Context, src Source, r types.DateRange) ([]types.Record, error) {
	var (
		out    []types.Record
		cursor string
	)
	for {
		page, err := src.Fetch(ctx, r, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.Next == "" {
			return out, nil
		}
		cursor = page.Next
	}
}

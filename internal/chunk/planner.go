// ============================================================================
// litcurate ChunkPlanner - 工作切塊
// ============================================================================
//
// Package: internal/chunk
// 文件: planner.go
// 功能: 將日期區間或 ID 清單切成有界的 Chunk，並逐一執行
//
// 兩種尺寸互相獨立：
//   - 收集階段以「天數」切塊（days_per_chunk_collection）
//   - 註解 / metadata / agent 階段以「筆數」切塊（chunk_size_*）
//
// 切塊保證：
//   - PlanDates 的區間首尾相接，覆蓋 [start, end]（含兩端）
//   - PlanItems 產生 ceil(L/size) 個 chunk，依序串接可還原輸入
//
// ============================================================================

package chunk

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

var (
	// ErrInvalidSize chunk 大小必須為正
	ErrInvalidSize = errors.New("chunk: size must be positive")
	// ErrInvalidRange 結束日期早於開始日期
	ErrInvalidRange = errors.New("chunk: end before start")
)

const day = 24 * time.Hour

// PlanDates 將 [start, end] 切成每塊最多 daysPerChunk 天的連續區間
//
// 範例：2024-12-01..2024-12-03，每塊 1 天 → 3 個 chunk
func PlanDates(stage string, start, end time.Time, daysPerChunk int) ([]types.Chunk, error) {
	if daysPerChunk <= 0 {
		return nil, ErrInvalidSize
	}
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var chunks []types.Chunk
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, daysPerChunk) {
		last := cur.AddDate(0, 0, daysPerChunk-1)
		if last.After(end) {
			last = end
		}
		chunks = append(chunks, types.Chunk{
			Index:  len(chunks),
			Stage:  stage,
			Range:  &types.DateRange{Start: cur, End: last},
			Status: types.ChunkPending,
		})
	}
	return chunks, nil
}

// PlanItems 將 ids 切成每塊最多 size 筆，保留原順序
//
// 範例：900 筆，每塊 400 → [400, 400, 100]
func PlanItems(stage string, ids []types.RecordID, size int) ([]types.Chunk, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	chunks := make([]types.Chunk, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		j := i + size
		if j > len(ids) {
			j = len(ids)
		}
		items := make([]types.RecordID, j-i)
		copy(items, ids[i:j])
		chunks = append(chunks, types.Chunk{
			Index:  len(chunks),
			Stage:  stage,
			Items:  items,
			Status: types.ChunkPending,
		})
	}
	return chunks, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

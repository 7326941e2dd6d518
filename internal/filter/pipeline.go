// ============================================================================
// litcurate FilterPipeline - 有序過濾階段
// ============================================================================
//
// Package: internal/filter
// 文件: pipeline.go
// 功能: 依序執行命名的過濾階段，每個階段輸出為輸入的子集，
//       被保留與被移除的每一筆紀錄都附帶理由
//
// 持久化:
//   - 每個階段結果寫入 <dir>/<stage>_<run_date>.jsonl（原子寫入，一行一個判定）後才開始下一階段
//   - 重新執行時，已存在結果的階段直接載入、不再計算
//
// 決定性:
//   - 相同輸入（含順序）與相同參考表 → 位元組完全相同的輸出
//
// ============================================================================

package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// ErrResultCorrupted 已持久化的階段結果有無法解析的行
var ErrResultCorrupted = errors.New("filter: stage result corrupted")

// Pipeline 有序的過濾階段
type Pipeline struct {
	stages  []Stage
	ref     *Reference
	dir     string
	runDate string
	logger  *slog.Logger
}

// NewPipeline 建立過濾管線；dir 為空字串時不持久化
func NewPipeline(dir, runDate string, ref *Reference, logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	return &Pipeline{stages: stages, ref: ref, dir: dir, runDate: runDate, logger: logger}
}

// ResultPath 某階段結果的持久化路徑
func (p *Pipeline) ResultPath(stage string) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s_%s.jsonl", stage, p.runDate))
}

// verdictRow 結果檔的一行：一筆紀錄在某階段的判定
type verdictRow struct {
	Stage   string       `json:"stage"`
	RunDate string       `json:"run_date"`
	Kept    bool         `json:"kept"`
	Reason  string       `json:"reason"`
	Record  types.Record `json:"record"`
}

// Run 依序執行所有階段，回傳最後的存活紀錄與每階段結果
func (p *Pipeline) Run(ctx context.Context, records []types.Record) ([]types.Record, []types.FilterStageResult, error) {
	current := records
	results := make([]types.FilterStageResult, 0, len(p.stages))

	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, results, err
		}

		result, loaded, err := p.load(stage.Name())
		if err != nil {
			return nil, results, err
		}
		if loaded {
			p.logger.Info("filter stage already done, skipping",
				"stage", stage.Name(), "kept", len(result.Kept), "dropped", len(result.Dropped))
		} else {
			result = Apply(stage, p.runDate, current, p.ref)
			if p.dir != "" {
				if err := writeResult(p.ResultPath(stage.Name()), result); err != nil {
					return nil, results, fmt.Errorf("persist filter stage %s: %w", stage.Name(), err)
				}
			}
			p.logger.Info("filter stage done",
				"stage", stage.Name(), "input", len(current), "kept", len(result.Kept), "dropped", len(result.Dropped))
		}

		results = append(results, result)
		current = result.Survivors()
	}
	return current, results, nil
}

// Apply 對 records 執行單一階段；保留輸入順序
func Apply(stage Stage, runDate string, records []types.Record, ref *Reference) types.FilterStageResult {
	result := types.FilterStageResult{
		Stage:   stage.Name(),
		RunDate: runDate,
		Kept:    make([]types.Verdict, 0, len(records)),
		Dropped: make([]types.Verdict, 0),
	}
	for _, rec := range records {
		keep, reason := stage.Decide(rec, ref)
		v := types.Verdict{Record: rec, Reason: reason}
		if keep {
			result.Kept = append(result.Kept, v)
		} else {
			result.Dropped = append(result.Dropped, v)
		}
	}
	return result
}

func (p *Pipeline) load(stage string) (types.FilterStageResult, bool, error) {
	result := types.FilterStageResult{Stage: stage, RunDate: p.runDate, Kept: []types.Verdict{}, Dropped: []types.Verdict{}}
	if p.dir == "" {
		return result, false, nil
	}
	path := p.ResultPath(stage)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, false, nil
		}
		return result, false, fmt.Errorf("load filter stage %s: %w", stage, err)
	}

	rows, rr, err := jsonl.Read[verdictRow](path)
	if err != nil {
		return result, false, fmt.Errorf("load filter stage %s: %w", stage, err)
	}
	if rr.Skipped > 0 {
		return result, false, fmt.Errorf("%w: %s has %d unreadable lines", ErrResultCorrupted, path, rr.Skipped)
	}
	for _, r := range rows {
		v := types.Verdict{Record: r.Record, Reason: r.Reason}
		if r.Kept {
			result.Kept = append(result.Kept, v)
		} else {
			result.Dropped = append(result.Dropped, v)
		}
	}
	return result, true, nil
}

// writeResult 原子寫入結果檔：先 kept 再 dropped，各自保持輸入順序
func writeResult(path string, result types.FilterStageResult) error {
	rows := make([]verdictRow, 0, len(result.Kept)+len(result.Dropped))
	for _, v := range result.Kept {
		rows = append(rows, verdictRow{Stage: result.Stage, RunDate: result.RunDate, Kept: true, Reason: v.Reason, Record: v.Record})
	}
	for _, v := range result.Dropped {
		rows = append(rows, verdictRow{Stage: result.Stage, RunDate: result.RunDate, Reason: v.Reason, Record: v.Record})
	}
	return jsonl.WriteAtomic(path, rows)
}

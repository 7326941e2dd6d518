// ============================================================================
// litcurate Aggregate - Result Aggregator
// ============================================================================
//
// Package: internal/aggregate
// 文件: aggregate.go
// 功能: 合併所有 worker sink，並從 transcript 回收缺漏的結果
//
// 流程:
//   1. 依批次序號讀取 sinks/batch-*.jsonl，同一 id 以最後寫入者為準
//   2. 預期 id 不在任何 sink、也沒有佇列失敗標記 → 掃描 logs/batch-*.log：
//        a. 該 PMID 的 "Paper N: PMID=X" 區段 → agent.ParseAnnotation
//        b. 整份 transcript 中明確帶有該 pmid 的物件 → agent.FindAnnotation
//   3. 不在任何 sink 但佇列已標記失敗（例如 worker_lost）→ 採用佇列的 FailureMarker
//   4. 以上都找不到 → unrecovered（明確列出，不猜測）
//   5. 計數 {attempted, succeeded, failed, unrecovered} 一律回報
//
// ============================================================================

package aggregate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/litcurate/internal/agent"
	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/internal/worker"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// Source 結果的來源
type Source string

const (
	SourceSink       Source = "sink"
	SourceTranscript Source = "transcript"
	SourceQueue      Source = "queue"
)

// Entry 單一 id 的合併結果
type Entry struct {
	RecordID   types.RecordID              `json:"pmid"`
	Source     Source                      `json:"source"`
	Annotation *types.StructuredAnnotation `json:"annotation,omitempty"`
	Failure    *types.FailureMarker        `json:"failure,omitempty"`
}

// Result 合併後的資料集
type Result struct {
	Entries     []Entry          `json:"entries"` // 依預期順序
	Unrecovered []types.RecordID `json:"unrecovered"`
	Counts      types.RunCounts  `json:"counts"`
	Sinks       int              `json:"sinks"`
	Transcripts int              `json:"transcripts"`
	Skipped     int              `json:"skipped_lines"` // sink 中無法解析的行
}

// Annotations 回傳所有 annotation（依預期順序）
func (r Result) Annotations() []types.StructuredAnnotation {
	var out []types.StructuredAnnotation
	for _, e := range r.Entries {
		if e.Annotation != nil {
			out = append(out, *e.Annotation)
		}
	}
	return out
}

// Failures 回傳所有 FailureMarker
func (r Result) Failures() []types.FailureMarker {
	var out []types.FailureMarker
	for _, e := range r.Entries {
		if e.Failure != nil {
			out = append(out, *e.Failure)
		}
	}
	return out
}

// Aggregator 合併執行目錄下的 sinks 與 transcripts
type Aggregator struct {
	layout   worker.Layout
	logger   *slog.Logger
	failures map[types.RecordID]types.FailureMarker
}

// New 建立 Aggregator
func New(layout worker.Layout, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{layout: layout, logger: logger}
}

// WithFailures 加入佇列端的 FailureMarker（沒有 sink 結果的失敗任務，例如 worker_lost）
func (a *Aggregator) WithFailures(markers []types.FailureMarker) *Aggregator {
	a.failures = make(map[types.RecordID]types.FailureMarker, len(markers))
	for _, m := range markers {
		a.failures[m.RecordID] = m
	}
	return a
}

// Aggregate 合併 expected 中每個 id 的結果
//
// expected 為空時，以 sinks 中出現過的 id（依首次出現順序）為預期集合。
func (a *Aggregator) Aggregate(expected []types.RecordID) (Result, error) {
	var res Result

	merged, order, err := a.mergeSinks(&res)
	if err != nil {
		return Result{}, err
	}
	if len(expected) == 0 {
		expected = order
	}

	var missing []types.RecordID
	seen := make(map[types.RecordID]bool, len(expected))
	for _, id := range expected {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := merged[id]; ok {
			continue
		}
		if _, ok := a.failures[id]; !ok {
			missing = append(missing, id)
		}
	}

	recovered := map[types.RecordID]types.StructuredAnnotation{}
	if len(missing) > 0 {
		recovered, err = a.scanTranscripts(missing, &res)
		if err != nil {
			return Result{}, err
		}
	}

	seen = make(map[types.RecordID]bool, len(expected))
	for _, id := range expected {
		if seen[id] {
			continue
		}
		seen[id] = true
		res.Counts.Attempted++

		if o, ok := merged[id]; ok {
			e := Entry{RecordID: id, Source: SourceSink, Annotation: o.Annotation, Failure: o.Failure}
			res.Entries = append(res.Entries, e)
			if o.Annotation != nil {
				res.Counts.Succeeded++
			} else {
				res.Counts.Failed++
			}
			continue
		}
		if m, ok := a.failures[id]; ok {
			res.Entries = append(res.Entries, Entry{RecordID: id, Source: SourceQueue, Failure: &m})
			res.Counts.Failed++
			continue
		}
		if ann, ok := recovered[id]; ok {
			res.Entries = append(res.Entries, Entry{RecordID: id, Source: SourceTranscript, Annotation: &ann})
			res.Counts.Succeeded++
			continue
		}
		res.Unrecovered = append(res.Unrecovered, id)
		res.Counts.Unrecovered++
	}

	a.logger.Info("aggregated results",
		"attempted", res.Counts.Attempted, "succeeded", res.Counts.Succeeded,
		"failed", res.Counts.Failed, "unrecovered", res.Counts.Unrecovered,
		"recovered_from_transcripts", len(recovered), "sinks", res.Sinks)
	return res, nil
}

// Outcomes 回傳所有 sink 合併後每個 id 的最後結果（供重啟時 reconcile）
func (a *Aggregator) Outcomes() (map[types.RecordID]types.Outcome, error) {
	var res Result
	merged, _, err := a.mergeSinks(&res)
	return merged, err
}

// mergeSinks 依批次序號合併 sinks，最後寫入者為準
func (a *Aggregator) mergeSinks(res *Result) (map[types.RecordID]types.Outcome, []types.RecordID, error) {
	paths, err := listFiles(a.layout.SinkDir(), "batch-*.jsonl")
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[types.RecordID]types.Outcome)
	var order []types.RecordID
	for _, path := range paths {
		outcomes, rr, err := jsonl.Read[types.Outcome](path)
		if err != nil {
			return nil, nil, fmt.Errorf("aggregate: read sink %s: %w", path, err)
		}
		res.Sinks++
		res.Skipped += rr.Skipped
		if rr.Skipped > 0 {
			a.logger.Warn("sink has unreadable lines", "sink", filepath.Base(path), "skipped", rr.Skipped)
		}
		for _, o := range outcomes {
			if o.RecordID == "" || (o.Annotation == nil && o.Failure == nil) {
				continue
			}
			if _, ok := merged[o.RecordID]; !ok {
				order = append(order, o.RecordID)
			}
			merged[o.RecordID] = o
		}
	}
	return merged, order, nil
}

// scanTranscripts 從 transcripts 回收 missing 中的 id
func (a *Aggregator) scanTranscripts(missing []types.RecordID, res *Result) (map[types.RecordID]types.StructuredAnnotation, error) {
	paths, err := listFiles(a.layout.TranscriptDir(), "batch-*.log")
	if err != nil {
		return nil, err
	}

	recovered := make(map[types.RecordID]types.StructuredAnnotation)
	// 後面的批次優先，與 sink 的最後寫入者規則一致
	for i := len(paths) - 1; i >= 0; i-- {
		raw, err := os.ReadFile(paths[i])
		if err != nil {
			return nil, fmt.Errorf("aggregate: read transcript %s: %w", paths[i], err)
		}
		res.Transcripts++
		text := string(raw)
		sections := SplitTranscript(text)

		for _, id := range missing {
			if _, done := recovered[id]; done {
				continue
			}
			if ann, ok := recoverOne(id, text, sections); ok {
				recovered[id] = ann
				a.logger.Debug("recovered from transcript", "task", id, "transcript", filepath.Base(paths[i]))
			}
		}
	}
	return recovered, nil
}

func recoverOne(id types.RecordID, text string, sections []Section) (types.StructuredAnnotation, bool) {
	for j := len(sections) - 1; j >= 0; j-- {
		if sections[j].PMID != id {
			continue
		}
		if ann, err := agent.ParseAnnotation(id, sections[j].Body); err == nil {
			return ann, true
		}
	}
	return agent.FindAnnotation(id, text)
}

// listFiles 回傳 dir 中符合 pattern 的檔案（依名稱排序，即批次序號）
func listFiles(dir, pattern string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("aggregate: glob %s: %w", pattern, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ============================================================================
// litcurate Collect - 前半段管線（收集 → 標註 → metadata → 過濾 → 入列）
// ============================================================================
//
// Package: internal/collect
// 文件: collect.go
// 功能: 以 chunk 為單位呼叫外部服務，並把每個階段的結果持久化
//
// 階段:
//   1. collection  以日期 chunk 分頁查詢 PMID
//   2. annotation  PubTator 物種 / 基因
//   3. metadata    標題、摘要、MeSH
//   4. filter      參考表過濾（internal/filter）
//   5. enqueue     倖存紀錄寫入 AgentTaskQueue
//
// 可恢復性:
//   - 每個階段寫入 <dir>/<stage>_<period>.jsonl（原子寫入）：先是每個 chunk 的狀態行，
//     再是每筆輸出紀錄一行（標記所屬 chunk）
//   - 重新執行時，已退役的 chunk 不再呼叫外部服務；失敗的 chunk 重新排入
//   - 失敗 chunk 內的紀錄不會進入下一階段，直到該 chunk 成功
//
// ============================================================================

package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/litcurate/internal/chunk"
	"github.com/ChuLiYu/litcurate/internal/filter"
	"github.com/ChuLiYu/litcurate/internal/metrics"
	"github.com/ChuLiYu/litcurate/internal/source"
	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// 階段名稱
const (
	StageCollection = "collection"
	StageAnnotation = "annotation"
	StageMetadata   = "metadata"
)

var (
	// ErrIncomplete 有 chunk 失敗；已成功的部分照常往下游推進
	ErrIncomplete = errors.New("collect: some chunks failed")
	// ErrStageCorrupted 階段檔案有無法解析的行
	ErrStageCorrupted = errors.New("collect: stage file corrupted")
)

// Sources 外部服務
type Sources struct {
	Search    source.Source
	Annotator source.Annotator
	Metadata  source.MetadataFetcher
}

// Options 前半段管線參數
type Options struct {
	Dir                 string // 階段檔案目錄
	Period              string // 檔名中的 start_end
	RunDate             string // 過濾結果的日期鍵
	Start, End          time.Time
	DaysPerChunk        int
	ChunkSizeAnnotation int
	ChunkSizeFilter     int
	ChunkAttempts       int
	RetryDelay          time.Duration
}

// StageFile 單一階段的持久化結果
type StageFile struct {
	Stage   string
	Period  string
	Chunks  []types.Chunk
	Records map[int][]types.Record // chunk index → 該 chunk 的輸出
}

// stageRow 階段檔案的一行：chunk 狀態或一筆紀錄
type stageRow struct {
	Stage  string        `json:"stage"`
	Period string        `json:"period"`
	Chunk  *types.Chunk  `json:"chunk,omitempty"`
	Index  int           `json:"chunk_index"`
	Record *types.Record `json:"record,omitempty"`
}

// WriteStageFile 原子寫入階段檔案
func WriteStageFile(path string, f StageFile) error {
	rows := make([]stageRow, 0, len(f.Chunks))
	for i := range f.Chunks {
		c := f.Chunks[i]
		rows = append(rows, stageRow{Stage: f.Stage, Period: f.Period, Chunk: &c, Index: c.Index})
	}
	for _, c := range f.Chunks {
		for i := range f.Records[c.Index] {
			rec := f.Records[c.Index][i]
			rows = append(rows, stageRow{Stage: f.Stage, Period: f.Period, Index: c.Index, Record: &rec})
		}
	}
	return jsonl.WriteAtomic(path, rows)
}

// ReadStageFile 讀取階段檔案；檔案不存在時回傳 os.ErrNotExist
func ReadStageFile(path string) (StageFile, error) {
	f := StageFile{Records: map[int][]types.Record{}}
	if _, err := os.Stat(path); err != nil {
		return f, err
	}
	rows, rr, err := jsonl.Read[stageRow](path)
	if err != nil {
		return f, err
	}
	if rr.Skipped > 0 {
		return f, fmt.Errorf("%w: %s has %d unreadable lines", ErrStageCorrupted, path, rr.Skipped)
	}
	for _, r := range rows {
		f.Stage, f.Period = r.Stage, r.Period
		switch {
		case r.Chunk != nil:
			f.Chunks = append(f.Chunks, *r.Chunk)
		case r.Record != nil:
			f.Records[r.Index] = append(f.Records[r.Index], *r.Record)
		}
	}
	return f, nil
}

// Output 依 chunk 順序串接所有成功 chunk 的紀錄
func (f StageFile) Output() []types.Record {
	var out []types.Record
	for _, c := range f.Chunks {
		if c.Status == types.ChunkSucceeded {
			out = append(out, f.Records[c.Index]...)
		}
	}
	return out
}

// StageReport 單一階段的摘要
type StageReport struct {
	Stage     string `json:"stage"`
	Chunks    int    `json:"chunks"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Records   int    `json:"records"`
	Resumed   bool   `json:"resumed"` // 全部從檔案載入，未呼叫外部服務
}

// Report 一次 collect 的結果
type Report struct {
	Stages    []StageReport `json:"stages"`
	Survivors int           `json:"survivors"`
	Enqueued  int           `json:"enqueued"`
}

// Pipeline 前半段管線
type Pipeline struct {
	src     Sources
	ref     *filter.Reference
	store   *taskqueue.Store
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New 建立前半段管線；store 為 nil 時不入列
func New(src Sources, ref *filter.Reference, store *taskqueue.Store, opts Options, logger *slog.Logger, m *metrics.Collector) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{src: src, ref: ref, store: store, opts: opts, logger: logger, metrics: m}
}

// StagePath 階段檔案路徑
func (p *Pipeline) StagePath(stage string) string {
	return filepath.Join(p.opts.Dir, fmt.Sprintf("%s_%s.jsonl", stage, p.opts.Period))
}

// FilterDir 過濾結果目錄
func (p *Pipeline) FilterDir() string {
	return filepath.Join(p.opts.Dir, "filter")
}

// Run 執行全部階段。有 chunk 失敗時仍會完成下游階段並入列，最後回傳 ErrIncomplete。
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var (
		report     Report
		incomplete bool
	)

	collected, sr, err := p.collection(ctx)
	report.Stages = append(report.Stages, sr)
	if err != nil {
		return report, err
	}
	incomplete = incomplete || sr.Failed > 0

	annotated, sr, err := p.itemStage(ctx, StageAnnotation, collected, p.opts.ChunkSizeAnnotation, p.src.Annotator.Annotate)
	report.Stages = append(report.Stages, sr)
	if err != nil {
		return report, err
	}
	incomplete = incomplete || sr.Failed > 0

	enriched, sr, err := p.itemStage(ctx, StageMetadata, annotated, p.opts.ChunkSizeFilter, p.src.Metadata.FetchMetadata)
	report.Stages = append(report.Stages, sr)
	if err != nil {
		return report, err
	}
	incomplete = incomplete || sr.Failed > 0

	// 上游有新結果時，舊的過濾結果已過期
	stale := false
	for _, st := range report.Stages {
		stale = stale || !st.Resumed
	}
	survivors, _, err := p.runFilter(ctx, enriched, stale)
	if err != nil {
		return report, err
	}
	report.Survivors = len(survivors)

	if p.store != nil {
		added, err := p.store.Enqueue(survivors)
		report.Enqueued = len(added)
		p.metrics.RecordEnqueue(len(added))
		if err != nil {
			return report, fmt.Errorf("collect: enqueue: %w", err)
		}
		if err := p.store.Checkpoint(); err != nil {
			return report, err
		}
	}

	p.logger.Info("collect finished", "survivors", report.Survivors, "enqueued", report.Enqueued, "incomplete", incomplete)
	if incomplete {
		return report, ErrIncomplete
	}
	return report, nil
}

// Filter 以已持久化的 metadata 階段重新執行過濾；force 會先移除既有過濾結果
func (p *Pipeline) Filter(ctx context.Context, force bool) ([]types.Record, []types.FilterStageResult, error) {
	f, err := ReadStageFile(p.StagePath(StageMetadata))
	if err != nil {
		return nil, nil, fmt.Errorf("collect: load %s stage: %w", StageMetadata, err)
	}
	return p.runFilter(ctx, f.Output(), force)
}

func (p *Pipeline) runFilter(ctx context.Context, records []types.Record, force bool) ([]types.Record, []types.FilterStageResult, error) {
	fp := filter.NewPipeline(p.FilterDir(), p.opts.RunDate, p.ref, p.logger)
	if force {
		for _, s := range filter.DefaultStages() {
			if err := os.Remove(fp.ResultPath(s.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, nil, fmt.Errorf("collect: remove stale filter result: %w", err)
			}
		}
	}
	return fp.Run(ctx, records)
}

func (p *Pipeline) collection(ctx context.Context) ([]types.Record, StageReport, error) {
	plan := func(existing []types.Chunk) ([]types.Chunk, error) {
		if len(existing) > 0 {
			return nil, nil
		}
		return chunk.PlanDates(StageCollection, p.opts.Start, p.opts.End, p.opts.DaysPerChunk)
	}
	fn := func(ctx context.Context, c *types.Chunk) ([]types.Record, error) {
		recs, err := source.FetchAll(ctx, p.src.Search, *c.Range)
		if err != nil {
			return nil, err
		}
		return dedupe(recs), nil
	}
	recs, sr, err := p.runStage(ctx, StageCollection, plan, fn)
	return dedupe(recs), sr, err
}

type lookupFunc func(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error)

// itemStage 以 size 分塊查詢 lookup，並把結果併入每筆紀錄
func (p *Pipeline) itemStage(ctx context.Context, stage string, in []types.Record, size int, lookup lookupFunc) ([]types.Record, StageReport, error) {
	byID := make(map[types.RecordID]types.Record, len(in))
	ids := make([]types.RecordID, 0, len(in))
	for _, r := range in {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	// 上游補上的紀錄（例如重跑成功的 chunk）另外分塊追加
	plan := func(existing []types.Chunk) ([]types.Chunk, error) {
		covered := make(map[types.RecordID]bool)
		for _, c := range existing {
			for _, id := range c.Items {
				covered[id] = true
			}
		}
		var missing []types.RecordID
		for _, id := range ids {
			if !covered[id] {
				missing = append(missing, id)
			}
		}
		chunks, err := chunk.PlanItems(stage, missing, size)
		for i := range chunks {
			chunks[i].Index += len(existing)
		}
		return chunks, err
	}
	fn := func(ctx context.Context, c *types.Chunk) ([]types.Record, error) {
		found, err := lookup(ctx, c.Items)
		if err != nil {
			return nil, err
		}
		out := make([]types.Record, 0, len(c.Items))
		for _, id := range c.Items {
			rec, ok := byID[id]
			if !ok {
				rec = types.Record{ID: id}
			}
			if pl, ok := found[id]; ok {
				rec.Payload = mergePayload(rec.Payload, pl)
			}
			rec.Provenance = stage
			out = append(out, rec)
		}
		return out, nil
	}
	return p.runStage(ctx, stage, plan, fn)
}

// runStage 載入或建立階段檔案，執行尚未退役的 chunk 並持久化
func (p *Pipeline) runStage(
	ctx context.Context,
	stage string,
	plan func(existing []types.Chunk) ([]types.Chunk, error),
	fn func(ctx context.Context, c *types.Chunk) ([]types.Record, error),
) ([]types.Record, StageReport, error) {
	sr := StageReport{Stage: stage}
	path := p.StagePath(stage)

	f, loaded, err := p.loadStage(stage)
	if err != nil {
		return nil, sr, err
	}
	f.Stage, f.Period = stage, p.opts.Period
	if f.Records == nil {
		f.Records = map[int][]types.Record{}
	}
	extra, err := plan(f.Chunks)
	if err != nil {
		return nil, sr, fmt.Errorf("collect: plan %s: %w", stage, err)
	}
	f.Chunks = append(f.Chunks, extra...)

	pending := 0
	for i := range f.Chunks {
		c := &f.Chunks[i]
		if c.Status == types.ChunkFailed {
			c.Status = types.ChunkPending
			c.Attempts = 0
		}
		if !c.Retired() {
			pending++
		}
	}
	sr.Chunks = len(f.Chunks)
	sr.Resumed = loaded && pending == 0

	if pending > 0 {
		p.logger.Info("stage started", "stage", stage, "chunks", len(f.Chunks), "pending", pending, "resumed", loaded)
		runner := chunk.Runner{MaxAttempts: p.opts.ChunkAttempts, Delay: p.opts.RetryDelay, Logger: p.logger}
		before := f.Chunks
		rep, runErr := runner.Run(ctx, f.Chunks, func(ctx context.Context, c *types.Chunk) error {
			recs, err := fn(ctx, c)
			if err != nil {
				return err
			}
			f.Records[c.Index] = recs
			return nil
		})
		f.Chunks = rep.Chunks
		for i, c := range f.Chunks {
			if !before[i].Retired() && c.Retired() {
				p.metrics.RecordChunk(stage, c.Status == types.ChunkSucceeded)
			}
		}
		if err := WriteStageFile(path, f); err != nil {
			return nil, sr, fmt.Errorf("collect: persist %s stage: %w", stage, err)
		}
		if runErr != nil {
			return nil, sr, runErr
		}
	}

	for _, c := range f.Chunks {
		switch c.Status {
		case types.ChunkSucceeded:
			sr.Succeeded++
		case types.ChunkFailed:
			sr.Failed++
		}
	}
	out := f.Output()
	sr.Records = len(out)
	p.logger.Info("stage done", "stage", stage, "chunks", sr.Chunks, "succeeded", sr.Succeeded,
		"failed", sr.Failed, "records", sr.Records, "resumed", sr.Resumed)
	return out, sr, nil
}

func (p *Pipeline) loadStage(stage string) (StageFile, bool, error) {
	f, err := ReadStageFile(p.StagePath(stage))
	if errors.Is(err, os.ErrNotExist) {
		return f, false, nil
	}
	if err != nil {
		return f, false, fmt.Errorf("collect: load %s stage: %w", stage, err)
	}
	return f, true, nil
}

// mergePayload 以 add 中的非空欄位覆蓋 base
func mergePayload(base, add types.Payload) types.Payload {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&base.Title, add.Title)
	set(&base.Abstract, add.Abstract)
	set(&base.MeSH, add.MeSH)
	set(&base.SpeciesName, add.SpeciesName)
	set(&base.SpeciesID, add.SpeciesID)
	set(&base.GeneName, add.GeneName)
	set(&base.GeneID, add.GeneID)
	return base
}

// dedupe 保留每個 id 第一次出現的紀錄
func dedupe(recs []types.Record) []types.Record {
	seen := make(map[types.RecordID]bool, len(recs))
	out := recs[:0:0]
	for _, r := range recs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

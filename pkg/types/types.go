// Package types 定義了 litcurate 管線中使用的核心領域模型
package types

import (
	"time"
)

// RecordID 文獻紀錄唯一識別碼（PubMed PMID）
type RecordID string

// Payload 文獻紀錄的內容欄位
type Payload struct {
	Title       string `json:"title,omitempty"`
	Abstract    string `json:"abstract,omitempty"`
	MeSH        string `json:"mesh,omitempty"`
	SpeciesName string `json:"species_name,omitempty"` // PubTator 最常出現的物種
	SpeciesID   string `json:"species_id,omitempty"`   // NCBI Taxonomy ID
	GeneName    string `json:"gene_name,omitempty"`    // PubTator 最常出現的基因
	GeneID      string `json:"gene_id,omitempty"`      // NCBI Gene ID
}

// Record 一筆文獻紀錄，代表管線中流動的基本單位
type Record struct {
	ID         RecordID `json:"id"`
	Payload    Payload  `json:"payload"`
	Provenance string   `json:"provenance"` // 產生或驗證此紀錄的階段名稱
}

// ============================================================================
// Chunk
// ============================================================================

// ChunkStatus Chunk 執行狀態
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkSucceeded  ChunkStatus = "succeeded"
	ChunkFailed     ChunkStatus = "failed"
)

// DateRange 以日為單位的閉區間 [Start, End]
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days 回傳區間涵蓋的天數
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Chunk 某個管線階段的有界工作單位
// 由 ChunkPlanner 建立，只由執行它的階段修改
type Chunk struct {
	Index       int         `json:"index"`
	Stage       string      `json:"stage"`
	Items       []RecordID  `json:"items,omitempty"`
	Range       *DateRange  `json:"range,omitempty"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Status      ChunkStatus `json:"status"`
	LastError   string      `json:"last_error,omitempty"`
}

// Retired 已成功或重試次數用盡
func (c *Chunk) Retired() bool {
	return c.Status == ChunkSucceeded || c.Status == ChunkFailed
}

// ============================================================================
// Filter
// ============================================================================

// Verdict 單筆紀錄在某個過濾階段的判定結果與理由
type Verdict struct {
	Record Record `json:"record"`
	Reason string `json:"reason"`
}

// FilterStageResult 單一過濾階段的輸出，寫入後不可變
type FilterStageResult struct {
	Stage   string    `json:"stage"`
	RunDate string    `json:"run_date"`
	Kept    []Verdict `json:"kept"`
	Dropped []Verdict `json:"dropped"`
}

// Survivors 回傳通過此階段的紀錄（保持輸入順序）
func (r FilterStageResult) Survivors() []Record {
	out := make([]Record, 0, len(r.Kept))
	for _, v := range r.Kept {
		out = append(out, v.Record)
	}
	return out
}

// ============================================================================
// Agent task
// ============================================================================

// TaskStatus AgentTask 狀態
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // 待處理：尚未分派給 worker
	StatusInProgress TaskStatus = "in_progress" // 執行中：已分派給目前的 worker 批次
	StatusCompleted  TaskStatus = "completed"   // 完成：已有 StructuredAnnotation
	StatusFailed     TaskStatus = "failed"      // 失敗：已有 FailureMarker
)

// SpeciesGene 一組（物種, 基因）配對
type SpeciesGene struct {
	SpeciesName  string `json:"species_name"`
	SpeciesID    string `json:"species_id"`
	SpeciesClass string `json:"species_class"`
	GeneName     string `json:"gene_name"`
	GeneID       string `json:"gene_id"`
}

// StructuredAnnotation 外部 agent 對單筆紀錄的結構化輸出，只能追加
type StructuredAnnotation struct {
	RecordID      RecordID      `json:"pmid"`
	Labels        []string      `json:"gene_research_types"`
	SpeciesGenes  []SpeciesGene `json:"species_gene_list"`
	Confidence    string        `json:"confidence,omitempty"`
	Justification string        `json:"justification,omitempty"`
	BatchID       string        `json:"batch_id,omitempty"`
	WrittenAt     int64         `json:"written_at,omitempty"` // Unix 毫秒
}

// FailureKind 失敗類型
type FailureKind string

const (
	FailureParse      FailureKind = "parse"       // agent 輸出無法解析
	FailureCapability FailureKind = "capability"  // agent 呼叫錯誤
	FailureTimeout    FailureKind = "timeout"     // 單筆逾時
	FailureWorkerLost FailureKind = "worker_lost" // worker 行程多次崩潰
)

// FailureMarker 單筆處理失敗的紀錄
type FailureMarker struct {
	RecordID  RecordID    `json:"pmid"`
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
	BatchID   string      `json:"batch_id,omitempty"`
	WrittenAt int64       `json:"written_at,omitempty"`
}

// AgentTask 等待外部 agent 分類的一筆紀錄
type AgentTask struct {
	ID         RecordID              `json:"id"`
	Seq        uint64                `json:"seq"` // 入列順序（單調遞增）
	Record     Record                `json:"record"`
	Status     TaskStatus            `json:"status"`
	Attempt    int                   `json:"attempt"`
	BatchID    string                `json:"batch_id,omitempty"`
	Annotation *StructuredAnnotation `json:"annotation,omitempty"`
	Failure    *FailureMarker        `json:"failure,omitempty"`
	CreatedAt  int64                 `json:"created_at"` // Unix 毫秒
	UpdatedAt  int64                 `json:"updated_at"` // Unix 毫秒
}

// WorkerBatch 分配給單一 worker 行程的固定大小批次
type WorkerBatch struct {
	ID    string      `json:"id"`
	Seq   int         `json:"seq"`
	Tasks []AgentTask `json:"tasks"`
}

// Outcome worker 寫入 sink 的單筆結果（annotation 與 failure 二擇一）
type Outcome struct {
	RecordID   RecordID              `json:"pmid"`
	BatchID    string                `json:"batch_id"`
	Annotation *StructuredAnnotation `json:"annotation,omitempty"`
	Failure    *FailureMarker        `json:"failure,omitempty"`
}

// ============================================================================
// Snapshot
// ============================================================================

// SnapshotData 任務佇列快照，用於狀態持久化與恢復
type SnapshotData struct {
	Tasks     map[RecordID]*AgentTask `json:"tasks"`
	Order     []RecordID              `json:"order"` // pending 佇列順序
	SchemaVer int                     `json:"schema_ver"`
	LastSeq   uint64                  `json:"last_seq"`
}

// RunCounts 一次執行結束時回報的計數
type RunCounts struct {
	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Unrecovered int `json:"unrecovered"`
}

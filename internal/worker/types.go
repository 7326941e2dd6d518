package worker

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/litcurate/internal/snapshot"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// Manifest 交給 worker 行程的批次描述檔
type Manifest struct {
	BatchID        string            `json:"batch_id"`
	Seq            int               `json:"seq"`
	AgentAddr      string            `json:"agent_addr"`
	CallTimeout    time.Duration     `json:"call_timeout"`
	SinkPath       string            `json:"sink_path"`
	TranscriptPath string            `json:"transcript_path"`
	Tasks          []types.AgentTask `json:"tasks"`
}

// Batch 回傳 manifest 對應的 WorkerBatch
func (m Manifest) Batch() types.WorkerBatch {
	return types.WorkerBatch{ID: m.BatchID, Seq: m.Seq, Tasks: m.Tasks}
}

// WriteManifest 原子寫入 manifest
func WriteManifest(path string, m Manifest) error {
	return snapshot.WriteJSONAtomic(path, m)
}

// ReadManifest 讀取 manifest
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	if err := snapshot.ReadJSON(path, &m); err != nil {
		return Manifest{}, fmt.Errorf("worker: read manifest %s: %w", path, err)
	}
	if m.BatchID == "" {
		return Manifest{}, fmt.Errorf("worker: manifest %s has no batch id", path)
	}
	return m, nil
}

// Summary 一個批次的執行結果
type Summary struct {
	BatchID   string        // 批次 ID
	Annotated int           // 寫入 annotation 的筆數
	Failed    int           // 寫入 FailureMarker 的筆數
	Duration  time.Duration // 實際執行時間
}

// Layout 執行目錄下 worker 相關檔案的位置
//
//	<dir>/sinks/batch-<seq>-<id>.jsonl      每筆結果（append + fsync）
//	<dir>/logs/batch-<seq>.log              人類可讀 transcript
//	<dir>/manifests/batch-<seq>-<id>.json   批次描述
type Layout struct {
	Dir string
}

func (l Layout) SinkDir() string       { return filepath.Join(l.Dir, "sinks") }
func (l Layout) TranscriptDir() string { return filepath.Join(l.Dir, "logs") }
func (l Layout) ManifestDir() string   { return filepath.Join(l.Dir, "manifests") }

func (l Layout) SinkPath(seq int, batchID string) string {
	return filepath.Join(l.SinkDir(), fmt.Sprintf("batch-%05d-%s.jsonl", seq, batchID))
}

func (l Layout) TranscriptPath(seq int) string {
	return filepath.Join(l.TranscriptDir(), fmt.Sprintf("batch-%05d.log", seq))
}

func (l Layout) ManifestPath(seq int, batchID string) string {
	return filepath.Join(l.ManifestDir(), fmt.Sprintf("batch-%05d-%s.json", seq, batchID))
}

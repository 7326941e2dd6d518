// ============================================================================
// litcurate Worker - Batch Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Process one WorkerBatch inside a dedicated OS process
//
// How it works:
//   1. Read the batch manifest written by the orchestrator
//   2. Open one agent session for the whole batch
//   3. For each task, in order:
//      ├─ Context with per-call timeout
//      ├─ agent.Classify(task)
//      ├─ ParseAnnotation(output)
//      ├─ append Outcome to the sink (fsync)
//      └─ append "Paper N: PMID=X" section to the transcript
//   4. Exit 0 once every task has an outcome
//
// Failure isolation:
//   - capability error / timeout / unparsable output → FailureMarker, continue
//   - sink write error → abort the batch (exit non-zero); the orchestrator
//     ingests what was durably written and leaves the rest pending
//   - parent context cancelled → stop before the next task
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/litcurate/internal/agent"
	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

const rule = "================================================================================"

// Sink 接收每筆結果並立即持久化
type Sink interface {
	Append(v any) error
}

// Worker 依序處理一個批次
type Worker struct {
	classifier  agent.Classifier
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New 建立 Worker；callTimeout <= 0 表示不設單筆逾時
func New(classifier agent.Classifier, callTimeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		classifier:  classifier,
		callTimeout: callTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// RunBatch 依序處理 batch 中每個任務
//
// 每筆結果先寫入 sink、再寫 transcript，之後才處理下一筆。回傳錯誤時，已寫入 sink 的結果仍然有效。
func (w *Worker) RunBatch(ctx context.Context, batch types.WorkerBatch, sink Sink, transcript io.Writer) (Summary, error) {
	start := w.now()
	summary := Summary{BatchID: batch.ID}

	fmt.Fprintf(transcript, "%s\nworker batch %s (seq %d): %d papers, started %s\n%s\n",
		rule, batch.ID, batch.Seq, len(batch.Tasks), start.UTC().Format(time.RFC3339), rule)

	for i, task := range batch.Tasks {
		if err := ctx.Err(); err != nil {
			summary.Duration = w.now().Sub(start)
			return summary, err
		}

		outcome, resp, err := w.process(ctx, batch.ID, task)

		// 被終止的呼叫不是該任務的結果；不寫入 sink，交由 orchestrator 重新排隊
		if outcome.Failure != nil && ctx.Err() != nil {
			writeSection(transcript, i+1, task.ID, resp, err, w.now().Sub(start))
			summary.Duration = w.now().Sub(start)
			return summary, ctx.Err()
		}

		// sink 先於 transcript：transcript 裡可回收的結果必定已在 sink 中
		if err := sink.Append(outcome); err != nil {
			summary.Duration = w.now().Sub(start)
			return summary, fmt.Errorf("worker: sink %s: %w", task.ID, err)
		}
		writeSection(transcript, i+1, task.ID, resp, err, w.now().Sub(start))
		if outcome.Annotation != nil {
			summary.Annotated++
		} else {
			summary.Failed++
			w.logger.Warn("task failed", "batch", batch.ID, "task", task.ID,
				"kind", outcome.Failure.Kind, "reason", outcome.Failure.Reason)
		}
	}

	summary.Duration = w.now().Sub(start)
	fmt.Fprintf(transcript, "\n%s\nbatch %s done: annotated=%d failed=%d elapsed=%s\n%s\n",
		rule, batch.ID, summary.Annotated, summary.Failed, summary.Duration.Round(time.Millisecond), rule)
	return summary, nil
}

// process 呼叫 agent 並轉換為 Outcome；回傳的 error 只用於 transcript
func (w *Worker) process(ctx context.Context, batchID string, task types.AgentTask) (types.Outcome, agent.Response, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, w.callTimeout)
	}
	resp, err := w.classifier.Classify(callCtx, agent.RequestFor(task.Record))
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	outcome := types.Outcome{RecordID: task.ID, BatchID: batchID}
	switch {
	case err != nil && timedOut:
		outcome.Failure = w.marker(task.ID, batchID, types.FailureTimeout, fmt.Sprintf("no answer within %s", w.callTimeout))
	case err != nil:
		outcome.Failure = w.marker(task.ID, batchID, types.FailureCapability, err.Error())
	default:
		ann, perr := agent.ParseAnnotation(task.ID, resp.Output)
		if perr != nil {
			outcome.Failure = w.marker(task.ID, batchID, types.FailureParse, perr.Error())
			err = perr
			break
		}
		ann.BatchID = batchID
		ann.WrittenAt = w.now().UnixMilli()
		outcome.Annotation = &ann
	}
	return outcome, resp, err
}

func (w *Worker) marker(id types.RecordID, batchID string, kind types.FailureKind, reason string) *types.FailureMarker {
	return &types.FailureMarker{
		RecordID:  id,
		Kind:      kind,
		Reason:    reason,
		BatchID:   batchID,
		WrittenAt: w.now().UnixMilli(),
	}
}

// writeSection 寫入一篇論文的 transcript 區段
func writeSection(w io.Writer, n int, id types.RecordID, resp agent.Response, err error, elapsed time.Duration) {
	header := fmt.Sprintf("Paper %d: PMID=%s", n, id)
	if err != nil && resp.Output == "" {
		header += " - ERROR"
	}
	fmt.Fprintf(w, "\n%s\n%s\n%s\n\n", rule, header, rule)
	for _, line := range resp.Log {
		fmt.Fprintln(w, line)
	}
	if resp.Output != "" {
		fmt.Fprintln(w, strings.TrimRight(resp.Output, "\n"))
	}
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
	fmt.Fprintf(w, "\nelapsed: %s\n", elapsed.Round(time.Millisecond))
}

// Execute 是 worker 子行程的進入點：讀 manifest、連線 agent、處理批次
func Execute(ctx context.Context, manifestPath string, logger *slog.Logger) (Summary, error) {
	m, err := ReadManifest(manifestPath)
	if err != nil {
		return Summary{}, err
	}

	client, err := agent.Dial(m.AgentAddr)
	if err != nil {
		return Summary{}, err
	}
	defer client.Close()

	session := client.NewSession()
	logger = logger.With("batch", m.BatchID, "seq", m.Seq, "session", session.ID)
	logger.Info("worker started", "tasks", len(m.Tasks))

	return RunFiles(ctx, New(session, m.CallTimeout, logger), m)
}

// RunFiles 開啟 manifest 指定的 sink 與 transcript 後執行批次
func RunFiles(ctx context.Context, w *Worker, m Manifest) (Summary, error) {
	sink, err := jsonl.OpenAppender(m.SinkPath)
	if err != nil {
		return Summary{}, err
	}
	defer sink.Close()

	if err := os.MkdirAll(filepath.Dir(m.TranscriptPath), 0o755); err != nil {
		return Summary{}, fmt.Errorf("worker: transcript dir: %w", err)
	}
	transcript, err := os.OpenFile(m.TranscriptPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Summary{}, fmt.Errorf("worker: transcript: %w", err)
	}
	defer transcript.Close()

	summary, err := w.RunBatch(ctx, m.Batch(), sink, transcript)
	if err != nil {
		w.logger.Error("worker aborted", "annotated", summary.Annotated, "failed", summary.Failed, "error", err)
		return summary, err
	}
	w.logger.Info("worker finished", "annotated", summary.Annotated, "failed", summary.Failed, "duration", summary.Duration)
	return summary, nil
}

// ============================================================================
// litcurate 控制器 - Worker Orchestrator
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 以一次一個 worker 行程的方式清空 AgentTaskQueue
//
// 狀態機（每個執行）:
//
//   Idle → Dispatching(i) → AwaitingWorker(i) → {BatchComplete | BatchFailed}
//        → Dispatching(i+1) … → Drained
//
// 單一批次流程:
//   1. store.DequeueBatch(n, batchID)   - DISPATCH 先寫 WAL
//   2. 寫入 manifest                      - worker 行程的唯一輸入
//   3. launcher.Run(ctx+batch_timeout)  - 阻塞直到行程結束或被終止
//   4. 讀取 sink → store.Ingest          - 行程 durable 寫下的結果一律採用
//   5. 未解決任務:
//        - 行程崩潰 / 逾時 → store.Requeue（Attempt+1，達上限標記 worker_lost）
//        - 操作者中斷     → store.Release（不計次數）
//   6. store.Checkpoint()               - 每個批次後快照並旋轉 WAL
//
// Sweep:
//   每個 sweep 開始時規劃 ceil(pending / chunk_size_agent) 個批次，最多
//   max_sweeps 個 sweep；持續崩潰的批次不會造成無限迴圈。
//
// 崩潰恢復:
//   Run 之前由呼叫端執行 Reconcile（sinks → store.Reconcile），
//   協調者崩潰時遺留的 in_progress 任務會被完成或放回 pending。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/litcurate/internal/chunk"
	"github.com/ChuLiYu/litcurate/internal/metrics"
	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/internal/worker"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 協調者狀態
type State string

const (
	StateIdle           State = "idle"
	StateDispatching    State = "dispatching"
	StateAwaitingWorker State = "awaiting_worker"
	StateBatchComplete  State = "batch_complete"
	StateBatchFailed    State = "batch_failed"
	StateDrained        State = "drained"
)

// Launcher 啟動一個 worker 行程並等待它結束
//
// ctx 結束時必須終止行程（含其子行程）後才返回。
type Launcher interface {
	Run(ctx context.Context, manifestPath string) error
}

// Config Controller 配置
type Config struct {
	BatchSize     int           // chunk_size_agent
	BatchTimeout  time.Duration // 單一 worker 行程的時間上限
	BatchCooldown time.Duration // 批次之間的間隔
	MaxSweeps     int           // 最多 sweep 次數
	AgentAddr     string        // 寫入 manifest，由 worker 連線
	CallTimeout   time.Duration // 寫入 manifest，單筆 agent 呼叫逾時
	Layout        worker.Layout // sinks / logs / manifests 位置
}

// BatchReport 一個批次的終態
type BatchReport struct {
	Seq        int           `json:"seq"`
	BatchID    string        `json:"batch_id"`
	Sweep      int           `json:"sweep"`
	State      State         `json:"state"`
	Tasks      int           `json:"tasks"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Requeued   int           `json:"requeued"`
	WorkerLost int           `json:"worker_lost"`
	Released   int           `json:"released"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RunReport 一次執行的摘要
type RunReport struct {
	Sweeps  int             `json:"sweeps"`
	Batches []BatchReport   `json:"batches"`
	Drained bool            `json:"drained"` // 結束時沒有 pending 任務
	Stats   taskqueue.Stats `json:"stats"`
}

// Controller 核心控制器
type Controller struct {
	store    *taskqueue.Store
	launcher Launcher
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Collector

	state   State
	nextSeq int
	sleep   func(ctx context.Context, d time.Duration) error
	newID   func() string
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(store *taskqueue.Store, launcher Launcher, config Config, logger *slog.Logger, m *metrics.Collector) (*Controller, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("controller: batch size must be > 0, got %d", config.BatchSize)
	}
	if config.MaxSweeps <= 0 {
		config.MaxSweeps = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	seq, err := lastManifestSeq(config.Layout.ManifestDir())
	if err != nil {
		return nil, err
	}

	return &Controller{
		store:    store,
		launcher: launcher,
		config:   config,
		logger:   logger,
		metrics:  m,
		state:    StateIdle,
		nextSeq:  seq + 1,
		sleep:    chunk.Sleep,
		newID:    func() string { return uuid.NewString()[:8] },
	}, nil
}

// State 目前狀態
func (c *Controller) State() State { return c.state }

// Run 執行 sweep 直到佇列清空、達到 max_sweeps 或 ctx 結束
//
// ctx 結束時，執行中的批次會被終止；已寫入 sink 的結果會被採用，其餘任務放回 pending。
func (c *Controller) Run(ctx context.Context) (RunReport, error) {
	var report RunReport
	first := true

	for sweep := 1; sweep <= c.config.MaxSweeps; sweep++ {
		pending := c.store.PendingCount()
		if pending == 0 {
			break
		}
		planned := (pending + c.config.BatchSize - 1) / c.config.BatchSize
		report.Sweeps = sweep
		c.logger.Info("sweep started", "sweep", sweep, "pending", pending, "batches", planned)

		for i := 0; i < planned; i++ {
			if !first {
				if err := c.sleep(ctx, c.config.BatchCooldown); err != nil {
					return c.finish(report), err
				}
			}
			first = false
			if err := ctx.Err(); err != nil {
				return c.finish(report), err
			}

			br, ok, err := c.runBatch(ctx, sweep)
			if err != nil {
				return c.finish(report), err
			}
			if !ok {
				break
			}
			report.Batches = append(report.Batches, br)
			if ctx.Err() != nil {
				return c.finish(report), ctx.Err()
			}
		}
	}

	report = c.finish(report)
	c.state = StateDrained
	c.logger.Info("run finished",
		"sweeps", report.Sweeps, "batches", len(report.Batches), "drained", report.Drained,
		"pending", report.Stats.Pending, "completed", report.Stats.Completed, "failed", report.Stats.Failed)
	return report, nil
}

// runBatch 執行單一批次；ok=false 表示沒有 pending 任務
func (c *Controller) runBatch(ctx context.Context, sweep int) (BatchReport, bool, error) {
	c.state = StateDispatching
	seq := c.nextSeq
	batchID := c.newID()

	tasks, err := c.store.DequeueBatch(c.config.BatchSize, batchID)
	if err != nil {
		return BatchReport{}, false, fmt.Errorf("controller: dequeue batch %d: %w", seq, err)
	}
	if len(tasks) == 0 {
		c.state = StateIdle
		return BatchReport{}, false, nil
	}
	c.nextSeq++
	c.metrics.RecordDispatch(len(tasks))

	batch := types.WorkerBatch{ID: batchID, Seq: seq, Tasks: tasks}
	manifest := worker.Manifest{
		BatchID:        batchID,
		Seq:            seq,
		AgentAddr:      c.config.AgentAddr,
		CallTimeout:    c.config.CallTimeout,
		SinkPath:       c.config.Layout.SinkPath(seq, batchID),
		TranscriptPath: c.config.Layout.TranscriptPath(seq),
		Tasks:          tasks,
	}
	manifestPath := c.config.Layout.ManifestPath(seq, batchID)
	if err := worker.WriteManifest(manifestPath, manifest); err != nil {
		return BatchReport{}, false, fmt.Errorf("controller: write manifest %d: %w", seq, err)
	}

	log := c.logger.With("batch", seq, "batch_id", batchID, "sweep", sweep)
	log.Info("dispatching batch", "tasks", len(tasks))

	c.state = StateAwaitingWorker
	start := time.Now()
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.config.BatchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.config.BatchTimeout)
	}
	runErr := c.launcher.Run(runCtx, manifestPath)
	cancel()

	br := BatchReport{Seq: seq, BatchID: batchID, Sweep: sweep, Tasks: len(tasks), Duration: time.Since(start)}
	if err := c.settle(ctx, batch, manifest.SinkPath, runErr, &br); err != nil {
		return br, false, err
	}

	outcome := "complete"
	if br.State == StateBatchFailed {
		outcome = "failed"
		log.Warn("batch failed", "completed", br.Completed, "failed", br.Failed,
			"requeued", br.Requeued, "worker_lost", br.WorkerLost, "released", br.Released, "error", br.Error)
	} else {
		log.Info("batch complete", "completed", br.Completed, "failed", br.Failed, "duration", br.Duration)
	}
	c.metrics.RecordBatch(outcome, br.Duration, br.Completed, br.Failed, br.Requeued)

	if err := c.store.Checkpoint(); err != nil {
		return br, false, fmt.Errorf("controller: checkpoint after batch %d: %w", seq, err)
	}
	st := c.store.Stats()
	c.metrics.UpdateQueueStats(st.Pending, st.InProgress, st.Completed, st.Failed)
	return br, true, nil
}

// settle 匯入 sink 結果並處理未解決的任務
func (c *Controller) settle(ctx context.Context, batch types.WorkerBatch, sinkPath string, runErr error, br *BatchReport) error {
	outcomes, res, err := jsonl.Read[types.Outcome](sinkPath)
	if err != nil {
		return fmt.Errorf("controller: read sink %s: %w", sinkPath, err)
	}
	if res.Skipped > 0 {
		c.logger.Warn("sink has unreadable lines", "batch", batch.Seq, "skipped", res.Skipped)
	}

	ingest, err := c.store.Ingest(batch, outcomes)
	if err != nil {
		return fmt.Errorf("controller: ingest batch %d: %w", batch.Seq, err)
	}
	br.Completed = len(ingest.Completed)
	br.Failed = len(ingest.Failed)

	if runErr == nil && len(ingest.Unresolved) == 0 {
		c.state = StateBatchComplete
		br.State = StateBatchComplete
		return nil
	}

	c.state = StateBatchFailed
	br.State = StateBatchFailed
	switch {
	case runErr != nil:
		br.Error = runErr.Error()
	default:
		br.Error = fmt.Sprintf("worker exited cleanly but left %d tasks without outcome", len(ingest.Unresolved))
	}

	if ctx.Err() != nil {
		released, err := c.store.Release(ingest.Unresolved)
		br.Released = released
		return err
	}
	for _, id := range ingest.Unresolved {
		status, err := c.store.Requeue(id, br.Error)
		if err != nil {
			return fmt.Errorf("controller: requeue %s: %w", id, err)
		}
		if status == types.StatusFailed {
			br.WorkerLost++
		} else {
			br.Requeued++
		}
	}
	return nil
}

func (c *Controller) finish(report RunReport) RunReport {
	report.Stats = c.store.Stats()
	report.Drained = report.Stats.Pending == 0 && report.Stats.InProgress == 0
	return report
}

// ============================================================================
// 內部輔助
// ============================================================================

// lastManifestSeq 回傳 dir 中最大的批次序號，讓重啟後序號持續遞增
func lastManifestSeq(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("controller: list manifests: %w", err)
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "batch-") || filepath.Ext(name) != ".json" {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(name, "batch-%d-", &seq); err == nil {
			seqs = append(seqs, seq)
		}
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	sort.Ints(seqs)
	return seqs[len(seqs)-1], nil
}

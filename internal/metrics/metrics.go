// ============================================================================
// litcurate Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露管線執行指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - litcurate_chunks_total{stage,result}: 收集階段 chunk 結果
//      - litcurate_tasks_enqueued_total: 入列任務數
//      - litcurate_tasks_dispatched_total: 分派給 worker 的任務數
//      - litcurate_tasks_completed_total: 取得 annotation 的任務數
//      - litcurate_tasks_failed_total: 標記 FailureMarker 的任務數
//      - litcurate_tasks_requeued_total: worker 遺失後重新排隊的任務數
//      - litcurate_batches_total{outcome}: 批次終態（complete / failed）
//
//   2. 分佈 (Histogram)：
//      - litcurate_batch_duration_seconds: worker 行程執行時間
//
//   3. 狀態 (Gauge)：
//      - litcurate_queue_tasks{status}: 各狀態任務數
//      - litcurate_recovery_time_seconds: 開啟佇列（快照 + WAL 重放）耗時
//
// 所有方法對 nil *Collector 皆為空操作，元件可以不接 metrics 執行。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "litcurate"

// Collector Prometheus 指標收集器
type Collector struct {
	chunks         *prometheus.CounterVec
	tasksEnqueued  prometheus.Counter
	tasksDispatch  prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRequeued  prometheus.Counter
	batches        *prometheus.CounterVec

	batchDuration prometheus.Histogram

	queueTasks   *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Collection chunks by stage and result",
		}, []string{"stage", "result"}),
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of agent tasks enqueued",
		}),
		tasksDispatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of agent tasks dispatched to worker batches",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of agent tasks with an annotation",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of agent tasks with a failure marker",
		}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_requeued_total",
			Help:      "Total number of agent tasks returned to pending after a lost worker",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Worker batches by terminal outcome",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one worker process",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9), // 1s .. ~18h
		}),
		queueTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_tasks",
			Help:      "Agent tasks by status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to load the snapshot and replay the WAL",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.chunks, c.tasksEnqueued, c.tasksDispatch, c.tasksCompleted, c.tasksFailed,
		c.tasksRequeued, c.batches, c.batchDuration, c.queueTasks, c.recoveryTime,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

// RecordChunk 記錄一個 chunk 的結果
func (c *Collector) RecordChunk(stage string, ok bool) {
	if c == nil {
		return
	}
	result := "succeeded"
	if !ok {
		result = "failed"
	}
	c.chunks.WithLabelValues(stage, result).Inc()
}

// RecordEnqueue 記錄入列任務數
func (c *Collector) RecordEnqueue(n int) {
	if c == nil {
		return
	}
	c.tasksEnqueued.Add(float64(n))
}

// RecordDispatch 記錄分派任務數
func (c *Collector) RecordDispatch(n int) {
	if c == nil {
		return
	}
	c.tasksDispatch.Add(float64(n))
}

// RecordBatch 記錄一個批次的終態與結果
func (c *Collector) RecordBatch(outcome string, d time.Duration, completed, failed, requeued int) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(outcome).Inc()
	c.batchDuration.Observe(d.Seconds())
	c.tasksCompleted.Add(float64(completed))
	c.tasksFailed.Add(float64(failed))
	c.tasksRequeued.Add(float64(requeued))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, inProgress, completed, failed int) {
	if c == nil {
		return
	}
	c.queueTasks.WithLabelValues("pending").Set(float64(pending))
	c.queueTasks.WithLabelValues("in_progress").Set(float64(inProgress))
	c.queueTasks.WithLabelValues("completed").Set(float64(completed))
	c.queueTasks.WithLabelValues("failed").Set(float64(failed))
}

// Handler 回傳 /metrics 處理器
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 port 上提供 /metrics，直到 ctx 結束
func Serve(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

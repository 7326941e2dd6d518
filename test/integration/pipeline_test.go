// ============================================================================
// litcurate 端到端測試
// ============================================================================
//
// Package: test/integration
// 文件: pipeline_test.go
// 功能: 以真實的 gRPC agent、真實的 worker 與持久化佇列驗證整個後半段管線
//
// TestPipelineSurvivesStalledWorker:
//   - 9 個任務，每批 3 個
//   - 第 2 批的第 2 篇論文卡住，直到批次逾時 → worker 被終止
//   - 已寫入 sink 的第 4 篇被採用，5、6 重新排隊（attempt = 1）
//   - 第 3 批的第 8 篇輸出無法解析 → FailureMarker，批次仍成功
//   - 第二次 sweep 處理 5、6
//
// 預期結果:
//   - completed 8, failed 1, pending 0
//   - 重新開啟佇列後狀態相同
//   - 刪除第 1 批 sink 後，aggregator 從 transcript 回收 1..3
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/litcurate/internal/agent"
	"github.com/ChuLiYu/litcurate/internal/aggregate"
	"github.com/ChuLiYu/litcurate/internal/controller"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/internal/worker"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pmid(i int) types.RecordID {
	return types.RecordID(fmt.Sprintf("3960%04d", i))
}

// startAgent 在 loopback 上啟動 agent 服務
func startAgent(t *testing.T, h agent.HandlerFunc) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	agent.RegisterAgentServer(srv, h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

// inProcessLauncher 在同一個行程內執行 worker；ctx 結束等同於終止 worker
type inProcessLauncher struct {
	logger *slog.Logger
}

func (l inProcessLauncher) Run(ctx context.Context, manifestPath string) error {
	_, err := worker.Execute(ctx, manifestPath, l.logger)
	return err
}

func openStore(t *testing.T, dir string) *taskqueue.Store {
	t.Helper()
	s, err := taskqueue.Open(dir, taskqueue.Options{MaxTaskAttempts: 3, SyncOnAppend: true, Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func TestPipelineSurvivesStalledWorker(t *testing.T) {
	stall, unparsable := pmid(5), pmid(8)
	var stalled atomic.Bool

	addr := startAgent(t, func(ctx context.Context, session string, req agent.Request) (agent.Response, error) {
		switch types.RecordID(req.PMID) {
		case stall:
			if stalled.CompareAndSwap(false, true) {
				<-ctx.Done()
				return agent.Response{}, ctx.Err()
			}
		case unparsable:
			return agent.Response{Output: "I could not decide on this paper."}, nil
		}
		return agent.Response{
			Output: fmt.Sprintf(`<solution>{"pmid": %q, "gene_research_types": ["expression"], `+
				`"species_gene_list": [{"species_name": "Xenopus laevis", "species_id": "8355", "gene_name": "pax6"}]}</solution>`, req.PMID),
			Log: []string{"session " + session},
		}, nil
	})

	dir := t.TempDir()
	queueDir := filepath.Join(dir, "queue")
	layout := worker.Layout{Dir: filepath.Join(dir, "agent")}

	store := openStore(t, queueDir)
	records := make([]types.Record, 9)
	for i := range records {
		records[i] = types.Record{ID: pmid(i + 1), Payload: types.Payload{Title: fmt.Sprintf("paper %d", i+1)}}
	}
	_, err := store.Enqueue(records)
	require.NoError(t, err)

	ctrl, err := controller.NewController(store, inProcessLauncher{logger: quietLogger()}, controller.Config{
		BatchSize:    3,
		BatchTimeout: 2 * time.Second,
		MaxSweeps:    3,
		AgentAddr:    addr,
		CallTimeout:  30 * time.Second,
		Layout:       layout,
	}, quietLogger(), nil)
	require.NoError(t, err)

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Drained)
	assert.Equal(t, 2, report.Sweeps)
	require.Len(t, report.Batches, 4)
	assert.Equal(t, controller.StateBatchComplete, report.Batches[0].State)
	assert.Equal(t, controller.StateBatchFailed, report.Batches[1].State)
	assert.Equal(t, 1, report.Batches[1].Completed)
	assert.Equal(t, 2, report.Batches[1].Requeued)
	assert.Equal(t, controller.StateBatchComplete, report.Batches[2].State)
	assert.Equal(t, 1, report.Batches[2].Failed)
	assert.Equal(t, taskqueue.Stats{Total: 9, Completed: 8, Failed: 1}, report.Stats)

	task, ok := store.Get(stall)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.Attempt)

	failed, ok := store.Get(unparsable)
	require.True(t, ok)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, types.FailureParse, failed.Failure.Kind)
	require.NoError(t, store.Close())

	// restart: the queue comes back exactly as it was
	reopened := openStore(t, queueDir)
	assert.Equal(t, report.Stats, reopened.Stats())
	require.NoError(t, reopened.Close())

	// the first batch's sink is lost; its transcript still holds the answers
	require.NoError(t, os.Remove(layout.SinkPath(1, report.Batches[0].BatchID)))

	expected := make([]types.RecordID, 9)
	for i := range expected {
		expected[i] = pmid(i + 1)
	}
	res, err := aggregate.New(layout, quietLogger()).Aggregate(expected)
	require.NoError(t, err)

	assert.Equal(t, types.RunCounts{Attempted: 9, Succeeded: 8, Failed: 1}, res.Counts)
	assert.Empty(t, res.Unrecovered)
	for _, e := range res.Entries[:3] {
		assert.Equal(t, aggregate.SourceTranscript, e.Source, e.RecordID)
	}
	assert.Equal(t, aggregate.SourceSink, res.Entries[3].Source)
}

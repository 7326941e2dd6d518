package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/litcurate/internal/aggregate"
	"github.com/ChuLiYu/litcurate/internal/metrics"
	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/internal/worker"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeLauncher stands in for the worker process. behave decides, per call,
// how many outcomes the "process" writes and what it returns.
type fakeLauncher struct {
	calls  int
	seen   []types.RecordID // every task handed to a worker, in order
	behave func(call int, ctx context.Context, m worker.Manifest) (written int, err error)
}

func (f *fakeLauncher) Run(ctx context.Context, manifestPath string) error {
	f.calls++
	m, err := worker.ReadManifest(manifestPath)
	if err != nil {
		return err
	}
	for _, task := range m.Tasks {
		f.seen = append(f.seen, task.ID)
	}
	n, runErr := len(m.Tasks), error(nil)
	if f.behave != nil {
		n, runErr = f.behave(f.calls, ctx, m)
	}

	sink, err := jsonl.OpenAppender(m.SinkPath)
	if err != nil {
		return err
	}
	defer sink.Close()
	for _, task := range m.Tasks[:n] {
		ann := types.StructuredAnnotation{RecordID: task.ID, Labels: []string{"expression"}, BatchID: m.BatchID}
		if err := sink.Append(types.Outcome{RecordID: task.ID, BatchID: m.BatchID, Annotation: &ann}); err != nil {
			return err
		}
	}
	return runErr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestController creates a Controller over a fresh store holding n tasks
func createTestController(t *testing.T, n, batchSize, maxSweeps, maxAttempts int, l Launcher) (*Controller, *taskqueue.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := taskqueue.Open(filepath.Join(dir, "queue"), taskqueue.Options{
		MaxTaskAttempts: maxAttempts,
		Logger:          quietLogger(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var records []types.Record
	for i := 1; i <= n; i++ {
		records = append(records, types.Record{ID: types.RecordID(fmt.Sprintf("%d", 1000+i))})
	}
	if _, err := store.Enqueue(records); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	c, err := NewController(store, l, Config{
		BatchSize: batchSize,
		MaxSweeps: maxSweeps,
		AgentAddr: "bufnet",
		Layout:    worker.Layout{Dir: dir},
	}, quietLogger(), m)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c, store
}

func assertStatus(t *testing.T, store *taskqueue.Store, id string, want types.TaskStatus) {
	t.Helper()
	task, ok := store.Get(types.RecordID(id))
	if !ok {
		t.Errorf("task %s not found", id)
		return
	}
	if task.Status != want {
		t.Errorf("task %s status: got %s, want %s", id, task.Status, want)
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestRunKilledBatchIsIsolated(t *testing.T) {
	l := &fakeLauncher{behave: func(call int, ctx context.Context, m worker.Manifest) (int, error) {
		if call == 2 {
			return 0, fmt.Errorf("%w: batch timeout", ErrWorkerKilled)
		}
		return len(m.Tasks), nil
	}}
	c, store := createTestController(t, 6, 2, 1, 3, l)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Batches) != 3 {
		t.Fatalf("batches: got %d, want 3", len(report.Batches))
	}
	wantStates := []State{StateBatchComplete, StateBatchFailed, StateBatchComplete}
	for i, b := range report.Batches {
		if b.State != wantStates[i] {
			t.Errorf("batch %d state: got %s, want %s", i+1, b.State, wantStates[i])
		}
		if b.Seq != i+1 {
			t.Errorf("batch %d seq: got %d", i+1, b.Seq)
		}
	}

	for _, id := range []string{"1001", "1002", "1005", "1006"} {
		assertStatus(t, store, id, types.StatusCompleted)
	}
	for _, id := range []string{"1003", "1004"} {
		assertStatus(t, store, id, types.StatusPending)
		task, _ := store.Get(types.RecordID(id))
		if task.Attempt != 1 {
			t.Errorf("task %s attempt: got %d, want 1", id, task.Attempt)
		}
	}
	if report.Batches[1].Requeued != 2 {
		t.Errorf("requeued: got %d, want 2", report.Batches[1].Requeued)
	}
	if report.Drained {
		t.Error("run reported drained with pending tasks")
	}
	if c.State() != StateDrained {
		t.Errorf("final state: got %s", c.State())
	}
}

func TestRunIngestsPartialOutput(t *testing.T) {
	l := &fakeLauncher{behave: func(call int, ctx context.Context, m worker.Manifest) (int, error) {
		if call == 1 {
			return 1, fmt.Errorf("%w: exit status 2", ErrWorkerExited)
		}
		return len(m.Tasks), nil
	}}
	c, store := createTestController(t, 3, 3, 2, 3, l)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := report.Batches[0]
	if first.Completed != 1 || first.Requeued != 2 {
		t.Errorf("first batch: completed=%d requeued=%d, want 1 and 2", first.Completed, first.Requeued)
	}
	if report.Sweeps != 2 || !report.Drained {
		t.Errorf("sweeps=%d drained=%v, want 2 and true", report.Sweeps, report.Drained)
	}
	for _, id := range []string{"1001", "1002", "1003"} {
		assertStatus(t, store, id, types.StatusCompleted)
	}
}

func TestRunMarksWorkerLostAfterMaxAttempts(t *testing.T) {
	l := &fakeLauncher{behave: func(int, context.Context, worker.Manifest) (int, error) {
		return 0, fmt.Errorf("%w: signal: segmentation fault", ErrWorkerExited)
	}}
	c, store := createTestController(t, 2, 2, 5, 2, l)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// sweep 1 requeues, sweep 2 gives up, sweep 3 finds nothing pending
	if report.Sweeps != 2 {
		t.Errorf("sweeps: got %d, want 2", report.Sweeps)
	}
	if l.calls != 2 {
		t.Errorf("launcher calls: got %d, want 2", l.calls)
	}
	for _, id := range []string{"1001", "1002"} {
		assertStatus(t, store, id, types.StatusFailed)
		task, _ := store.Get(types.RecordID(id))
		if task.Failure == nil || task.Failure.Kind != types.FailureWorkerLost {
			t.Errorf("task %s failure: %+v", id, task.Failure)
		}
	}
	if report.Batches[1].WorkerLost != 2 {
		t.Errorf("worker lost: got %d, want 2", report.Batches[1].WorkerLost)
	}
}

func TestRunReleasesBatchOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &fakeLauncher{behave: func(call int, runCtx context.Context, m worker.Manifest) (int, error) {
		cancel()
		<-runCtx.Done()
		return 1, fmt.Errorf("%w: %v", ErrWorkerKilled, runCtx.Err())
	}}
	c, store := createTestController(t, 4, 2, 1, 3, l)

	report, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error: got %v, want context.Canceled", err)
	}
	if l.calls != 1 {
		t.Errorf("launcher calls: got %d, want 1", l.calls)
	}
	if len(report.Batches) != 1 || report.Batches[0].Released != 1 {
		t.Fatalf("batches: %+v", report.Batches)
	}

	assertStatus(t, store, "1001", types.StatusCompleted)
	assertStatus(t, store, "1002", types.StatusPending)
	task, _ := store.Get("1002")
	if task.Attempt != 0 {
		t.Errorf("released task attempt: got %d, want 0", task.Attempt)
	}
	if store.PendingCount() != 3 {
		t.Errorf("pending: got %d, want 3", store.PendingCount())
	}
}

func TestRunCleanExitWithMissingOutcomesFails(t *testing.T) {
	l := &fakeLauncher{behave: func(call int, ctx context.Context, m worker.Manifest) (int, error) {
		if call == 1 {
			return len(m.Tasks) - 1, nil
		}
		return len(m.Tasks), nil
	}}
	c, _ := createTestController(t, 2, 2, 1, 3, l)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Batches[0].State != StateBatchFailed || report.Batches[0].Requeued != 1 {
		t.Errorf("batch: %+v", report.Batches[0])
	}
}

func TestRunEmptyQueue(t *testing.T) {
	l := &fakeLauncher{}
	c, _ := createTestController(t, 0, 2, 2, 3, l)

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.calls != 0 || report.Sweeps != 0 || !report.Drained {
		t.Errorf("report: %+v, calls %d", report, l.calls)
	}
}

// sinkLines counts every outcome line written to any sink under layout
func sinkLines(t *testing.T, layout worker.Layout) int {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(layout.SinkDir(), "batch-*.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, p := range paths {
		_, res, err := jsonl.Read[types.Outcome](p)
		if err != nil {
			t.Fatal(err)
		}
		n += res.Lines
	}
	return n
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	c, store := createTestController(t, 5, 2, 2, 3, l)

	first, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if !first.Drained || l.calls != 3 || first.Stats.Completed != 5 {
		t.Fatalf("first run: %+v, calls %d", first.Stats, l.calls)
	}
	calls, lines := l.calls, sinkLines(t, c.config.Layout)
	if lines != 5 {
		t.Fatalf("sink lines after first run: got %d, want 5", lines)
	}

	// same controller, then a fresh one over the same store (a restarted coordinator)
	restarted, err := NewController(store, l, c.config, quietLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, ctrl := range []*Controller{c, restarted} {
		again, err := ctrl.Run(context.Background())
		if err != nil {
			t.Fatalf("rerun %d: %v", i, err)
		}
		if l.calls != calls {
			t.Errorf("rerun %d launched workers: calls %d, want %d", i, l.calls, calls)
		}
		if got := sinkLines(t, c.config.Layout); got != lines {
			t.Errorf("rerun %d wrote sink lines: got %d, want %d", i, got, lines)
		}
		if len(again.Batches) != 0 || again.Stats != first.Stats {
			t.Errorf("rerun %d report: %+v", i, again)
		}
	}
}

func TestRestartWithInProgressTasksMatchesCleanRun(t *testing.T) {
	ctx := context.Background()

	clean := &fakeLauncher{}
	cc, cleanStore := createTestController(t, 6, 2, 2, 3, clean)
	if _, err := cc.Run(ctx); err != nil {
		t.Fatalf("clean Run: %v", err)
	}
	want := cleanStore.Partition()

	// coordinator dies while batch 1 is in flight; its worker had written one outcome
	dir := t.TempDir()
	layout := worker.Layout{Dir: dir}
	opts := taskqueue.Options{MaxTaskAttempts: 3, Logger: quietLogger()}
	crashed, err := taskqueue.Open(filepath.Join(dir, "queue"), opts)
	if err != nil {
		t.Fatal(err)
	}
	var records []types.Record
	for i := 1; i <= 6; i++ {
		records = append(records, types.Record{ID: types.RecordID(fmt.Sprintf("%d", 1000+i))})
	}
	if _, err := crashed.Enqueue(records); err != nil {
		t.Fatal(err)
	}
	tasks, err := crashed.DequeueBatch(2, "crashed")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("dequeue: %v %v", tasks, err)
	}
	m := worker.Manifest{BatchID: "crashed", Seq: 1, SinkPath: layout.SinkPath(1, "crashed"), Tasks: tasks}
	if err := worker.WriteManifest(layout.ManifestPath(1, "crashed"), m); err != nil {
		t.Fatal(err)
	}
	sink, err := jsonl.OpenAppender(m.SinkPath)
	if err != nil {
		t.Fatal(err)
	}
	ann := types.StructuredAnnotation{RecordID: tasks[0].ID, Labels: []string{"expression"}, BatchID: "crashed"}
	if err := sink.Append(types.Outcome{RecordID: tasks[0].ID, BatchID: "crashed", Annotation: &ann}); err != nil {
		t.Fatal(err)
	}
	sink.Close()
	crashed.Close()

	store, err := taskqueue.Open(filepath.Join(dir, "queue"), opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if got := store.Partition().InProgress; len(got) != 2 {
		t.Fatalf("in progress after reopen: %v", got)
	}

	outcomes, err := aggregate.New(layout, quietLogger()).Outcomes()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := store.Reconcile(outcomes)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Completed != 1 || rec.Reset != 1 {
		t.Errorf("reconcile: %+v", rec)
	}

	l := &fakeLauncher{}
	c, err := NewController(store, l, Config{BatchSize: 2, MaxSweeps: 2, AgentAddr: "bufnet", Layout: layout}, quietLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	report, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := store.Partition()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("partition after restart:\n got %+v\nwant %+v", got, want)
	}
	if len(l.seen) != 5 {
		t.Errorf("dispatched after restart: got %v, want 5 tasks", l.seen)
	}
	for _, id := range l.seen {
		if id == tasks[0].ID {
			t.Errorf("task %s finished before the crash was dispatched again", id)
		}
	}
	if len(report.Batches) == 0 || report.Batches[0].Seq != 2 {
		t.Errorf("batch seq should continue after the crashed batch: %+v", report.Batches)
	}
}

func TestBatchSeqContinuesAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	layout := worker.Layout{Dir: dir}
	if err := worker.WriteManifest(layout.ManifestPath(7, "abc"), worker.Manifest{BatchID: "abc", Seq: 7}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(layout.ManifestDir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	seq, err := lastManifestSeq(layout.ManifestDir())
	if err != nil {
		t.Fatal(err)
	}
	if seq != 7 {
		t.Errorf("last seq: got %d, want 7", seq)
	}

	seq, err = lastManifestSeq(filepath.Join(dir, "missing"))
	if err != nil || seq != 0 {
		t.Errorf("missing dir: seq=%d err=%v", seq, err)
	}
}

func TestNewControllerRejectsZeroBatchSize(t *testing.T) {
	if _, err := NewController(nil, &fakeLauncher{}, Config{}, nil, nil); err == nil {
		t.Error("expected error for zero batch size")
	}
}

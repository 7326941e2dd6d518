package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/litcurate/internal/config"
	"github.com/ChuLiYu/litcurate/internal/snapshot"
	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/internal/worker"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "litcurate", cmd.Use)
	assert.Equal(t, version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"collect", "filter", "run", "worker", "reconcile", "requeue-failed", "aggregate", "status"} {
		assert.True(t, commandNames[name], "should have %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.True(t, cmd.Hidden, "worker is an internal entry point")
	assert.NotNil(t, cmd.Flags().Lookup("manifest"), "Should have --manifest flag")
	assert.NotNil(t, cmd.RunE)
}

// ============================================================================
// End-to-end command tests over a temporary run directory
// ============================================================================

type runDir struct {
	root   string
	config string
	layout worker.Layout
}

func newRunDir(t *testing.T) runDir {
	t.Helper()
	root := t.TempDir()
	ref := filepath.Join(root, "reference.csv")
	require.NoError(t, os.WriteFile(ref, []byte("species_name,NCBI_taxonomy_id\nDanio rerio,7955\n"), 0o644))

	cfgPath := filepath.Join(root, "config.yaml")
	body := fmt.Sprintf(`
run:
  date_start: "20241201"
  date_end: "20241203"
  output_dir: %s
  run_date: "20241210"
filter:
  reference_table: %s
logging:
  level: error
`, filepath.Join(root, "out"), ref)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	return runDir{
		root:   root,
		config: cfgPath,
		layout: worker.Layout{Dir: filepath.Join(root, "out", "agent")},
	}
}

// seedQueue enqueues ids and dispatches the first `dispatch` of them as batch b1.
func (d runDir) seedQueue(t *testing.T, ids []types.RecordID, dispatch int) {
	t.Helper()
	store, err := taskqueue.Open(filepath.Join(d.root, "out", "queue"), taskqueue.Options{
		MaxTaskAttempts: 3,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer store.Close()

	records := make([]types.Record, len(ids))
	for i, id := range ids {
		records[i] = types.Record{ID: id}
	}
	_, err = store.Enqueue(records)
	require.NoError(t, err)
	_, err = store.DequeueBatch(dispatch, "b1")
	require.NoError(t, err)
}

func (d runDir) writeSink(t *testing.T, outcomes ...types.Outcome) {
	t.Helper()
	a, err := jsonl.OpenAppender(d.layout.SinkPath(1, "b1"))
	require.NoError(t, err)
	for _, o := range outcomes {
		require.NoError(t, a.Append(o))
	}
	require.NoError(t, a.Close())
}

func (d runDir) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", d.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func annotationOutcome(id types.RecordID, species, gene string) types.Outcome {
	return types.Outcome{
		RecordID: id,
		BatchID:  "b1",
		Annotation: &types.StructuredAnnotation{
			RecordID:     id,
			Labels:       []string{"expression"},
			SpeciesGenes: []types.SpeciesGene{{SpeciesName: species, GeneName: gene}},
			BatchID:      "b1",
		},
	}
}

func TestReconcileCommand(t *testing.T) {
	d := newRunDir(t)
	d.seedQueue(t, []types.RecordID{"1", "2", "3"}, 2)
	d.writeSink(t, annotationOutcome("1", "Xenopus laevis", "pax6"))

	out, err := d.exec(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "reconciled: completed=1 failed=0 reset=1")
	assert.Contains(t, out, "Queue")

	// a second reconcile has nothing left in progress
	out, err = d.exec(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "reconciled: completed=0 failed=0 reset=0")
}

func TestRequeueFailedCommand(t *testing.T) {
	d := newRunDir(t)
	d.seedQueue(t, []types.RecordID{"1", "2"}, 2)
	d.writeSink(t,
		types.Outcome{RecordID: "1", BatchID: "b1", Failure: &types.FailureMarker{RecordID: "1", Kind: types.FailureParse}},
		annotationOutcome("2", "Xenopus laevis", "pax6"),
	)

	_, err := d.exec(t, "reconcile")
	require.NoError(t, err)

	out, err := d.exec(t, "requeue-failed")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 1 failed tasks")
}

func TestAggregateCommand(t *testing.T) {
	d := newRunDir(t)
	d.seedQueue(t, []types.RecordID{"1", "2", "3", "4"}, 3)
	d.writeSink(t,
		annotationOutcome("1", "Xenopus laevis", "pax6"),
		annotationOutcome("2", "Danio rerio", "shha"),
	)

	out, err := d.exec(t, "aggregate", "--duckdb", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Results")
	assert.Contains(t, out, "Annotation report")

	results := filepath.Join(d.root, "out", "results")
	assert.FileExists(t, filepath.Join(results, "annotations.jsonl"))
	assert.FileExists(t, filepath.Join(results, "report.json"))
	assert.NoFileExists(t, filepath.Join(results, "results.duckdb"))

	var summary Summary
	require.NoError(t, snapshot.ReadJSON(filepath.Join(results, "summary.json"), &summary))
	// task 4 was never dispatched, task 3 has no result anywhere
	assert.Equal(t, types.RunCounts{Attempted: 3, Succeeded: 2, Unrecovered: 1}, summary.Counts)
	assert.Equal(t, []types.RecordID{"3"}, summary.Unrecovered)
}

func TestAggregateCountsWorkerLostAsFailed(t *testing.T) {
	d := newRunDir(t)
	d.seedQueue(t, []types.RecordID{"1", "2"}, 2)
	d.writeSink(t, annotationOutcome("1", "Xenopus laevis", "pax6"))

	// 任務 2 的 worker 遺失且已用完嘗試次數，只有佇列記得它的失敗
	store, err := taskqueue.Open(filepath.Join(d.root, "out", "queue"), taskqueue.Options{
		MaxTaskAttempts: 1,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	status, err := store.Requeue("2", "worker exited abnormally")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, status)
	require.NoError(t, store.Close())

	_, err = d.exec(t, "aggregate", "--duckdb", "-")
	require.NoError(t, err)

	var summary Summary
	require.NoError(t, snapshot.ReadJSON(filepath.Join(d.root, "out", "results", "summary.json"), &summary))
	assert.Equal(t, types.RunCounts{Attempted: 2, Succeeded: 1, Failed: 1}, summary.Counts)
	assert.Empty(t, summary.Unrecovered)
}

func TestStatusCommand(t *testing.T) {
	d := newRunDir(t)
	d.seedQueue(t, []types.RecordID{"1", "2"}, 1)

	out, err := d.exec(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration")
	assert.Contains(t, out, "20241201_20241203")
	assert.Contains(t, out, "Run files")
}

func TestInvalidConfigIsFatal(t *testing.T) {
	d := newRunDir(t)
	path := filepath.Join(d.root, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  date_start: \"20241205\"\n  date_end: \"20241201\"\n"), 0o644))

	cmd := BuildCLI()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", path, "status"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestWorkerCommandRejectsMissingManifest(t *testing.T) {
	d := newRunDir(t)
	_, err := d.exec(t, "worker", "--manifest", filepath.Join(d.root, "nope.json"))
	require.Error(t, err)
}

package collect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/litcurate/internal/filter"
	"github.com/ChuLiYu/litcurate/internal/source"
	"github.com/ChuLiYu/litcurate/internal/taskqueue"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// ============================================================================
// Test doubles
// ============================================================================

// fakeSearch 每天回傳固定的 PMID；第一天分兩頁
type fakeSearch struct {
	byDay map[string][][]types.RecordID
	calls int
}

func (f *fakeSearch) Fetch(ctx context.Context, r types.DateRange, cursor string) (source.Page, error) {
	f.calls++
	pages := f.byDay[r.Start.Format("20060102")]
	i := 0
	if cursor == "1" {
		i = 1
	}
	var page source.Page
	if i < len(pages) {
		for _, id := range pages[i] {
			page.Records = append(page.Records, types.Record{ID: id, Provenance: "esearch"})
		}
	}
	if i+1 < len(pages) {
		page.Next = "1"
	}
	return page, nil
}

type fakeLookup struct {
	payloads map[types.RecordID]types.Payload
	failOn   types.RecordID
	calls    int
}

func (f *fakeLookup) lookup(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error) {
	f.calls++
	if f.failOn != "" && slices.Contains(ids, f.failOn) {
		return nil, errors.New("service unavailable")
	}
	out := make(map[types.RecordID]types.Payload)
	for _, id := range ids {
		if p, ok := f.payloads[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeLookup) Annotate(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error) {
	return f.lookup(ctx, ids)
}

func (f *fakeLookup) FetchMetadata(ctx context.Context, ids []types.RecordID) (map[types.RecordID]types.Payload, error) {
	return f.lookup(ctx, ids)
}

func newSearch() *fakeSearch {
	return &fakeSearch{byDay: map[string][][]types.RecordID{
		"20241201": {{"1001"}, {"1002"}},
		"20241202": {{"2001", "1002"}},
		"20241203": {{"3001"}},
	}}
}

func newAnnotator() *fakeLookup {
	return &fakeLookup{payloads: map[types.RecordID]types.Payload{
		"1001": {SpeciesName: "Xenopus laevis", SpeciesID: "8355", GeneName: "pax6"},
		"1002": {SpeciesName: "Danio rerio", SpeciesID: "7955", GeneName: "shha"},
		"2001": {SpeciesName: "Ciona intestinalis", SpeciesID: "7719", GeneName: "Brachyury"},
	}}
}

func newMetadata() *fakeLookup {
	return &fakeLookup{payloads: map[types.RecordID]types.Payload{
		"1001": {Title: "Pax6 in the frog eye", Abstract: "...", MeSH: "Eye; Xenopus laevis"},
		"2001": {Title: "Notochord formation", Abstract: "..."},
	}}
}

type fixture struct {
	dir   string
	store *taskqueue.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := taskqueue.Open(filepath.Join(dir, "queue"), taskqueue.Options{
		MaxTaskAttempts: 3,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &fixture{dir: dir, store: store}
}

func (f *fixture) pipeline(search source.Source, ann, meta *fakeLookup) *Pipeline {
	opts := Options{
		Dir:                 filepath.Join(f.dir, "stages"),
		Period:              "20241201_20241203",
		RunDate:             "20241210",
		Start:               time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		End:                 time.Date(2024, 12, 3, 0, 0, 0, 0, time.UTC),
		DaysPerChunk:        1,
		ChunkSizeAnnotation: 2,
		ChunkSizeFilter:     3,
		ChunkAttempts:       1,
	}
	ref := filter.NewReference([]string{"Danio rerio"}, []string{"7955"})
	return New(Sources{Search: search, Annotator: ann, Metadata: meta}, ref, f.store, opts,
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func pendingIDs(s *taskqueue.Store) []types.RecordID {
	return s.Partition().Pending
}

// ============================================================================
// Tests
// ============================================================================

func TestRunCollectsFiltersAndEnqueues(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(newSearch(), newAnnotator(), newMetadata())

	report, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Stages, 3)
	assert.Equal(t, StageReport{Stage: StageCollection, Chunks: 3, Succeeded: 3, Records: 4}, report.Stages[0])
	assert.Equal(t, StageReport{Stage: StageAnnotation, Chunks: 2, Succeeded: 2, Records: 4}, report.Stages[1])
	assert.Equal(t, StageReport{Stage: StageMetadata, Chunks: 2, Succeeded: 2, Records: 4}, report.Stages[2])
	assert.Equal(t, 2, report.Survivors)
	assert.Equal(t, 2, report.Enqueued)

	assert.Equal(t, []types.RecordID{"1001", "2001"}, pendingIDs(f.store))
	task, ok := f.store.Get("1001")
	require.True(t, ok)
	assert.Equal(t, "Pax6 in the frog eye", task.Record.Payload.Title)
	assert.Equal(t, "pax6", task.Record.Payload.GeneName)
	assert.Equal(t, StageMetadata, task.Record.Provenance)

	for _, stage := range []string{StageCollection, StageAnnotation, StageMetadata} {
		assert.FileExists(t, p.StagePath(stage))
	}
	assert.FileExists(t, filepath.Join(p.FilterDir(), "exclude_model_name_20241210.jsonl"))
}

func TestRunResumesFromStageFiles(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(newSearch(), newAnnotator(), newMetadata()).Run(context.Background())
	require.NoError(t, err)

	search, ann, meta := newSearch(), newAnnotator(), newMetadata()
	report, err := f.pipeline(search, ann, meta).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, search.calls)
	assert.Zero(t, ann.calls)
	assert.Zero(t, meta.calls)
	for _, st := range report.Stages {
		assert.True(t, st.Resumed, st.Stage)
	}
	assert.Equal(t, 2, report.Survivors)
	assert.Zero(t, report.Enqueued, "already queued")
	assert.Equal(t, 2, f.store.Stats().Total)
}

func TestRunIsolatesFailedChunkAndRetriesIt(t *testing.T) {
	f := newFixture(t)
	broken := newAnnotator()
	broken.failOn = "2001"

	report, err := f.pipeline(newSearch(), broken, newMetadata()).Run(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1, report.Stages[1].Failed)
	assert.Equal(t, 2, report.Stages[1].Records)
	assert.Equal(t, []types.RecordID{"1001"}, pendingIDs(f.store))

	search, ann := newSearch(), newAnnotator()
	report, err = f.pipeline(search, ann, newMetadata()).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, search.calls, "collection stage already complete")
	assert.Equal(t, 1, ann.calls, "only the failed chunk is retried")
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, []types.RecordID{"1001", "2001"}, pendingIDs(f.store))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline(newSearch(), newAnnotator(), newMetadata()).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.store.Stats().Total)

	// the stage file records pending chunks so the next run resumes them
	sf, err := ReadStageFile(f.pipeline(nil, nil, nil).StagePath(StageCollection))
	require.NoError(t, err)
	require.Len(t, sf.Chunks, 3)
	for _, c := range sf.Chunks {
		assert.Equal(t, types.ChunkPending, c.Status)
	}
}

func TestStageFileIsLineOriented(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(newSearch(), newAnnotator(), newMetadata())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	path := p.StagePath(StageAnnotation)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	// 2 個 chunk 狀態行 + 4 筆紀錄
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], `"chunk":{`)
	assert.Contains(t, lines[5], `"record":{`)

	sf, err := ReadStageFile(path)
	require.NoError(t, err)
	assert.Equal(t, StageAnnotation, sf.Stage)
	require.Len(t, sf.Chunks, 2)
	assert.Len(t, sf.Output(), 4)

	// 寫回再讀出相同
	copyPath := filepath.Join(t.TempDir(), "copy.jsonl")
	require.NoError(t, WriteStageFile(copyPath, sf))
	again, err := ReadStageFile(copyPath)
	require.NoError(t, err)
	assert.Equal(t, sf, again)
}

func TestRunRejectsCorruptedStageFile(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(newSearch(), newAnnotator(), newMetadata())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	file, err := os.OpenFile(p.StagePath(StageCollection), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString("{\"stage\":\"collection\",\"rec\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, err = f.pipeline(newSearch(), newAnnotator(), newMetadata()).Run(context.Background())
	assert.ErrorIs(t, err, ErrStageCorrupted)
}

func TestFilterRerunsFromMetadataStage(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(newSearch(), newAnnotator(), newMetadata())
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	survivors, results, err := p.Filter(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Len(t, survivors, 2)
	assert.Len(t, results[0].Dropped, 1, "Danio rerio excluded by name")
	assert.Len(t, results[2].Dropped, 1, "3001 has no species")
}

func TestFilterWithoutMetadataStage(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.pipeline(nil, nil, nil).Filter(context.Background(), false)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDedupeKeepsFirst(t *testing.T) {
	in := []types.Record{{ID: "1", Provenance: "a"}, {ID: "2"}, {ID: "1", Provenance: "b"}}
	out := dedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Provenance)
}

package jsonl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sinks", "batch-1.jsonl")
	a, err := OpenAppender(path)
	require.NoError(t, err)

	require.NoError(t, a.Append(row{ID: "1", Value: 1}))
	require.NoError(t, a.Append(row{ID: "2", Value: 2}))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Append(row{ID: "3"}), ErrClosed)

	rows, res, err := Read[row](path)
	require.NoError(t, err)
	assert.Equal(t, []row{{"1", 1}, {"2", 2}}, rows)
	assert.Equal(t, 2, res.Lines)
	assert.Equal(t, 0, res.Skipped)
}

func TestReadSkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.jsonl")
	body := "{\"id\":\"1\",\"value\":1}\n\n{\"id\":\"2\",\"va"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	rows, res, err := Read[row](path)
	require.NoError(t, err)
	assert.Equal(t, []row{{"1", 1}}, rows)
	assert.Equal(t, 1, res.Skipped)
}

func TestReadMissingFile(t *testing.T) {
	rows, res, err := Read[row](filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, res.Lines)
}

func TestWriteAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stage.jsonl")
	require.NoError(t, WriteAtomic(path, []row{{"1", 1}, {"2", 2}}))
	require.NoError(t, WriteAtomic(path, []row{{"3", 3}}))

	rows, _, err := Read[row](path)
	require.NoError(t, err)
	assert.Equal(t, []row{{"3", 3}}, rows)
}

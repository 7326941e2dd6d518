// Package jsonl implements the append-only JSON Lines files used for worker
// sinks and stage outputs.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/litcurate/internal/snapshot"
)

const maxLineSize = 16 << 20

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("jsonl: appender closed")

// Appender appends one JSON value per line and fsyncs after every write.
type Appender struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// OpenAppender opens path for appending, creating parent directories.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jsonl: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %s: %w", path, err)
	}
	return &Appender{file: f}, nil
}

// Append writes v as a single line and syncs it to disk.
func (a *Appender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("jsonl: encode: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if _, err := a.file.Write(line); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("jsonl: sync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.file.Close()
}

// ReadResult reports how many lines were skipped while reading.
type ReadResult struct {
	Lines   int
	Skipped int
}

// Read decodes every line of path into a T. Lines that do not decode (for
// example a write torn by a crash) are skipped and counted. A missing file
// yields no values and no error.
func Read[T any](path string) ([]T, ReadResult, error) {
	var res ReadResult
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, res, nil
		}
		return nil, res, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		res.Lines++
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			res.Skipped++
			continue
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return out, res, fmt.Errorf("jsonl: scan %s: %w", path, err)
	}
	return out, res, nil
}

// WriteAtomic replaces path with one line per value.
func WriteAtomic[T any](path string, values []T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("jsonl: encode: %w", err)
		}
	}
	return snapshot.WriteFileAtomic(path, buf.Bytes())
}

package chunk

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

// Func 處理單一 chunk；回傳錯誤代表本次嘗試失敗
type Func func(ctx context.Context, c *types.Chunk) error

// permanentError 包裝不應重試的錯誤（例如回應無法解析）
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 標記 err 為不可重試；Runner 會直接將 chunk 標為 failed
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Runner 依序執行 chunk，每個 chunk 擁有獨立的重試預算
type Runner struct {
	MaxAttempts int
	Delay       time.Duration
	Logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Report 一次 Run 的結果；Chunks 與輸入同序，狀態皆已退役
type Report struct {
	Chunks    []types.Chunk
	Succeeded int
	Failed    int
}

// FailedChunks 回傳失敗的 chunk
func (r Report) FailedChunks() []types.Chunk {
	var out []types.Chunk
	for _, c := range r.Chunks {
		if c.Status == types.ChunkFailed {
			out = append(out, c)
		}
	}
	return out
}

// Run 執行每個 chunk。單一 chunk 失敗只會被記錄，不會中止其餘 chunk；
// 只有 ctx 取消會提早返回，此時尚未執行的 chunk 維持 pending。
func (r *Runner) Run(ctx context.Context, chunks []types.Chunk, fn Func) (Report, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = Sleep
	}

	report := Report{Chunks: make([]types.Chunk, len(chunks))}
	copy(report.Chunks, chunks)

	for i := range report.Chunks {
		c := &report.Chunks[i]
		if c.Retired() {
			continue
		}
		c.MaxAttempts = maxAttempts
		c.Status = types.ChunkInProgress

		for {
			if err := ctx.Err(); err != nil {
				c.Status = types.ChunkPending
				return report, err
			}
			c.Attempts++
			err := fn(ctx, c)
			if err == nil {
				c.Status = types.ChunkSucceeded
				c.LastError = ""
				report.Succeeded++
				break
			}
			c.LastError = err.Error()

			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				c.Status = types.ChunkPending
				return report, ctx.Err()
			}

			var perm *permanentError
			if errors.As(err, &perm) || c.Attempts >= maxAttempts {
				c.Status = types.ChunkFailed
				report.Failed++
				logger.Warn("chunk failed", "stage", c.Stage, "chunk", c.Index, "attempts", c.Attempts, "error", err)
				break
			}

			logger.Info("chunk retry", "stage", c.Stage, "chunk", c.Index, "attempt", c.Attempts, "delay", r.Delay, "error", err)
			if err := sleep(ctx, r.Delay); err != nil {
				c.Status = types.ChunkPending
				return report, err
			}
		}
	}
	return report, nil
}

// Sleep 等待 d 或 ctx 結束，先到者為準；d <= 0 時只檢查 ctx
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

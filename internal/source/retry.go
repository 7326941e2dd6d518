package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/litcurate/internal/chunk"
)

// Retrier 以固定延遲重試暫時性錯誤，成功後固定暫停 Pause 以遵守限速
type Retrier struct {
	MaxRetries int
	Delay      time.Duration
	Pause      time.Duration
	Logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Do 執行 fn，最多 1+MaxRetries 次
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = chunk.Sleep
	}

	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return sleep(ctx, r.Pause)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return err
		}
		if attempts > r.MaxRetries {
			return &UnavailableError{Op: op, Attempts: attempts, Err: err}
		}
		logger.Warn("source call failed, retrying", "op", op, "attempt", attempts, "delay", r.Delay, "error", err)
		if err := sleep(ctx, r.Delay); err != nil {
			return err
		}
	}
}

func isTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

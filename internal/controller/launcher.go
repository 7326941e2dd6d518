package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

var (
	// ErrWorkerExited worker 行程以非零狀態結束
	ErrWorkerExited = errors.New("controller: worker exited abnormally")
	// ErrWorkerKilled worker 行程因逾時或中斷被終止
	ErrWorkerKilled = errors.New("controller: worker killed")
)

// ProcessLauncher 以獨立行程群組執行 `<Binary> <Args...> --manifest <path>`
type ProcessLauncher struct {
	Binary    string
	Args      []string
	KillGrace time.Duration // SIGTERM 之後等待多久再 SIGKILL
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *slog.Logger
}

// NewProcessLauncher 建立 launcher；binary 為空時重新執行目前的執行檔
func NewProcessLauncher(binary string, args []string, killGrace time.Duration, logger *slog.Logger) (*ProcessLauncher, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("controller: locate executable: %w", err)
		}
		binary = self
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessLauncher{
		Binary:    binary,
		Args:      args,
		KillGrace: killGrace,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Logger:    logger,
	}, nil
}

// Run 啟動 worker 並等待；ctx 結束時終止整個行程群組
func (l *ProcessLauncher) Run(ctx context.Context, manifestPath string) error {
	args := append(append([]string{}, l.Args...), "--manifest", manifestPath)
	cmd := exec.Command(l.Binary, args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("controller: start worker: %w", err)
	}
	l.Logger.Debug("worker started", "pid", cmd.Process.Pid, "manifest", manifestPath)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWorkerExited, err)
		}
		return nil

	case <-ctx.Done():
		l.Logger.Warn("terminating worker", "pid", cmd.Process.Pid, "reason", ctx.Err())
		if err := terminate(cmd); err != nil {
			l.Logger.Debug("terminate failed", "pid", cmd.Process.Pid, "error", err)
		}

		grace := time.NewTimer(l.KillGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			l.Logger.Warn("worker ignored SIGTERM, killing", "pid", cmd.Process.Pid)
			if err := kill(cmd); err != nil {
				l.Logger.Debug("kill failed", "pid", cmd.Process.Pid, "error", err)
			}
			<-done
		}
		return fmt.Errorf("%w: %v", ErrWorkerKilled, ctx.Err())
	}
}

// internal/command/local.go
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/metrics"
)

// LocalRunner executes on the machine running hostplane.
type LocalRunner struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewLocalRunner creates a runner bounded by timeout per command.
func NewLocalRunner(timeout time.Duration, logger *zap.Logger) *LocalRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRunner{timeout: timeout, logger: logger}
}

func (l *LocalRunner) Name() string { return "local" }

// Run executes cmd and waits for it or its deadline.
func (l *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	ctx, cancel := withTimeout(ctx, cmd, l.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	start := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		metrics.ObserveCommand(l.Name(), metrics.OutcomeTimeout)
		l.logger.Warn("command timed out", zap.String("command", cmd.String()), zap.Duration("took", res.Duration))
		return res, timeoutError(cmd, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr += err.Error()
		}
		metrics.ObserveCommand(l.Name(), metrics.OutcomeFailure)
		l.logger.Debug("command failed",
			zap.String("command", cmd.String()),
			zap.Int("exit_code", res.ExitCode))
		return res, &ExitError{Command: cmd.String(), Result: res}
	}

	metrics.ObserveCommand(l.Name(), metrics.OutcomeSuccess)
	return res, nil
}

// WriteFile writes atomically through a temp file in the same directory.
func (l *LocalRunner) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (l *LocalRunner) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (l *LocalRunner) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (l *LocalRunner) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (l *LocalRunner) Symlink(_ context.Context, target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(link), err)
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	return nil
}

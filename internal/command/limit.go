// internal/command/limit.go
package command

import (
	"context"
	"fmt"
	"io/fs"

	"golang.org/x/time/rate"
)

// LimitedRunner throttles every operation on the wrapped runner so a burst
// of provisioning calls cannot flood one server.
type LimitedRunner struct {
	inner   Runner
	limiter *rate.Limiter
}

// WithRateLimit wraps r. A non-positive perSecond disables throttling.
func WithRateLimit(r Runner, perSecond float64, burst int) Runner {
	if perSecond <= 0 {
		return r
	}
	if burst < 1 {
		burst = 1
	}
	return &LimitedRunner{inner: r, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *LimitedRunner) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", l.inner.Name(), err)
	}
	return nil
}

func (l *LimitedRunner) Name() string { return l.inner.Name() }

func (l *LimitedRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if err := l.wait(ctx); err != nil {
		return Result{ExitCode: -1}, err
	}
	return l.inner.Run(ctx, cmd)
}

func (l *LimitedRunner) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.inner.WriteFile(ctx, path, data, mode)
}

func (l *LimitedRunner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.ReadFile(ctx, path)
}

func (l *LimitedRunner) Remove(ctx context.Context, path string) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.inner.Remove(ctx, path)
}

func (l *LimitedRunner) Exists(ctx context.Context, path string) (bool, error) {
	if err := l.wait(ctx); err != nil {
		return false, err
	}
	return l.inner.Exists(ctx, path)
}

func (l *LimitedRunner) Symlink(ctx context.Context, target, link string) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.inner.Symlink(ctx, target, link)
}

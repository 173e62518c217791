// internal/command/runner.go
package command

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/naming"
)

// DefaultTimeout bounds a command that sets no timeout of its own.
const DefaultTimeout = 60 * time.Second

// ErrTimeout marks a command killed by its deadline.
var ErrTimeout = errors.New("command: timed out")

// Command is one program invocation.
type Command struct {
	Name    string
	Args    []string
	Stdin   []byte
	Timeout time.Duration
}

// New builds a command.
func New(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// Shell runs script through /bin/sh -c.
func Shell(script string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", script}}
}

// String renders the command as a shell line. Used for logs and for
// transports that only accept a single command string.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteIfNeeded(c.Name))
	for _, a := range c.Args {
		parts = append(parts, quoteIfNeeded(a))
	}
	return strings.Join(parts, " ")
}

func quoteIfNeeded(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r))
	}) < 0 {
		return s
	}
	return naming.ShellQuote(s)
}

// Result is what a finished command produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined joins stdout and stderr for diagnostics.
func (r Result) Combined() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// ExitError is returned for a non-zero exit status.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Result.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return hosting.ErrRemoteCommandFailed
}

// Runner executes commands and file operations on one execution target.
// Every implementation must bound each call by a timeout.
type Runner interface {
	// Name identifies the target in logs and metrics, never its credentials.
	Name() string
	Run(ctx context.Context, cmd Command) (Result, error)
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error
	// ReadFile returns an error wrapping fs.ErrNotExist for absent files.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Remove deletes path; an absent path is not an error.
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Symlink points link at target, replacing an existing link.
	Symlink(ctx context.Context, target, link string) error
}

// Factory resolves the runner for an explicit server reference. An empty
// server id selects the local host.
type Factory func(ctx context.Context, serverID string) (Runner, error)

// StaticFactory always returns r.
func StaticFactory(r Runner) Factory {
	return func(context.Context, string) (Runner, error) { return r, nil }
}

// Output runs cmd and returns its trimmed stdout, folding failure output
// into the error.
func Output(ctx context.Context, r Runner, cmd Command) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", hosting.Step(cmd.String(), res.Combined(), err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsNotExist reports whether err means the file was absent.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func withTimeout(ctx context.Context, cmd Command, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func timeoutError(cmd Command, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTimeout, cmd.String(), errors.Join(hosting.ErrRemoteCommandFailed, err))
}

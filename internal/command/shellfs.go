// internal/command/shellfs.go
package command

import (
	"context"
	"fmt"
	"io/fs"
	"path"

	"github.com/FairForge/hostplane/internal/naming"
)

// exitMissing is the status the file scripts use for an absent path.
const exitMissing = 44

type runFunc func(ctx context.Context, cmd Command) (Result, error)

// shellFS implements the file half of Runner with POSIX shell commands, for
// transports that can only execute programs.
type shellFS struct {
	run runFunc
}

func (s shellFS) writeFile(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	q := naming.ShellQuote
	tmp := p + ".hostplane.tmp"
	script := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s && mv -f %s %s",
		q(path.Dir(p)), q(tmp), mode.Perm(), q(tmp), q(tmp), q(p))
	cmd := Shell(script)
	cmd.Stdin = data
	if _, err := s.run(ctx, cmd); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func (s shellFS) readFile(ctx context.Context, p string) ([]byte, error) {
	q := naming.ShellQuote(p)
	res, err := s.run(ctx, Shell(fmt.Sprintf("test -e %s || exit %d; cat %s", q, exitMissing, q)))
	if err != nil {
		if res.ExitCode == exitMissing {
			return nil, fmt.Errorf("read %s: %w", p, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return []byte(res.Stdout), nil
}

func (s shellFS) remove(ctx context.Context, p string) error {
	if _, err := s.run(ctx, New("rm", "-f", p)); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (s shellFS) exists(ctx context.Context, p string) (bool, error) {
	q := naming.ShellQuote(p)
	res, err := s.run(ctx, Shell(fmt.Sprintf("test -e %s || test -L %s || exit %d", q, q, exitMissing)))
	if err != nil {
		if res.ExitCode == exitMissing {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

func (s shellFS) symlink(ctx context.Context, target, link string) error {
	if _, err := s.run(ctx, New("ln", "-sfn", target, link)); err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	return nil
}

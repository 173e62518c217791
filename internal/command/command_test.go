package command

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/hosting"
)

func TestCommand_String(t *testing.T) {
	t.Run("plain arguments stay bare", func(t *testing.T) {
		assert.Equal(t, "systemctl reload nginx", New("systemctl", "reload", "nginx").String())
	})

	t.Run("arguments with spaces are quoted", func(t *testing.T) {
		assert.Equal(t, "/bin/sh -c 'echo hi'", Shell("echo hi").String())
	})

	t.Run("empty argument is quoted", func(t *testing.T) {
		assert.Equal(t, "printf ''", New("printf", "").String())
	})
}

func TestResult_Combined(t *testing.T) {
	assert.Equal(t, "out", Result{Stdout: "out\n"}.Combined())
	assert.Equal(t, "err", Result{Stderr: " err "}.Combined())
	assert.Equal(t, "out\nerr", Result{Stdout: "out", Stderr: "err"}.Combined())
}

func TestExitError_UnwrapsRemoteFailure(t *testing.T) {
	err := &ExitError{Command: "nginx -t", Result: Result{ExitCode: 1}}
	assert.ErrorIs(t, err, hosting.ErrRemoteCommandFailed)
	assert.Contains(t, err.Error(), "status 1")
}

func TestLocalRunner_Run(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	r := NewLocalRunner(5*time.Second, zap.NewNop())
	ctx := context.Background()

	t.Run("captures stdout", func(t *testing.T) {
		res, err := r.Run(ctx, Shell("echo hello"))
		require.NoError(t, err)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("passes stdin", func(t *testing.T) {
		cmd := Shell("cat")
		cmd.Stdin = []byte("piped")
		res, err := r.Run(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, "piped", res.Stdout)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		res, err := r.Run(ctx, Shell("echo broken >&2; exit 3"))
		require.Error(t, err)
		var exitErr *ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "broken", res.Combined())
	})

	t.Run("timeout kills the command", func(t *testing.T) {
		cmd := Shell("sleep 5")
		cmd.Timeout = 50 * time.Millisecond
		res, err := r.Run(ctx, cmd)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, hosting.ErrRemoteCommandFailed)
		assert.Equal(t, -1, res.ExitCode)
	})
}

func TestLocalRunner_Files(t *testing.T) {
	dir := t.TempDir()
	r := NewLocalRunner(time.Second, nil)
	ctx := context.Background()
	path := filepath.Join(dir, "nested", "site.conf")

	require.NoError(t, r.WriteFile(ctx, path, []byte("server {}"), 0o640))

	data, err := r.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "server {}", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o640), info.Mode().Perm())

	link := filepath.Join(dir, "enabled", "site.conf")
	require.NoError(t, r.Symlink(ctx, path, link))
	require.NoError(t, r.Symlink(ctx, path, link), "relinking replaces")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, path, target)

	ok, err := r.Exists(ctx, link)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Remove(ctx, path))
	require.NoError(t, r.Remove(ctx, path), "removing twice is fine")

	_, err = r.ReadFile(ctx, path)
	assert.True(t, IsNotExist(err))
	ok, err = r.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShellFS(t *testing.T) {
	ctx := context.Background()

	t.Run("write pipes data through stdin", func(t *testing.T) {
		var got Command
		s := shellFS{run: func(_ context.Context, cmd Command) (Result, error) {
			got = cmd
			return Result{}, nil
		}}
		require.NoError(t, s.writeFile(ctx, "/etc/nginx/sites-available/a.conf", []byte("x"), 0o644))
		assert.Equal(t, "/bin/sh", got.Name)
		assert.Contains(t, got.Args[1], "mkdir -p '/etc/nginx/sites-available'")
		assert.Contains(t, got.Args[1], "chmod 644")
		assert.Equal(t, []byte("x"), got.Stdin)
	})

	t.Run("missing file maps to not exist", func(t *testing.T) {
		s := shellFS{run: func(_ context.Context, cmd Command) (Result, error) {
			res := Result{ExitCode: exitMissing}
			return res, &ExitError{Command: cmd.String(), Result: res}
		}}
		_, err := s.readFile(ctx, "/nope")
		assert.True(t, IsNotExist(err))

		ok, err := s.exists(ctx, "/nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("other failures surface", func(t *testing.T) {
		s := shellFS{run: func(_ context.Context, cmd Command) (Result, error) {
			res := Result{ExitCode: 1}
			return res, &ExitError{Command: cmd.String(), Result: res}
		}}
		_, err := s.readFile(ctx, "/etc/shadow")
		require.Error(t, err)
		assert.False(t, IsNotExist(err))
	})

	t.Run("read returns stdout", func(t *testing.T) {
		s := shellFS{run: func(context.Context, Command) (Result, error) {
			return Result{Stdout: "content"}, nil
		}}
		data, err := s.readFile(ctx, "/etc/hosts")
		require.NoError(t, err)
		assert.Equal(t, "content", string(data))
	})
}

func TestOutput(t *testing.T) {
	f := NewFake("test").
		On("nginx -t", Result{Stderr: "emerg: unknown directive", ExitCode: 1}).
		On("hostname", Result{Stdout: "web-01\n"})
	ctx := context.Background()

	out, err := Output(ctx, f, New("hostname"))
	require.NoError(t, err)
	assert.Equal(t, "web-01", out)

	_, err = Output(ctx, f, New("nginx", "-t"))
	require.Error(t, err)
	stepErr := hosting.AsStepError(err)
	require.NotNil(t, stepErr)
	assert.Equal(t, "nginx -t", stepErr.Step)
	assert.Contains(t, stepErr.Output, "unknown directive")
}

func TestFake(t *testing.T) {
	f := NewFake("")
	ctx := context.Background()

	f.On("systemctl", Result{ExitCode: 1})
	f.On("systemctl is-active", Result{Stdout: "active"})

	res, err := f.Run(ctx, New("systemctl", "is-active", "nginx"))
	require.NoError(t, err)
	assert.Equal(t, "active", res.Stdout)

	_, err = f.Run(ctx, New("systemctl", "reload", "nginx"))
	assert.Error(t, err)

	assert.Equal(t, 2, f.Count("systemctl"))
	assert.True(t, f.Ran("systemctl reload"))
	assert.Equal(t, 1, f.Index("systemctl reload"))
	assert.Equal(t, -1, f.Index("nginx"))

	require.NoError(t, f.WriteFile(ctx, "/a", []byte("1"), 0o600))
	require.NoError(t, f.Symlink(ctx, "/a", "/b"))
	assert.Equal(t, []string{"/a", "/b"}, f.Paths())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.Run(cancelled, New("true"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWithRateLimit(t *testing.T) {
	f := NewFake("limited")

	t.Run("disabled returns inner", func(t *testing.T) {
		assert.Same(t, f, WithRateLimit(f, 0, 0))
	})

	t.Run("delegates and throttles", func(t *testing.T) {
		r := WithRateLimit(f, 1000, 1)
		assert.Equal(t, "limited", r.Name())
		for i := 0; i < 3; i++ {
			_, err := r.Run(context.Background(), New("true"))
			require.NoError(t, err)
		}
		require.NoError(t, r.WriteFile(context.Background(), "/x", []byte("y"), 0o644))
		data, err := r.ReadFile(context.Background(), "/x")
		require.NoError(t, err)
		assert.Equal(t, "y", string(data))
	})

	t.Run("cancelled wait fails", func(t *testing.T) {
		r := WithRateLimit(NewFake("slow"), 0.001, 1)
		_, _ = r.Run(context.Background(), New("true"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := r.Run(ctx, New("true"))
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "rate limit"))
	})
}

func TestNewSSHRunner_Validation(t *testing.T) {
	t.Run("requires host", func(t *testing.T) {
		_, err := NewSSHRunner(SSHConfig{User: "root", Password: "x", InsecureIgnoreHostKey: true}, nil)
		assert.ErrorIs(t, err, hosting.ErrInvalidRequest)
	})

	t.Run("requires credentials", func(t *testing.T) {
		_, err := NewSSHRunner(SSHConfig{Host: "h", User: "root", InsecureIgnoreHostKey: true}, nil)
		assert.ErrorIs(t, err, hosting.ErrInvalidRequest)
	})

	t.Run("requires host key verification", func(t *testing.T) {
		_, err := NewSSHRunner(SSHConfig{Host: "h", User: "root", Password: "x"}, nil)
		assert.ErrorIs(t, err, hosting.ErrInvalidRequest)
	})

	t.Run("rejects bad private key", func(t *testing.T) {
		_, err := NewSSHRunner(SSHConfig{Host: "h", User: "root", PrivateKey: []byte("nope"), InsecureIgnoreHostKey: true}, nil)
		assert.Error(t, err)
	})

	t.Run("valid config names the host only", func(t *testing.T) {
		r, err := NewSSHRunner(SSHConfig{Host: "10.0.0.5", User: "deploy", Password: "secret", InsecureIgnoreHostKey: true}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "ssh:10.0.0.5", r.Name())
		assert.NotContains(t, r.Name(), "secret")
		assert.Equal(t, "10.0.0.5:22", r.addr)
		require.NoError(t, r.Close())
	})
}

// silentServer accepts TCP connections and never sends an SSH banner.
func silentServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSSHRunner_HandshakeDeadline(t *testing.T) {
	port := silentServer(t)
	newRunner := func(dial time.Duration) *SSHRunner {
		r, err := NewSSHRunner(SSHConfig{
			Host:                  "127.0.0.1",
			Port:                  port,
			User:                  "deploy",
			Password:              "secret",
			InsecureIgnoreHostKey: true,
			DialTimeout:           dial,
			CommandTimeout:        time.Minute,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r
	}

	t.Run("dial timeout bounds the handshake", func(t *testing.T) {
		start := time.Now()
		_, err := newRunner(100*time.Millisecond).Run(context.Background(), New("true"))
		require.Error(t, err)
		assert.ErrorIs(t, err, hosting.ErrRemoteCommandFailed)
		assert.Contains(t, err.Error(), "ssh handshake")
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("earlier context deadline wins", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := newRunner(time.Minute).Run(ctx, New("true"))
		require.Error(t, err)
		assert.ErrorIs(t, err, hosting.ErrRemoteCommandFailed)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

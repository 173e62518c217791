// internal/command/ssh.go
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/metrics"
)

// SSHConfig addresses a managed server.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	Password   string

	// HostKey pins the server key in authorized_keys format. When empty,
	// KnownHostsFile is consulted.
	HostKey               string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// SSHConfigFromCredential adapts a collaborator credential.
func SSHConfigFromCredential(cred hosting.SSHCredential, knownHosts string, dialTimeout, commandTimeout time.Duration) SSHConfig {
	return SSHConfig{
		Host:           cred.Host,
		Port:           cred.Port,
		User:           cred.User,
		PrivateKey:     cred.PrivateKey,
		Password:       cred.Password,
		HostKey:        cred.HostKey,
		KnownHostsFile: knownHosts,
		DialTimeout:    dialTimeout,
		CommandTimeout: commandTimeout,
	}
}

// killGrace is how long a timed-out session gets to flush its output.
const killGrace = time.Second

// SSHRunner executes commands on a remote host over one reused connection.
type SSHRunner struct {
	cfg      SSHConfig
	client   *ssh.ClientConfig
	addr     string
	logger   *zap.Logger
	mu       sync.Mutex
	conn     *ssh.Client
	shellOps shellFS
}

// NewSSHRunner validates cfg and prepares a lazily connecting runner.
func NewSSHRunner(cfg SSHConfig, logger *zap.Logger) (*SSHRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("%w: ssh host and user are required", hosting.ErrInvalidRequest)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	auth, err := sshAuth(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := sshHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	r := &SSHRunner{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logger,
	}
	r.shellOps = shellFS{run: r.Run}
	return r, nil
}

func sshAuth(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key for %s: %w", cfg.Host, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no ssh credentials for %s", hosting.ErrInvalidRequest, cfg.Host)
	}
	return methods, nil
}

func sshHostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	switch {
	case cfg.HostKey != "":
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parse host key for %s: %w", cfg.Host, err)
		}
		return ssh.FixedHostKey(key), nil
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		return cb, nil
	case cfg.InsecureIgnoreHostKey:
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("%w: no host key verification configured for %s", hosting.ErrInvalidRequest, cfg.Host)
	}
}

func (s *SSHRunner) Name() string { return "ssh:" + s.cfg.Host }

func (s *SSHRunner) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr, errors.Join(hosting.ErrRemoteCommandFailed, err))
	}
	// ClientConfig.Timeout only covers ssh.Dial; bound the handshake here.
	deadline := time.Now().Add(s.cfg.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := raw.SetDeadline(deadline); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", s.addr, errors.Join(hosting.ErrRemoteCommandFailed, err))
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, s.addr, s.client)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", s.addr, errors.Join(hosting.ErrRemoteCommandFailed, err))
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", s.addr, errors.Join(hosting.ErrRemoteCommandFailed, err))
	}
	s.conn = ssh.NewClient(c, chans, reqs)
	s.logger.Debug("ssh connected", zap.String("host", s.cfg.Host), zap.String("user", s.cfg.User))
	return s.conn, nil
}

func (s *SSHRunner) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Run executes cmd in a fresh session. A command outliving its deadline is
// killed and reported as a timeout.
func (s *SSHRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	ctx, cancel := withTimeout(ctx, cmd, s.cfg.CommandTimeout)
	defer cancel()

	client, err := s.connect(ctx)
	if err != nil {
		metrics.ObserveCommand("ssh", metrics.OutcomeFailure)
		return Result{ExitCode: -1}, err
	}
	session, err := client.NewSession()
	if err != nil {
		s.drop()
		metrics.ObserveCommand("ssh", metrics.OutcomeFailure)
		return Result{ExitCode: -1}, fmt.Errorf("open ssh session: %w", errors.Join(hosting.ErrRemoteCommandFailed, err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	start := time.Now()
	if err := session.Start(cmd.String()); err != nil {
		metrics.ObserveCommand("ssh", metrics.OutcomeFailure)
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", cmd.Name, errors.Join(hosting.ErrRemoteCommandFailed, err))
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		res := Result{ExitCode: -1, Duration: time.Since(start)}
		// The buffers belong to the copy goroutines until Wait returns.
		select {
		case <-done:
			res.Stdout, res.Stderr = stdout.String(), stderr.String()
		case <-time.After(killGrace):
		}
		metrics.ObserveCommand("ssh", metrics.OutcomeTimeout)
		s.logger.Warn("remote command timed out", zap.String("host", s.cfg.Host), zap.String("command", cmd.Name))
		return res, timeoutError(cmd, ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
			} else {
				res.ExitCode = -1
				s.drop()
			}
			metrics.ObserveCommand("ssh", metrics.OutcomeFailure)
			return res, &ExitError{Command: cmd.String(), Result: res}
		}
		metrics.ObserveCommand("ssh", metrics.OutcomeSuccess)
		return res, nil
	}
}

func (s *SSHRunner) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	return s.shellOps.writeFile(ctx, path, data, mode)
}

func (s *SSHRunner) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return s.shellOps.readFile(ctx, path)
}

func (s *SSHRunner) Remove(ctx context.Context, path string) error {
	return s.shellOps.remove(ctx, path)
}

func (s *SSHRunner) Exists(ctx context.Context, path string) (bool, error) {
	return s.shellOps.exists(ctx, path)
}

func (s *SSHRunner) Symlink(ctx context.Context, target, link string) error {
	return s.shellOps.symlink(ctx, target, link)
}

// Close releases the connection.
func (s *SSHRunner) Close() error {
	s.drop()
	return nil
}

// internal/orchestrator/runners.go
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/autoscale"
	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
)

// RunnerPool hands out the local runner for requests without a server and
// one cached SSH runner per managed server otherwise. Every runner is rate
// limited.
type RunnerPool struct {
	mu     sync.Mutex
	local  command.Runner
	creds  hosting.CredentialStore
	cfg    *config.Config
	logger *zap.Logger
	remote map[string]command.Runner
	closer map[string]*command.SSHRunner
}

func NewRunnerPool(local command.Runner, creds hosting.CredentialStore, cfg *config.Config, logger *zap.Logger) *RunnerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunnerPool{
		local:  command.WithRateLimit(local, cfg.Commands.RatePerSecond, cfg.Commands.Burst),
		creds:  creds,
		cfg:    cfg,
		logger: logger,
		remote: make(map[string]command.Runner),
		closer: make(map[string]*command.SSHRunner),
	}
}

// Factory exposes the pool to provisioners.
func (p *RunnerPool) Factory() command.Factory {
	return p.Runner
}

// Runner resolves serverID. An empty id is the local machine.
func (p *RunnerPool) Runner(ctx context.Context, serverID string) (command.Runner, error) {
	if serverID == "" {
		return p.local, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.remote[serverID]; ok {
		return r, nil
	}
	if p.creds == nil {
		return nil, fmt.Errorf("%w: server %s requested but no credential store configured", hosting.ErrUnsupported, serverID)
	}
	cred, err := p.creds.SSHCredential(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("credentials for server %s: %w", serverID, err)
	}
	sshCfg := command.SSHConfigFromCredential(cred, p.cfg.SSH.KnownHostsFile, p.cfg.SSH.DialTimeout, p.cfg.Commands.Timeout)
	sshCfg.InsecureIgnoreHostKey = p.cfg.SSH.InsecureIgnoreHostKey
	ssh, err := command.NewSSHRunner(sshCfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("ssh runner for server %s: %w", serverID, err)
	}
	p.logger.Info("ssh runner created", zap.String("server_id", serverID), zap.String("host", cred.Host))
	r := command.WithRateLimit(ssh, p.cfg.Commands.RatePerSecond, p.cfg.Commands.Burst)
	p.remote[serverID] = r
	p.closer[serverID] = ssh
	return r, nil
}

// Close drops every SSH connection.
func (p *RunnerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ssh := range p.closer {
		if err := ssh.Close(); err != nil {
			p.logger.Warn("close ssh runner", zap.String("server_id", id), zap.Error(err))
		}
	}
	p.remote = make(map[string]command.Runner)
	p.closer = make(map[string]*command.SSHRunner)
	return nil
}

// EngineScalers builds autoscale engines that apply manifests through kubectl.
func EngineScalers(kubectl *k8s.Kubectl, logger *zap.Logger) ScalerFactory {
	return func(cloud hosting.Cloud) (Scaler, error) {
		e, err := autoscale.ForCloud(cloud, kubectl, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

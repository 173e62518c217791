// cmd/hostplane/app.go
package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/FairForge/hostplane/internal/admin"
	"github.com/FairForge/hostplane/internal/certs"
	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/orchestrator"
	"github.com/FairForge/hostplane/internal/provision/compose"
	"github.com/FairForge/hostplane/internal/provision/host"
	"github.com/FairForge/hostplane/internal/provision/kube"
	"github.com/FairForge/hostplane/internal/records"
	"github.com/FairForge/hostplane/internal/topology"
)

// recordStore is what both record backends implement.
type recordStore interface {
	hosting.DomainStore
	hosting.DeploymentStore
	hosting.CredentialStore
}

// app holds everything one CLI invocation wires together.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	detector *topology.Detector
	orch     *orchestrator.Orchestrator
	pingers  map[string]admin.Pinger
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, pingers: map[string]admin.Pinger{}}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	kubeconfig := cfg.Kubernetes.Kubeconfig
	if kubeconfig == "" {
		kubeconfig = cfg.Topology.Kubeconfig
	}
	clientset := func() (kubernetes.Interface, error) {
		return k8s.NewClientset(kubeconfig, cfg.Kubernetes.RequestTimeout)
	}

	mode, _ := topology.ParseMode(cfg.Topology.Mode)
	cloud, _ := topology.ParseCloud(cfg.Topology.Cloud)
	a.detector = topology.New(topology.Options{
		Mode:         mode,
		Cloud:        cloud,
		Kubeconfig:   kubeconfig,
		ProbeTimeout: cfg.Topology.ProbeTimeout,
		Clientset:    clientset,
		Probes:       topology.DefaultProbes(&http.Client{Timeout: cfg.Topology.ProbeTimeout}),
		Logger:       logger,
	})

	issuer, err := newIssuer(cfg, logger)
	if err != nil {
		return nil, err
	}

	local := command.NewLocalRunner(cfg.Commands.Timeout, logger)
	runners := orchestrator.NewRunnerPool(local, store, cfg, logger)
	a.closers = append(a.closers, runners.Close)

	backends := []hosting.Backend{
		host.New(host.SettingsFromConfig(cfg), runners.Factory(), issuer, logger),
	}

	if engine, err := compose.NewDockerEngine(cfg.Compose.DockerHost); err != nil {
		logger.Warn("docker engine unavailable, compose backend disabled", zap.Error(err))
	} else {
		a.closers = append(a.closers, engine.Close)
		localRunner, _ := runners.Runner(ctx, "")
		backends = append(backends, compose.New(compose.SettingsFromConfig(cfg), localRunner, engine, issuer, logger))
	}

	var client kubernetes.Interface
	if cfg.Kubernetes.Enabled {
		client, err = clientset()
		if err != nil {
			logger.Warn("kubernetes client unavailable", zap.Error(err))
			client = nil
		}
	}
	kp := kube.New(kube.SettingsFromConfig(cfg), client, store, store, logger)
	backends = append(backends, kp)

	kubectl := k8s.NewKubectl(local,
		k8s.WithBinary(cfg.Autoscale.Kubectl),
		k8s.WithTempDir(cfg.Autoscale.TempDir),
		k8s.WithKubeconfig(kubeconfig),
		k8s.WithCommandTimeout(cfg.Commands.Timeout))

	a.orch = orchestrator.New(orchestrator.Options{
		Detector:  a.detector,
		Backends:  backends,
		Workloads: kp,
		Scalers:   orchestrator.EngineScalers(kubectl, logger),
		Domains:   store,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) (recordStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database configured, using in-memory records")
		return records.NewMemory(), nil
	}
	pg, err := records.Open(a.cfg.Database.DSN, a.cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	a.pingers["database"] = pg.Ping
	return pg, nil
}

func newIssuer(cfg *config.Config, logger *zap.Logger) (certs.Issuer, error) {
	switch cfg.TLS.Issuer {
	case "", "certbot":
		return certs.CertbotIssuer{Email: cfg.TLS.Email}, nil
	case "lego":
		return certs.NewLegoIssuer(cfg.TLS.Email, cfg.TLS.ACMEDirectory, cfg.TLS.AccountKey, logger)
	default:
		return nil, fmt.Errorf("unknown tls issuer %q", cfg.TLS.Issuer)
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", zap.Error(err))
		}
	}
}

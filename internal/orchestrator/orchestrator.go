// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/autoscale"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/metrics"
)

// Detector reports the cached runtime topology.
type Detector interface {
	Detect(ctx context.Context) hosting.Topology
}

// Workloads runs isolated git deployments.
type Workloads interface {
	CreateIsolatedWorkload(ctx context.Context, deploymentID string) hosting.ProvisionResult
}

// Scaler is the autoscaling surface of one cloud provider.
type Scaler interface {
	Name() string
	SupportsVertical() bool
	EnableHorizontal(ctx context.Context, domain string, cfg autoscale.HorizontalConfig) error
	EnableVertical(ctx context.Context, domain string, cfg autoscale.VerticalConfig) error
	DisableHorizontal(ctx context.Context, domain string) error
	DisableVertical(ctx context.Context, domain string) error
	ScalingConfig(ctx context.Context, domain string) (autoscale.ScalingConfig, error)
	ScaleToReplicas(ctx context.Context, domain string, replicas int32) error
	ResourceMetrics(ctx context.Context, domain string) []k8s.PodMetrics
}

// ScalerFactory picks the scaler for a detected cloud.
type ScalerFactory func(cloud hosting.Cloud) (Scaler, error)

// AutoscalingConfig enables one or both autoscalers. Vertical is skipped
// with a warning on providers without VPA support.
type AutoscalingConfig struct {
	Horizontal *autoscale.HorizontalConfig `json:"horizontal,omitempty"`
	Vertical   *autoscale.VerticalConfig   `json:"vertical,omitempty"`
}

// Options wires the orchestrator.
type Options struct {
	Detector  Detector
	Backends  []hosting.Backend
	Workloads Workloads
	Scalers   ScalerFactory
	Domains   hosting.DomainStore
	Logger    *zap.Logger
}

// Orchestrator is the entry point external callers use. It dispatches each
// request to the backend of the detected topology and records metrics.
type Orchestrator struct {
	detector  Detector
	backends  map[hosting.Mode]hosting.Backend
	workloads Workloads
	scalers   ScalerFactory
	domains   hosting.DomainStore
	logger    *zap.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		detector:  opts.Detector,
		backends:  make(map[hosting.Mode]hosting.Backend, len(opts.Backends)),
		workloads: opts.Workloads,
		scalers:   opts.Scalers,
		domains:   opts.Domains,
		logger:    opts.Logger,
	}
	for _, b := range opts.Backends {
		o.backends[b.Mode()] = b
	}
	return o
}

// Topology returns the detected topology.
func (o *Orchestrator) Topology(ctx context.Context) hosting.Topology {
	return o.detector.Detect(ctx)
}

func (o *Orchestrator) backend(ctx context.Context) (hosting.Backend, hosting.Mode, error) {
	mode := o.detector.Detect(ctx).Mode
	b, ok := o.backends[mode]
	if !ok {
		return nil, mode, fmt.Errorf("%w: no backend for topology %q", hosting.ErrUnsupported, mode)
	}
	return b, mode, nil
}

// Provision applies req on the backend of the current topology.
func (o *Orchestrator) Provision(ctx context.Context, req hosting.ProvisionRequest) hosting.ProvisionResult {
	start := time.Now()
	opID := uuid.NewString()
	b, mode, err := o.backend(ctx)
	var res hosting.ProvisionResult
	if err != nil {
		res = hosting.Failed(mode, err, hosting.Artifacts{})
	} else {
		res = b.Apply(ctx, req)
	}
	res.OperationID = opID
	res.Duration = time.Since(start)
	metrics.ObserveProvision(string(mode), "provision", string(res.Outcome), res.Duration)

	log := o.logger.With(
		zap.String("operation_id", opID),
		zap.String("domain", req.Domain),
		zap.String("backend", string(mode)),
		zap.Duration("took", res.Duration))
	if res.Outcome == hosting.OutcomeFailure {
		log.Error("provision failed", zap.String("step", res.Step), zap.String("error", res.Message))
	} else {
		log.Info("provisioned", zap.String("outcome", string(res.Outcome)))
	}
	return res
}

// ProvisionDomain looks the domain record up and provisions it.
func (o *Orchestrator) ProvisionDomain(ctx context.Context, domainID string) hosting.ProvisionResult {
	req, err := o.request(ctx, domainID)
	if err != nil {
		mode := o.detector.Detect(ctx).Mode
		metrics.ObserveProvision(string(mode), "provision", string(hosting.OutcomeFailure), 0)
		return hosting.Failed(mode, err, hosting.Artifacts{})
	}
	return o.Provision(ctx, req)
}

func (o *Orchestrator) request(ctx context.Context, domainID string) (hosting.ProvisionRequest, error) {
	if o.domains == nil {
		return hosting.ProvisionRequest{}, fmt.Errorf("%w: no domain store configured", hosting.ErrUnsupported)
	}
	dom, err := o.domains.LookupDomain(ctx, domainID)
	if err != nil {
		return hosting.ProvisionRequest{}, fmt.Errorf("lookup domain %s: %w", domainID, err)
	}
	return dom.Request(), nil
}

// Deprovision removes the domain's virtual host. It reports whether
// anything existed.
func (o *Orchestrator) Deprovision(ctx context.Context, domainID string) (bool, error) {
	start := time.Now()
	req, err := o.request(ctx, domainID)
	if err != nil {
		return false, err
	}
	b, mode, err := o.backend(ctx)
	if err != nil {
		return false, err
	}
	removed, err := b.Remove(ctx, req)
	outcome := hosting.OutcomeSuccess
	switch {
	case err != nil:
		outcome = hosting.OutcomeFailure
	case !removed:
		outcome = hosting.OutcomeSkipped
	}
	metrics.ObserveProvision(string(mode), "deprovision", string(outcome), time.Since(start))
	if err != nil {
		return removed, fmt.Errorf("deprovision %s: %w", req.Domain, err)
	}
	o.logger.Info("deprovisioned", zap.String("domain", req.Domain), zap.Bool("removed", removed))
	return removed, nil
}

// Status reports the domain's virtual host on the current backend.
func (o *Orchestrator) Status(ctx context.Context, domainID string) (hosting.StatusReport, error) {
	req, err := o.request(ctx, domainID)
	if err != nil {
		return hosting.StatusReport{}, err
	}
	b, _, err := o.backend(ctx)
	if err != nil {
		return hosting.StatusReport{Domain: req.Domain}, err
	}
	return b.Status(ctx, req)
}

// CreateIsolatedWorkload runs a git deployment in its own pod.
func (o *Orchestrator) CreateIsolatedWorkload(ctx context.Context, deploymentID string) hosting.ProvisionResult {
	start := time.Now()
	var res hosting.ProvisionResult
	if o.workloads == nil {
		res = hosting.Failed(hosting.ModeKubernetes, fmt.Errorf("%w: isolated workloads need kubernetes", hosting.ErrUnsupported), hosting.Artifacts{})
	} else {
		res = o.workloads.CreateIsolatedWorkload(ctx, deploymentID)
	}
	res.OperationID = uuid.NewString()
	res.Duration = time.Since(start)
	metrics.ObserveProvision(string(hosting.ModeKubernetes), "workload", string(res.Outcome), res.Duration)
	return res
}

// scaler resolves the domain and the provider of the current cluster.
func (o *Orchestrator) scaler(ctx context.Context, domainID string) (Scaler, string, error) {
	t := o.detector.Detect(ctx)
	if t.Mode != hosting.ModeKubernetes {
		return nil, "", fmt.Errorf("%w: autoscaling needs kubernetes, topology is %s", hosting.ErrUnsupported, t.Mode)
	}
	if o.scalers == nil {
		return nil, "", fmt.Errorf("%w: autoscaling not configured", hosting.ErrUnsupported)
	}
	s, err := o.scalers(t.Cloud)
	if err != nil {
		return nil, "", err
	}
	req, err := o.request(ctx, domainID)
	if err != nil {
		return nil, "", err
	}
	return s, req.Domain, nil
}

// EnableAutoscaling applies the requested autoscalers.
func (o *Orchestrator) EnableAutoscaling(ctx context.Context, domainID string, cfg AutoscalingConfig) (bool, error) {
	if cfg.Horizontal == nil && cfg.Vertical == nil {
		return false, fmt.Errorf("%w: no autoscaler requested", hosting.ErrInvalidRequest)
	}
	s, domain, err := o.scaler(ctx, domainID)
	if err != nil {
		return false, err
	}
	if cfg.Horizontal != nil {
		if err := s.EnableHorizontal(ctx, domain, *cfg.Horizontal); err != nil {
			return false, err
		}
	}
	if cfg.Vertical != nil {
		if !s.SupportsVertical() {
			o.logger.Warn("vertical scaling not offered by provider, skipped",
				zap.String("domain", domain), zap.String("provider", s.Name()))
			return cfg.Horizontal != nil, nil
		}
		if err := s.EnableVertical(ctx, domain, *cfg.Vertical); err != nil {
			return false, err
		}
	}
	return true, nil
}

// DisableAutoscaling removes both autoscalers. Absent objects are fine.
func (o *Orchestrator) DisableAutoscaling(ctx context.Context, domainID string) (bool, error) {
	s, domain, err := o.scaler(ctx, domainID)
	if err != nil {
		return false, err
	}
	err = errors.Join(s.DisableHorizontal(ctx, domain), s.DisableVertical(ctx, domain))
	return err == nil, err
}

func (o *Orchestrator) ScalingConfig(ctx context.Context, domainID string) (autoscale.ScalingConfig, error) {
	s, domain, err := o.scaler(ctx, domainID)
	if err != nil {
		return autoscale.ScalingConfig{}, err
	}
	return s.ScalingConfig(ctx, domain)
}

func (o *Orchestrator) ScaleToReplicas(ctx context.Context, domainID string, replicas int32) error {
	s, domain, err := o.scaler(ctx, domainID)
	if err != nil {
		return err
	}
	return s.ScaleToReplicas(ctx, domain, replicas)
}

// ResourceMetrics never fails; without a cluster the list is empty.
func (o *Orchestrator) ResourceMetrics(ctx context.Context, domainID string) []k8s.PodMetrics {
	s, domain, err := o.scaler(ctx, domainID)
	if err != nil {
		o.logger.Debug("resource metrics unavailable", zap.String("domain_id", domainID), zap.Error(err))
		return []k8s.PodMetrics{}
	}
	return s.ResourceMetrics(ctx, domain)
}

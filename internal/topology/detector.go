// internal/topology/detector.go
package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/FairForge/hostplane/internal/autoscale"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/metrics"
)

// DefaultProbeTimeout bounds each individual probe.
const DefaultProbeTimeout = 2 * time.Second

// Options configures a Detector. Zero values select the real environment.
type Options struct {
	// Mode forces the topology and skips mode probing.
	Mode hosting.Mode
	// Cloud forces the provider and skips cloud probing.
	Cloud        hosting.Cloud
	Kubeconfig   string
	ProbeTimeout time.Duration
	Env          Environment
	// Clientset builds the client used for the node probe. Nil skips it.
	Clientset func() (kubernetes.Interface, error)
	Probes    []CloudProbe
	Logger    *zap.Logger
}

// Detector probes the runtime topology once and caches the result until
// Invalidate is called. It is safe for concurrent use.
type Detector struct {
	mu     sync.Mutex
	opts   Options
	cached *hosting.Topology
	fixed  bool
}

// New creates a probing detector.
func New(opts Options) *Detector {
	if opts.Env == nil {
		opts.Env = OSEnvironment{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Detector{opts: opts}
}

// NewFixed returns a detector that always reports t and never probes.
func NewFixed(t hosting.Topology) *Detector {
	if t.Cloud == "" {
		t.Cloud = hosting.CloudNone
	}
	return &Detector{cached: &t, fixed: true, opts: Options{Logger: zap.NewNop()}}
}

// Detect returns the cached topology, probing on first use. It never fails:
// a probe that errors degrades to the conservative answer.
func (d *Detector) Detect(ctx context.Context) hosting.Topology {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		return *d.cached
	}

	start := time.Now()
	t := hosting.Topology{Mode: d.detectMode(), Cloud: hosting.CloudNone}
	if t.Mode == hosting.ModeKubernetes {
		t.Cloud = d.detectCloud(ctx)
	}
	d.cached = &t
	metrics.ObserveDetection(string(t.Mode), string(t.Cloud))
	d.opts.Logger.Info("topology detected",
		zap.String("mode", string(t.Mode)),
		zap.String("cloud", string(t.Cloud)),
		zap.Duration("took", time.Since(start)))
	return t
}

// Invalidate drops the cached result; the next Detect probes again.
// A fixed detector keeps its value.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fixed {
		d.cached = nil
	}
}

// SupportsAutoScaling is true in Kubernetes mode on a cloud with an
// autoscaling provider.
func (d *Detector) SupportsAutoScaling(ctx context.Context) bool {
	t := d.Detect(ctx)
	return t.Mode == hosting.ModeKubernetes && autoscale.Supported(t.Cloud)
}

func (d *Detector) detectMode() hosting.Mode {
	if d.opts.Mode != "" {
		return d.opts.Mode
	}
	env := d.opts.Env
	if ind := kubernetesIndicator(env, d.opts.Kubeconfig); ind != "" {
		d.opts.Logger.Debug("kubernetes indicator found", zap.String("indicator", ind))
		return hosting.ModeKubernetes
	}
	if ind := containerIndicator(env); ind != "" {
		d.opts.Logger.Debug("container indicator found", zap.String("indicator", ind))
		return hosting.ModeDockerCompose
	}
	return hosting.ModeStandalone
}

func (d *Detector) detectCloud(ctx context.Context) hosting.Cloud {
	if d.opts.Cloud != "" {
		return d.opts.Cloud
	}

	var errs []error
	if d.opts.Clientset != nil {
		cloud, err := d.nodeCloud(ctx)
		if err == nil && cloud != hosting.CloudNone {
			return cloud
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	cloud, err := d.metadataCloud(ctx)
	if err == nil {
		return cloud
	}
	errs = append(errs, err)

	d.opts.Logger.Warn("cloud provider detection degraded",
		zap.Error(errors.Join(hosting.ErrDetectionDegraded, errors.Join(errs...))))
	return hosting.CloudNone
}

func (d *Detector) nodeCloud(ctx context.Context) (hosting.Cloud, error) {
	client, err := d.opts.Clientset()
	if err != nil {
		return hosting.CloudNone, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()
	return NodeCloud(ctx, client)
}

// metadataCloud runs every probe concurrently and returns the first
// success in priority order.
func (d *Detector) metadataCloud(ctx context.Context) (hosting.Cloud, error) {
	probes := d.opts.Probes
	if len(probes) == 0 {
		return hosting.CloudNone, errors.New("no metadata probes configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()

	results := make([]error, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p CloudProbe) {
			defer wg.Done()
			results[i] = p.Probe(ctx)
		}(i, p)
	}
	wg.Wait()

	for i, err := range results {
		if err == nil {
			return probes[i].Cloud(), nil
		}
	}
	return hosting.CloudNone, errors.Join(results...)
}

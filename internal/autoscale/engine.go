// internal/autoscale/engine.go
package autoscale

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/metrics"
	"github.com/FairForge/hostplane/internal/naming"
)

// HorizontalConfig is the desired HPA of a domain.
type HorizontalConfig struct {
	MinReplicas      int32 `json:"min_replicas"`
	MaxReplicas      int32 `json:"max_replicas"`
	TargetCPUPercent int32 `json:"target_cpu_percent"`
	// ScaleDownWindowSeconds is optional.
	ScaleDownWindowSeconds int32 `json:"scale_down_window_seconds,omitempty"`
}

// VerticalConfig is the desired VPA of a domain.
type VerticalConfig struct {
	UpdateMode k8s.UpdateMode  `json:"update_mode"`
	Containers []string        `json:"containers,omitempty"`
	MinAllowed k8s.ResourceList `json:"-"`
	MaxAllowed k8s.ResourceList `json:"-"`
}

// HorizontalState is an HPA as the cluster reports it.
type HorizontalState struct {
	Name             string `json:"name"`
	MinReplicas      int32  `json:"min_replicas"`
	MaxReplicas      int32  `json:"max_replicas"`
	TargetCPUPercent int32  `json:"target_cpu_percent"`
	CurrentReplicas  int32  `json:"current_replicas"`
	DesiredReplicas  int32  `json:"desired_replicas"`
}

// VerticalState is a VPA as the cluster reports it.
type VerticalState struct {
	Name            string                        `json:"name"`
	UpdateMode      k8s.UpdateMode                `json:"update_mode"`
	Recommendations []k8s.ContainerRecommendation `json:"recommendations,omitempty"`
}

// ScalingConfig is the read-back of a domain's autoscalers. A nil half
// means the object does not exist.
type ScalingConfig struct {
	Domain     string           `json:"domain"`
	Provider   hosting.Cloud    `json:"provider"`
	Horizontal *HorizontalState `json:"horizontal"`
	Vertical   *VerticalState   `json:"vertical"`
}

// Engine implements autoscaling once for every provider; the capability
// decides what is allowed.
type Engine struct {
	capability Capability
	kubectl    *k8s.Kubectl
	logger     *zap.Logger
}

// New creates an engine for an explicit capability.
func New(capability Capability, kubectl *k8s.Kubectl, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		capability: capability,
		kubectl:    kubectl,
		logger:     logger.With(zap.String("provider", string(capability.Name))),
	}
}

// ForCloud selects the engine for a detected cloud.
func ForCloud(cloud hosting.Cloud, kubectl *k8s.Kubectl, logger *zap.Logger) (*Engine, error) {
	c, err := lookupOrErr(cloud)
	if err != nil {
		return nil, err
	}
	return New(c, kubectl, logger), nil
}

// Name returns the provider name.
func (e *Engine) Name() string { return string(e.capability.Name) }

// SupportsVertical reports whether the provider can run a VPA.
func (e *Engine) SupportsVertical() bool { return e.capability.SupportsVertical }

type target struct {
	domain     string
	namespace  string
	deployment string
}

func targetFor(domain string) (target, error) {
	if !hosting.ValidHostname(domain) {
		return target{}, fmt.Errorf("%w: %q is not a valid hostname", hosting.ErrInvalidRequest, domain)
	}
	return target{
		domain:     domain,
		namespace:  naming.NamespaceForDomain(domain),
		deployment: naming.DeploymentName(domain),
	}, nil
}

func (e *Engine) observe(op string, err error) error {
	metrics.ObserveAutoscaling(e.Name(), op, err == nil)
	return err
}

// EnableHorizontal applies an HPA on the domain's Deployment.
func (e *Engine) EnableHorizontal(ctx context.Context, domain string, cfg HorizontalConfig) error {
	t, err := targetFor(domain)
	if err != nil {
		return err
	}
	am := k8s.NewAutoscalingManager(t.namespace, k8s.DomainLabels(domain))
	hpa, err := am.GenerateHPA(k8s.HPAConfig{
		Name:                   naming.HPAName(domain),
		TargetName:             t.deployment,
		MinReplicas:            cfg.MinReplicas,
		MaxReplicas:            cfg.MaxReplicas,
		TargetCPUPercent:       cfg.TargetCPUPercent,
		ScaleDownWindowSeconds: cfg.ScaleDownWindowSeconds,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", hosting.ErrInvalidRequest, err)
	}
	doc, err := hpa.ToYAML()
	if err != nil {
		return err
	}
	if err := e.observe("enable_horizontal", e.kubectl.Apply(ctx, doc)); err != nil {
		return fmt.Errorf("enable horizontal scaling for %s: %w", domain, err)
	}
	e.logger.Info("horizontal scaling enabled",
		zap.String("domain", domain),
		zap.Int32("min", cfg.MinReplicas),
		zap.Int32("max", cfg.MaxReplicas),
		zap.Int32("cpu", cfg.TargetCPUPercent))
	return nil
}

// EnableVertical applies a VPA on the domain's Deployment.
func (e *Engine) EnableVertical(ctx context.Context, domain string, cfg VerticalConfig) error {
	if !e.capability.SupportsVertical {
		return fmt.Errorf("%w: %s does not offer vertical pod autoscaling", hosting.ErrUnsupported, e.Name())
	}
	t, err := targetFor(domain)
	if err != nil {
		return err
	}
	am := k8s.NewAutoscalingManager(t.namespace, k8s.DomainLabels(domain))
	vpa, err := am.GenerateVPA(k8s.VPAConfig{
		Name:       naming.VPAName(domain),
		TargetName: t.deployment,
		UpdateMode: cfg.UpdateMode,
		Containers: cfg.Containers,
		MinAllowed: cfg.MinAllowed,
		MaxAllowed: cfg.MaxAllowed,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", hosting.ErrInvalidRequest, err)
	}
	doc, err := vpa.ToYAML()
	if err != nil {
		return err
	}
	if err := e.observe("enable_vertical", e.kubectl.Apply(ctx, doc)); err != nil {
		return fmt.Errorf("enable vertical scaling for %s: %w", domain, err)
	}
	e.logger.Info("vertical scaling enabled",
		zap.String("domain", domain),
		zap.String("update_mode", string(vpa.Mode())))
	return nil
}

// DisableHorizontal deletes the HPA. A missing HPA is success.
func (e *Engine) DisableHorizontal(ctx context.Context, domain string) error {
	t, err := targetFor(domain)
	if err != nil {
		return err
	}
	if err := e.observe("disable_horizontal", e.kubectl.Delete(ctx, k8s.KindHPA, naming.HPAName(domain), t.namespace)); err != nil {
		return fmt.Errorf("disable horizontal scaling for %s: %w", domain, err)
	}
	return nil
}

// DisableVertical deletes the VPA. A missing VPA, or a provider without
// VPA support, is success.
func (e *Engine) DisableVertical(ctx context.Context, domain string) error {
	t, err := targetFor(domain)
	if err != nil {
		return err
	}
	if !e.capability.SupportsVertical {
		return nil
	}
	if err := e.observe("disable_vertical", e.kubectl.Delete(ctx, k8s.KindVPA, naming.VPAName(domain), t.namespace)); err != nil {
		return fmt.Errorf("disable vertical scaling for %s: %w", domain, err)
	}
	return nil
}

// ScalingConfig reads both autoscalers back from the cluster.
func (e *Engine) ScalingConfig(ctx context.Context, domain string) (ScalingConfig, error) {
	t, err := targetFor(domain)
	if err != nil {
		return ScalingConfig{}, err
	}
	out := ScalingConfig{Domain: domain, Provider: e.capability.Name}

	var hpa k8s.HPAResource
	found, err := e.kubectl.GetJSON(ctx, k8s.KindHPA, naming.HPAName(domain), t.namespace, &hpa)
	if err != nil {
		return out, e.observe("get_config", fmt.Errorf("read hpa of %s: %w", domain, err))
	}
	if found {
		h := &HorizontalState{
			Name:             hpa.Metadata.Name,
			MaxReplicas:      hpa.Spec.MaxReplicas,
			TargetCPUPercent: hpa.CPUTarget(),
			MinReplicas:      1,
		}
		if hpa.Spec.MinReplicas != nil {
			h.MinReplicas = *hpa.Spec.MinReplicas
		}
		if hpa.Status != nil {
			h.CurrentReplicas = hpa.Status.CurrentReplicas
			h.DesiredReplicas = hpa.Status.DesiredReplicas
		}
		out.Horizontal = h
	}

	if e.capability.SupportsVertical {
		var vpa k8s.VPAResource
		found, err := e.kubectl.GetJSON(ctx, k8s.KindVPA, naming.VPAName(domain), t.namespace, &vpa)
		if err != nil {
			return out, e.observe("get_config", fmt.Errorf("read vpa of %s: %w", domain, err))
		}
		if found {
			v := &VerticalState{Name: vpa.Metadata.Name, UpdateMode: vpa.Mode()}
			if vpa.Status != nil && vpa.Status.Recommendation != nil {
				v.Recommendations = vpa.Status.Recommendation.ContainerRecommendations
			}
			out.Vertical = v
		}
	}
	return out, e.observe("get_config", nil)
}

// ScaleToReplicas sets the Deployment's replica count directly. An active
// HPA will move it again on its next evaluation.
func (e *Engine) ScaleToReplicas(ctx context.Context, domain string, replicas int32) error {
	t, err := targetFor(domain)
	if err != nil {
		return err
	}
	if replicas < 0 {
		return fmt.Errorf("%w: replica count %d is negative", hosting.ErrInvalidRequest, replicas)
	}
	if err := e.observe("scale", e.kubectl.Scale(ctx, t.deployment, t.namespace, replicas)); err != nil {
		return fmt.Errorf("scale %s: %w", domain, err)
	}
	e.logger.Info("deployment scaled", zap.String("domain", domain), zap.Int32("replicas", replicas))
	return nil
}

// ResourceMetrics is best effort: any failure yields an empty list.
func (e *Engine) ResourceMetrics(ctx context.Context, domain string) []k8s.PodMetrics {
	t, err := targetFor(domain)
	if err != nil {
		return []k8s.PodMetrics{}
	}
	pods, err := e.kubectl.TopPods(ctx, t.namespace, k8s.Selector(k8s.DomainLabels(domain)))
	metrics.ObserveAutoscaling(e.Name(), "metrics", err == nil)
	if err != nil {
		e.logger.Warn("resource metrics unavailable", zap.String("domain", domain), zap.Error(err))
		return []k8s.PodMetrics{}
	}
	if pods == nil {
		pods = []k8s.PodMetrics{}
	}
	return pods
}

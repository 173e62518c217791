// internal/k8s/autoscaling.go
package k8s

import "fmt"

// Object kinds as kubectl resolves them.
const (
	KindHPA        = "horizontalpodautoscaler.autoscaling"
	KindVPA        = "verticalpodautoscaler.autoscaling.k8s.io"
	KindDeployment = "deployment.apps"
)

// UpdateMode is a VerticalPodAutoscaler update policy.
type UpdateMode string

const (
	UpdateModeAuto     UpdateMode = "Auto"
	UpdateModeRecreate UpdateMode = "Recreate"
	UpdateModeInitial  UpdateMode = "Initial"
	UpdateModeOff      UpdateMode = "Off"
)

// Valid reports whether m is one of the four VPA modes.
func (m UpdateMode) Valid() bool {
	switch m {
	case UpdateModeAuto, UpdateModeRecreate, UpdateModeInitial, UpdateModeOff:
		return true
	}
	return false
}

// AutoscalingManager renders HPA and VPA manifests for one namespace.
type AutoscalingManager struct {
	namespace string
	labels    map[string]string
}

// NewAutoscalingManager creates a manager whose manifests carry labels.
func NewAutoscalingManager(namespace string, labels map[string]string) *AutoscalingManager {
	l := copyStringMap(labels)
	if l == nil {
		l = map[string]string{}
	}
	l[LabelManagedBy] = ManagedBy
	return &AutoscalingManager{namespace: namespace, labels: l}
}

// HPAConfig configures a HorizontalPodAutoscaler on a Deployment.
type HPAConfig struct {
	Name             string
	TargetName       string
	MinReplicas      int32
	MaxReplicas      int32
	TargetCPUPercent int32
	// ScaleDownWindowSeconds damps flapping; zero keeps the cluster default.
	ScaleDownWindowSeconds int32
}

// HPAResource is a HorizontalPodAutoscaler as rendered and as read back.
type HPAResource struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion"`
	Kind       string           `yaml:"kind" json:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata" json:"metadata"`
	Spec       HPASpec          `yaml:"spec" json:"spec"`
	Status     *HPAStatus       `yaml:"status,omitempty" json:"status,omitempty"`
}

type HPASpec struct {
	ScaleTargetRef ScaleTargetRef   `yaml:"scaleTargetRef" json:"scaleTargetRef"`
	MinReplicas    *int32           `yaml:"minReplicas,omitempty" json:"minReplicas,omitempty"`
	MaxReplicas    int32            `yaml:"maxReplicas" json:"maxReplicas"`
	Metrics        []HPAMetricSpec  `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Behavior       *HPABehaviorSpec `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

// ScaleTargetRef references the scaled workload.
type ScaleTargetRef struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
	Name       string `yaml:"name" json:"name"`
}

type HPAMetricSpec struct {
	Type     string                   `yaml:"type" json:"type"`
	Resource *HPAResourceMetricSource `yaml:"resource,omitempty" json:"resource,omitempty"`
}

type HPAResourceMetricSource struct {
	Name   string          `yaml:"name" json:"name"`
	Target HPAMetricTarget `yaml:"target" json:"target"`
}

type HPAMetricTarget struct {
	Type               string `yaml:"type" json:"type"`
	AverageUtilization *int32 `yaml:"averageUtilization,omitempty" json:"averageUtilization,omitempty"`
}

type HPABehaviorSpec struct {
	ScaleDown *HPAScalingRulesSpec `yaml:"scaleDown,omitempty" json:"scaleDown,omitempty"`
}

type HPAScalingRulesSpec struct {
	StabilizationWindowSeconds *int32 `yaml:"stabilizationWindowSeconds,omitempty" json:"stabilizationWindowSeconds,omitempty"`
}

// HPAStatus is filled by the cluster.
type HPAStatus struct {
	CurrentReplicas int32 `yaml:"currentReplicas" json:"currentReplicas"`
	DesiredReplicas int32 `yaml:"desiredReplicas" json:"desiredReplicas"`
}

// CPUTarget returns the CPU utilization target, zero when none is set.
func (h *HPAResource) CPUTarget() int32 {
	for _, m := range h.Spec.Metrics {
		if m.Resource != nil && m.Resource.Name == "cpu" && m.Resource.Target.AverageUtilization != nil {
			return *m.Resource.Target.AverageUtilization
		}
	}
	return 0
}

// GenerateHPA renders an autoscaling/v2 HPA targeting a Deployment.
func (am *AutoscalingManager) GenerateHPA(config HPAConfig) (*HPAResource, error) {
	if config.Name == "" || config.TargetName == "" {
		return nil, fmt.Errorf("hpa: name and target are required")
	}
	if config.MinReplicas < 1 || config.MaxReplicas < config.MinReplicas {
		return nil, fmt.Errorf("hpa: invalid replica range %d..%d", config.MinReplicas, config.MaxReplicas)
	}
	if config.TargetCPUPercent < 1 || config.TargetCPUPercent > 100 {
		return nil, fmt.Errorf("hpa: cpu target %d%% out of range", config.TargetCPUPercent)
	}

	minReplicas := config.MinReplicas
	cpu := config.TargetCPUPercent
	hpa := &HPAResource{
		APIVersion: "autoscaling/v2",
		Kind:       "HorizontalPodAutoscaler",
		Metadata: ManifestMetadata{
			Name:      config.Name,
			Namespace: am.namespace,
			Labels:    copyStringMap(am.labels),
		},
		Spec: HPASpec{
			ScaleTargetRef: ScaleTargetRef{APIVersion: "apps/v1", Kind: "Deployment", Name: config.TargetName},
			MinReplicas:    &minReplicas,
			MaxReplicas:    config.MaxReplicas,
			Metrics: []HPAMetricSpec{{
				Type: "Resource",
				Resource: &HPAResourceMetricSource{
					Name:   "cpu",
					Target: HPAMetricTarget{Type: "Utilization", AverageUtilization: &cpu},
				},
			}},
		},
	}
	if config.ScaleDownWindowSeconds > 0 {
		window := config.ScaleDownWindowSeconds
		hpa.Spec.Behavior = &HPABehaviorSpec{
			ScaleDown: &HPAScalingRulesSpec{StabilizationWindowSeconds: &window},
		}
	}
	return hpa, nil
}

// ToYAML converts the HPA to YAML.
func (h *HPAResource) ToYAML() (string, error) {
	return EncodeYAML(h)
}

// VPAConfig configures a VerticalPodAutoscaler on a Deployment.
type VPAConfig struct {
	Name       string
	TargetName string
	UpdateMode UpdateMode
	// Containers limits the policy to named containers; empty covers all.
	Containers []string
	MinAllowed ResourceList
	MaxAllowed ResourceList
}

// ResourceList holds resource quantities.
type ResourceList struct {
	CPU    string
	Memory string
}

func (r ResourceList) toMap() map[string]string {
	if r.CPU == "" && r.Memory == "" {
		return nil
	}
	m := make(map[string]string, 2)
	if r.CPU != "" {
		m["cpu"] = r.CPU
	}
	if r.Memory != "" {
		m["memory"] = r.Memory
	}
	return m
}

// VPAResource is a VerticalPodAutoscaler as rendered and as read back.
type VPAResource struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion"`
	Kind       string           `yaml:"kind" json:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata" json:"metadata"`
	Spec       VPASpec          `yaml:"spec" json:"spec"`
	Status     *VPAStatus       `yaml:"status,omitempty" json:"status,omitempty"`
}

type VPASpec struct {
	TargetRef      ScaleTargetRef     `yaml:"targetRef" json:"targetRef"`
	UpdatePolicy   *VPAUpdatePolicy   `yaml:"updatePolicy,omitempty" json:"updatePolicy,omitempty"`
	ResourcePolicy *VPAResourcePolicy `yaml:"resourcePolicy,omitempty" json:"resourcePolicy,omitempty"`
}

type VPAUpdatePolicy struct {
	UpdateMode UpdateMode `yaml:"updateMode" json:"updateMode"`
}

type VPAResourcePolicy struct {
	ContainerPolicies []VPAContainerPolicySpec `yaml:"containerPolicies" json:"containerPolicies"`
}

type VPAContainerPolicySpec struct {
	ContainerName       string            `yaml:"containerName" json:"containerName"`
	MinAllowed          map[string]string `yaml:"minAllowed,omitempty" json:"minAllowed,omitempty"`
	MaxAllowed          map[string]string `yaml:"maxAllowed,omitempty" json:"maxAllowed,omitempty"`
	ControlledResources []string          `yaml:"controlledResources,omitempty" json:"controlledResources,omitempty"`
}

// VPAStatus is filled by the recommender.
type VPAStatus struct {
	Recommendation *VPARecommendation `yaml:"recommendation,omitempty" json:"recommendation,omitempty"`
}

type VPARecommendation struct {
	ContainerRecommendations []ContainerRecommendation `yaml:"containerRecommendations" json:"containerRecommendations"`
}

// ContainerRecommendation is the recommender's answer for one container.
type ContainerRecommendation struct {
	ContainerName string            `yaml:"containerName" json:"containerName"`
	Target        map[string]string `yaml:"target,omitempty" json:"target,omitempty"`
	LowerBound    map[string]string `yaml:"lowerBound,omitempty" json:"lowerBound,omitempty"`
	UpperBound    map[string]string `yaml:"upperBound,omitempty" json:"upperBound,omitempty"`
}

// Mode returns the update mode, Auto when unset as the cluster defaults.
func (v *VPAResource) Mode() UpdateMode {
	if v.Spec.UpdatePolicy == nil || v.Spec.UpdatePolicy.UpdateMode == "" {
		return UpdateModeAuto
	}
	return v.Spec.UpdatePolicy.UpdateMode
}

// GenerateVPA renders an autoscaling.k8s.io/v1 VPA targeting a Deployment.
func (am *AutoscalingManager) GenerateVPA(config VPAConfig) (*VPAResource, error) {
	if config.Name == "" || config.TargetName == "" {
		return nil, fmt.Errorf("vpa: name and target are required")
	}
	if config.UpdateMode == "" {
		config.UpdateMode = UpdateModeAuto
	}
	if !config.UpdateMode.Valid() {
		return nil, fmt.Errorf("vpa: unknown update mode %q", config.UpdateMode)
	}

	vpa := &VPAResource{
		APIVersion: "autoscaling.k8s.io/v1",
		Kind:       "VerticalPodAutoscaler",
		Metadata: ManifestMetadata{
			Name:      config.Name,
			Namespace: am.namespace,
			Labels:    copyStringMap(am.labels),
		},
		Spec: VPASpec{
			TargetRef:    ScaleTargetRef{APIVersion: "apps/v1", Kind: "Deployment", Name: config.TargetName},
			UpdatePolicy: &VPAUpdatePolicy{UpdateMode: config.UpdateMode},
		},
	}

	containers := config.Containers
	if len(containers) == 0 {
		containers = []string{"*"}
	}
	minAllowed, maxAllowed := config.MinAllowed.toMap(), config.MaxAllowed.toMap()
	policies := make([]VPAContainerPolicySpec, 0, len(containers))
	for _, name := range containers {
		policies = append(policies, VPAContainerPolicySpec{
			ContainerName:       name,
			MinAllowed:          copyStringMap(minAllowed),
			MaxAllowed:          copyStringMap(maxAllowed),
			ControlledResources: []string{"cpu", "memory"},
		})
	}
	vpa.Spec.ResourcePolicy = &VPAResourcePolicy{ContainerPolicies: policies}
	return vpa, nil
}

// ToYAML converts the VPA to YAML.
func (v *VPAResource) ToYAML() (string, error) {
	return EncodeYAML(v)
}

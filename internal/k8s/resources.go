// internal/k8s/resources.go
package k8s

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ResourceQuantities holds CPU and memory quantity strings such as "100m".
type ResourceQuantities struct {
	CPU    string
	Memory string
}

func (rq ResourceQuantities) list() corev1.ResourceList {
	out := corev1.ResourceList{}
	if rq.CPU != "" {
		out[corev1.ResourceCPU] = resource.MustParse(rq.CPU)
	}
	if rq.Memory != "" {
		out[corev1.ResourceMemory] = resource.MustParse(rq.Memory)
	}
	return out
}

// ResourceProfile sizes one container. Requests are required for CPU
// based autoscaling.
type ResourceProfile struct {
	Requests ResourceQuantities
	Limits   ResourceQuantities
}

// Requirements converts the profile.
func (p ResourceProfile) Requirements() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: p.Requests.list(),
		Limits:   p.Limits.list(),
	}
}

// Standard container profiles.
var (
	ProfileNginx = ResourceProfile{
		Requests: ResourceQuantities{CPU: "50m", Memory: "64Mi"},
		Limits:   ResourceQuantities{CPU: "250m", Memory: "128Mi"},
	}
	ProfilePHP = ResourceProfile{
		Requests: ResourceQuantities{CPU: "100m", Memory: "128Mi"},
		Limits:   ResourceQuantities{CPU: "1", Memory: "512Mi"},
	}
	ProfileInit = ResourceProfile{
		Requests: ResourceQuantities{CPU: "50m", Memory: "64Mi"},
		Limits:   ResourceQuantities{CPU: "500m", Memory: "256Mi"},
	}
)

// TenantLimitRange gives containers without explicit resources sane
// defaults and caps what one container may ask for.
func TenantLimitRange(namespace string, labels map[string]string) *corev1.LimitRange {
	return &corev1.LimitRange{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "tenant-limits",
			Namespace: namespace,
			Labels:    copyStringMap(labels),
		},
		Spec: corev1.LimitRangeSpec{
			Limits: []corev1.LimitRangeItem{{
				Type:           corev1.LimitTypeContainer,
				Default:        ResourceQuantities{CPU: "500m", Memory: "512Mi"}.list(),
				DefaultRequest: ResourceQuantities{CPU: "100m", Memory: "128Mi"}.list(),
				Max:            ResourceQuantities{CPU: "4", Memory: "8Gi"}.list(),
				Min:            ResourceQuantities{CPU: "10m", Memory: "16Mi"}.list(),
			}},
		},
	}
}

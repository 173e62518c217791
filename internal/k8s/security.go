// internal/k8s/security.go
package k8s

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// PodSecurityStandard defines Pod Security Standards levels
type PodSecurityStandard string

const (
	PSSPrivileged PodSecurityStandard = "privileged"
	PSSBaseline   PodSecurityStandard = "baseline"
	PSSRestricted PodSecurityStandard = "restricted"
)

// PodSecurityMode defines Pod Security Standards enforcement mode
type PodSecurityMode string

const (
	PSSModeEnforce PodSecurityMode = "enforce"
	PSSModeAudit   PodSecurityMode = "audit"
	PSSModeWarn    PodSecurityMode = "warn"
)

// PodSecurityLabels returns namespace labels for Pod Security Standards
func PodSecurityLabels(level PodSecurityStandard, mode PodSecurityMode, version string) map[string]string {
	if version == "" {
		version = "latest"
	}
	return map[string]string{
		fmt.Sprintf("pod-security.kubernetes.io/%s", mode):         string(level),
		fmt.Sprintf("pod-security.kubernetes.io/%s-version", mode): version,
	}
}

// TenantSecurityLabels enforces baseline and warns about restricted, which
// stock nginx and php images do not meet.
func TenantSecurityLabels() map[string]string {
	labels := PodSecurityLabels(PSSBaseline, PSSModeEnforce, "")
	for k, v := range PodSecurityLabels(PSSRestricted, PSSModeWarn, "") {
		labels[k] = v
	}
	return labels
}

// BaselineContainerSecurity is applied to every tenant container.
func BaselineContainerSecurity() *corev1.SecurityContext {
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: Ptr(false),
		Privileged:               Ptr(false),
		SeccompProfile: &corev1.SeccompProfile{
			Type: corev1.SeccompProfileTypeRuntimeDefault,
		},
	}
}

// TenantPodSecurity is the pod level context of tenant workloads.
func TenantPodSecurity() *corev1.PodSecurityContext {
	return &corev1.PodSecurityContext{
		SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

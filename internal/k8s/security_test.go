// internal/k8s/security_test.go
package k8s

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
)

func TestPodSecurityLabels(t *testing.T) {
	labels := PodSecurityLabels(PSSRestricted, PSSModeEnforce, "")

	if labels["pod-security.kubernetes.io/enforce"] != "restricted" {
		t.Errorf("expected enforce=restricted, got '%s'", labels["pod-security.kubernetes.io/enforce"])
	}
	if labels["pod-security.kubernetes.io/enforce-version"] != "latest" {
		t.Error("expected latest version by default")
	}

	pinned := PodSecurityLabels(PSSBaseline, PSSModeAudit, "v1.30")
	if pinned["pod-security.kubernetes.io/audit-version"] != "v1.30" {
		t.Error("expected pinned version")
	}
}

func TestTenantSecurityLabels(t *testing.T) {
	labels := TenantSecurityLabels()

	if labels["pod-security.kubernetes.io/enforce"] != "baseline" {
		t.Errorf("expected baseline enforcement, got '%s'", labels["pod-security.kubernetes.io/enforce"])
	}
	if labels["pod-security.kubernetes.io/warn"] != "restricted" {
		t.Errorf("expected restricted warnings, got '%s'", labels["pod-security.kubernetes.io/warn"])
	}
	if len(labels) != 4 {
		t.Errorf("expected 4 labels, got %d", len(labels))
	}
}

func TestBaselineContainerSecurity(t *testing.T) {
	sc := BaselineContainerSecurity()

	if sc.AllowPrivilegeEscalation == nil || *sc.AllowPrivilegeEscalation {
		t.Error("privilege escalation must be disabled")
	}
	if sc.Privileged == nil || *sc.Privileged {
		t.Error("containers must not be privileged")
	}
	if sc.SeccompProfile.Type != corev1.SeccompProfileTypeRuntimeDefault {
		t.Errorf("expected RuntimeDefault seccomp, got %s", sc.SeccompProfile.Type)
	}

	if BaselineContainerSecurity() == sc {
		t.Error("each call must return a fresh context")
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(int32(3))
	if *p != 3 {
		t.Errorf("expected 3, got %d", *p)
	}
}

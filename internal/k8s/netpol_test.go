// internal/k8s/netpol_test.go
package k8s

import "testing"

func TestTenantNetworkPolicy(t *testing.T) {
	labels := DomainLabels("shop.example.com")
	policy := TenantNetworkPolicy("hosting-shop-example-com", "ingress-nginx", labels)

	if policy.Name != "tenant-isolation" {
		t.Errorf("unexpected name '%s'", policy.Name)
	}
	if len(policy.Spec.PolicyTypes) != 1 || policy.Spec.PolicyTypes[0] != "Ingress" {
		t.Errorf("expected ingress policy, got %v", policy.Spec.PolicyTypes)
	}
	if len(policy.Spec.Ingress) != 2 {
		t.Fatalf("expected same-namespace and ingress rules, got %d", len(policy.Spec.Ingress))
	}

	same := policy.Spec.Ingress[0].From[0]
	if same.PodSelector == nil || same.NamespaceSelector != nil {
		t.Error("first rule must admit pods of the same namespace")
	}

	controller := policy.Spec.Ingress[1]
	if controller.From[0].NamespaceSelector.MatchLabels[LabelNamespaceName] != "ingress-nginx" {
		t.Error("second rule must select the ingress namespace")
	}
	if controller.Ports[0].Port.IntValue() != 80 {
		t.Errorf("expected port 80, got %s", controller.Ports[0].Port.String())
	}

	labels[LabelDomain] = "changed"
	if policy.Labels[LabelDomain] == "changed" {
		t.Error("labels must be copied")
	}
}

func TestTenantNetworkPolicyWithoutIngressNamespace(t *testing.T) {
	policy := TenantNetworkPolicy("hosting-a", "", nil)
	if len(policy.Spec.Ingress) != 1 {
		t.Errorf("expected only the same-namespace rule, got %d", len(policy.Spec.Ingress))
	}
}

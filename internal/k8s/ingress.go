// internal/k8s/ingress.go
package k8s

import (
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AnnotationClusterIssuer asks cert-manager to issue the ingress TLS secret.
const AnnotationClusterIssuer = "cert-manager.io/cluster-issuer"

// IngressConfig routes a set of hosts to one service port.
type IngressConfig struct {
	Name      string
	Namespace string
	Labels    map[string]string
	Hosts     []string
	Service   string
	Port      int32
	ClassName string
	// TLSSecret enables TLS for all hosts. ClusterIssuer, when set, makes
	// cert-manager populate that secret.
	TLSSecret     string
	ClusterIssuer string
}

// BuildIngress renders one Ingress with a Prefix "/" rule per host.
func BuildIngress(cfg IngressConfig) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	backend := networkingv1.IngressBackend{
		Service: &networkingv1.IngressServiceBackend{
			Name: cfg.Service,
			Port: networkingv1.ServiceBackendPort{Number: cfg.Port},
		},
	}
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.Name,
			Namespace: cfg.Namespace,
			Labels:    copyStringMap(cfg.Labels),
		},
	}
	if cfg.ClassName != "" {
		ing.Spec.IngressClassName = Ptr(cfg.ClassName)
	}
	for _, host := range cfg.Hosts {
		ing.Spec.Rules = append(ing.Spec.Rules, networkingv1.IngressRule{
			Host: host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:     "/",
						PathType: &pathType,
						Backend:  backend,
					}},
				},
			},
		})
	}
	if cfg.TLSSecret != "" {
		ing.Spec.TLS = []networkingv1.IngressTLS{{Hosts: cfg.Hosts, SecretName: cfg.TLSSecret}}
		if cfg.ClusterIssuer != "" {
			ing.Annotations = map[string]string{AnnotationClusterIssuer: cfg.ClusterIssuer}
		}
	}
	return ing
}

// internal/provision/kube/settings.go
package kube

import (
	"time"

	"github.com/FairForge/hostplane/internal/config"
)

// Settings control what the provisioner creates in the cluster.
type Settings struct {
	// Enabled false turns every operation into a skip without cluster calls.
	Enabled              bool
	IngressClass         string
	ClusterIssuer        string
	IngressNamespace     string
	NginxImage           string
	PHPImagePattern      string
	GitImage             string
	WorkloadImagePattern string
	DocumentRoot         string
	RequestTimeout       time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Enabled:              cfg.Kubernetes.Enabled,
		IngressClass:         cfg.Kubernetes.IngressClass,
		ClusterIssuer:        cfg.Kubernetes.ClusterIssuer,
		IngressNamespace:     cfg.Kubernetes.IngressNamespace,
		NginxImage:           cfg.Kubernetes.NginxImage,
		PHPImagePattern:      cfg.Kubernetes.PHPImagePattern,
		GitImage:             cfg.Kubernetes.GitImage,
		WorkloadImagePattern: cfg.Kubernetes.WorkloadImagePattern,
		DocumentRoot:         cfg.Compose.WebRoot,
		RequestTimeout:       cfg.Kubernetes.RequestTimeout,
	}
}

// internal/k8s/client.go
package k8s

import (
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// RESTConfig prefers in-cluster configuration and falls back to kubeconfig,
// then to $KUBECONFIG.
func RESTConfig(kubeconfig string, timeout time.Duration) (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := strings.TrimSpace(kubeconfig)
		if path == "" {
			path = strings.TrimSpace(os.Getenv("KUBECONFIG"))
		}
		if path == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	cfg.UserAgent = "hostplane"
	return cfg, nil
}

// NewClientset builds a typed client.
func NewClientset(kubeconfig string, timeout time.Duration) (kubernetes.Interface, error) {
	cfg, err := RESTConfig(kubeconfig, timeout)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return clientset, nil
}

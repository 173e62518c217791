// internal/topology/environment.go
package topology

import (
	"os"
	"strings"

	"github.com/FairForge/hostplane/internal/hosting"
)

// Environment is the slice of the process environment detection reads.
type Environment interface {
	Getenv(key string) string
	FileExists(path string) bool
	ReadFile(path string) ([]byte, error)
}

// OSEnvironment reads the real process environment.
type OSEnvironment struct{}

func (OSEnvironment) Getenv(key string) string { return os.Getenv(key) }

func (OSEnvironment) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSEnvironment) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// Indicator files and variables.
const (
	serviceAccountToken = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	kubernetesHostEnv   = "KUBERNETES_SERVICE_HOST"
	dockerEnvFile       = "/.dockerenv"
	podmanEnvFile       = "/run/.containerenv"
	initCgroupFile      = "/proc/1/cgroup"
	composeProjectEnv   = "COMPOSE_PROJECT_NAME"
)

var containerCgroupMarkers = []string{"docker", "containerd", "kubepods", "libpod"}

// kubernetesIndicator names the first Kubernetes signal found, or "".
func kubernetesIndicator(env Environment, kubeconfig string) string {
	switch {
	case env.Getenv(kubernetesHostEnv) != "":
		return kubernetesHostEnv
	case env.FileExists(serviceAccountToken):
		return serviceAccountToken
	case kubeconfig != "" && env.FileExists(kubeconfig):
		return kubeconfig
	}
	return ""
}

// containerIndicator names the first container runtime signal found, or "".
func containerIndicator(env Environment) string {
	switch {
	case env.FileExists(dockerEnvFile):
		return dockerEnvFile
	case env.FileExists(podmanEnvFile):
		return podmanEnvFile
	case env.Getenv(composeProjectEnv) != "":
		return composeProjectEnv
	}
	if data, err := env.ReadFile(initCgroupFile); err == nil {
		content := string(data)
		for _, marker := range containerCgroupMarkers {
			if strings.Contains(content, marker) {
				return initCgroupFile
			}
		}
	}
	return ""
}

// ParseMode accepts the configured override spelling.
func ParseMode(s string) (hosting.Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standalone":
		return hosting.ModeStandalone, true
	case "docker-compose", "compose", "docker":
		return hosting.ModeDockerCompose, true
	case "kubernetes", "k8s":
		return hosting.ModeKubernetes, true
	}
	return "", false
}

// ParseCloud accepts a configured cloud name.
func ParseCloud(s string) (hosting.Cloud, bool) {
	c := hosting.Cloud(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case hosting.CloudNone, hosting.CloudAWS, hosting.CloudAzure, hosting.CloudGCP, hosting.CloudDigitalOcean, hosting.CloudOVH:
		return c, true
	}
	return "", false
}

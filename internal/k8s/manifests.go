// internal/k8s/manifests.go
package k8s

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/hostplane/internal/naming"
)

// Labels attached to everything hostplane creates.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelName      = "app.kubernetes.io/name"
	LabelComponent = "app.kubernetes.io/component"
	LabelDomain    = "hostplane.io/domain"
	LabelDeploy    = "hostplane.io/deployment"

	ManagedBy = "hostplane"
)

// ManifestMetadata is the metadata block of a rendered manifest.
type ManifestMetadata struct {
	Name        string            `yaml:"name" json:"name"`
	Namespace   string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// DomainLabels identifies the objects belonging to one domain. Values go
// through label sanitization since the API rejects non-conforming values.
func DomainLabels(domain string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedBy,
		LabelName:      "web",
		LabelDomain:    naming.LabelValue(domain),
	}
}

// Selector renders labels as a kubectl/client-go label selector, sorted.
func Selector(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// EncodeYAML renders one manifest document.
func EncodeYAML(v any) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	return buf.String(), nil
}

// JoinDocuments builds a multi-document YAML stream.
func JoinDocuments(docs ...string) string {
	return strings.Join(docs, "---\n")
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// internal/k8s/manifests_test.go
package k8s

import (
	"strings"
	"testing"
)

func TestDomainLabels(t *testing.T) {
	labels := DomainLabels("Shop.Example.com")

	if labels[LabelManagedBy] != "hostplane" {
		t.Errorf("expected managed-by hostplane, got '%s'", labels[LabelManagedBy])
	}
	if labels[LabelDomain] != "shop.example.com" {
		t.Errorf("expected sanitized domain label, got '%s'", labels[LabelDomain])
	}
}

func TestDomainLabelsLongInput(t *testing.T) {
	labels := DomainLabels(strings.Repeat("very-long-label.", 10) + "example.com")
	if len(labels[LabelDomain]) > 63 {
		t.Errorf("label value exceeds 63 characters: %d", len(labels[LabelDomain]))
	}
}

func TestSelector(t *testing.T) {
	got := Selector(map[string]string{"b": "2", "a": "1"})
	if got != "a=1,b=2" {
		t.Errorf("expected sorted selector, got '%s'", got)
	}
	if Selector(nil) != "" {
		t.Error("expected empty selector")
	}
}

func TestEncodeYAMLAndJoin(t *testing.T) {
	doc, err := EncodeYAML(ManifestMetadata{Name: "web", Namespace: "hosting-a"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(doc, "name: web") {
		t.Errorf("unexpected yaml: %s", doc)
	}
	if strings.Contains(doc, "labels") {
		t.Error("empty labels must be omitted")
	}

	stream := JoinDocuments(doc, doc)
	if strings.Count(stream, "---\n") != 1 {
		t.Errorf("expected one separator, got:\n%s", stream)
	}
}

func TestCopyStringMap(t *testing.T) {
	if copyStringMap(nil) != nil {
		t.Error("nil in, nil out")
	}
	src := map[string]string{"a": "1"}
	dst := copyStringMap(src)
	dst["a"] = "2"
	if src["a"] != "1" {
		t.Error("copy must not alias the source")
	}
}

// internal/topology/probes.go
package topology

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/compute/metadata"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/FairForge/hostplane/internal/hosting"
)

// CloudProbe checks one provider's instance metadata service.
type CloudProbe interface {
	Cloud() hosting.Cloud
	// Probe returns nil when the provider answered.
	Probe(ctx context.Context) error
}

// DefaultProbes returns the metadata probes in priority order.
func DefaultProbes(client *http.Client) []CloudProbe {
	return []CloudProbe{
		NewAWSProbe(client),
		NewGCPProbe(client),
		&HTTPProbe{
			Provider: hosting.CloudAzure,
			URL:      "http://169.254.169.254/metadata/instance?api-version=2021-02-01",
			Header:   map[string]string{"Metadata": "true"},
			Client:   client,
		},
		&HTTPProbe{
			Provider: hosting.CloudDigitalOcean,
			URL:      "http://169.254.169.254/metadata/v1/id",
			Client:   client,
		},
		&HTTPProbe{
			Provider: hosting.CloudOVH,
			URL:      "http://169.254.169.254/openstack/latest/meta_data.json",
			Contains: "ovh",
			Client:   client,
		},
	}
}

// AWSProbe asks IMDS for the instance id.
type AWSProbe struct {
	client *imds.Client
}

// NewAWSProbe creates an IMDS probe without retries.
func NewAWSProbe(httpClient *http.Client) *AWSProbe {
	opts := imds.Options{Retryer: aws.NopRetryer{}}
	if httpClient != nil {
		opts.HTTPClient = httpClient
	}
	return &AWSProbe{client: imds.New(opts)}
}

func (p *AWSProbe) Cloud() hosting.Cloud { return hosting.CloudAWS }

func (p *AWSProbe) Probe(ctx context.Context) error {
	out, err := p.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return err
	}
	defer out.Content.Close()
	id, err := io.ReadAll(io.LimitReader(out.Content, 256))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("imds returned an empty instance id")
	}
	return nil
}

// GCPProbe asks the GCE metadata server for the instance id.
type GCPProbe struct {
	client *metadata.Client
}

func NewGCPProbe(httpClient *http.Client) *GCPProbe {
	return &GCPProbe{client: metadata.NewClient(httpClient)}
}

func (p *GCPProbe) Cloud() hosting.Cloud { return hosting.CloudGCP }

func (p *GCPProbe) Probe(ctx context.Context) error {
	id, err := p.client.GetWithContext(ctx, "instance/id")
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("gce metadata returned an empty instance id")
	}
	return nil
}

// HTTPProbe is a plain GET against a link-local metadata endpoint.
type HTTPProbe struct {
	Provider hosting.Cloud
	URL      string
	Header   map[string]string
	// Contains, when set, must appear in the body (case-insensitive).
	Contains string
	Client   *http.Client
}

func (p *HTTPProbe) Cloud() hosting.Cloud { return p.Provider }

func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range p.Header {
		req.Header.Set(k, v)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s metadata: status %d", p.Provider, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if p.Contains != "" && !strings.Contains(strings.ToLower(string(body)), strings.ToLower(p.Contains)) {
		return fmt.Errorf("%s metadata: marker %q not found", p.Provider, p.Contains)
	}
	return nil
}

var providerIDPrefixes = map[string]hosting.Cloud{
	"aws://":          hosting.CloudAWS,
	"azure://":        hosting.CloudAzure,
	"gce://":          hosting.CloudGCP,
	"digitalocean://": hosting.CloudDigitalOcean,
}

var nodeLabelMarkers = map[string]hosting.Cloud{
	"eks.amazonaws.com/nodegroup":   hosting.CloudAWS,
	"kubernetes.azure.com/cluster":  hosting.CloudAzure,
	"cloud.google.com/gke-nodepool": hosting.CloudGCP,
	"doks.digitalocean.com/node-id": hosting.CloudDigitalOcean,
}

// NodeCloud classifies the cluster by the first node's providerID and
// labels. It returns CloudNone when nothing matches.
func NodeCloud(ctx context.Context, client kubernetes.Interface) (hosting.Cloud, error) {
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return hosting.CloudNone, fmt.Errorf("list nodes: %w", err)
	}
	if len(nodes.Items) == 0 {
		return hosting.CloudNone, nil
	}
	node := nodes.Items[0]
	for prefix, cloud := range providerIDPrefixes {
		if strings.HasPrefix(node.Spec.ProviderID, prefix) {
			return cloud, nil
		}
	}
	if strings.HasPrefix(node.Spec.ProviderID, "openstack://") && strings.Contains(strings.ToLower(node.Name), "ovh") {
		return hosting.CloudOVH, nil
	}
	for key := range node.Labels {
		if cloud, ok := nodeLabelMarkers[key]; ok {
			return cloud, nil
		}
		if strings.Contains(strings.ToLower(key), "ovh") {
			return hosting.CloudOVH, nil
		}
	}
	return hosting.CloudNone, nil
}

// internal/autoscale/capability.go
package autoscale

import (
	"fmt"

	"github.com/FairForge/hostplane/internal/hosting"
)

// Capability describes what a cloud's managed Kubernetes offers. Vertical
// scaling needs the VPA add-on, which not every provider ships.
type Capability struct {
	Name             hosting.Cloud
	SupportsVertical bool
}

var capabilities = []Capability{
	{Name: hosting.CloudAWS, SupportsVertical: false},
	{Name: hosting.CloudAzure, SupportsVertical: true},
	{Name: hosting.CloudGCP, SupportsVertical: true},
	{Name: hosting.CloudDigitalOcean, SupportsVertical: false},
	{Name: hosting.CloudOVH, SupportsVertical: false},
}

// Providers lists every cloud with autoscaling support.
func Providers() []Capability {
	out := make([]Capability, len(capabilities))
	copy(out, capabilities)
	return out
}

// Lookup finds the capability entry of cloud.
func Lookup(cloud hosting.Cloud) (Capability, bool) {
	for _, c := range capabilities {
		if c.Name == cloud {
			return c, true
		}
	}
	return Capability{}, false
}

// Supported reports whether cloud has an autoscaling provider.
func Supported(cloud hosting.Cloud) bool {
	_, ok := Lookup(cloud)
	return ok
}

func lookupOrErr(cloud hosting.Cloud) (Capability, error) {
	c, ok := Lookup(cloud)
	if !ok {
		return Capability{}, fmt.Errorf("%w: no autoscaling provider for cloud %q", hosting.ErrUnsupported, cloud)
	}
	return c, nil
}

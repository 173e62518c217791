// internal/provision/compose/fragment.go
package compose

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/hostplane/internal/webserver"
)

// fragment is one site's compose file. Compose merges it over the base
// file, so the shared PHP service is declared identically by every site on
// the same version and only the volume list grows.
type fragment struct {
	Services map[string]service `yaml:"services"`
	Site     siteMeta           `yaml:"x-hostplane"`
}

type service struct {
	Image   string            `yaml:"image,omitempty"`
	Restart string            `yaml:"restart,omitempty"`
	Volumes []string          `yaml:"volumes,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

type siteMeta struct {
	Domain     string `yaml:"domain"`
	Account    string `yaml:"account"`
	PHPVersion string `yaml:"php_version"`
	Upstream   string `yaml:"upstream"`
	Template   string `yaml:"template"`
}

func renderFragment(s Settings, pl plan) ([]byte, error) {
	mount := fmt.Sprintf("./www/%s:%s", pl.req.Domain, pl.docRoot)
	f := fragment{
		Services: map[string]service{
			pl.phpService: {
				Image:   fmt.Sprintf(s.PHPImagePattern, pl.req.PHPVersion),
				Restart: "unless-stopped",
				Volumes: []string{mount},
				Labels:  map[string]string{"hostplane.managed-by": "hostplane"},
			},
			s.NginxService: {
				Volumes: []string{mount + ":ro"},
			},
		},
		Site: siteMeta{
			Domain:     pl.req.Domain,
			Account:    pl.req.AccountID,
			PHPVersion: pl.req.PHPVersion,
			Upstream:   pl.upstream,
			Template:   webserver.TemplateVersion,
		},
	}
	var buf bytes.Buffer
	buf.WriteString("# Managed by hostplane. Changes are overwritten.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("compose fragment for %s: %w", pl.req.Domain, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// internal/provision/host/settings.go
package host

import (
	"fmt"
	"path"
	"time"

	"github.com/FairForge/hostplane/internal/certs"
	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/webserver"
)

// Settings are the host conventions the provisioner writes into.
type Settings struct {
	NginxBinary    string
	NginxService   string
	SitesAvailable string
	SitesEnabled   string
	WebRoot        string
	LogDir         string
	WebUser        string

	// Patterns take the PHP version, e.g. "/etc/php/%s/fpm/pool.d".
	PoolDirPattern string
	ServicePattern string
	BinaryPattern  string
	PM             webserver.PMSettings

	ACMEWebroot string
	Certs       certs.Layout
	RenewBefore time.Duration
}

// SettingsFromConfig maps the nginx, phpfpm and tls sections.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		NginxBinary:    cfg.Nginx.Binary,
		NginxService:   cfg.Nginx.Service,
		SitesAvailable: cfg.Nginx.SitesAvailable,
		SitesEnabled:   cfg.Nginx.SitesEnabled,
		WebRoot:        cfg.Nginx.WebRoot,
		LogDir:         cfg.Nginx.LogDir,
		WebUser:        cfg.Nginx.User,
		PoolDirPattern: cfg.PHPFPM.PoolDirPattern,
		ServicePattern: cfg.PHPFPM.ServicePattern,
		BinaryPattern:  cfg.PHPFPM.BinaryPattern,
		PM: webserver.PMSettings{
			MaxChildren:  cfg.PHPFPM.MaxChildren,
			StartServers: cfg.PHPFPM.StartServers,
			MinSpare:     cfg.PHPFPM.MinSpare,
			MaxSpare:     cfg.PHPFPM.MaxSpare,
		},
		ACMEWebroot: cfg.TLS.WebrootDir,
		Certs:       certs.Layout{LiveDir: cfg.TLS.LiveDir, CustomDir: cfg.TLS.CustomCertDir},
		RenewBefore: cfg.TLS.RenewBefore,
	}
}

func (s Settings) siteFile(domain string) string {
	return path.Join(s.SitesAvailable, domain+".conf")
}

func (s Settings) enabledLink(domain string) string {
	return path.Join(s.SitesEnabled, domain+".conf")
}

func (s Settings) poolDir(version string) string {
	return fmt.Sprintf(s.PoolDirPattern, version)
}

func (s Settings) poolFile(domain, version string) string {
	return path.Join(s.poolDir(version), domain+".conf")
}

func (s Settings) phpService(version string) string {
	return fmt.Sprintf(s.ServicePattern, version)
}

func (s Settings) phpBinary(version string) string {
	return fmt.Sprintf(s.BinaryPattern, version)
}

func (s Settings) siteDir(domain string) string {
	return path.Join(s.WebRoot, domain)
}

// internal/certs/certs.go
package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/hosting"
)

// Info holds certificate metadata.
type Info struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	DNSNames     []string  `json:"dns_names"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	CertPath     string    `json:"cert_path"`
}

// IsExpired reports whether the certificate is past NotAfter at now.
func (c *Info) IsExpired(now time.Time) bool {
	return now.After(c.NotAfter)
}

// IsExpiringSoon reports whether the certificate expires within the window.
func (c *Info) IsExpiringSoon(now time.Time, within time.Duration) bool {
	return now.Add(within).After(c.NotAfter)
}

// DaysUntilExpiry returns whole days left, negative once expired.
func (c *Info) DaysUntilExpiry(now time.Time) int {
	return int(c.NotAfter.Sub(now).Hours() / 24)
}

// Covers reports whether the certificate names domain.
func (c *Info) Covers(domain string) bool {
	for _, n := range c.DNSNames {
		if strings.EqualFold(n, domain) {
			return true
		}
		if strings.HasPrefix(n, "*.") {
			if i := strings.IndexByte(domain, '.'); i > 0 && strings.EqualFold(n[2:], domain[i+1:]) {
				return true
			}
		}
	}
	return false
}

// Summary converts to the status view.
func (c *Info) Summary(now time.Time) *hosting.CertificateSummary {
	return &hosting.CertificateSummary{
		Path:     c.CertPath,
		Issuer:   c.Issuer,
		NotAfter: c.NotAfter,
		Expired:  c.IsExpired(now),
	}
}

// Parse reads the leaf certificate, the first CERTIFICATE block in data.
func Parse(data []byte) (*Info, error) {
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certs: parse certificate: %w", err)
		}
		return &Info{
			Subject:      cert.Subject.CommonName,
			Issuer:       issuerName(cert),
			SerialNumber: cert.SerialNumber.String(),
			DNSNames:     cert.DNSNames,
			NotBefore:    cert.NotBefore,
			NotAfter:     cert.NotAfter,
		}, nil
	}
	return nil, errors.New("certs: no certificate in PEM data")
}

func issuerName(cert *x509.Certificate) string {
	if len(cert.Issuer.Organization) > 0 {
		return cert.Issuer.Organization[0] + " " + cert.Issuer.CommonName
	}
	return cert.Issuer.CommonName
}

// Inspect reads and parses the certificate at certPath on the runner's host.
// An absent file returns an error wrapping fs.ErrNotExist.
func Inspect(ctx context.Context, r command.Runner, certPath string) (*Info, error) {
	data, err := r.ReadFile(ctx, certPath)
	if err != nil {
		return nil, err
	}
	info, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", certPath, err)
	}
	info.CertPath = certPath
	return info, nil
}

// Pair is a certificate chain and its key.
type Pair struct {
	CertPath string
	KeyPath  string
}

// Layout decides where certificates live on a host.
type Layout struct {
	LiveDir   string
	CustomDir string
}

// For returns the pair serving req, or false when req wants no TLS.
func (l Layout) For(req hosting.ProvisionRequest) (Pair, bool) {
	var dir string
	switch req.TLS {
	case hosting.TLSLetsEncrypt:
		dir = path.Join(l.LiveDir, req.Domain)
	case hosting.TLSCustom:
		dir = path.Join(l.CustomDir, req.CertRef)
	default:
		return Pair{}, false
	}
	return Pair{
		CertPath: path.Join(dir, "fullchain.pem"),
		KeyPath:  path.Join(dir, "privkey.pem"),
	}, true
}

// Renewal is why a certificate needs issuing again.
type Renewal string

const (
	RenewalNone       Renewal = ""
	RenewalMissing    Renewal = "missing"
	RenewalUnreadable Renewal = "unreadable"
	RenewalExpiring   Renewal = "expiring"
	RenewalNames      Renewal = "names"
)

// CheckRenewal inspects the certificate at certPath and reports whether it
// must be re-issued: absent, unparsable, expiring within window, or not
// covering every name. Only transport failures are returned as errors.
func CheckRenewal(ctx context.Context, r command.Runner, certPath string, names []string, now time.Time, window time.Duration) (Renewal, error) {
	data, err := r.ReadFile(ctx, certPath)
	if err != nil {
		if command.IsNotExist(err) {
			return RenewalMissing, nil
		}
		return RenewalNone, fmt.Errorf("read %s: %w", certPath, err)
	}
	info, err := Parse(data)
	if err != nil {
		return RenewalUnreadable, nil
	}
	if info.IsExpiringSoon(now, window) {
		return RenewalExpiring, nil
	}
	for _, n := range names {
		if !info.Covers(n) {
			return RenewalNames, nil
		}
	}
	return RenewalNone, nil
}

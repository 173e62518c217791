// internal/naming/naming.go
package naming

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// UserPrefix is prepended to every derived system account name.
	UserPrefix = "cp-user-"
	// NamespacePrefix is prepended to every per-domain namespace.
	NamespacePrefix = "hosting-"

	maxUsernameLength = 32
	maxObjectName     = 63
	suffixLength      = 8

	fallbackName = "unnamed"
)

// randomSuffix returns suffixLength lowercase hex characters.
var randomSuffix = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
}

// SystemUsername derives the Unix account that owns a domain's PHP-FPM pool.
// The result always starts with "cp-user-" and is at most 32 characters.
func SystemUsername(accountID, accountName string) string {
	body := sanitizeUser(accountName)
	if body == "" {
		body = sanitizeUser(accountID)
		if body == "" {
			body = "unknown"
		}
	} else if startsWithDigit(accountName) {
		body = "u" + body
	}
	return truncate(UserPrefix+body, maxUsernameLength)
}

// PHPFPMSocketPath is the Unix socket a pool for username listens on.
func PHPFPMSocketPath(username, phpVersion string) string {
	return fmt.Sprintf("/run/php/php%s-fpm-%s.sock", pathToken(phpVersion), pathToken(username))
}

// KubernetesSafeName maps input onto a DNS-1123 subdomain of at most 63
// characters. Dots are preserved.
func KubernetesSafeName(input string) string {
	return dnsName(input, true)
}

// LabelName is KubernetesSafeName without dots, which makes it a valid
// DNS-1123 label usable for namespaces, services and container names.
func LabelName(input string) string {
	return dnsName(input, false)
}

// LabelValue sanitizes a user supplied value before it is attached to a
// manifest as a label or annotation value.
func LabelValue(input string) string {
	return dnsName(input, true)
}

// DeterministicResourceName returns "{kind}-{domain}-{suffix}" where suffix is
// eight random hex characters, so repeated provisioning never collides.
func DeterministicResourceName(domain, kind string) string {
	prefix := joinLabel(maxObjectName-suffixLength-1, kind, domain)
	return prefix + "-" + randomSuffix()
}

// NamespaceForDomain returns the namespace owning every object of a domain.
func NamespaceForDomain(domain string) string {
	return joinLabel(maxObjectName, strings.TrimSuffix(NamespacePrefix, "-"), domain)
}

// DeploymentName is the stable Deployment name for a domain. Autoscalers
// target it, so it never carries a random suffix.
func DeploymentName(domain string) string {
	return joinLabel(maxObjectName, "web", domain)
}

// HPAName names the HorizontalPodAutoscaler of a domain.
func HPAName(domain string) string {
	return joinLabel(maxObjectName-4, "web", domain) + "-hpa"
}

// VPAName names the VerticalPodAutoscaler of a domain.
func VPAName(domain string) string {
	return joinLabel(maxObjectName-4, "web", domain) + "-vpa"
}

// ComposePHPService is the compose service running PHP-FPM for a version,
// shared by every domain on that version.
func ComposePHPService(phpVersion string) string {
	return joinLabel(maxObjectName, "php-versions", strings.ReplaceAll(phpVersion, ".", "-"))
}

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sanitizeUser(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func pathToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return fallbackName
	}
	return out
}

func dnsName(input string, allowDots bool) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(input) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r == '.' && allowDots:
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := trimEdges(collapseDots(b.String()))
	out = trimEdges(truncate(out, maxObjectName))
	if out == "" {
		return fallbackName
	}
	return out
}

// collapseDots removes empty DNS segments ("a..b", "a.-b") which the API rejects.
func collapseDots(s string) string {
	for {
		next := strings.ReplaceAll(s, "..", ".")
		next = strings.ReplaceAll(next, ".-", ".")
		next = strings.ReplaceAll(next, "-.", ".")
		if next == s {
			return s
		}
		s = next
	}
}

func joinLabel(limit int, parts ...string) string {
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		labels = append(labels, LabelName(p))
	}
	return trimEdges(truncate(strings.Join(labels, "-"), limit))
}

func trimEdges(s string) string {
	return strings.Trim(s, "-.")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

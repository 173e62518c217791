// internal/hosting/validate.go
package hosting

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	hostnameLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	safePath      = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
	certRefToken  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

// requestSchema guards JSON requests arriving from the CLI or collaborators.
const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["domain", "account_id", "php_version", "tls"],
  "properties": {
    "domain_id":     {"type": "string"},
    "domain":        {"type": "string", "minLength": 1, "maxLength": 253},
    "account_id":    {"type": "string", "minLength": 1},
    "account_name":  {"type": "string"},
    "php_version":   {"type": "string", "enum": ["7.4", "8.0", "8.1", "8.2", "8.3", "8.4"]},
    "document_root": {"type": "string"},
    "tls":           {"type": "string", "enum": ["none", "letsencrypt", "custom-cert-ref"]},
    "cert_ref":      {"type": "string"},
    "server_id":     {"type": "string"}
  },
  "additionalProperties": false
}`

var compiledRequestSchema = mustCompileSchema(requestSchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("hosting: compile request schema: %v", err))
	}
	return schema
}

// ValidHostname reports whether name is a syntactically valid hostname.
func ValidHostname(name string) bool {
	if name == "" || len(name) > 253 || strings.HasSuffix(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if !hostnameLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// SupportedPHPVersion reports whether v is in SupportedPHPVersions.
func SupportedPHPVersion(v string) bool {
	for _, s := range SupportedPHPVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Normalize lowercases the domain and fills the TLS default.
func (r *ProvisionRequest) Normalize() {
	r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
	r.PHPVersion = strings.TrimSpace(r.PHPVersion)
	if r.TLS == "" {
		r.TLS = TLSNone
	}
}

// Validate checks the request preconditions.
func (r ProvisionRequest) Validate() error {
	if !ValidHostname(r.Domain) {
		return fmt.Errorf("%w: %q is not a valid hostname", ErrInvalidRequest, r.Domain)
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if !SupportedPHPVersion(r.PHPVersion) {
		return fmt.Errorf("%w: php version %q is not supported", ErrInvalidRequest, r.PHPVersion)
	}
	switch r.TLS {
	case TLSNone, TLSLetsEncrypt:
	case TLSCustom:
		if !certRefToken.MatchString(r.CertRef) {
			return fmt.Errorf("%w: custom certificate reference %q is invalid", ErrInvalidRequest, r.CertRef)
		}
	default:
		return fmt.Errorf("%w: unknown tls preference %q", ErrInvalidRequest, r.TLS)
	}
	if r.DocumentRoot != "" && (!safePath.MatchString(r.DocumentRoot) || strings.Contains(r.DocumentRoot, "..")) {
		return fmt.Errorf("%w: document root %q is not a clean absolute path", ErrInvalidRequest, r.DocumentRoot)
	}
	return nil
}

// DecodeRequest validates raw JSON against the request schema, then decodes
// and checks it.
func DecodeRequest(data []byte) (ProvisionRequest, error) {
	result, err := compiledRequestSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return ProvisionRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return ProvisionRequest{}, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
	}

	var req ProvisionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ProvisionRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return ProvisionRequest{}, err
	}
	return req, nil
}

// internal/hosting/types.go
package hosting

import (
	"context"
	"time"
)

// Mode identifies the runtime topology executing provisioning.
type Mode string

const (
	ModeStandalone    Mode = "standalone"
	ModeDockerCompose Mode = "docker-compose"
	ModeKubernetes    Mode = "kubernetes"
)

// Cloud identifies the provider hosting a Kubernetes cluster.
type Cloud string

const (
	CloudNone         Cloud = "none"
	CloudAWS          Cloud = "aws"
	CloudAzure        Cloud = "azure"
	CloudGCP          Cloud = "gcp"
	CloudDigitalOcean Cloud = "digitalocean"
	CloudOVH          Cloud = "ovh"
)

// TLSPreference selects how a virtual host terminates TLS.
type TLSPreference string

const (
	TLSNone        TLSPreference = "none"
	TLSLetsEncrypt TLSPreference = "letsencrypt"
	TLSCustom      TLSPreference = "custom-cert-ref"
)

// Outcome tags a ProvisionResult.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// SupportedPHPVersions is the fixed set of PHP runtimes a request may ask for.
var SupportedPHPVersions = []string{"7.4", "8.0", "8.1", "8.2", "8.3", "8.4"}

// ProvisionRequest is the declarative description of one virtual host.
type ProvisionRequest struct {
	DomainID     string        `json:"domain_id,omitempty"`
	Domain       string        `json:"domain"`
	AccountID    string        `json:"account_id"`
	AccountName  string        `json:"account_name,omitempty"`
	PHPVersion   string        `json:"php_version"`
	DocumentRoot string        `json:"document_root,omitempty"`
	TLS          TLSPreference `json:"tls"`
	CertRef      string        `json:"cert_ref,omitempty"`
	ServerID     string        `json:"server_id,omitempty"`
}

// WantsTLS reports whether the vhost needs a TLS server block.
func (r ProvisionRequest) WantsTLS() bool {
	return r.TLS != "" && r.TLS != TLSNone
}

// Artifacts lists the concrete objects a provisioning call produced.
type Artifacts struct {
	NginxConfigPath     string `json:"nginx_config_path,omitempty"`
	NginxEnabledPath    string `json:"nginx_enabled_path,omitempty"`
	PoolPath            string `json:"pool_path,omitempty"`
	PoolShared          bool   `json:"pool_shared,omitempty"`
	SocketPath          string `json:"socket_path,omitempty"`
	Upstream            string `json:"upstream,omitempty"`
	ComposeFragmentPath string `json:"compose_fragment_path,omitempty"`
	CertificatePath     string `json:"certificate_path,omitempty"`
	Username            string `json:"username,omitempty"`
	Namespace           string `json:"namespace,omitempty"`
	DeploymentName      string `json:"deployment_name,omitempty"`
	PodName             string `json:"pod_name,omitempty"`
	ContainerName       string `json:"container_name,omitempty"`
	ServiceName         string `json:"service_name,omitempty"`
	IngressName         string `json:"ingress_name,omitempty"`
}

// ProvisionResult is the uniform answer of every backend.
type ProvisionResult struct {
	Outcome     Outcome       `json:"outcome"`
	Backend     Mode          `json:"backend"`
	Message     string        `json:"message"`
	Step        string        `json:"step,omitempty"`
	Output      string        `json:"output,omitempty"`
	Artifacts   Artifacts     `json:"artifacts"`
	OperationID string        `json:"operation_id,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Success reports whether the outcome is success.
func (r ProvisionResult) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// Succeeded builds a success result.
func Succeeded(backend Mode, msg string, artifacts Artifacts) ProvisionResult {
	return ProvisionResult{Outcome: OutcomeSuccess, Backend: backend, Message: msg, Artifacts: artifacts}
}

// Skipped builds a result for a backend that deliberately did nothing.
func Skipped(backend Mode, msg string) ProvisionResult {
	return ProvisionResult{Outcome: OutcomeSkipped, Backend: backend, Message: msg}
}

// Failed builds a failure result, lifting step and output out of a StepError.
func Failed(backend Mode, err error, artifacts Artifacts) ProvisionResult {
	res := ProvisionResult{Outcome: OutcomeFailure, Backend: backend, Message: err.Error(), Artifacts: artifacts}
	if se := AsStepError(err); se != nil {
		res.Step = se.Step
		res.Output = se.Output
	}
	return res
}

// CertificateSummary describes the certificate a vhost serves.
type CertificateSummary struct {
	Path     string    `json:"path"`
	Issuer   string    `json:"issuer,omitempty"`
	NotAfter time.Time `json:"not_after,omitempty"`
	Expired  bool      `json:"expired"`
}

// StatusReport is the read-only view of one vhost on its backend.
type StatusReport struct {
	Backend        Mode                `json:"backend"`
	Domain         string              `json:"domain"`
	ConfigExists   bool                `json:"config_exists"`
	ServiceRunning bool                `json:"service_running"`
	CertExists     bool                `json:"cert_exists"`
	Certificate    *CertificateSummary `json:"certificate,omitempty"`
	Namespace      string              `json:"namespace,omitempty"`
	ReadyReplicas  int32               `json:"ready_replicas,omitempty"`
	Detail         string              `json:"detail,omitempty"`
}

// Backend is implemented once per topology.
type Backend interface {
	Mode() Mode
	Apply(ctx context.Context, req ProvisionRequest) ProvisionResult
	Remove(ctx context.Context, req ProvisionRequest) (bool, error)
	Status(ctx context.Context, req ProvisionRequest) (StatusReport, error)
}

// Topology is the cached detection result.
type Topology struct {
	Mode  Mode  `json:"mode"`
	Cloud Cloud `json:"cloud_provider"`
}

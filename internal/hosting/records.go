// internal/hosting/records.go
package hosting

import "context"

// DomainRecord is owned by the external domain/account store.
type DomainRecord struct {
	ID           string        `json:"id"`
	DomainName   string        `json:"domain_name"`
	AccountID    string        `json:"account_id"`
	AccountName  string        `json:"account_name"`
	PHPVersion   string        `json:"php_version"`
	TLS          TLSPreference `json:"tls_preference"`
	CertRef      string        `json:"cert_ref,omitempty"`
	DocumentRoot string        `json:"document_root,omitempty"`
	ServerID     string        `json:"server_id,omitempty"`
}

// Request converts the record into a provisioning request.
func (d DomainRecord) Request() ProvisionRequest {
	return ProvisionRequest{
		DomainID:     d.ID,
		Domain:       d.DomainName,
		AccountID:    d.AccountID,
		AccountName:  d.AccountName,
		PHPVersion:   d.PHPVersion,
		DocumentRoot: d.DocumentRoot,
		TLS:          d.TLS,
		CertRef:      d.CertRef,
		ServerID:     d.ServerID,
	}
}

// DeploymentRecord is owned by the external deployment store.
type DeploymentRecord struct {
	ID             string           `json:"id"`
	RepositoryURL  string           `json:"repository_url"`
	Branch         string           `json:"branch,omitempty"`
	DeployPath     string           `json:"deploy_path"`
	DomainID       string           `json:"domain_id"`
	Status         DeploymentStatus `json:"status"`
	PodName        string           `json:"pod_name,omitempty"`
	Namespace      string           `json:"namespace,omitempty"`
	ContainerID    string           `json:"container_id,omitempty"`
	LastCommitHash string           `json:"last_commit_hash,omitempty"`
}

// DeploymentUpdate carries the fields a provisioner writes back. Nil
// pointers leave the stored value untouched.
type DeploymentUpdate struct {
	Status         DeploymentStatus
	PodName        *string
	Namespace      *string
	ContainerID    *string
	LastCommitHash *string
}

// SSHCredential addresses a managed server. Secrets are never logged.
type SSHCredential struct {
	ServerID   string
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	Password   string
	HostKey    string
}

// DomainStore looks domains up by id.
type DomainStore interface {
	LookupDomain(ctx context.Context, domainID string) (DomainRecord, error)
}

// DeploymentStore reads and updates deployment records.
type DeploymentStore interface {
	LookupDeployment(ctx context.Context, deploymentID string) (DeploymentRecord, error)
	UpdateDeployment(ctx context.Context, deploymentID string, update DeploymentUpdate) error
}

// CredentialStore hands out SSH credentials for managed servers.
type CredentialStore interface {
	SSHCredential(ctx context.Context, serverID string) (SSHCredential, error)
}

// internal/records/memory.go
package records

import (
	"context"
	"fmt"
	"sync"

	"github.com/FairForge/hostplane/internal/hosting"
)

// Memory keeps domains, deployments and credentials in process. It backs
// the CLI when no database is configured and stands in for one in tests.
type Memory struct {
	mu          sync.RWMutex
	domains     map[string]hosting.DomainRecord
	deployments map[string]hosting.DeploymentRecord
	credentials map[string]hosting.SSHCredential
	updates     map[string][]hosting.DeploymentUpdate
}

func NewMemory() *Memory {
	return &Memory{
		domains:     make(map[string]hosting.DomainRecord),
		deployments: make(map[string]hosting.DeploymentRecord),
		credentials: make(map[string]hosting.SSHCredential),
		updates:     make(map[string][]hosting.DeploymentUpdate),
	}
}

func (m *Memory) PutDomain(d hosting.DomainRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.ID] = d
}

func (m *Memory) PutDeployment(d hosting.DeploymentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[d.ID] = d
}

func (m *Memory) PutCredential(c hosting.SSHCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.ServerID] = c
}

func (m *Memory) LookupDomain(_ context.Context, domainID string) (hosting.DomainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[domainID]
	if !ok {
		return hosting.DomainRecord{}, fmt.Errorf("%w: domain %s", hosting.ErrNotFound, domainID)
	}
	return d, nil
}

func (m *Memory) LookupDeployment(_ context.Context, deploymentID string) (hosting.DeploymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return hosting.DeploymentRecord{}, fmt.Errorf("%w: deployment %s", hosting.ErrNotFound, deploymentID)
	}
	return d, nil
}

// UpdateDeployment applies the non-nil fields of update.
func (m *Memory) UpdateDeployment(_ context.Context, deploymentID string, update hosting.DeploymentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return fmt.Errorf("%w: deployment %s", hosting.ErrNotFound, deploymentID)
	}
	if update.Status != "" {
		d.Status = update.Status
	}
	setIf(&d.PodName, update.PodName)
	setIf(&d.Namespace, update.Namespace)
	setIf(&d.ContainerID, update.ContainerID)
	setIf(&d.LastCommitHash, update.LastCommitHash)
	m.deployments[deploymentID] = d
	m.updates[deploymentID] = append(m.updates[deploymentID], update)
	return nil
}

// Updates returns every update applied to a deployment, oldest first.
func (m *Memory) Updates(deploymentID string) []hosting.DeploymentUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]hosting.DeploymentUpdate(nil), m.updates[deploymentID]...)
}

func (m *Memory) SSHCredential(_ context.Context, serverID string) (hosting.SSHCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[serverID]
	if !ok {
		return hosting.SSHCredential{}, fmt.Errorf("%w: server %s", hosting.ErrNotFound, serverID)
	}
	return c, nil
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

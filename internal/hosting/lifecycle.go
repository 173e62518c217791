// internal/hosting/lifecycle.go
package hosting

import "fmt"

// DeploymentStatus is a state in one of the deployment lifecycles.
type DeploymentStatus string

// Git deployment and application install states.
const (
	StatusPending    DeploymentStatus = "pending"
	StatusCloning    DeploymentStatus = "cloning"
	StatusUpdating   DeploymentStatus = "updating"
	StatusDeployed   DeploymentStatus = "deployed"
	StatusFailed     DeploymentStatus = "failed"
	StatusInstalling DeploymentStatus = "installing"
	StatusInstalled  DeploymentStatus = "installed"
)

// Cluster release states.
const (
	StatusCreating    DeploymentStatus = "creating"
	StatusUninstalled DeploymentStatus = "uninstalled"
)

// Lifecycle is a small state machine. Only the provisioner owning an
// operation drives it.
type Lifecycle struct {
	Name    string
	Initial DeploymentStatus
	edges   map[DeploymentStatus][]DeploymentStatus
}

var (
	// GitDeployLifecycle covers git-deployed sites.
	GitDeployLifecycle = Lifecycle{
		Name:    "git-deploy",
		Initial: StatusPending,
		edges: map[DeploymentStatus][]DeploymentStatus{
			StatusPending:  {StatusCloning, StatusFailed},
			StatusCloning:  {StatusDeployed, StatusFailed},
			StatusDeployed: {StatusUpdating},
			StatusUpdating: {StatusDeployed, StatusFailed},
		},
	}

	// AppInstallLifecycle covers application installs.
	AppInstallLifecycle = Lifecycle{
		Name:    "app-install",
		Initial: StatusPending,
		edges: map[DeploymentStatus][]DeploymentStatus{
			StatusPending:    {StatusInstalling, StatusFailed},
			StatusInstalling: {StatusInstalled, StatusFailed},
			StatusInstalled:  {StatusUpdating},
			StatusUpdating:   {StatusInstalled, StatusFailed},
		},
	}

	// ReleaseLifecycle covers cluster releases.
	ReleaseLifecycle = Lifecycle{
		Name:    "release",
		Initial: StatusCreating,
		edges: map[DeploymentStatus][]DeploymentStatus{
			StatusCreating: {StatusDeployed, StatusFailed},
			StatusDeployed: {StatusUninstalled, StatusFailed},
		},
	}
)

// Valid reports whether s belongs to the lifecycle.
func (l Lifecycle) Valid(s DeploymentStatus) bool {
	if s == l.Initial {
		return true
	}
	if _, ok := l.edges[s]; ok {
		return true
	}
	for _, targets := range l.edges {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
	}
	return false
}

// CanTransition reports whether from -> to is an allowed edge.
// Failed is terminal except through Reset.
func (l Lifecycle) CanTransition(from, to DeploymentStatus) bool {
	for _, t := range l.edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func (l Lifecycle) Transition(from, to DeploymentStatus) error {
	if !l.CanTransition(from, to) {
		return fmt.Errorf("%w: %s lifecycle cannot move from %q to %q", ErrInvalidRequest, l.Name, from, to)
	}
	return nil
}

// Reset returns the state a new attempt starts from. Failed and unset go
// back to Initial; every other state is kept, so an attempt in flight is
// never restarted underneath itself.
func (l Lifecycle) Reset(s DeploymentStatus) DeploymentStatus {
	if s == StatusFailed || s == "" {
		return l.Initial
	}
	return s
}

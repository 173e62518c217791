// internal/provision/kube/workload.go
package kube

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/naming"
)

// CreateIsolatedWorkload runs one git deployment in its own pod inside the
// domain's namespace, exposes it through a Service and Ingress, and writes
// the pod identity back onto the deployment record. Pods of an earlier
// attempt for the same deployment are replaced.
func (p *Provisioner) CreateIsolatedWorkload(ctx context.Context, deploymentID string) hosting.ProvisionResult {
	if !p.Enabled() {
		return hosting.Skipped(p.Mode(), "kubernetes support disabled")
	}
	if p.deployments == nil || p.domains == nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("%w: no deployment or domain store configured", hosting.ErrUnsupported), hosting.Artifacts{})
	}
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	rec, err := p.deployments.LookupDeployment(ctx, deploymentID)
	if err != nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("lookup deployment %s: %w", deploymentID, err), hosting.Artifacts{})
	}
	dom, err := p.domains.LookupDomain(ctx, rec.DomainID)
	if err != nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("lookup domain %s: %w", rec.DomainID, err), hosting.Artifacts{})
	}
	domain := strings.ToLower(strings.TrimSpace(dom.DomainName))
	if err := validateWorkload(domain, rec); err != nil {
		return hosting.Failed(p.Mode(), err, hosting.Artifacts{})
	}
	log := p.logger.With(zap.String("domain", domain), zap.String("deployment_id", deploymentID))

	lc := hosting.GitDeployLifecycle
	from := lc.Reset(rec.Status)
	to := hosting.StatusCloning
	if from == hosting.StatusDeployed {
		to = hosting.StatusUpdating
	}
	if err := lc.Transition(from, to); err != nil {
		return hosting.Failed(p.Mode(), err, hosting.Artifacts{})
	}
	if err := p.deployments.UpdateDeployment(ctx, deploymentID, hosting.DeploymentUpdate{Status: to}); err != nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("mark deployment %s: %w", to, err), hosting.Artifacts{})
	}

	arts, err := p.createWorkload(ctx, domain, dom, rec, log)
	if err != nil {
		if uerr := p.deployments.UpdateDeployment(context.WithoutCancel(ctx), deploymentID, hosting.DeploymentUpdate{Status: hosting.StatusFailed}); uerr != nil {
			log.Error("mark deployment failed", zap.Error(uerr))
		}
		return hosting.Failed(p.Mode(), err, arts)
	}

	if err := p.deployments.UpdateDeployment(ctx, deploymentID, hosting.DeploymentUpdate{
		Status:      hosting.StatusDeployed,
		PodName:     &arts.PodName,
		Namespace:   &arts.Namespace,
		ContainerID: &arts.ContainerName,
	}); err != nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("record workload: %w", err), arts)
	}
	log.Info("isolated workload created", zap.String("pod", arts.PodName), zap.String("namespace", arts.Namespace))
	return hosting.Succeeded(p.Mode(), fmt.Sprintf("workload %s/%s created for %s", arts.Namespace, arts.PodName, domain), arts)
}

func validateWorkload(domain string, rec hosting.DeploymentRecord) error {
	var errs []error
	if !hosting.ValidHostname(domain) {
		errs = append(errs, fmt.Errorf("invalid domain %q", domain))
	}
	if strings.TrimSpace(rec.RepositoryURL) == "" || strings.HasPrefix(rec.RepositoryURL, "-") {
		errs = append(errs, fmt.Errorf("invalid repository url %q", rec.RepositoryURL))
	}
	if !path.IsAbs(rec.DeployPath) || path.Clean(rec.DeployPath) != rec.DeployPath {
		errs = append(errs, fmt.Errorf("deploy path %q must be absolute and clean", rec.DeployPath))
	}
	if strings.HasPrefix(rec.Branch, "-") {
		errs = append(errs, fmt.Errorf("invalid branch %q", rec.Branch))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", hosting.ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

func (p *Provisioner) createWorkload(ctx context.Context, domain string, dom hosting.DomainRecord, rec hosting.DeploymentRecord, log *zap.Logger) (hosting.Artifacts, error) {
	ns, err := p.EnsureNamespace(ctx, domain)
	if err != nil {
		return hosting.Artifacts{Namespace: ns}, err
	}

	req := dom.Request()
	req.Domain = domain
	pl := p.plan(req)
	if err := p.checkTLS(ctx, pl); err != nil {
		return hosting.Artifacts{Namespace: ns}, err
	}

	deployLabel := map[string]string{
		k8s.LabelManagedBy: k8s.ManagedBy,
		k8s.LabelDeploy:    naming.LabelValue(rec.ID),
	}
	if err := p.replacePrevious(ctx, ns, deployLabel, log); err != nil {
		return hosting.Artifacts{Namespace: ns}, err
	}

	// Pod and container names are derived the same way and stay distinct.
	podName := naming.DeterministicResourceName(domain, "web")
	containerName := naming.DeterministicResourceName(domain, "web")
	arts := hosting.Artifacts{
		Namespace:     ns,
		PodName:       podName,
		ContainerName: containerName,
		ServiceName:   podName,
		IngressName:   podName,
	}

	labels := k8s.DomainLabels(domain)
	for k, v := range deployLabel {
		labels[k] = v
	}
	pod := k8s.BuildWorkloadPod(k8s.WorkloadConfig{
		PodName:       podName,
		ContainerName: containerName,
		Namespace:     ns,
		Labels:        labels,
		Image:         fmt.Sprintf(p.settings.WorkloadImagePattern, phpVersionOrDefault(dom.PHPVersion)),
		GitImage:      p.settings.GitImage,
		RepositoryURL: rec.RepositoryURL,
		Branch:        rec.Branch,
		DeployPath:    rec.DeployPath,
		Env: map[string]string{
			"HOSTPLANE_DOMAIN":        domain,
			"HOSTPLANE_DEPLOYMENT_ID": rec.ID,
			"APACHE_DOCUMENT_ROOT":    rec.DeployPath,
		},
	})
	opts := metav1.CreateOptions{FieldManager: k8s.FieldManager}
	if _, err := p.client.CoreV1().Pods(ns).Create(ctx, pod, opts); err != nil {
		return arts, apiError("create pod "+podName, err)
	}
	svc := k8s.BuildService(podName, ns, labels, deployLabel)
	if _, err := p.client.CoreV1().Services(ns).Create(ctx, svc, opts); err != nil {
		return arts, apiError("create service "+podName, err)
	}

	ing := k8s.BuildIngress(k8s.IngressConfig{
		Name:          podName,
		Namespace:     ns,
		Labels:        labels,
		Hosts:         []string{domain},
		Service:       podName,
		Port:          80,
		ClassName:     p.settings.IngressClass,
		TLSSecret:     pl.tlsSecret,
		ClusterIssuer: pl.tlsIssuer,
	})
	if _, err := p.client.NetworkingV1().Ingresses(ns).Create(ctx, ing, opts); err != nil {
		return arts, apiError("create ingress "+podName, err)
	}
	return arts, nil
}

// replacePrevious removes pods, services and ingresses left by an earlier
// attempt of the same deployment.
func (p *Provisioner) replacePrevious(ctx context.Context, ns string, deployLabel map[string]string, log *zap.Logger) error {
	list := metav1.ListOptions{LabelSelector: k8s.Selector(deployLabel)}
	core := p.client.CoreV1()

	ings, err := p.client.NetworkingV1().Ingresses(ns).List(ctx, list)
	if err != nil {
		return apiError("list ingresses", err)
	}
	for _, ing := range ings.Items {
		if _, err := remove(ctx, p.client.NetworkingV1().Ingresses(ns), "ingress", ing.Name); err != nil {
			return err
		}
	}
	svcs, err := core.Services(ns).List(ctx, list)
	if err != nil {
		return apiError("list services", err)
	}
	for _, svc := range svcs.Items {
		if _, err := remove(ctx, core.Services(ns), "service", svc.Name); err != nil {
			return err
		}
	}
	pods, err := core.Pods(ns).List(ctx, list)
	if err != nil {
		return apiError("list pods", err)
	}
	for _, pod := range pods.Items {
		if _, err := remove(ctx, core.Pods(ns), "pod", pod.Name); err != nil {
			return err
		}
		log.Info("previous workload pod removed", zap.String("pod", pod.Name))
	}
	return nil
}

func phpVersionOrDefault(v string) string {
	if hosting.SupportedPHPVersion(v) {
		return v
	}
	return hosting.SupportedPHPVersions[len(hosting.SupportedPHPVersions)-1]
}

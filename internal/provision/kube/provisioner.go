// internal/provision/kube/provisioner.go
package kube

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/FairForge/hostplane/internal/certs"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/naming"
	"github.com/FairForge/hostplane/internal/webserver"
)

// podUpstream is php-fpm inside the same pod as nginx.
var podUpstream = webserver.NetworkUpstream("127.0.0.1", 9000)

// Provisioner gives each domain its own namespace. Virtual hosts run as a
// Deployment autoscalers can target; git deployments run as isolated pods.
type Provisioner struct {
	settings    Settings
	client      kubernetes.Interface
	domains     hosting.DomainStore
	deployments hosting.DeploymentStore
	logger      *zap.Logger
	now         func() time.Time
}

// New creates the provisioner. client may be nil when settings.Enabled is false.
func New(settings Settings, client kubernetes.Interface, domains hosting.DomainStore, deployments hosting.DeploymentStore, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		settings:    settings,
		client:      client,
		domains:     domains,
		deployments: deployments,
		logger:      logger.With(zap.String("backend", string(hosting.ModeKubernetes))),
		now:         time.Now,
	}
}

func (p *Provisioner) Mode() hosting.Mode { return hosting.ModeKubernetes }

// Enabled reports whether cluster calls are allowed.
func (p *Provisioner) Enabled() bool { return p.settings.Enabled && p.client != nil }

func (p *Provisioner) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.settings.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.settings.RequestTimeout)
}

// EnsureNamespace creates the domain's namespace with its isolation
// policies. A namespace that already exists is fine.
func (p *Provisioner) EnsureNamespace(ctx context.Context, domain string) (string, error) {
	if !p.Enabled() {
		return "", fmt.Errorf("%w: kubernetes support is disabled", hosting.ErrUnsupported)
	}
	ns := naming.NamespaceForDomain(domain)
	labels := k8s.DomainLabels(domain)
	nsLabels := k8s.TenantSecurityLabels()
	for k, v := range labels {
		nsLabels[k] = v
	}

	_, err := p.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: nsLabels},
	}, metav1.CreateOptions{FieldManager: k8s.FieldManager})
	switch {
	case err == nil:
		p.logger.Info("namespace created", zap.String("namespace", ns))
	case apierrors.IsAlreadyExists(err):
		p.logger.Debug("namespace exists", zap.String("namespace", ns))
	default:
		return "", apiError("create namespace "+ns, err)
	}

	if err := upsert(ctx, p.client.CoreV1().LimitRanges(ns), "limitrange", k8s.TenantLimitRange(ns, labels), nil); err != nil {
		return ns, err
	}
	policy := k8s.TenantNetworkPolicy(ns, p.settings.IngressNamespace, labels)
	if err := upsert(ctx, p.client.NetworkingV1().NetworkPolicies(ns), "networkpolicy", policy, nil); err != nil {
		return ns, err
	}
	return ns, nil
}

type sitePlan struct {
	req       hosting.ProvisionRequest
	namespace string
	name      string
	configMap string
	docRoot   string
	labels    map[string]string
	hosts     []string
	tlsSecret string
	tlsIssuer string
}

func (p *Provisioner) plan(req hosting.ProvisionRequest) sitePlan {
	name := naming.DeploymentName(req.Domain)
	pl := sitePlan{
		req:       req,
		namespace: naming.NamespaceForDomain(req.Domain),
		name:      name,
		configMap: name + "-nginx",
		docRoot:   req.DocumentRoot,
		labels:    k8s.DomainLabels(req.Domain),
		hosts:     []string{req.Domain, "www." + req.Domain},
	}
	if pl.docRoot == "" {
		pl.docRoot = path.Join(p.settings.DocumentRoot, req.Domain)
	}
	switch req.TLS {
	case hosting.TLSLetsEncrypt:
		pl.tlsSecret = name + "-tls"
		pl.tlsIssuer = p.settings.ClusterIssuer
	case hosting.TLSCustom:
		pl.tlsSecret = naming.KubernetesSafeName(req.CertRef)
	}
	return pl
}

func (pl sitePlan) artifacts() hosting.Artifacts {
	return hosting.Artifacts{
		Namespace:      pl.namespace,
		DeploymentName: pl.name,
		ServiceName:    pl.name,
		IngressName:    pl.name,
		Upstream:       podUpstream,
	}
}

// checkTLS verifies the ingress can terminate TLS as requested.
func (p *Provisioner) checkTLS(ctx context.Context, pl sitePlan) error {
	switch pl.req.TLS {
	case hosting.TLSLetsEncrypt:
		if pl.tlsIssuer == "" {
			return fmt.Errorf("%w: letsencrypt on kubernetes needs kubernetes.cluster_issuer", hosting.ErrUnsupported)
		}
	case hosting.TLSCustom:
		_, found, err := exists(ctx, p.client.CoreV1().Secrets(pl.namespace), "secret", pl.tlsSecret)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: tls secret %s/%s does not exist", hosting.ErrInvalidRequest, pl.namespace, pl.tlsSecret)
		}
	}
	return nil
}

// Apply creates or updates the site's ConfigMap, Deployment, Service and
// Ingress inside its namespace.
func (p *Provisioner) Apply(ctx context.Context, req hosting.ProvisionRequest) hosting.ProvisionResult {
	if !p.Enabled() {
		return hosting.Skipped(p.Mode(), "kubernetes support disabled")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return hosting.Failed(p.Mode(), err, hosting.Artifacts{})
	}
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	pl := p.plan(req)
	log := p.logger.With(zap.String("domain", req.Domain), zap.String("namespace", pl.namespace))

	if _, err := p.EnsureNamespace(ctx, req.Domain); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}
	if err := p.checkTLS(ctx, pl); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}

	conf, err := webserver.RenderNginx(webserver.Site{
		Domain:       req.Domain,
		Aliases:      pl.hosts[1:],
		DocumentRoot: pl.docRoot,
		Upstream:     podUpstream,
		Owner:        req.AccountID,
	})
	if err != nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("%w: %v", hosting.ErrInvalidRequest, err), pl.artifacts())
	}

	core := p.client.CoreV1()
	cm := k8s.BuildSiteConfigMap(pl.configMap, pl.namespace, pl.labels, conf)
	if err := upsert(ctx, core.ConfigMaps(pl.namespace), "configmap", cm, nil); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}

	deploy := k8s.BuildSiteDeployment(k8s.SiteConfig{
		Name:         pl.name,
		Namespace:    pl.namespace,
		Labels:       pl.labels,
		NginxImage:   p.settings.NginxImage,
		PHPImage:     fmt.Sprintf(p.settings.PHPImagePattern, req.PHPVersion),
		DocumentRoot: pl.docRoot,
		ConfigMap:    pl.configMap,
	})
	keepReplicas := func(live, desired *appsv1.Deployment) {
		desired.Spec.Replicas = live.Spec.Replicas
	}
	if err := upsert(ctx, p.client.AppsV1().Deployments(pl.namespace), "deployment", deploy, keepReplicas); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}

	svc := k8s.BuildService(pl.name, pl.namespace, pl.labels, deploy.Spec.Selector.MatchLabels)
	if err := upsert(ctx, core.Services(pl.namespace), "service", svc, keepClusterIP); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}

	ing := k8s.BuildIngress(k8s.IngressConfig{
		Name:          pl.name,
		Namespace:     pl.namespace,
		Labels:        pl.labels,
		Hosts:         pl.hosts,
		Service:       pl.name,
		Port:          80,
		ClassName:     p.settings.IngressClass,
		TLSSecret:     pl.tlsSecret,
		ClusterIssuer: pl.tlsIssuer,
	})
	if err := upsert(ctx, p.client.NetworkingV1().Ingresses(pl.namespace), "ingress", ing, nil); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}

	log.Info("site applied", zap.String("deployment", pl.name), zap.Bool("tls", pl.tlsSecret != ""))
	return hosting.Succeeded(p.Mode(), fmt.Sprintf("site %s deployed to %s", req.Domain, pl.namespace), pl.artifacts())
}

func keepClusterIP(live, desired *corev1.Service) {
	desired.Spec.ClusterIP = live.Spec.ClusterIP
	desired.Spec.ClusterIPs = live.Spec.ClusterIPs
}

// Remove deletes the site objects. The namespace stays because isolated
// workloads of the same domain may still live in it.
func (p *Provisioner) Remove(ctx context.Context, req hosting.ProvisionRequest) (bool, error) {
	if !p.Enabled() {
		return false, nil
	}
	req.Normalize()
	if !hosting.ValidHostname(req.Domain) {
		return false, fmt.Errorf("%w: invalid domain %q", hosting.ErrInvalidRequest, req.Domain)
	}
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	pl := p.plan(req)

	var removed bool
	track := func(ok bool, err error) error {
		removed = removed || ok
		return err
	}
	if err := track(remove(ctx, p.client.NetworkingV1().Ingresses(pl.namespace), "ingress", pl.name)); err != nil {
		return removed, err
	}
	if err := track(remove(ctx, p.client.CoreV1().Services(pl.namespace), "service", pl.name)); err != nil {
		return removed, err
	}
	if err := track(remove(ctx, p.client.AppsV1().Deployments(pl.namespace), "deployment", pl.name)); err != nil {
		return removed, err
	}
	if err := track(remove(ctx, p.client.CoreV1().ConfigMaps(pl.namespace), "configmap", pl.configMap)); err != nil {
		return removed, err
	}
	if removed {
		p.logger.Info("site removed", zap.String("domain", req.Domain), zap.String("namespace", pl.namespace))
	}
	return removed, nil
}

// Status reads the Deployment, its ConfigMap and the ingress TLS secret.
func (p *Provisioner) Status(ctx context.Context, req hosting.ProvisionRequest) (hosting.StatusReport, error) {
	req.Normalize()
	report := hosting.StatusReport{Backend: p.Mode(), Domain: req.Domain}
	if !p.Enabled() {
		report.Detail = "kubernetes support disabled"
		return report, nil
	}
	if !hosting.ValidHostname(req.Domain) {
		return report, fmt.Errorf("%w: invalid domain %q", hosting.ErrInvalidRequest, req.Domain)
	}
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	pl := p.plan(req)
	report.Namespace = pl.namespace

	deploy, found, err := exists(ctx, p.client.AppsV1().Deployments(pl.namespace), "deployment", pl.name)
	if err != nil {
		return report, err
	}
	_, cmFound, err := exists(ctx, p.client.CoreV1().ConfigMaps(pl.namespace), "configmap", pl.configMap)
	if err != nil {
		return report, err
	}
	report.ConfigExists = found && cmFound

	var detail []string
	if found {
		report.ReadyReplicas = deploy.Status.ReadyReplicas
		report.ServiceRunning = deploy.Status.ReadyReplicas > 0
		want := int32(1)
		if deploy.Spec.Replicas != nil {
			want = *deploy.Spec.Replicas
		}
		if deploy.Status.ReadyReplicas < want {
			detail = append(detail, fmt.Sprintf("%d/%d replicas ready", deploy.Status.ReadyReplicas, want))
		}
	} else {
		detail = append(detail, "deployment not found")
	}

	if pl.tlsSecret != "" {
		secret, ok, err := exists(ctx, p.client.CoreV1().Secrets(pl.namespace), "secret", pl.tlsSecret)
		if err != nil {
			return report, err
		}
		if ok {
			report.CertExists = true
			if info, err := certs.Parse(secret.Data[corev1.TLSCertKey]); err == nil {
				info.CertPath = "secret/" + pl.tlsSecret
				report.Certificate = info.Summary(p.now())
				if info.IsExpired(p.now()) {
					detail = append(detail, "certificate expired")
				}
			}
		} else {
			detail = append(detail, "tls secret "+pl.tlsSecret+" pending")
		}
	}
	report.Detail = strings.Join(detail, "; ")
	return report, nil
}

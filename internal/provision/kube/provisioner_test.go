package kube

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/records"
)

const (
	testNS     = "hosting-shop-example-com"
	testDeploy = "web-shop-example-com"
)

func enabledSettings() Settings {
	s := SettingsFromConfig(config.Default())
	s.Enabled = true
	s.ClusterIssuer = "letsencrypt-prod"
	return s
}

func siteRequest(tls hosting.TLSPreference) hosting.ProvisionRequest {
	return hosting.ProvisionRequest{
		DomainID:    "1",
		Domain:      "shop.example.com",
		AccountID:   "42",
		AccountName: "Shop Owner",
		PHPVersion:  "8.3",
		TLS:         tls,
	}
}

func newTestProvisioner(t *testing.T) (*Provisioner, *fake.Clientset, *records.Memory) {
	t.Helper()
	client := fake.NewSimpleClientset()
	store := records.NewMemory()
	return New(enabledSettings(), client, store, store, nil), client, store
}

func TestDisabled(t *testing.T) {
	client := fake.NewSimpleClientset()
	p := New(SettingsFromConfig(config.Default()), client, nil, nil, nil)
	ctx := context.Background()

	res := p.Apply(ctx, siteRequest(hosting.TLSNone))
	assert.Equal(t, hosting.OutcomeSkipped, res.Outcome)

	removed, err := p.Remove(ctx, siteRequest(hosting.TLSNone))
	require.NoError(t, err)
	assert.False(t, removed)

	report, err := p.Status(ctx, siteRequest(hosting.TLSNone))
	require.NoError(t, err)
	assert.Equal(t, "kubernetes support disabled", report.Detail)

	res = p.CreateIsolatedWorkload(ctx, "d1")
	assert.Equal(t, hosting.OutcomeSkipped, res.Outcome)

	_, err = p.EnsureNamespace(ctx, "shop.example.com")
	assert.ErrorIs(t, err, hosting.ErrUnsupported)

	assert.Empty(t, client.Actions(), "disabled mode never calls the cluster")
}

func TestEnsureNamespace(t *testing.T) {
	p, client, _ := newTestProvisioner(t)
	ctx := context.Background()

	ns, err := p.EnsureNamespace(ctx, "Shop.Example.com")
	require.NoError(t, err)
	assert.Equal(t, testNS, ns)

	again, err := p.EnsureNamespace(ctx, "shop.example.com")
	require.NoError(t, err, "existing namespace is not an error")
	assert.Equal(t, ns, again)

	got, err := client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "baseline", got.Labels["pod-security.kubernetes.io/enforce"])
	assert.Equal(t, k8s.ManagedBy, got.Labels[k8s.LabelManagedBy])
	assert.Equal(t, "shop.example.com", got.Labels[k8s.LabelDomain])

	_, err = client.CoreV1().LimitRanges(ns).Get(ctx, "tenant-limits", metav1.GetOptions{})
	assert.NoError(t, err)
	policy, err := client.NetworkingV1().NetworkPolicies(ns).Get(ctx, "tenant-isolation", metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, policy.Spec.Ingress)
}

func TestApply(t *testing.T) {
	p, client, _ := newTestProvisioner(t)
	ctx := context.Background()

	res := p.Apply(ctx, siteRequest(hosting.TLSNone))
	require.True(t, res.Success(), res.Message)
	assert.Equal(t, testNS, res.Artifacts.Namespace)
	assert.Equal(t, testDeploy, res.Artifacts.DeploymentName)
	assert.Equal(t, "127.0.0.1:9000", res.Artifacts.Upstream)

	cm, err := client.CoreV1().ConfigMaps(testNS).Get(ctx, testDeploy+"-nginx", metav1.GetOptions{})
	require.NoError(t, err)
	conf := cm.Data["default.conf"]
	assert.Contains(t, conf, "fastcgi_pass 127.0.0.1:9000")
	assert.NotContains(t, conf, "unix:")

	deploy, err := client.AppsV1().Deployments(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, deploy.Spec.Template.Spec.Containers, 2)
	assert.Equal(t, "php:8.3-fpm-alpine", deploy.Spec.Template.Spec.Containers[1].Image)

	_, err = client.CoreV1().Services(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
	assert.NoError(t, err)
	ing, err := client.NetworkingV1().Ingresses(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, ing.Spec.TLS)
	require.Len(t, ing.Spec.Rules, 2)
	assert.Equal(t, "shop.example.com", ing.Spec.Rules[0].Host)

	t.Run("reapply keeps autoscaled replicas", func(t *testing.T) {
		deploy.Spec.Replicas = k8s.Ptr(int32(4))
		_, err := client.AppsV1().Deployments(testNS).Update(ctx, deploy, metav1.UpdateOptions{})
		require.NoError(t, err)

		res := p.Apply(ctx, siteRequest(hosting.TLSNone))
		require.True(t, res.Success(), res.Message)

		got, err := client.AppsV1().Deployments(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, int32(4), *got.Spec.Replicas)
	})
}

func TestApply_TLS(t *testing.T) {
	ctx := context.Background()

	t.Run("letsencrypt through cluster issuer", func(t *testing.T) {
		p, client, _ := newTestProvisioner(t)
		res := p.Apply(ctx, siteRequest(hosting.TLSLetsEncrypt))
		require.True(t, res.Success(), res.Message)

		ing, err := client.NetworkingV1().Ingresses(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
		require.NoError(t, err)
		require.Len(t, ing.Spec.TLS, 1)
		assert.Equal(t, testDeploy+"-tls", ing.Spec.TLS[0].SecretName)
		assert.Equal(t, "letsencrypt-prod", ing.Annotations[k8s.AnnotationClusterIssuer])
	})

	t.Run("letsencrypt without issuer", func(t *testing.T) {
		s := enabledSettings()
		s.ClusterIssuer = ""
		p := New(s, fake.NewSimpleClientset(), nil, nil, nil)
		res := p.Apply(ctx, siteRequest(hosting.TLSLetsEncrypt))
		assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
		assert.Contains(t, res.Message, "cluster_issuer")
	})

	t.Run("custom secret missing", func(t *testing.T) {
		p, client, _ := newTestProvisioner(t)
		req := siteRequest(hosting.TLSCustom)
		req.CertRef = "Shop Cert"
		res := p.Apply(ctx, req)
		assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
		assert.Contains(t, res.Message, "shop-cert")

		_, err := client.AppsV1().Deployments(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
		assert.Error(t, err, "nothing is deployed before tls is settled")
	})

	t.Run("custom secret present", func(t *testing.T) {
		p, client, _ := newTestProvisioner(t)
		_, err := client.CoreV1().Secrets(testNS).Create(ctx, &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "shop-cert", Namespace: testNS},
			Type:       corev1.SecretTypeTLS,
		}, metav1.CreateOptions{})
		require.NoError(t, err)

		req := siteRequest(hosting.TLSCustom)
		req.CertRef = "Shop Cert"
		res := p.Apply(ctx, req)
		require.True(t, res.Success(), res.Message)
	})
}

func TestApply_APIErrorSurfacesStep(t *testing.T) {
	p, client, _ := newTestProvisioner(t)
	client.PrependReactor("create", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied")
	})

	res := p.Apply(context.Background(), siteRequest(hosting.TLSNone))
	assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
	assert.Equal(t, "create deployment "+testDeploy, res.Step)
}

func TestRemove(t *testing.T) {
	p, client, _ := newTestProvisioner(t)
	ctx := context.Background()
	require.True(t, p.Apply(ctx, siteRequest(hosting.TLSNone)).Success())

	removed, err := p.Remove(ctx, siteRequest(hosting.TLSNone))
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = client.AppsV1().Deployments(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
	assert.Error(t, err)
	_, err = client.CoreV1().Namespaces().Get(ctx, testNS, metav1.GetOptions{})
	assert.NoError(t, err, "namespace outlives the site")

	removed, err = p.Remove(ctx, siteRequest(hosting.TLSNone))
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStatus(t *testing.T) {
	p, client, _ := newTestProvisioner(t)
	ctx := context.Background()

	report, err := p.Status(ctx, siteRequest(hosting.TLSNone))
	require.NoError(t, err)
	assert.False(t, report.ConfigExists)
	assert.Equal(t, "deployment not found", report.Detail)

	require.True(t, p.Apply(ctx, siteRequest(hosting.TLSLetsEncrypt)).Success())
	report, err = p.Status(ctx, siteRequest(hosting.TLSLetsEncrypt))
	require.NoError(t, err)
	assert.True(t, report.ConfigExists)
	assert.False(t, report.ServiceRunning)
	assert.Contains(t, report.Detail, "0/1 replicas ready")
	assert.Contains(t, report.Detail, "tls secret "+testDeploy+"-tls pending")

	deploy, err := client.AppsV1().Deployments(testNS).Get(ctx, testDeploy, metav1.GetOptions{})
	require.NoError(t, err)
	deploy.Status.ReadyReplicas = 1
	_, err = client.AppsV1().Deployments(testNS).Update(ctx, deploy, metav1.UpdateOptions{})
	require.NoError(t, err)

	report, err = p.Status(ctx, siteRequest(hosting.TLSNone))
	require.NoError(t, err)
	assert.True(t, report.ServiceRunning)
	assert.Equal(t, int32(1), report.ReadyReplicas)
	assert.Empty(t, report.Detail)
}

func seedWorkload(store *records.Memory) {
	store.PutDomain(hosting.DomainRecord{
		ID:          "1",
		DomainName:  "Shop.Example.com",
		AccountID:   "42",
		AccountName: "Shop Owner",
		PHPVersion:  "8.2",
		TLS:         hosting.TLSNone,
	})
	store.PutDeployment(hosting.DeploymentRecord{
		ID:            "Deploy_7",
		DomainID:      "1",
		RepositoryURL: "https://git.example.com/shop.git",
		Branch:        "main",
		DeployPath:    "/var/www/html",
		Status:        hosting.StatusPending,
	})
}

var workloadName = regexp.MustCompile(`^web-shop-example-com-[a-f0-9]{8}$`)

func TestCreateIsolatedWorkload(t *testing.T) {
	p, client, store := newTestProvisioner(t)
	seedWorkload(store)
	ctx := context.Background()

	res := p.CreateIsolatedWorkload(ctx, "Deploy_7")
	require.True(t, res.Success(), res.Message)
	assert.Equal(t, testNS, res.Artifacts.Namespace)
	assert.Regexp(t, workloadName, res.Artifacts.PodName)
	assert.Regexp(t, workloadName, res.Artifacts.ContainerName)

	pod, err := client.CoreV1().Pods(testNS).Get(ctx, res.Artifacts.PodName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "deploy-7", pod.Labels[k8s.LabelDeploy], "label values are sanitized")
	require.Len(t, pod.Spec.Containers, 1)
	web := pod.Spec.Containers[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "php:8.2-apache", web.Image)
	assert.Equal(t, "/var/www/html", web.VolumeMounts[0].MountPath)
	assert.Contains(t, web.Env, corev1.EnvVar{Name: "HOSTPLANE_DOMAIN", Value: "shop.example.com"})
	assert.Contains(t, strings.Join(pod.Spec.InitContainers[0].Args, " "), "--branch main -- https://git.example.com/shop.git")

	svc, err := client.CoreV1().Services(testNS).Get(ctx, res.Artifacts.ServiceName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "deploy-7", svc.Spec.Selector[k8s.LabelDeploy])
	ing, err := client.NetworkingV1().Ingresses(testNS).Get(ctx, res.Artifacts.IngressName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", ing.Spec.Rules[0].Host)

	rec, err := store.LookupDeployment(ctx, "Deploy_7")
	require.NoError(t, err)
	assert.Equal(t, hosting.StatusDeployed, rec.Status)
	assert.Equal(t, res.Artifacts.PodName, rec.PodName)
	assert.Equal(t, testNS, rec.Namespace)

	updates := store.Updates("Deploy_7")
	require.Len(t, updates, 2)
	assert.Equal(t, hosting.StatusCloning, updates[0].Status)

	t.Run("rerun replaces the previous pod", func(t *testing.T) {
		again := p.CreateIsolatedWorkload(ctx, "Deploy_7")
		require.True(t, again.Success(), again.Message)
		assert.NotEqual(t, res.Artifacts.PodName, again.Artifacts.PodName)

		pods, err := client.CoreV1().Pods(testNS).List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		require.Len(t, pods.Items, 1)
		assert.Equal(t, again.Artifacts.PodName, pods.Items[0].Name)

		svcs, err := client.CoreV1().Services(testNS).List(ctx, metav1.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, svcs.Items, 1)

		updates := store.Updates("Deploy_7")
		require.Len(t, updates, 4)
		assert.Equal(t, hosting.StatusUpdating, updates[2].Status, "a deployed site is updated, not cloned again")
		assert.Equal(t, hosting.StatusDeployed, updates[3].Status)
	})
}

func TestCreateIsolatedWorkload_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown deployment", func(t *testing.T) {
		p, _, _ := newTestProvisioner(t)
		res := p.CreateIsolatedWorkload(ctx, "missing")
		assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
		assert.Contains(t, res.Message, "record not found")
	})

	t.Run("relative deploy path", func(t *testing.T) {
		p, client, store := newTestProvisioner(t)
		seedWorkload(store)
		rec, _ := store.LookupDeployment(ctx, "Deploy_7")
		rec.DeployPath = "html"
		store.PutDeployment(rec)

		res := p.CreateIsolatedWorkload(ctx, "Deploy_7")
		assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
		assert.Empty(t, client.Actions())
		assert.Empty(t, store.Updates("Deploy_7"), "invalid records are not touched")
	})

	t.Run("attempt in flight is not restarted", func(t *testing.T) {
		p, client, store := newTestProvisioner(t)
		seedWorkload(store)
		rec, _ := store.LookupDeployment(ctx, "Deploy_7")
		rec.Status = hosting.StatusCloning
		store.PutDeployment(rec)

		res := p.CreateIsolatedWorkload(ctx, "Deploy_7")
		assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
		assert.Contains(t, res.Message, `from "cloning" to "cloning"`)
		assert.Empty(t, client.Actions())
		assert.Empty(t, store.Updates("Deploy_7"))
	})

	t.Run("failed deployment starts over", func(t *testing.T) {
		p, _, store := newTestProvisioner(t)
		seedWorkload(store)
		rec, _ := store.LookupDeployment(ctx, "Deploy_7")
		rec.Status = hosting.StatusFailed
		store.PutDeployment(rec)

		res := p.CreateIsolatedWorkload(ctx, "Deploy_7")
		require.True(t, res.Success(), res.Message)
		assert.Equal(t, hosting.StatusCloning, store.Updates("Deploy_7")[0].Status)
	})

	t.Run("pod rejected marks deployment failed", func(t *testing.T) {
		p, client, store := newTestProvisioner(t)
		seedWorkload(store)
		client.PrependReactor("create", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("exceeded quota")
		})

		res := p.CreateIsolatedWorkload(ctx, "Deploy_7")
		assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
		assert.Contains(t, res.Message, "exceeded quota")

		rec, err := store.LookupDeployment(ctx, "Deploy_7")
		require.NoError(t, err)
		assert.Equal(t, hosting.StatusFailed, rec.Status)
		assert.Empty(t, rec.PodName)
	})
}

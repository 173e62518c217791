package topology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/FairForge/hostplane/internal/hosting"
)

type fakeEnv struct {
	vars  map[string]string
	files map[string]string
}

func (e fakeEnv) Getenv(key string) string { return e.vars[key] }

func (e fakeEnv) FileExists(path string) bool {
	_, ok := e.files[path]
	return ok
}

func (e fakeEnv) ReadFile(path string) ([]byte, error) {
	data, ok := e.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return []byte(data), nil
}

type stubProbe struct {
	cloud hosting.Cloud
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (p *stubProbe) Cloud() hosting.Cloud { return p.cloud }

func (p *stubProbe) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

var errNoMetadata = errors.New("connection refused")

func TestDetect_Modes(t *testing.T) {
	cases := []struct {
		name string
		env  fakeEnv
		opts Options
		want hosting.Mode
	}{
		{name: "bare host", env: fakeEnv{}, want: hosting.ModeStandalone},
		{name: "service host variable", env: fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}}, want: hosting.ModeKubernetes},
		{name: "service account token", env: fakeEnv{files: map[string]string{serviceAccountToken: "x"}}, want: hosting.ModeKubernetes},
		{
			name: "configured kubeconfig",
			env:  fakeEnv{files: map[string]string{"/etc/hostplane/kubeconfig": ""}},
			opts: Options{Kubeconfig: "/etc/hostplane/kubeconfig"},
			want: hosting.ModeKubernetes,
		},
		{name: "dockerenv", env: fakeEnv{files: map[string]string{"/.dockerenv": ""}}, want: hosting.ModeDockerCompose},
		{name: "podman", env: fakeEnv{files: map[string]string{"/run/.containerenv": ""}}, want: hosting.ModeDockerCompose},
		{name: "compose project", env: fakeEnv{vars: map[string]string{"COMPOSE_PROJECT_NAME": "hosting"}}, want: hosting.ModeDockerCompose},
		{name: "cgroup", env: fakeEnv{files: map[string]string{"/proc/1/cgroup": "0::/system.slice/containerd.service"}}, want: hosting.ModeDockerCompose},
		{name: "host cgroup", env: fakeEnv{files: map[string]string{"/proc/1/cgroup": "0::/init.scope"}}, want: hosting.ModeStandalone},
		{
			name: "kubernetes wins over container",
			env: fakeEnv{
				vars:  map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"},
				files: map[string]string{"/.dockerenv": ""},
			},
			want: hosting.ModeKubernetes,
		},
		{
			name: "override",
			env:  fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}},
			opts: Options{Mode: hosting.ModeStandalone},
			want: hosting.ModeStandalone,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := tc.opts
			opts.Env = tc.env
			opts.Probes = []CloudProbe{&stubProbe{cloud: hosting.CloudAWS, err: errNoMetadata}}
			got := New(opts).Detect(context.Background())
			assert.Equal(t, tc.want, got.Mode)
			assert.Equal(t, hosting.CloudNone, got.Cloud)
		})
	}
}

func TestDetect_CloudOnlyInKubernetes(t *testing.T) {
	probe := &stubProbe{cloud: hosting.CloudGCP}
	d := New(Options{Env: fakeEnv{}, Probes: []CloudProbe{probe}})

	got := d.Detect(context.Background())
	assert.Equal(t, hosting.ModeStandalone, got.Mode)
	assert.Equal(t, hosting.CloudNone, got.Cloud)
	assert.Zero(t, probe.calls.Load())
	assert.False(t, d.SupportsAutoScaling(context.Background()))
}

func TestDetect_MetadataPriority(t *testing.T) {
	slowAWS := &stubProbe{cloud: hosting.CloudAWS, delay: 50 * time.Millisecond}
	fastAzure := &stubProbe{cloud: hosting.CloudAzure}
	d := New(Options{
		Env:    fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}},
		Probes: []CloudProbe{slowAWS, fastAzure},
	})

	got := d.Detect(context.Background())
	assert.Equal(t, hosting.Topology{Mode: hosting.ModeKubernetes, Cloud: hosting.CloudAWS}, got)
	assert.True(t, d.SupportsAutoScaling(context.Background()))
}

func TestDetect_ProbeTimeoutDegrades(t *testing.T) {
	hung := &stubProbe{cloud: hosting.CloudAWS, delay: time.Minute}
	d := New(Options{
		Env:          fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}},
		ProbeTimeout: 20 * time.Millisecond,
		Probes:       []CloudProbe{hung, &stubProbe{cloud: hosting.CloudOVH, err: errNoMetadata}},
	})

	start := time.Now()
	got := d.Detect(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, hosting.ModeKubernetes, got.Mode)
	assert.Equal(t, hosting.CloudNone, got.Cloud)
	assert.False(t, d.SupportsAutoScaling(context.Background()))
}

func TestDetect_NodeProbe(t *testing.T) {
	cases := map[string]struct {
		node corev1.Node
		want hosting.Cloud
	}{
		"eks provider id": {
			node: corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n1"}, Spec: corev1.NodeSpec{ProviderID: "aws:///eu-west-1a/i-0abc"}},
			want: hosting.CloudAWS,
		},
		"gke label": {
			node: corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n1", Labels: map[string]string{"cloud.google.com/gke-nodepool": "default"}}},
			want: hosting.CloudGCP,
		},
		"doks provider id": {
			node: corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n1"}, Spec: corev1.NodeSpec{ProviderID: "digitalocean://12345"}},
			want: hosting.CloudDigitalOcean,
		},
		"ovh label": {
			node: corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n1", Labels: map[string]string{"node.k8s.ovh/type": "standard"}}},
			want: hosting.CloudOVH,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			node := tc.node
			metaProbe := &stubProbe{cloud: hosting.CloudAzure}
			d := New(Options{
				Env: fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}},
				Clientset: func() (kubernetes.Interface, error) {
					return fake.NewSimpleClientset(&node), nil
				},
				Probes: []CloudProbe{metaProbe},
			})
			assert.Equal(t, tc.want, d.Detect(context.Background()).Cloud)
			assert.Zero(t, metaProbe.calls.Load(), "node answer short-circuits metadata probes")
		})
	}

	t.Run("unknown node falls through to metadata", func(t *testing.T) {
		d := New(Options{
			Env: fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}},
			Clientset: func() (kubernetes.Interface, error) {
				return fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "kind-control-plane"}}), nil
			},
			Probes: []CloudProbe{&stubProbe{cloud: hosting.CloudAzure}},
		})
		assert.Equal(t, hosting.CloudAzure, d.Detect(context.Background()).Cloud)
	})

	t.Run("clientset error falls through", func(t *testing.T) {
		d := New(Options{
			Env:       fakeEnv{vars: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}},
			Clientset: func() (kubernetes.Interface, error) { return nil, errors.New("no config") },
			Probes:    []CloudProbe{&stubProbe{cloud: hosting.CloudGCP}},
		})
		assert.Equal(t, hosting.CloudGCP, d.Detect(context.Background()).Cloud)
	})
}

func TestDetect_MemoizedAndInvalidated(t *testing.T) {
	env := fakeEnv{vars: map[string]string{}}
	probe := &stubProbe{cloud: hosting.CloudAWS}
	d := New(Options{Env: env, Probes: []CloudProbe{probe}})

	assert.Equal(t, hosting.ModeStandalone, d.Detect(context.Background()).Mode)

	env.vars["KUBERNETES_SERVICE_HOST"] = "10.0.0.1"
	assert.Equal(t, hosting.ModeStandalone, d.Detect(context.Background()).Mode, "cached")
	assert.Zero(t, probe.calls.Load())

	d.Invalidate()
	got := d.Detect(context.Background())
	assert.Equal(t, hosting.ModeKubernetes, got.Mode)
	assert.Equal(t, hosting.CloudAWS, got.Cloud)
	assert.EqualValues(t, 1, probe.calls.Load())
}

func TestDetect_CloudOverride(t *testing.T) {
	probe := &stubProbe{cloud: hosting.CloudAWS}
	d := New(Options{Mode: hosting.ModeKubernetes, Cloud: hosting.CloudOVH, Probes: []CloudProbe{probe}})
	assert.Equal(t, hosting.CloudOVH, d.Detect(context.Background()).Cloud)
	assert.Zero(t, probe.calls.Load())
}

func TestNewFixed(t *testing.T) {
	d := NewFixed(hosting.Topology{Mode: hosting.ModeKubernetes, Cloud: hosting.CloudAzure})
	d.Invalidate()
	assert.Equal(t, hosting.Topology{Mode: hosting.ModeKubernetes, Cloud: hosting.CloudAzure}, d.Detect(context.Background()))
	assert.True(t, d.SupportsAutoScaling(context.Background()))

	plain := NewFixed(hosting.Topology{Mode: hosting.ModeStandalone})
	assert.Equal(t, hosting.CloudNone, plain.Detect(context.Background()).Cloud)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/azure":
			if r.Header.Get("Metadata") != "true" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"compute":{}}`))
		case "/openstack":
			_, _ = w.Write([]byte(`{"meta":{"region":"GRA11","vendor":"OVHcloud"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	azure := &HTTPProbe{Provider: hosting.CloudAzure, URL: srv.URL + "/azure", Header: map[string]string{"Metadata": "true"}, Client: srv.Client()}
	require.NoError(t, azure.Probe(ctx))

	noHeader := &HTTPProbe{Provider: hosting.CloudAzure, URL: srv.URL + "/azure", Client: srv.Client()}
	assert.Error(t, noHeader.Probe(ctx))

	ovh := &HTTPProbe{Provider: hosting.CloudOVH, URL: srv.URL + "/openstack", Contains: "ovh", Client: srv.Client()}
	assert.NoError(t, ovh.Probe(ctx))

	notOVH := &HTTPProbe{Provider: hosting.CloudOVH, URL: srv.URL + "/openstack", Contains: "infomaniak", Client: srv.Client()}
	assert.Error(t, notOVH.Probe(ctx))

	missing := &HTTPProbe{Provider: hosting.CloudDigitalOcean, URL: srv.URL + "/metadata/v1/id", Client: srv.Client()}
	assert.Error(t, missing.Probe(ctx))
}

func TestParse(t *testing.T) {
	m, ok := ParseMode("K8s")
	assert.True(t, ok)
	assert.Equal(t, hosting.ModeKubernetes, m)
	_, ok = ParseMode("swarm")
	assert.False(t, ok)

	c, ok := ParseCloud(" DigitalOcean ")
	assert.True(t, ok)
	assert.Equal(t, hosting.CloudDigitalOcean, c)
	_, ok = ParseCloud("")
	assert.False(t, ok)
}

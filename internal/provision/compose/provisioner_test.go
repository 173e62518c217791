package compose

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/hostplane/internal/certs"
	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/hosting"
)

const (
	confPath = "/srv/hosting/nginx/conf.d/shop.example.com.conf"
	fragPath = "/srv/hosting/sites/shop.example.com.yml"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string][]Container
	restarted  []string
	execs      [][]string
	execResult command.Result
	restartErr error
	// deadlines records the deadline of every call; blockExec waits for it.
	deadlines []time.Time
	blockExec bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string][]Container{
		"nginx":            {{ID: "n1", Name: "hosting-nginx-1", State: "running"}},
		"php-versions-8-3": {{ID: "p1", Name: "hosting-php-versions-8-3-1", State: "running"}},
	}}
}

func (f *fakeEngine) record(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, _ := ctx.Deadline()
	f.deadlines = append(f.deadlines, d)
}

func (f *fakeEngine) Containers(ctx context.Context, project, service string) ([]Container, error) {
	f.record(ctx)
	if project != "hosting" {
		return nil, nil
	}
	return f.containers[service], nil
}

func (f *fakeEngine) Restart(ctx context.Context, id string) error {
	f.record(ctx)
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, _ string, cmd []string) (command.Result, error) {
	f.record(ctx)
	f.execs = append(f.execs, cmd)
	if f.blockExec {
		<-ctx.Done()
		return command.Result{ExitCode: -1}, ctx.Err()
	}
	if f.execResult.ExitCode != 0 {
		return f.execResult, &command.ExitError{Command: "nginx -t", Result: f.execResult}
	}
	return f.execResult, nil
}

func setup() (*Provisioner, *command.Fake, *fakeEngine) {
	f := command.NewFake("local")
	e := newFakeEngine()
	return New(SettingsFromConfig(config.Default()), f, e, nil, nil), f, e
}

func selfSigned(t *testing.T, notAfter time.Time, names ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(9),
		Subject:      pkix.Name{CommonName: names[0]},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
		DNSNames:     names,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// fileIssuer writes a fixed certificate where the layout expects it.
type fileIssuer struct {
	pem      []byte
	requests int
}

func (i *fileIssuer) Name() string { return "file" }

func (i *fileIssuer) Issue(ctx context.Context, r command.Runner, req certs.IssueRequest) error {
	i.requests++
	if err := r.WriteFile(ctx, req.Pair.CertPath, i.pem, 0o644); err != nil {
		return err
	}
	return r.WriteFile(ctx, req.Pair.KeyPath, []byte("KEY"), 0o600)
}

const upPrefix = "docker compose --project-name hosting --project-directory /srv/hosting -f /srv/hosting/docker-compose.yml"

func request() hosting.ProvisionRequest {
	return hosting.ProvisionRequest{
		Domain:     "shop.example.com",
		AccountID:  "42",
		PHPVersion: "8.3",
		TLS:        hosting.TLSNone,
	}
}

func TestApply_NetworkUpstream(t *testing.T) {
	p, f, e := setup()
	res := p.Apply(context.Background(), request())
	require.True(t, res.Success(), res.Message)

	assert.Equal(t, hosting.ModeDockerCompose, res.Backend)
	assert.Equal(t, "php-versions-8-3:9000", res.Artifacts.Upstream)
	assert.Equal(t, confPath, res.Artifacts.NginxConfigPath)
	assert.Equal(t, fragPath, res.Artifacts.ComposeFragmentPath)
	assert.Empty(t, res.Artifacts.SocketPath)

	conf := string(f.Files[confPath])
	assert.Contains(t, conf, "fastcgi_pass php-versions-8-3:9000;")
	assert.Contains(t, conf, "root /var/www/html/shop.example.com;")
	assert.NotContains(t, conf, "unix:")
	assert.NotContains(t, string(f.Files[fragPath]), "unix:")

	assert.Equal(t, [][]string{{"nginx", "-t"}}, e.execs)
	assert.Equal(t, []string{"n1"}, e.restarted)
	assert.True(t, f.Ran(upPrefix+" -f "+fragPath+" up -d php-versions-8-3"))
	assert.True(t, f.Ran(upPrefix+" -f "+fragPath+" up -d nginx"))
}

func TestApply_Fragment(t *testing.T) {
	p, f, _ := setup()
	require.True(t, p.Apply(context.Background(), request()).Success())

	var frag struct {
		Services map[string]struct {
			Image   string   `yaml:"image"`
			Volumes []string `yaml:"volumes"`
		} `yaml:"services"`
		Site map[string]string `yaml:"x-hostplane"`
	}
	require.NoError(t, yaml.Unmarshal(f.Files[fragPath], &frag))
	php := frag.Services["php-versions-8-3"]
	assert.Equal(t, "php:8.3-fpm-alpine", php.Image)
	assert.Equal(t, []string{"./www/shop.example.com:/var/www/html/shop.example.com"}, php.Volumes)
	assert.Equal(t, []string{"./www/shop.example.com:/var/www/html/shop.example.com:ro"}, frag.Services["nginx"].Volumes)
	assert.Equal(t, "shop.example.com", frag.Site["domain"])
	assert.Equal(t, "php-versions-8-3:9000", frag.Site["upstream"])
}

func TestApply_StartsMissingPHPService(t *testing.T) {
	p, f, e := setup()
	req := request()
	req.PHPVersion = "7.4"

	res := p.Apply(context.Background(), req)
	require.True(t, res.Success(), res.Message)
	assert.Equal(t, "php-versions-7-4:9000", res.Artifacts.Upstream)
	assert.True(t, f.Ran(upPrefix+" -f "+fragPath+" up -d php-versions-7-4"))
	assert.Equal(t, []string{"n1"}, e.restarted)
}

func TestApply_RejectedConfigRestored(t *testing.T) {
	p, f, e := setup()
	e.execResult = command.Result{Stderr: "nginx: [emerg] host not found in upstream", ExitCode: 1}

	res := p.Apply(context.Background(), request())
	assert.Equal(t, hosting.OutcomeFailure, res.Outcome)
	assert.Equal(t, "nginx -t in hosting-nginx-1", res.Step)
	assert.Contains(t, res.Output, "host not found")
	assert.Empty(t, e.restarted)
	assert.Empty(t, f.Paths())
	assert.False(t, f.Ran(upPrefix+" -f "+fragPath+" up -d nginx"), "nginx never recreated on a rejected config")
}

func TestApply_Idempotent(t *testing.T) {
	p, f, e := setup()
	require.True(t, p.Apply(context.Background(), request()).Success())
	res := p.Apply(context.Background(), request())
	require.True(t, res.Success())
	assert.Contains(t, res.Message, "already up to date")
	assert.Len(t, e.restarted, 1)
	assert.Equal(t, 2, f.Count("docker compose"))
}

func TestApply_SitesShareOnePHPService(t *testing.T) {
	p, f, _ := setup()
	ctx := context.Background()
	other := request()
	other.Domain = "blog.example.com"
	otherFrag := "/srv/hosting/sites/blog.example.com.yml"

	require.True(t, p.Apply(ctx, other).Success())
	f.On("find /srv/hosting/sites", command.Result{Stdout: otherFrag + "\n" + fragPath + "\n"})
	require.True(t, p.Apply(ctx, request()).Success())

	// Both fragments reach compose so neither site loses its mount.
	both := upPrefix + " -f " + otherFrag + " -f " + fragPath + " up -d "
	assert.True(t, f.Ran(both+"php-versions-8-3"))
	assert.True(t, f.Ran(both+"nginx"))
	assert.Less(t, f.Index(both+"php-versions-8-3"), f.Index(both+"nginx"))
}

func TestApply_RestartFailureRestoresFiles(t *testing.T) {
	p, f, e := setup()
	ctx := context.Background()
	e.restartErr = hosting.Step("docker restart hosting-nginx-1", "", hosting.ErrRemoteCommandFailed)

	res := p.Apply(ctx, request())
	assert.False(t, res.Success())
	assert.Equal(t, "docker restart hosting-nginx-1", res.Step)
	assert.Empty(t, f.Paths())

	e.restartErr = nil
	retry := p.Apply(ctx, request())
	require.True(t, retry.Success(), retry.Message)
	assert.NotContains(t, retry.Message, "already up to date")
	assert.Len(t, e.execs, 2)
	assert.Equal(t, []string{"n1"}, e.restarted)
}

func TestApply_EngineCallsBounded(t *testing.T) {
	t.Run("every call carries a deadline", func(t *testing.T) {
		f := command.NewFake("local")
		e := newFakeEngine()
		settings := SettingsFromConfig(config.Default())
		settings.CommandTimeout = 5 * time.Second
		start := time.Now()

		require.True(t, New(settings, f, e, nil, nil).Apply(context.Background(), request()).Success())
		require.NotEmpty(t, e.deadlines)
		for _, d := range e.deadlines {
			require.False(t, d.IsZero())
			assert.WithinDuration(t, start.Add(5*time.Second), d, 2*time.Second)
		}
	})

	t.Run("hung exec fails the apply", func(t *testing.T) {
		f := command.NewFake("local")
		e := newFakeEngine()
		e.blockExec = true
		settings := SettingsFromConfig(config.Default())
		settings.CommandTimeout = 20 * time.Millisecond
		p := New(settings, f, e, nil, nil)

		done := make(chan hosting.ProvisionResult, 1)
		go func() { done <- p.Apply(context.Background(), request()) }()
		select {
		case res := <-done:
			assert.False(t, res.Success())
			assert.Equal(t, "nginx -t in hosting-nginx-1", res.Step)
			assert.Empty(t, f.Paths())
		case <-time.After(5 * time.Second):
			t.Fatal("apply did not return after the engine timeout")
		}

		err := p.check(context.Background(), Container{ID: "n1", Name: "hosting-nginx-1"})
		assert.ErrorIs(t, err, hosting.ErrRemoteCommandFailed)
		assert.ErrorIs(t, err, command.ErrTimeout)
	})
}

func TestApply_NginxNotRunning(t *testing.T) {
	p, f, e := setup()
	e.containers["nginx"] = []Container{{ID: "n1", State: "exited"}}

	res := p.Apply(context.Background(), request())
	require.True(t, res.Success(), res.Message)
	assert.Empty(t, e.execs)
	assert.Empty(t, e.restarted)
	assert.Contains(t, f.Paths(), confPath)
	assert.True(t, f.Ran(upPrefix+" -f "+fragPath+" up -d php-versions-8-3"))
	assert.False(t, f.Ran(upPrefix+" -f "+fragPath+" up -d nginx"))
}

func TestApply_CustomCertMissing(t *testing.T) {
	p, f, _ := setup()
	req := request()
	req.TLS = hosting.TLSCustom
	req.CertRef = "wildcard"

	res := p.Apply(context.Background(), req)
	assert.False(t, res.Success())
	assert.Contains(t, res.Message, "not installed")
	assert.Empty(t, f.Paths())
}

func TestApply_InstalledCertificate(t *testing.T) {
	p, f, _ := setup()
	live := "/etc/letsencrypt/live/shop.example.com/fullchain.pem"
	cert := selfSigned(t, time.Now().Add(60*24*time.Hour), "shop.example.com", "www.shop.example.com")
	require.NoError(t, f.WriteFile(context.Background(), live, cert, 0o644))
	req := request()
	req.TLS = hosting.TLSLetsEncrypt

	res := p.Apply(context.Background(), req)
	require.True(t, res.Success(), res.Message)
	assert.Equal(t, live, res.Artifacts.CertificatePath)
	assert.Contains(t, string(f.Files[confPath]), "ssl_certificate "+live)
}

func TestApply_RenewsExpiredCertificate(t *testing.T) {
	f := command.NewFake("local")
	e := newFakeEngine()
	fresh := selfSigned(t, time.Now().Add(80*24*time.Hour), "shop.example.com", "www.shop.example.com")
	issuer := &fileIssuer{pem: fresh}
	p := New(SettingsFromConfig(config.Default()), f, e, issuer, nil)
	live := "/etc/letsencrypt/live/shop.example.com/fullchain.pem"
	expired := selfSigned(t, time.Now().Add(-24*time.Hour), "shop.example.com", "www.shop.example.com")
	require.NoError(t, f.WriteFile(context.Background(), live, expired, 0o644))
	req := request()
	req.TLS = hosting.TLSLetsEncrypt

	res := p.Apply(context.Background(), req)
	require.True(t, res.Success(), res.Message)
	assert.Equal(t, 1, issuer.requests)
	assert.Equal(t, fresh, f.Files[live])
	assert.Contains(t, string(f.Files[confPath]), "ssl_certificate "+live)
	assert.Equal(t, []string{"n1", "n1"}, e.restarted, "restart after activation and after renewal")

	again := p.Apply(context.Background(), req)
	require.True(t, again.Success())
	assert.Contains(t, again.Message, "already up to date")
	assert.Equal(t, 1, issuer.requests)
}

func TestRemove(t *testing.T) {
	p, f, e := setup()
	require.True(t, p.Apply(context.Background(), request()).Success())

	removed, err := p.Remove(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.Paths())
	assert.Equal(t, []string{"n1", "n1"}, e.restarted)

	removed, err = p.Remove(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, e.restarted, 2)
}

func TestStatus(t *testing.T) {
	p, _, e := setup()
	require.True(t, p.Apply(context.Background(), request()).Success())

	report, err := p.Status(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, report.ConfigExists)
	assert.True(t, report.ServiceRunning)
	assert.Empty(t, report.Detail)

	delete(e.containers, "php-versions-8-3")
	report, err = p.Status(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, report.ServiceRunning)
	assert.Equal(t, "php-versions-8-3 not running", report.Detail)
}

// internal/provision/compose/provisioner.go
package compose

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/certs"
	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/naming"
	"github.com/FairForge/hostplane/internal/provision/stage"
	"github.com/FairForge/hostplane/internal/webserver"
)

// PHPPort is where every php-versions service listens for FastCGI.
const PHPPort = 9000

// Settings locate the compose project.
type Settings struct {
	ProjectDir      string
	ProjectName     string
	File            string
	NginxService    string
	ConfDir         string
	SitesDir        string
	WebRoot         string
	PHPImagePattern string
	LogDir          string
	ACMEWebroot     string
	Certs           certs.Layout
	RenewBefore     time.Duration
	// CommandTimeout bounds each Docker Engine call.
	CommandTimeout time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ProjectDir:      cfg.Compose.ProjectDir,
		ProjectName:     cfg.Compose.ProjectName,
		File:            cfg.Compose.File,
		NginxService:    cfg.Compose.NginxService,
		ConfDir:         cfg.Compose.ConfDir,
		SitesDir:        cfg.Compose.SitesDir,
		WebRoot:         cfg.Compose.WebRoot,
		PHPImagePattern: cfg.Compose.PHPImagePattern,
		LogDir:          cfg.Nginx.LogDir,
		ACMEWebroot:     cfg.TLS.WebrootDir,
		Certs:           certs.Layout{LiveDir: cfg.TLS.LiveDir, CustomDir: cfg.TLS.CustomCertDir},
		RenewBefore:     cfg.TLS.RenewBefore,
		CommandTimeout:  cfg.Commands.Timeout,
	}
}

// Provisioner writes nginx server blocks and compose fragments into a
// compose project and restarts its nginx service. PHP runs in one shared
// php-versions-{ver} service per version, reached over the compose network.
type Provisioner struct {
	settings Settings
	runner   command.Runner
	engine   Engine
	issuer   certs.Issuer
	logger   *zap.Logger
	now      func() time.Time
}

func New(settings Settings, runner command.Runner, engine Engine, issuer certs.Issuer, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		settings: settings,
		runner:   runner,
		engine:   engine,
		issuer:   issuer,
		logger:   logger.With(zap.String("backend", string(hosting.ModeDockerCompose))),
		now:      time.Now,
	}
}

func (p *Provisioner) Mode() hosting.Mode { return hosting.ModeDockerCompose }

type plan struct {
	req        hosting.ProvisionRequest
	confPath   string
	fragPath   string
	phpService string
	upstream   string
	docRoot    string
	pair       certs.Pair
	tls        bool
}

func (p *Provisioner) plan(req hosting.ProvisionRequest) plan {
	svc := naming.ComposePHPService(req.PHPVersion)
	pl := plan{
		req:        req,
		confPath:   path.Join(p.settings.ProjectDir, p.settings.ConfDir, req.Domain+".conf"),
		fragPath:   path.Join(p.settings.ProjectDir, p.settings.SitesDir, req.Domain+".yml"),
		phpService: svc,
		upstream:   webserver.NetworkUpstream(svc, PHPPort),
		docRoot:    req.DocumentRoot,
	}
	if pl.docRoot == "" {
		pl.docRoot = path.Join(p.settings.WebRoot, req.Domain)
	}
	pl.pair, pl.tls = p.settings.Certs.For(req)
	return pl
}

func (pl plan) aliases() []string { return []string{"www." + pl.req.Domain} }

func (pl plan) names() []string { return append([]string{pl.req.Domain}, pl.aliases()...) }

func (pl plan) artifacts(nginxService string) hosting.Artifacts {
	a := hosting.Artifacts{
		NginxConfigPath:     pl.confPath,
		ComposeFragmentPath: pl.fragPath,
		Upstream:            pl.upstream,
		ServiceName:         pl.phpService,
		ContainerName:       nginxService,
	}
	if pl.tls {
		a.CertificatePath = pl.pair.CertPath
	}
	return a
}

// Apply renders the server block and fragment, brings the PHP service up
// with the site's mount, checks the config inside the nginx container and
// restarts nginx. A rejected config or failed restart restores the
// previous files.
func (p *Provisioner) Apply(ctx context.Context, req hosting.ProvisionRequest) hosting.ProvisionResult {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return hosting.Failed(p.Mode(), err, hosting.Artifacts{})
	}
	pl := p.plan(req)
	arts := pl.artifacts(p.settings.NginxService)
	log := p.logger.With(zap.String("domain", req.Domain), zap.String("php_service", pl.phpService))

	var tlsFiles *webserver.TLSFiles
	var renewal certs.Renewal
	if pl.tls {
		if req.TLS == hosting.TLSCustom {
			installed, err := p.runner.Exists(ctx, pl.pair.CertPath)
			if err != nil {
				return hosting.Failed(p.Mode(), fmt.Errorf("check certificate: %w", err), arts)
			}
			if !installed {
				err := fmt.Errorf("%w: custom certificate %s is not installed", hosting.ErrInvalidRequest, pl.pair.CertPath)
				return hosting.Failed(p.Mode(), err, arts)
			}
		} else {
			var err error
			renewal, err = certs.CheckRenewal(ctx, p.runner, pl.pair.CertPath, pl.names(), p.now(), p.settings.RenewBefore)
			if err != nil {
				return hosting.Failed(p.Mode(), fmt.Errorf("check certificate: %w", err), arts)
			}
			if renewal == certs.RenewalMissing || renewal == certs.RenewalUnreadable {
				if err := p.issueCertificate(ctx, pl, log); err != nil {
					return hosting.Failed(p.Mode(), err, arts)
				}
			}
		}
		tlsFiles = &webserver.TLSFiles{CertPath: pl.pair.CertPath, KeyPath: pl.pair.KeyPath}
	}

	changed, err := p.activate(ctx, pl, tlsFiles, log)
	if err != nil {
		return hosting.Failed(p.Mode(), err, arts)
	}
	if renewal == certs.RenewalExpiring || renewal == certs.RenewalNames {
		if err := p.renewCertificate(ctx, pl, renewal, log); err != nil {
			return hosting.Failed(p.Mode(), err, arts)
		}
		changed = true
	}
	msg := fmt.Sprintf("site %s served by %s", req.Domain, pl.upstream)
	if !changed {
		msg = fmt.Sprintf("site %s already up to date", req.Domain)
	}
	log.Info("compose site applied", zap.Bool("changed", changed), zap.Bool("tls", pl.tls))
	return hosting.Succeeded(p.Mode(), msg, arts)
}

func (p *Provisioner) activate(ctx context.Context, pl plan, tls *webserver.TLSFiles, log *zap.Logger) (bool, error) {
	site := webserver.Site{
		Domain:       pl.req.Domain,
		Aliases:      pl.aliases(),
		DocumentRoot: pl.docRoot,
		Upstream:     pl.upstream,
		LogDir:       p.settings.LogDir,
		TLS:          tls,
		Owner:        pl.req.AccountID,
	}
	if pl.req.TLS == hosting.TLSLetsEncrypt {
		site.ACMEWebroot = p.settings.ACMEWebroot
	}
	conf, err := webserver.RenderNginx(site)
	if err != nil {
		return false, fmt.Errorf("%w: %v", hosting.ErrInvalidRequest, err)
	}
	frag, err := renderFragment(p.settings, pl)
	if err != nil {
		return false, err
	}

	tx, err := stage.Write(ctx, p.runner, []stage.File{
		{Path: pl.confPath, Data: conf, Mode: 0o644},
		{Path: pl.fragPath, Data: frag, Mode: 0o644},
	}, "", "")
	if err != nil {
		return false, err
	}
	if !tx.Changed() {
		return false, nil
	}

	// fail restores the previous files so a retry sees a change again.
	fail := func(err error) (bool, error) {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Error("rollback after failed activation", zap.Error(rbErr))
			err = errors.Join(err, rbErr)
		}
		return true, err
	}

	fragWritten := tx.Wrote(pl.fragPath)
	if fragWritten {
		// nginx -t resolves the upstream, so PHP goes first.
		if err := p.up(ctx, pl, pl.phpService); err != nil {
			return fail(err)
		}
		log.Info("php service up", zap.String("service", pl.phpService))
	}
	nginx, err := p.running(ctx, p.settings.NginxService)
	if err != nil {
		return fail(err)
	}
	if len(nginx) == 0 {
		log.Warn("nginx service not running, configuration applies on next start")
		return true, nil
	}
	if err := p.check(ctx, nginx[0]); err != nil {
		log.Warn("configuration rejected, previous files restored", zap.String("container", nginx[0].Name))
		return fail(err)
	}
	if fragWritten {
		if err := p.up(ctx, pl, p.settings.NginxService); err != nil {
			log.Warn("nginx recreate failed, previous files restored", zap.Error(err))
			return fail(err)
		}
	}
	if err := p.restartNginx(ctx, log); err != nil {
		log.Warn("nginx restart failed, previous files restored", zap.Error(err))
		return fail(err)
	}
	return true, nil
}

// up runs compose with the base file and every site fragment, so services
// whose mounts changed are recreated and the others are left alone.
func (p *Provisioner) up(ctx context.Context, pl plan, services ...string) error {
	frags, err := p.fragments(ctx, pl.fragPath)
	if err != nil {
		return err
	}
	args := []string{"compose",
		"--project-name", p.settings.ProjectName,
		"--project-directory", p.settings.ProjectDir,
		"-f", path.Join(p.settings.ProjectDir, p.settings.File)}
	for _, f := range frags {
		args = append(args, "-f", f)
	}
	args = append(args, "up", "-d")
	args = append(args, services...)
	_, err = command.Output(ctx, p.runner, command.New("docker", args...))
	return err
}

// fragments lists the project's site fragments, always including own.
func (p *Provisioner) fragments(ctx context.Context, own string) ([]string, error) {
	dir := path.Join(p.settings.ProjectDir, p.settings.SitesDir)
	out, err := command.Output(ctx, p.runner, command.New("find", dir, "-maxdepth", "1", "-name", "*.yml", "-type", "f"))
	if err != nil {
		var exitErr *command.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		out = ""
	}
	frags := strings.Fields(out)
	if !slices.Contains(frags, own) {
		frags = append(frags, own)
	}
	slices.Sort(frags)
	return frags, nil
}

// bounded limits one Docker Engine call to the command timeout.
func (p *Provisioner) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.settings.CommandTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.settings.CommandTimeout)
}

// engineError reports a call cut off by its deadline as a remote failure.
func engineError(ctx context.Context, step string, err error) error {
	if err == nil || ctx.Err() == nil || errors.Is(err, hosting.ErrRemoteCommandFailed) {
		return err
	}
	return hosting.Step(step, "", fmt.Errorf("%w: %w", command.ErrTimeout, errors.Join(hosting.ErrRemoteCommandFailed, err)))
}

func (p *Provisioner) running(ctx context.Context, service string) ([]Container, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	all, err := p.engine.Containers(ctx, p.settings.ProjectName, service)
	if err != nil {
		return nil, engineError(ctx, "docker container list "+service, err)
	}
	var out []Container
	for _, c := range all {
		if c.Running() {
			out = append(out, c)
		}
	}
	return out, nil
}

// restartNginx restarts every running nginx container.
func (p *Provisioner) restartNginx(ctx context.Context, log *zap.Logger) error {
	nginx, err := p.running(ctx, p.settings.NginxService)
	if err != nil {
		return err
	}
	for _, c := range nginx {
		rctx, cancel := p.bounded(ctx)
		err := p.engine.Restart(rctx, c.ID)
		err = engineError(rctx, "docker restart "+c.Name, err)
		cancel()
		if err != nil {
			return err
		}
		log.Info("nginx restarted", zap.String("container", c.Name))
	}
	return nil
}

func (p *Provisioner) check(ctx context.Context, c Container) error {
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	cmd := []string{"nginx", "-t"}
	step := "nginx -t in " + c.Name
	res, err := p.engine.Exec(ctx, c.ID, cmd)
	if err == nil {
		return nil
	}
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) {
		return hosting.Step(step, res.Combined(), hosting.ErrValidationFailed)
	}
	if err := engineError(ctx, step, err); hosting.AsStepError(err) != nil {
		return err
	}
	return hosting.Step(step, res.Combined(), err)
}

func (p *Provisioner) issueCertificate(ctx context.Context, pl plan, log *zap.Logger) error {
	if p.issuer == nil {
		return fmt.Errorf("%w: no certificate issuer configured", hosting.ErrUnsupported)
	}
	// Serve the challenge over plain HTTP before asking for the certificate.
	if _, err := p.activate(ctx, pl, nil, log); err != nil {
		return err
	}
	log.Info("requesting certificate", zap.String("issuer", p.issuer.Name()))
	return p.issuer.Issue(ctx, p.runner, certs.IssueRequest{
		Domain:  pl.req.Domain,
		Aliases: pl.aliases(),
		Webroot: p.settings.ACMEWebroot,
		Pair:    pl.pair,
	})
}

// renewCertificate re-issues a certificate nginx already serves; the TLS
// block answers challenges on port 80, so a restart is all that is left.
func (p *Provisioner) renewCertificate(ctx context.Context, pl plan, reason certs.Renewal, log *zap.Logger) error {
	if p.issuer == nil {
		return fmt.Errorf("%w: no certificate issuer configured", hosting.ErrUnsupported)
	}
	log.Info("renewing certificate", zap.String("issuer", p.issuer.Name()), zap.String("reason", string(reason)))
	if err := p.issuer.Issue(ctx, p.runner, certs.IssueRequest{
		Domain:  pl.req.Domain,
		Aliases: pl.aliases(),
		Webroot: p.settings.ACMEWebroot,
		Pair:    pl.pair,
	}); err != nil {
		return err
	}
	return p.restartNginx(ctx, log)
}

// Remove deletes the server block and fragment and restarts nginx. The
// shared PHP service keeps running for the other sites on its version.
func (p *Provisioner) Remove(ctx context.Context, req hosting.ProvisionRequest) (bool, error) {
	req.Normalize()
	if !hosting.ValidHostname(req.Domain) || !hosting.SupportedPHPVersion(req.PHPVersion) {
		return false, fmt.Errorf("%w: remove needs a valid domain and php version", hosting.ErrInvalidRequest)
	}
	pl := p.plan(req)

	removed := false
	for _, f := range []string{pl.confPath, pl.fragPath} {
		exists, err := p.runner.Exists(ctx, f)
		if err != nil {
			return removed, fmt.Errorf("stat %s: %w", f, err)
		}
		if !exists {
			continue
		}
		if err := p.runner.Remove(ctx, f); err != nil {
			return removed, fmt.Errorf("remove %s: %w", f, err)
		}
		removed = true
	}
	if !removed {
		return false, nil
	}

	log := p.logger.With(zap.String("domain", req.Domain))
	if err := p.restartNginx(ctx, log); err != nil {
		return true, err
	}
	log.Info("compose site removed")
	return true, nil
}

// Status reports files, running services and the certificate.
func (p *Provisioner) Status(ctx context.Context, req hosting.ProvisionRequest) (hosting.StatusReport, error) {
	req.Normalize()
	report := hosting.StatusReport{Backend: p.Mode(), Domain: req.Domain}
	if !hosting.ValidHostname(req.Domain) || !hosting.SupportedPHPVersion(req.PHPVersion) {
		return report, fmt.Errorf("%w: status needs a valid domain and php version", hosting.ErrInvalidRequest)
	}
	pl := p.plan(req)

	confExists, err := p.runner.Exists(ctx, pl.confPath)
	if err != nil {
		return report, err
	}
	fragExists, err := p.runner.Exists(ctx, pl.fragPath)
	if err != nil {
		return report, err
	}
	report.ConfigExists = confExists && fragExists

	var detail []string
	if confExists != fragExists {
		detail = append(detail, "server block and fragment out of sync")
	}
	running := true
	for _, svc := range []string{p.settings.NginxService, pl.phpService} {
		up, err := p.running(ctx, svc)
		if err != nil {
			return report, err
		}
		if len(up) == 0 {
			running = false
			detail = append(detail, svc+" not running")
		}
	}
	report.ServiceRunning = running

	if pl.tls {
		info, err := certs.Inspect(ctx, p.runner, pl.pair.CertPath)
		switch {
		case err == nil:
			report.CertExists = true
			report.Certificate = info.Summary(p.now())
			if info.IsExpired(p.now()) {
				detail = append(detail, "certificate expired")
			}
		case command.IsNotExist(err):
		default:
			report.CertExists = true
			detail = append(detail, "certificate unreadable: "+err.Error())
		}
	}
	report.Detail = strings.Join(detail, "; ")
	return report, nil
}

// internal/provision/host/provisioner.go
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/certs"
	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/hosting"
	"github.com/FairForge/hostplane/internal/naming"
	"github.com/FairForge/hostplane/internal/provision/stage"
	"github.com/FairForge/hostplane/internal/webserver"
)

// Provisioner materializes virtual hosts on a systemd host running nginx
// and PHP-FPM. All file and process access goes through a command.Runner,
// so the same code drives the local machine or a server over SSH.
type Provisioner struct {
	settings Settings
	runners  command.Factory
	issuer   certs.Issuer
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a host provisioner. issuer may be nil, which makes Let's
// Encrypt requests without an installed certificate fail.
func New(settings Settings, runners command.Factory, issuer certs.Issuer, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		settings: settings,
		runners:  runners,
		issuer:   issuer,
		logger:   logger.With(zap.String("backend", string(hosting.ModeStandalone))),
		now:      time.Now,
	}
}

func (p *Provisioner) Mode() hosting.Mode { return hosting.ModeStandalone }

// plan holds every identifier derived for one request.
type plan struct {
	req      hosting.ProvisionRequest
	username string
	socket   string
	siteFile string
	enabled  string
	poolFile string
	docRoot  string
	aliases  []string
	pair     certs.Pair
	tls      bool
	// sharedPool is another domain's pool already bound to socket.
	sharedPool string
}

func (p *Provisioner) plan(req hosting.ProvisionRequest) plan {
	username := naming.SystemUsername(req.AccountID, req.AccountName)
	pl := plan{
		req:      req,
		username: username,
		socket:   naming.PHPFPMSocketPath(username, req.PHPVersion),
		siteFile: p.settings.siteFile(req.Domain),
		enabled:  p.settings.enabledLink(req.Domain),
		poolFile: p.settings.poolFile(req.Domain, req.PHPVersion),
		docRoot:  req.DocumentRoot,
		aliases:  []string{"www." + req.Domain},
	}
	if pl.docRoot == "" {
		pl.docRoot = p.settings.siteDir(req.Domain)
	}
	pl.pair, pl.tls = p.settings.Certs.For(req)
	return pl
}

// names lists every host name the certificate must cover.
func (pl plan) names() []string {
	return append([]string{pl.req.Domain}, pl.aliases...)
}

func (pl plan) artifacts() hosting.Artifacts {
	a := hosting.Artifacts{
		NginxConfigPath:  pl.siteFile,
		NginxEnabledPath: pl.enabled,
		PoolPath:         pl.poolFile,
		SocketPath:       pl.socket,
		Upstream:         webserver.SocketUpstream(pl.socket),
		Username:         pl.username,
	}
	if pl.sharedPool != "" {
		a.PoolPath = pl.sharedPool
		a.PoolShared = true
	}
	if pl.tls {
		a.CertificatePath = pl.pair.CertPath
	}
	return a
}

// Apply writes the server block and pool, validates, then reloads. A
// failing syntax check restores the previous files and reloads nothing.
func (p *Provisioner) Apply(ctx context.Context, req hosting.ProvisionRequest) hosting.ProvisionResult {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return hosting.Failed(p.Mode(), err, hosting.Artifacts{})
	}
	pl := p.plan(req)

	r, err := p.runners(ctx, req.ServerID)
	if err != nil {
		return hosting.Failed(p.Mode(), fmt.Errorf("resolve server %q: %w", req.ServerID, err), pl.artifacts())
	}
	log := p.logger.With(zap.String("domain", req.Domain), zap.String("runner", r.Name()))

	if err := p.ensureAccount(ctx, r, pl, log); err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}
	shared, err := p.findSharedPool(ctx, r, pl, log)
	if err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}
	pl.sharedPool = shared

	var tlsFiles *webserver.TLSFiles
	var renewal certs.Renewal
	if pl.tls {
		if req.TLS == hosting.TLSCustom {
			installed, err := r.Exists(ctx, pl.pair.CertPath)
			if err != nil {
				return hosting.Failed(p.Mode(), fmt.Errorf("check certificate: %w", err), pl.artifacts())
			}
			if !installed {
				err := fmt.Errorf("%w: custom certificate %s is not installed", hosting.ErrInvalidRequest, pl.pair.CertPath)
				return hosting.Failed(p.Mode(), err, pl.artifacts())
			}
		} else {
			renewal, err = certs.CheckRenewal(ctx, r, pl.pair.CertPath, pl.names(), p.now(), p.settings.RenewBefore)
			if err != nil {
				return hosting.Failed(p.Mode(), fmt.Errorf("check certificate: %w", err), pl.artifacts())
			}
			// Without a usable certificate nginx cannot load a TLS block, so
			// the challenge is served over plain HTTP first.
			if renewal == certs.RenewalMissing || renewal == certs.RenewalUnreadable {
				if err := p.issueCertificate(ctx, r, pl, log); err != nil {
					return hosting.Failed(p.Mode(), err, pl.artifacts())
				}
			}
		}
		tlsFiles = &webserver.TLSFiles{CertPath: pl.pair.CertPath, KeyPath: pl.pair.KeyPath}
	}

	changed, err := p.activate(ctx, r, pl, tlsFiles, log)
	if err != nil {
		return hosting.Failed(p.Mode(), err, pl.artifacts())
	}
	if renewal == certs.RenewalExpiring || renewal == certs.RenewalNames {
		if err := p.renewCertificate(ctx, r, pl, renewal, log); err != nil {
			return hosting.Failed(p.Mode(), err, pl.artifacts())
		}
		changed = true
	}
	msg := fmt.Sprintf("virtual host %s active", req.Domain)
	if !changed {
		msg = fmt.Sprintf("virtual host %s already up to date", req.Domain)
	}
	log.Info("virtual host applied", zap.Bool("changed", changed), zap.Bool("tls", pl.tls), zap.Bool("shared_pool", pl.sharedPool != ""))
	return hosting.Succeeded(p.Mode(), msg, pl.artifacts())
}

func (p *Provisioner) site(pl plan, tls *webserver.TLSFiles) webserver.Site {
	s := webserver.Site{
		Domain:       pl.req.Domain,
		Aliases:      pl.aliases,
		DocumentRoot: pl.docRoot,
		Upstream:     webserver.SocketUpstream(pl.socket),
		LogDir:       p.settings.LogDir,
		TLS:          tls,
		Owner:        pl.username,
	}
	if pl.req.TLS == hosting.TLSLetsEncrypt {
		s.ACMEWebroot = p.settings.ACMEWebroot
	}
	return s
}

// activate stages the rendered files, checks them and reloads the
// affected services. It reports whether anything on disk changed.
func (p *Provisioner) activate(ctx context.Context, r command.Runner, pl plan, tls *webserver.TLSFiles, log *zap.Logger) (bool, error) {
	siteConf, err := webserver.RenderNginx(p.site(pl, tls))
	if err != nil {
		return false, fmt.Errorf("%w: %v", hosting.ErrInvalidRequest, err)
	}
	desired := []stage.File{{Path: pl.siteFile, Data: siteConf, Mode: 0o644}}
	if pl.sharedPool == "" {
		poolConf, err := webserver.RenderPool(webserver.Pool{
			Name:        pl.username,
			User:        pl.username,
			Listen:      pl.socket,
			ListenOwner: p.settings.WebUser,
			BaseDir:     p.settings.siteDir(pl.req.Domain),
			Domain:      pl.req.Domain,
			PM:          p.settings.PM,
		})
		if err != nil {
			return false, fmt.Errorf("%w: %v", hosting.ErrInvalidRequest, err)
		}
		desired = append(desired, stage.File{Path: pl.poolFile, Data: poolConf, Mode: 0o644})
	}

	tx, err := stage.Write(ctx, r, desired, pl.siteFile, pl.enabled)
	if err != nil {
		return false, err
	}
	if !tx.Changed() {
		return false, nil
	}

	// fail restores the previous files so a retry sees a change again.
	fail := func(err error) (bool, error) {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Error("rollback failed", zap.Error(rbErr))
			return true, errors.Join(err, rbErr)
		}
		return true, err
	}

	poolWritten := tx.Wrote(pl.poolFile)
	checks := []command.Command{command.New(p.settings.NginxBinary, "-t")}
	if poolWritten {
		checks = append(checks, command.New(p.settings.phpBinary(pl.req.PHPVersion), "-t"))
	}
	for _, check := range checks {
		if err := validate(ctx, r, check); err != nil {
			log.Warn("configuration rejected, previous files restored", zap.String("check", check.String()))
			return fail(err)
		}
	}

	if err := p.reload(ctx, r, p.settings.NginxService); err != nil {
		log.Warn("nginx reload failed, previous files restored", zap.Error(err))
		return fail(err)
	}
	if poolWritten {
		svc := p.settings.phpService(pl.req.PHPVersion)
		if tx.Created(pl.poolFile) {
			log.Info("new php-fpm pool", zap.String("pool", pl.poolFile), zap.String("service", svc))
		}
		if _, err := command.Output(ctx, r, command.New("systemctl", "reload-or-restart", svc)); err != nil {
			log.Warn("php-fpm restart failed, previous files restored", zap.String("service", svc), zap.Error(err))
			changed, err := fail(err)
			// nginx already loaded the new server block.
			if rlErr := p.reload(context.WithoutCancel(ctx), r, p.settings.NginxService); rlErr != nil {
				log.Error("nginx reload after restore failed", zap.Error(rlErr))
			}
			return changed, err
		}
	}
	return true, nil
}

func (p *Provisioner) issueCertificate(ctx context.Context, r command.Runner, pl plan, log *zap.Logger) error {
	if p.issuer == nil {
		return fmt.Errorf("%w: no certificate issuer configured", hosting.ErrUnsupported)
	}
	if _, err := command.Output(ctx, r, command.New("install", "-d", "-m", "0755", p.settings.ACMEWebroot)); err != nil {
		return err
	}
	// Serve the challenge over plain HTTP before asking for the certificate.
	if _, err := p.activate(ctx, r, pl, nil, log); err != nil {
		return err
	}
	log.Info("requesting certificate", zap.String("issuer", p.issuer.Name()))
	return p.issuer.Issue(ctx, r, certs.IssueRequest{
		Domain:  pl.req.Domain,
		Aliases: pl.aliases,
		Webroot: p.settings.ACMEWebroot,
		Pair:    pl.pair,
	})
}

// renewCertificate re-issues a certificate nginx is already serving. The
// active TLS block keeps answering challenges on port 80, so the new
// certificate only needs a reload to go live.
func (p *Provisioner) renewCertificate(ctx context.Context, r command.Runner, pl plan, reason certs.Renewal, log *zap.Logger) error {
	if p.issuer == nil {
		return fmt.Errorf("%w: no certificate issuer configured", hosting.ErrUnsupported)
	}
	if _, err := command.Output(ctx, r, command.New("install", "-d", "-m", "0755", p.settings.ACMEWebroot)); err != nil {
		return err
	}
	log.Info("renewing certificate", zap.String("issuer", p.issuer.Name()), zap.String("reason", string(reason)))
	if err := p.issuer.Issue(ctx, r, certs.IssueRequest{
		Domain:  pl.req.Domain,
		Aliases: pl.aliases,
		Webroot: p.settings.ACMEWebroot,
		Pair:    pl.pair,
	}); err != nil {
		return err
	}
	return p.reload(ctx, r, p.settings.NginxService)
}

// ensureAccount creates the pool's system user and the document root.
func (p *Provisioner) ensureAccount(ctx context.Context, r command.Runner, pl plan, log *zap.Logger) error {
	known, err := succeeds(ctx, r, command.New("id", "-u", pl.username))
	if err != nil {
		return err
	}
	if !known {
		if _, err := command.Output(ctx, r, command.New("useradd", "--system", "--user-group",
			"--home-dir", p.settings.siteDir(pl.req.Domain), "--shell", "/usr/sbin/nologin", pl.username)); err != nil {
			return err
		}
		log.Info("system user created", zap.String("user", pl.username))
	}

	exists, err := r.Exists(ctx, pl.docRoot)
	if err != nil {
		return fmt.Errorf("check document root: %w", err)
	}
	if !exists {
		if _, err := command.Output(ctx, r, command.New("install", "-d", "-m", "0755",
			"-o", pl.username, "-g", pl.username, pl.docRoot)); err != nil {
			return err
		}
	}
	return nil
}

// findSharedPool returns another pool file already listening on the
// account's socket for this PHP version.
func (p *Provisioner) findSharedPool(ctx context.Context, r command.Runner, pl plan, log *zap.Logger) (string, error) {
	pools, err := p.poolsOn(ctx, r, pl, log)
	if err != nil || len(pools) == 0 {
		return "", err
	}
	return pools[0], nil
}

// poolsOn lists pool files other than the domain's own that listen on
// the account's socket.
func (p *Provisioner) poolsOn(ctx context.Context, r command.Runner, pl plan, log *zap.Logger) ([]string, error) {
	dir := p.settings.poolDir(pl.req.PHPVersion)
	out, err := command.Output(ctx, r, command.New("find", dir, "-maxdepth", "1", "-name", "*.conf", "-type", "f"))
	if err != nil {
		if isExit(err) {
			// Missing pool directory, nothing to share.
			return nil, nil
		}
		return nil, err
	}
	var pools []string
	for _, candidate := range strings.Fields(out) {
		if candidate == pl.poolFile {
			continue
		}
		data, err := r.ReadFile(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("read pool %s: %w", candidate, err)
		}
		ok, err := webserver.ListensOn(data, pl.socket)
		if err != nil {
			log.Warn("unparsable pool file", zap.String("pool", candidate), zap.Error(err))
			continue
		}
		if ok {
			pools = append(pools, candidate)
		}
	}
	return pools, nil
}

// Remove deletes the server block, its enable link and the pool when no
// other site still uses the socket. It reports whether anything existed.
func (p *Provisioner) Remove(ctx context.Context, req hosting.ProvisionRequest) (bool, error) {
	req.Normalize()
	if !hosting.ValidHostname(req.Domain) || !hosting.SupportedPHPVersion(req.PHPVersion) {
		return false, fmt.Errorf("%w: remove needs a valid domain and php version", hosting.ErrInvalidRequest)
	}
	pl := p.plan(req)
	r, err := p.runners(ctx, req.ServerID)
	if err != nil {
		return false, fmt.Errorf("resolve server %q: %w", req.ServerID, err)
	}
	log := p.logger.With(zap.String("domain", req.Domain), zap.String("runner", r.Name()))

	removed := false
	for _, f := range []string{pl.enabled, pl.siteFile} {
		exists, err := r.Exists(ctx, f)
		if err != nil {
			return removed, fmt.Errorf("stat %s: %w", f, err)
		}
		if !exists {
			continue
		}
		if err := r.Remove(ctx, f); err != nil {
			return removed, fmt.Errorf("remove %s: %w", f, err)
		}
		removed = true
	}

	// The socket may be served by a pool another domain created; once no
	// server block references it, every pool bound to it goes.
	poolRemoved := false
	inUse, err := p.socketInUse(ctx, r, pl.socket)
	if err != nil {
		return removed, err
	}
	poolExists, err := r.Exists(ctx, pl.poolFile)
	if err != nil {
		return removed, fmt.Errorf("stat %s: %w", pl.poolFile, err)
	}
	if inUse {
		if poolExists {
			log.Info("pool kept, socket still referenced", zap.String("pool", pl.poolFile))
		}
	} else {
		pools, err := p.poolsOn(ctx, r, pl, log)
		if err != nil {
			return removed, err
		}
		if poolExists {
			pools = append(pools, pl.poolFile)
		}
		for _, pool := range pools {
			if err := r.Remove(ctx, pool); err != nil {
				return removed, fmt.Errorf("remove %s: %w", pool, err)
			}
			log.Info("pool removed", zap.String("pool", pool))
			removed, poolRemoved = true, true
		}
	}

	if !removed {
		return false, nil
	}
	if err := validate(ctx, r, command.New(p.settings.NginxBinary, "-t")); err != nil {
		return true, err
	}
	if err := p.reload(ctx, r, p.settings.NginxService); err != nil {
		return true, err
	}
	if poolRemoved {
		if err := p.reload(ctx, r, p.settings.phpService(req.PHPVersion)); err != nil {
			return true, err
		}
	}
	log.Info("virtual host removed", zap.Bool("pool_removed", poolRemoved))
	return true, nil
}

func (p *Provisioner) socketInUse(ctx context.Context, r command.Runner, socket string) (bool, error) {
	res, err := r.Run(ctx, command.New("grep", "-rlF", "--", webserver.SocketUpstream(socket), p.settings.SitesAvailable))
	if err == nil {
		return strings.TrimSpace(res.Stdout) != "", nil
	}
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) && exitErr.Result.ExitCode == 1 {
		return false, nil
	}
	return false, hosting.Step("grep socket references", res.Combined(), err)
}

// Status probes files, services and the certificate without changing anything.
func (p *Provisioner) Status(ctx context.Context, req hosting.ProvisionRequest) (hosting.StatusReport, error) {
	req.Normalize()
	report := hosting.StatusReport{Backend: p.Mode(), Domain: req.Domain}
	if !hosting.ValidHostname(req.Domain) || !hosting.SupportedPHPVersion(req.PHPVersion) {
		return report, fmt.Errorf("%w: status needs a valid domain and php version", hosting.ErrInvalidRequest)
	}
	pl := p.plan(req)
	r, err := p.runners(ctx, req.ServerID)
	if err != nil {
		return report, fmt.Errorf("resolve server %q: %w", req.ServerID, err)
	}

	siteExists, err := r.Exists(ctx, pl.siteFile)
	if err != nil {
		return report, err
	}
	enabled, err := r.Exists(ctx, pl.enabled)
	if err != nil {
		return report, err
	}
	report.ConfigExists = siteExists && enabled

	var detail []string
	running := true
	for _, svc := range []string{p.settings.NginxService, p.settings.phpService(req.PHPVersion)} {
		active, err := succeeds(ctx, r, command.New("systemctl", "is-active", "--quiet", svc))
		if err != nil {
			return report, err
		}
		if !active {
			running = false
			detail = append(detail, svc+" inactive")
		}
	}
	report.ServiceRunning = running
	if siteExists && !enabled {
		detail = append(detail, "site not enabled")
	}

	if pl.tls {
		info, err := certs.Inspect(ctx, r, pl.pair.CertPath)
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

func (p *Provisioner) reload(ctx context.Context, r command.Runner, service string) error {
	_, err := command.Output(ctx, r, command.New("systemctl", "reload", service))
	return err
}

// validate runs a syntax checker. A non-zero exit is a validation failure
// carrying the checker's diagnostic.
func validate(ctx context.Context, r command.Runner, cmd command.Command) error {
	res, err := r.Run(ctx, cmd)
	if err == nil {
		return nil
	}
	if isExit(err) {
		return hosting.Step(cmd.String(), res.Combined(), hosting.ErrValidationFailed)
	}
	return hosting.Step(cmd.String(), res.Combined(), err)
}

// succeeds maps exit status to a bool; only transport failures are errors.
func succeeds(ctx context.Context, r command.Runner, cmd command.Command) (bool, error) {
	res, err := r.Run(ctx, cmd)
	if err == nil {
		return true, nil
	}
	if isExit(err) {
		return false, nil
	}
	return false, hosting.Step(cmd.String(), res.Combined(), err)
}

func isExit(err error) bool {
	var exitErr *command.ExitError
	return errors.As(err, &exitErr)
}

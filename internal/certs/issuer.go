// internal/certs/issuer.go
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/command"
	"github.com/FairForge/hostplane/internal/hosting"
)

// IssueTimeout bounds one issuance.
const IssueTimeout = 5 * time.Minute

// IssueRequest describes one Let's Encrypt certificate.
type IssueRequest struct {
	Domain  string
	Aliases []string
	// Webroot is the directory nginx serves /.well-known/acme-challenge/ from.
	Webroot string
	Pair    Pair
}

func (r IssueRequest) names() []string {
	return append([]string{r.Domain}, r.Aliases...)
}

// Issuer obtains a certificate and leaves it at req.Pair on the runner's host.
type Issuer interface {
	Name() string
	Issue(ctx context.Context, r command.Runner, req IssueRequest) error
}

// CertbotIssuer drives certbot on the target host in webroot mode.
type CertbotIssuer struct {
	Binary string
	Email  string
}

func (c CertbotIssuer) Name() string { return "certbot" }

// Issue runs certbot certonly. certbot stores the result under its own live
// directory named after the domain, which is where Layout points.
func (c CertbotIssuer) Issue(ctx context.Context, r command.Runner, req IssueRequest) error {
	bin := c.Binary
	if bin == "" {
		bin = "certbot"
	}
	args := []string{
		"certonly", "--webroot", "-w", req.Webroot,
		"--cert-name", req.Domain,
		"--non-interactive", "--agree-tos", "--keep-until-expiring",
	}
	if c.Email != "" {
		args = append(args, "-m", c.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	for _, n := range req.names() {
		args = append(args, "-d", n)
	}
	cmd := command.New(bin, args...)
	cmd.Timeout = IssueTimeout
	if _, err := command.Output(ctx, r, cmd); err != nil {
		return fmt.Errorf("issue certificate for %s: %w", req.Domain, err)
	}
	return nil
}

// LegoIssuer speaks ACME itself and answers HTTP-01 challenges by writing
// token files into the webroot through the runner. One ACME account serves
// every issuance; its key is kept at AccountKeyPath on the runner's host.
type LegoIssuer struct {
	Email          string
	DirectoryURL   string
	AccountKeyPath string
	logger         *zap.Logger

	mu      sync.Mutex
	account *accountUser

	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
}

// NewLegoIssuer creates an issuer against directoryURL, Let's Encrypt
// production when empty. An empty accountKeyPath keeps the account in memory.
func NewLegoIssuer(email, directoryURL, accountKeyPath string, logger *zap.Logger) (*LegoIssuer, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: lego issuer needs an account email", hosting.ErrInvalidRequest)
	}
	if directoryURL == "" {
		directoryURL = lego.LEDirectoryProduction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LegoIssuer{
		Email:          email,
		DirectoryURL:   directoryURL,
		AccountKeyPath: accountKeyPath,
		logger:         logger,
		clientFactory:  defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
	}, nil
}

func (l *LegoIssuer) Name() string { return "lego" }

func (l *LegoIssuer) Issue(ctx context.Context, r command.Runner, req IssueRequest) error {
	ctx, cancel := context.WithTimeout(ctx, IssueTimeout)
	defer cancel()

	client, err := l.client(ctx, r)
	if err != nil {
		return err
	}
	provider := &webrootProvider{ctx: ctx, runner: r, webroot: req.Webroot}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return fmt.Errorf("configure http-01 provider: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := client.Obtain(certificate.ObtainRequest{Domains: req.names(), Bundle: true})
	if err != nil {
		return hosting.Step("acme obtain "+req.Domain, "", errors.Join(hosting.ErrRemoteCommandFailed, err))
	}
	if res == nil || len(res.Certificate) == 0 || len(res.PrivateKey) == 0 {
		return fmt.Errorf("acme returned an empty certificate for %s", req.Domain)
	}

	if err := r.WriteFile(ctx, req.Pair.KeyPath, res.PrivateKey, 0o600); err != nil {
		return fmt.Errorf("store private key: %w", err)
	}
	if err := r.WriteFile(ctx, req.Pair.CertPath, res.Certificate, 0o644); err != nil {
		return fmt.Errorf("store certificate: %w", err)
	}
	l.logger.Info("certificate issued", zap.String("domain", req.Domain), zap.String("issuer", l.Name()))
	return nil
}

// client returns an ACME client bound to the issuer's account, loading or
// registering the account on first use.
func (l *LegoIssuer) client(ctx context.Context, r command.Runner) (acmeClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.account != nil {
		return l.newClient(l.account)
	}

	user := &accountUser{email: l.Email}
	stored, err := l.loadAccountKey(ctx, r)
	if err != nil {
		return nil, err
	}
	user.key = stored
	if user.key == nil {
		if user.key, err = l.accountKeyMaker(); err != nil {
			return nil, fmt.Errorf("generate account key: %w", err)
		}
	}

	client, err := l.newClient(user)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		user.registration, err = client.ResolveAccountByKey()
		if err != nil {
			return nil, fmt.Errorf("resolve acme account: %w", err)
		}
	} else {
		user.registration, err = client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("register acme account: %w", err)
		}
		if err := l.storeAccountKey(ctx, r, user.key); err != nil {
			return nil, err
		}
		l.logger.Info("acme account registered", zap.String("email", l.Email))
	}
	l.account = user
	return client, nil
}

func (l *LegoIssuer) newClient(user *accountUser) (acmeClient, error) {
	cfg := lego.NewConfig(user)
	cfg.CADirURL = l.DirectoryURL
	cfg.Certificate.KeyType = certcrypto.EC256
	client, err := l.clientFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}
	return client, nil
}

func (l *LegoIssuer) loadAccountKey(ctx context.Context, r command.Runner) (crypto.PrivateKey, error) {
	if l.AccountKeyPath == "" {
		return nil, nil
	}
	data, err := r.ReadFile(ctx, l.AccountKeyPath)
	if command.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read acme account key: %w", err)
	}
	key, err := certcrypto.ParsePEMPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse acme account key %s: %w", l.AccountKeyPath, err)
	}
	return key, nil
}

func (l *LegoIssuer) storeAccountKey(ctx context.Context, r command.Runner, key crypto.PrivateKey) error {
	if l.AccountKeyPath == "" {
		return nil
	}
	if err := r.WriteFile(ctx, l.AccountKeyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
		return fmt.Errorf("store acme account key: %w", err)
	}
	return nil
}

// webrootProvider implements challenge.Provider on top of a runner.
type webrootProvider struct {
	ctx     context.Context
	runner  command.Runner
	webroot string
}

var _ challenge.Provider = (*webrootProvider)(nil)

func (p *webrootProvider) tokenPath(token string) string {
	return path.Join(p.webroot, http01.ChallengePath(token))
}

func (p *webrootProvider) Present(_, token, keyAuth string) error {
	return p.runner.WriteFile(p.ctx, p.tokenPath(token), []byte(keyAuth), 0o644)
}

func (p *webrootProvider) CleanUp(_, token, _ string) error {
	return p.runner.Remove(p.ctx, p.tokenPath(token))
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	ResolveAccountByKey() (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClient{client: client}, nil
}

type legoClient struct {
	client *lego.Client
}

func (l *legoClient) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClient) ResolveAccountByKey() (*registration.Resource, error) {
	return l.client.Registration.ResolveAccountByKey()
}

func (l *legoClient) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClient) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

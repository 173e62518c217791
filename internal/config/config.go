package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full hostplane configuration. Every field can be set from
// the YAML file and overridden by a HOSTPLANE_* environment variable.
type Config struct {
	Topology   TopologyConfig   `yaml:"topology" envPrefix:"TOPOLOGY_"`
	Nginx      NginxConfig      `yaml:"nginx" envPrefix:"NGINX_"`
	PHPFPM     PHPFPMConfig     `yaml:"phpfpm" envPrefix:"PHPFPM_"`
	TLS        TLSConfig        `yaml:"tls" envPrefix:"TLS_"`
	Compose    ComposeConfig    `yaml:"compose" envPrefix:"COMPOSE_"`
	Kubernetes KubernetesConfig `yaml:"kubernetes" envPrefix:"KUBERNETES_"`
	Autoscale  AutoscaleConfig  `yaml:"autoscale" envPrefix:"AUTOSCALE_"`
	Commands   CommandsConfig   `yaml:"commands" envPrefix:"COMMANDS_"`
	SSH        SSHConfig        `yaml:"ssh" envPrefix:"SSH_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Admin      AdminConfig      `yaml:"admin" envPrefix:"ADMIN_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

type TopologyConfig struct {
	// Mode forces a topology instead of probing. Empty means detect.
	Mode         string        `yaml:"mode" env:"MODE"`
	Cloud        string        `yaml:"cloud" env:"CLOUD"`
	Kubeconfig   string        `yaml:"kubeconfig" env:"KUBECONFIG"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
}

type NginxConfig struct {
	Binary         string `yaml:"binary" env:"BINARY"`
	Service        string `yaml:"service" env:"SERVICE"`
	SitesAvailable string `yaml:"sites_available" env:"SITES_AVAILABLE"`
	SitesEnabled   string `yaml:"sites_enabled" env:"SITES_ENABLED"`
	WebRoot        string `yaml:"web_root" env:"WEB_ROOT"`
	LogDir         string `yaml:"log_dir" env:"LOG_DIR"`
	// User owns the worker processes and is granted access to pool sockets.
	User string `yaml:"user" env:"USER"`
}

type PHPFPMConfig struct {
	// Directory patterns take the PHP version as their only verb.
	PoolDirPattern string `yaml:"pool_dir_pattern" env:"POOL_DIR_PATTERN"`
	ServicePattern string `yaml:"service_pattern" env:"SERVICE_PATTERN"`
	BinaryPattern  string `yaml:"binary_pattern" env:"BINARY_PATTERN"`
	MaxChildren    int    `yaml:"max_children" env:"MAX_CHILDREN"`
	StartServers   int    `yaml:"start_servers" env:"START_SERVERS"`
	MinSpare       int    `yaml:"min_spare_servers" env:"MIN_SPARE_SERVERS"`
	MaxSpare       int    `yaml:"max_spare_servers" env:"MAX_SPARE_SERVERS"`
}

type TLSConfig struct {
	// Issuer is certbot or lego.
	Issuer        string `yaml:"issuer" env:"ISSUER"`
	Email         string `yaml:"email" env:"EMAIL"`
	LiveDir       string `yaml:"live_dir" env:"LIVE_DIR"`
	CustomCertDir string `yaml:"custom_cert_dir" env:"CUSTOM_CERT_DIR"`
	WebrootDir    string `yaml:"webroot_dir" env:"WEBROOT_DIR"`
	ACMEDirectory string `yaml:"acme_directory" env:"ACME_DIRECTORY"`
	AccountKey    string `yaml:"account_key" env:"ACCOUNT_KEY"`

	// RenewBefore re-issues Let's Encrypt certificates this close to expiry.
	RenewBefore time.Duration `yaml:"renew_before" env:"RENEW_BEFORE"`
}

type ComposeConfig struct {
	ProjectDir   string `yaml:"project_dir" env:"PROJECT_DIR"`
	ProjectName  string `yaml:"project_name" env:"PROJECT_NAME"`
	NginxService string `yaml:"nginx_service" env:"NGINX_SERVICE"`
	ConfDir      string `yaml:"conf_dir" env:"CONF_DIR"`
	SitesDir     string `yaml:"sites_dir" env:"SITES_DIR"`
	WebRoot      string `yaml:"web_root" env:"WEB_ROOT"`
	// File is the base compose file fragments are layered on.
	File            string `yaml:"file" env:"FILE"`
	PHPImagePattern string `yaml:"php_image_pattern" env:"PHP_IMAGE_PATTERN"`
	DockerHost      string `yaml:"docker_host" env:"DOCKER_HOST"`
}

type KubernetesConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Kubeconfig      string `yaml:"kubeconfig" env:"KUBECONFIG"`
	IngressClass    string `yaml:"ingress_class" env:"INGRESS_CLASS"`
	ClusterIssuer   string `yaml:"cluster_issuer" env:"CLUSTER_ISSUER"`
	NginxImage      string `yaml:"nginx_image" env:"NGINX_IMAGE"`
	PHPImagePattern string `yaml:"php_image_pattern" env:"PHP_IMAGE_PATTERN"`
	GitImage        string `yaml:"git_image" env:"GIT_IMAGE"`
	// WorkloadImagePattern serves HTTP itself; it runs isolated git deployments.
	WorkloadImagePattern string `yaml:"workload_image_pattern" env:"WORKLOAD_IMAGE_PATTERN"`
	// IngressNamespace is admitted by tenant network policies.
	IngressNamespace string        `yaml:"ingress_namespace" env:"INGRESS_NAMESPACE"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type AutoscaleConfig struct {
	Kubectl    string `yaml:"kubectl" env:"KUBECTL"`
	TempDir    string `yaml:"temp_dir" env:"TEMP_DIR"`
	DefaultMin int32  `yaml:"default_min" env:"DEFAULT_MIN"`
	DefaultMax int32  `yaml:"default_max" env:"DEFAULT_MAX"`
	DefaultCPU int32  `yaml:"default_cpu" env:"DEFAULT_CPU"`
}

type CommandsConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`
}

type SSHConfig struct {
	KnownHostsFile        string        `yaml:"known_hosts_file" env:"KNOWN_HOSTS_FILE"`
	DialTimeout           time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key" env:"INSECURE_IGNORE_HOST_KEY"`
}

type DatabaseConfig struct {
	// DSN selects the PostgreSQL record store. Empty keeps records in memory.
	DSN          string `yaml:"dsn" env:"DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type AdminConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration of a stock Debian/Ubuntu host.
func Default() *Config {
	return &Config{
		Topology: TopologyConfig{ProbeTimeout: 2 * time.Second},
		Nginx: NginxConfig{
			Binary:         "nginx",
			Service:        "nginx",
			SitesAvailable: "/etc/nginx/sites-available",
			SitesEnabled:   "/etc/nginx/sites-enabled",
			WebRoot:        "/var/www",
			LogDir:         "/var/log/nginx",
			User:           "www-data",
		},
		PHPFPM: PHPFPMConfig{
			PoolDirPattern: "/etc/php/%s/fpm/pool.d",
			ServicePattern: "php%s-fpm",
			BinaryPattern:  "php-fpm%s",
			MaxChildren:    5,
			StartServers:   2,
			MinSpare:       1,
			MaxSpare:       3,
		},
		TLS: TLSConfig{
			Issuer:        "certbot",
			LiveDir:       "/etc/letsencrypt/live",
			CustomCertDir: "/etc/ssl/hostplane",
			WebrootDir:    "/var/www/letsencrypt",
			ACMEDirectory: "https://acme-v02.api.letsencrypt.org/directory",
			AccountKey:    "/etc/hostplane/acme/account.key",
			RenewBefore:   30 * 24 * time.Hour,
		},
		Compose: ComposeConfig{
			ProjectDir:      "/srv/hosting",
			ProjectName:     "hosting",
			NginxService:    "nginx",
			ConfDir:         "nginx/conf.d",
			SitesDir:        "sites",
			WebRoot:         "/var/www/html",
			File:            "docker-compose.yml",
			PHPImagePattern: "php:%s-fpm-alpine",
		},
		Kubernetes: KubernetesConfig{
			IngressClass:         "nginx",
			NginxImage:           "nginx:1.27-alpine",
			PHPImagePattern:      "php:%s-fpm-alpine",
			GitImage:             "alpine/git:2.45.2",
			WorkloadImagePattern: "php:%s-apache",
			IngressNamespace:     "ingress-nginx",
			RequestTimeout:       30 * time.Second,
		},
		Autoscale: AutoscaleConfig{
			Kubectl:    "kubectl",
			TempDir:    "/tmp",
			DefaultMin: 1,
			DefaultMax: 5,
			DefaultCPU: 70,
		},
		Commands: CommandsConfig{Timeout: 60 * time.Second, Burst: 1},
		SSH:      SSHConfig{KnownHostsFile: "/etc/hostplane/known_hosts", DialTimeout: 10 * time.Second},
		Database: DatabaseConfig{MaxOpenConns: 5},
		Admin:    AdminConfig{Listen: ":9090"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFile reads path over the defaults. A missing file is an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the YAML file
// when path is set, then .env and HOSTPLANE_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	validModes   = map[string]bool{"": true, "standalone": true, "docker-compose": true, "kubernetes": true}
	validClouds  = map[string]bool{"": true, "none": true, "aws": true, "azure": true, "gcp": true, "digitalocean": true, "ovh": true}
	validIssuers = map[string]bool{"certbot": true, "lego": true}
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks enumerations and bounds.
func (c *Config) Validate() error {
	var errs []error
	if !validModes[c.Topology.Mode] {
		errs = append(errs, fmt.Errorf("topology.mode: unknown mode %q", c.Topology.Mode))
	}
	if !validClouds[c.Topology.Cloud] {
		errs = append(errs, fmt.Errorf("topology.cloud: unknown provider %q", c.Topology.Cloud))
	}
	if !validIssuers[c.TLS.Issuer] {
		errs = append(errs, fmt.Errorf("tls.issuer: must be certbot or lego, got %q", c.TLS.Issuer))
	}
	if c.TLS.Issuer == "lego" && c.TLS.Email == "" {
		errs = append(errs, errors.New("tls.email: required for the lego issuer"))
	}
	if c.TLS.RenewBefore < 0 {
		errs = append(errs, errors.New("tls.renew_before: must not be negative"))
	}
	if c.Commands.Timeout <= 0 {
		errs = append(errs, errors.New("commands.timeout: must be positive"))
	}
	if c.Commands.RatePerSecond < 0 {
		errs = append(errs, errors.New("commands.rate_per_second: must not be negative"))
	}
	if c.Autoscale.DefaultMin < 1 || c.Autoscale.DefaultMax < c.Autoscale.DefaultMin {
		errs = append(errs, fmt.Errorf("autoscale: invalid default replica range %d..%d", c.Autoscale.DefaultMin, c.Autoscale.DefaultMax))
	}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format: must be json or console, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

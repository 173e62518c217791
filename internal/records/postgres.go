// internal/records/postgres.go
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/FairForge/hostplane/internal/hosting"
)

// Postgres reads domain, deployment and server records from the panel
// database and writes deployment progress back.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn and sizes the pool.
func Open(dsn string, maxOpen int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the tables hostplane reads when they are missing.
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS domains (
			id VARCHAR(64) PRIMARY KEY,
			domain_name VARCHAR(253) NOT NULL UNIQUE,
			account_id VARCHAR(64) NOT NULL,
			account_name VARCHAR(255) NOT NULL DEFAULT '',
			php_version VARCHAR(8) NOT NULL DEFAULT '8.3',
			tls_preference VARCHAR(16) NOT NULL DEFAULT 'none',
			cert_ref VARCHAR(255) NOT NULL DEFAULT '',
			document_root VARCHAR(1024) NOT NULL DEFAULT '',
			server_id VARCHAR(64) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id VARCHAR(64) PRIMARY KEY,
			domain_id VARCHAR(64) NOT NULL REFERENCES domains(id),
			repository_url TEXT NOT NULL,
			branch VARCHAR(255) NOT NULL DEFAULT '',
			deploy_path VARCHAR(1024) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			pod_name VARCHAR(63) NOT NULL DEFAULT '',
			namespace VARCHAR(63) NOT NULL DEFAULT '',
			container_id VARCHAR(128) NOT NULL DEFAULT '',
			last_commit_hash VARCHAR(64) NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_domain ON deployments(domain_id)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id VARCHAR(64) PRIMARY KEY,
			host VARCHAR(255) NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			ssh_user VARCHAR(64) NOT NULL,
			ssh_private_key TEXT NOT NULL DEFAULT '',
			ssh_password TEXT NOT NULL DEFAULT '',
			host_key TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range queries {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

const selectDomain = `SELECT id, domain_name, account_id, account_name, php_version,
	tls_preference, cert_ref, document_root, server_id
	FROM domains WHERE id = $1`

func (p *Postgres) LookupDomain(ctx context.Context, domainID string) (hosting.DomainRecord, error) {
	var d hosting.DomainRecord
	var tls string
	err := p.db.QueryRowContext(ctx, selectDomain, domainID).Scan(
		&d.ID, &d.DomainName, &d.AccountID, &d.AccountName, &d.PHPVersion,
		&tls, &d.CertRef, &d.DocumentRoot, &d.ServerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("%w: domain %s", hosting.ErrNotFound, domainID)
	}
	if err != nil {
		return d, fmt.Errorf("query domain %s: %w", domainID, err)
	}
	d.TLS = hosting.TLSPreference(tls)
	return d, nil
}

const selectDeployment = `SELECT id, domain_id, repository_url, branch, deploy_path, status,
	pod_name, namespace, container_id, last_commit_hash
	FROM deployments WHERE id = $1`

func (p *Postgres) LookupDeployment(ctx context.Context, deploymentID string) (hosting.DeploymentRecord, error) {
	var d hosting.DeploymentRecord
	var status string
	err := p.db.QueryRowContext(ctx, selectDeployment, deploymentID).Scan(
		&d.ID, &d.DomainID, &d.RepositoryURL, &d.Branch, &d.DeployPath, &status,
		&d.PodName, &d.Namespace, &d.ContainerID, &d.LastCommitHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("%w: deployment %s", hosting.ErrNotFound, deploymentID)
	}
	if err != nil {
		return d, fmt.Errorf("query deployment %s: %w", deploymentID, err)
	}
	d.Status = hosting.DeploymentStatus(status)
	return d, nil
}

// Empty status and nil fields keep the stored value.
const updateDeployment = `UPDATE deployments SET
	status = COALESCE(NULLIF($2, ''), status),
	pod_name = COALESCE($3, pod_name),
	namespace = COALESCE($4, namespace),
	container_id = COALESCE($5, container_id),
	last_commit_hash = COALESCE($6, last_commit_hash),
	updated_at = NOW()
	WHERE id = $1`

func (p *Postgres) UpdateDeployment(ctx context.Context, deploymentID string, update hosting.DeploymentUpdate) error {
	res, err := p.db.ExecContext(ctx, updateDeployment, deploymentID, string(update.Status),
		nullable(update.PodName), nullable(update.Namespace),
		nullable(update.ContainerID), nullable(update.LastCommitHash))
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", deploymentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", deploymentID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: deployment %s", hosting.ErrNotFound, deploymentID)
	}
	return nil
}

const selectServer = `SELECT id, host, port, ssh_user, ssh_private_key, ssh_password, host_key
	FROM servers WHERE id = $1`

func (p *Postgres) SSHCredential(ctx context.Context, serverID string) (hosting.SSHCredential, error) {
	var c hosting.SSHCredential
	var key string
	err := p.db.QueryRowContext(ctx, selectServer, serverID).Scan(
		&c.ServerID, &c.Host, &c.Port, &c.User, &key, &c.Password, &c.HostKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: server %s", hosting.ErrNotFound, serverID)
	}
	if err != nil {
		return c, fmt.Errorf("query server %s: %w", serverID, err)
	}
	if key != "" {
		c.PrivateKey = []byte(key)
	}
	return c, nil
}

func nullable(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

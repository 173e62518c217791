// cmd/hostplane/commands.go
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/FairForge/hostplane/internal/hosting"
)

var errOperationFailed = errors.New("operation failed")

func detectCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the detected topology and cloud provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := current()
			t := a.orch.Topology(cmd.Context())
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"mode":                 t.Mode,
				"cloud_provider":       t.Cloud,
				"supports_autoscaling": a.detector.SupportsAutoScaling(cmd.Context()),
			})
		},
	}
}

type provisionFlags struct {
	domainID string
	file     string
	req      hosting.ProvisionRequest
	tls      string
}

func provisionCmd(current func() *app) *cobra.Command {
	f := &provisionFlags{}
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create or update a virtual host on the detected topology",
		Long: `Provision a virtual host from a domain record (--domain-id), a JSON
request file (--file, "-" for stdin) or explicit flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := current()
			var res hosting.ProvisionResult
			switch {
			case f.domainID != "":
				res = a.orch.ProvisionDomain(cmd.Context(), f.domainID)
			case f.file != "":
				data, err := readInput(cmd, f.file)
				if err != nil {
					return err
				}
				req, err := hosting.DecodeRequest(data)
				if err != nil {
					return err
				}
				res = a.orch.Provision(cmd.Context(), req)
			default:
				f.req.TLS = hosting.TLSPreference(f.tls)
				res = a.orch.Provision(cmd.Context(), f.req)
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Outcome == hosting.OutcomeFailure {
				return fmt.Errorf("%w: %s", errOperationFailed, res.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.domainID, "domain-id", "", "provision the stored domain record")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "JSON provisioning request")
	cmd.Flags().StringVar(&f.req.Domain, "domain", "", "domain name")
	cmd.Flags().StringVar(&f.req.AccountID, "account-id", "", "owning account id")
	cmd.Flags().StringVar(&f.req.AccountName, "account-name", "", "owning account name")
	cmd.Flags().StringVar(&f.req.PHPVersion, "php", "8.3", "PHP version")
	cmd.Flags().StringVar(&f.tls, "tls", string(hosting.TLSNone), "none, letsencrypt or custom")
	cmd.Flags().StringVar(&f.req.CertRef, "cert-ref", "", "custom certificate reference")
	cmd.Flags().StringVar(&f.req.DocumentRoot, "document-root", "", "override the document root")
	cmd.Flags().StringVar(&f.req.ServerID, "server", "", "managed server id, reached over ssh")
	cmd.MarkFlagsMutuallyExclusive("domain-id", "file", "domain")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func deprovisionCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision <domain-id>",
		Short: "Remove a domain's virtual host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := current().orch.Deprovision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"removed": removed})
		},
	}
}

func statusCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <domain-id>",
		Short: "Report a domain's virtual host on the current backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := current().orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func workloadCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workload <deployment-id>",
		Short: "Run a git deployment as an isolated kubernetes workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := current().orch.CreateIsolatedWorkload(cmd.Context(), args[0])
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Outcome == hosting.OutcomeFailure {
				return fmt.Errorf("%w: %s", errOperationFailed, res.Message)
			}
			return nil
		},
	}
}

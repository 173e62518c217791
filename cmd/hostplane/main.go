// cmd/hostplane/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FairForge/hostplane/internal/config"
	"github.com/FairForge/hostplane/internal/logger"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var a *app

	root := &cobra.Command{
		Use:           "hostplane",
		Short:         "Provision hosted websites on standalone, docker-compose and kubernetes hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				cfg.Log.Level = flags.logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			a, err = newApp(cmd.Context(), cfg, log)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a != nil {
				a.Close()
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("HOSTPLANE_CONFIG"), "path to the YAML configuration")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	current := func() *app { return a }
	root.AddCommand(
		detectCmd(current),
		provisionCmd(current),
		deprovisionCmd(current),
		statusCmd(current),
		workloadCmd(current),
		autoscaleCmd(current),
		serveCmd(current, flags),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

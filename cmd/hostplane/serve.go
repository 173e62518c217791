// cmd/hostplane/serve.go
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/hostplane/internal/admin"
	"github.com/FairForge/hostplane/internal/config"
)

func serveCmd(current func() *app, flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, topology, status and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := current()
			ctx := cmd.Context()
			if listen == "" {
				listen = a.cfg.Admin.Listen
			}

			r := chi.NewRouter()
			admin.NewHandler(a.orch, a.pingers, a.logger).RegisterRoutes(r)
			srv := &http.Server{
				Addr:              listen,
				Handler:           r,
				ReadHeaderTimeout: 5 * time.Second,
			}

			if flags.configPath != "" {
				go func() {
					err := config.Watch(ctx, flags.configPath, a.logger, func(*config.Config) {
						// Topology overrides may have changed; probe again on next use.
						a.detector.Invalidate()
						a.logger.Info("topology cache invalidated after config reload")
					})
					if err != nil {
						a.logger.Warn("config watch stopped", zap.Error(err))
					}
				}()
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("admin server listening", zap.String("addr", listen))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from admin.listen)")
	return cmd
}

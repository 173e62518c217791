// cmd/hostplane/autoscale.go
package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/FairForge/hostplane/internal/autoscale"
	"github.com/FairForge/hostplane/internal/k8s"
	"github.com/FairForge/hostplane/internal/orchestrator"
)

func autoscaleCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoscale",
		Short: "Manage HPA and VPA autoscalers of a domain",
	}
	cmd.AddCommand(
		autoscaleEnableCmd(current),
		autoscaleDisableCmd(current),
		autoscaleConfigCmd(current),
		autoscaleScaleCmd(current),
		autoscaleMetricsCmd(current),
	)
	return cmd
}

func autoscaleEnableCmd(current func() *app) *cobra.Command {
	var (
		hpa        autoscale.HorizontalConfig
		vertical   bool
		updateMode string
		containers []string
	)
	cmd := &cobra.Command{
		Use:   "enable <domain-id>",
		Short: "Apply a HorizontalPodAutoscaler and optionally a VerticalPodAutoscaler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			if hpa.MinReplicas == 0 {
				hpa.MinReplicas = a.cfg.Autoscale.DefaultMin
			}
			if hpa.MaxReplicas == 0 {
				hpa.MaxReplicas = a.cfg.Autoscale.DefaultMax
			}
			if hpa.TargetCPUPercent == 0 {
				hpa.TargetCPUPercent = a.cfg.Autoscale.DefaultCPU
			}
			req := orchestrator.AutoscalingConfig{Horizontal: &hpa}
			if vertical {
				req.Vertical = &autoscale.VerticalConfig{
					UpdateMode: k8s.UpdateMode(updateMode),
					Containers: containers,
				}
			}
			ok, err := a.orch.EnableAutoscaling(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"enabled": ok})
		},
	}
	cmd.Flags().Int32Var(&hpa.MinReplicas, "min", 0, "minimum replicas (default from autoscale.default_min)")
	cmd.Flags().Int32Var(&hpa.MaxReplicas, "max", 0, "maximum replicas (default from autoscale.default_max)")
	cmd.Flags().Int32Var(&hpa.TargetCPUPercent, "cpu", 0, "target CPU utilization percent")
	cmd.Flags().Int32Var(&hpa.ScaleDownWindowSeconds, "scale-down-window", 0, "scale down stabilization window in seconds")
	cmd.Flags().BoolVar(&vertical, "vertical", false, "also apply a VerticalPodAutoscaler")
	cmd.Flags().StringVar(&updateMode, "update-mode", "Auto", "VPA update mode: Auto, Recreate, Initial or Off")
	cmd.Flags().StringSliceVar(&containers, "container", nil, "restrict VPA recommendations to these containers")
	return cmd
}

func autoscaleDisableCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <domain-id>",
		Short: "Delete both autoscalers; absent objects are fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := current().orch.DisableAutoscaling(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"disabled": ok})
		},
	}
}

func autoscaleConfigCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config <domain-id>",
		Short: "Read both autoscalers back from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := current().orch.ScalingConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func autoscaleScaleCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scale <domain-id> <replicas>",
		Short: "Set the replica count of the domain's Deployment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("replicas: %w", err)
			}
			if err := current().orch.ScaleToReplicas(cmd.Context(), args[0], int32(n)); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"replicas": n})
		},
	}
}

func autoscaleMetricsCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <domain-id>",
		Short: "Show current CPU and memory usage per pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), current().orch.ResourceMetrics(cmd.Context(), args[0]))
		},
	}
}

// internal/metrics/hostplane.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provisioning metrics
	provisionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostplane_provision_operations_total",
			Help: "Provisioning operations by backend, operation and outcome",
		},
		[]string{"backend", "operation", "outcome"},
	)

	provisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostplane_provision_duration_seconds",
			Help:    "Provisioning operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"backend", "operation"},
	)

	// Remote command metrics
	remoteCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostplane_remote_commands_total",
			Help: "Shell commands executed by runner and outcome",
		},
		[]string{"runner", "outcome"},
	)

	// Autoscaling metrics
	autoscalingOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostplane_autoscaling_operations_total",
			Help: "Autoscaling operations by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// Topology metrics
	topologyDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostplane_topology_detections_total",
			Help: "Topology detections by resulting mode and cloud provider",
		},
		[]string{"mode", "cloud"},
	)
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeTimeout = "timeout"
)

// ObserveProvision records one orchestrator operation.
func ObserveProvision(backend, operation, outcome string, took time.Duration) {
	provisionOperations.WithLabelValues(backend, operation, outcome).Inc()
	provisionDuration.WithLabelValues(backend, operation).Observe(took.Seconds())
}

// ObserveCommand records one shell command.
func ObserveCommand(runner, outcome string) {
	remoteCommands.WithLabelValues(runner, outcome).Inc()
}

// ObserveAutoscaling records one autoscaling call.
func ObserveAutoscaling(provider, operation string, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	autoscalingOperations.WithLabelValues(provider, operation, outcome).Inc()
}

// ObserveDetection records a completed topology probe.
func ObserveDetection(mode, cloud string) {
	topologyDetections.WithLabelValues(mode, cloud).Inc()
}

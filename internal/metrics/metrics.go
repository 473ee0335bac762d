// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stages of DiagnosticsDroppedTotal.
const (
	StageKernel = "kernel"
	StageQueue  = "queue"
)

var (
	// DiagnosticsTotal counts diagnostic records by kind (redirect, missing_target).
	DiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tun_sidecar_diagnostics_total",
			Help: "Total number of diagnostic records received from the classifier",
		},
		[]string{"kind"},
	)

	// DiagnosticsDroppedTotal counts lost records by stage: "kernel" for
	// the events ring buffer, "queue" for the user-space queue.
	DiagnosticsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tun_sidecar_diagnostics_dropped_total",
			Help: "Total number of diagnostic records dropped because a buffer was full",
		},
		[]string{"stage"},
	)

	// AttachedInterfaces is the number of interfaces carrying the classifier.
	AttachedInterfaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tun_sidecar_attached_interfaces",
			Help: "Number of interfaces with the egress classifier attached",
		},
	)

	// TableEntries tracks the number of entries per configuration table.
	TableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tun_sidecar_table_entries",
			Help: "Number of entries in each configuration table",
		},
		[]string{"table"},
	)

	// TunnelIfindex exposes the configured tunnel ifindex (0 = unset).
	TunnelIfindex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tun_sidecar_tunnel_ifindex",
			Help: "Interface index packets are redirected to",
		},
	)
)

var (
	// DiagnosticsSuppressedTotal counts records not logged because the same
	// flow was logged within the log interval.
	DiagnosticsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tun_sidecar_diagnostics_suppressed_total",
			Help: "Total number of diagnostic records counted but not logged",
		},
	)

	// DiagnosticsPublishErrorsTotal counts records the publisher failed to send.
	DiagnosticsPublishErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tun_sidecar_diagnostics_publish_errors_total",
			Help: "Total number of diagnostic records that could not be published",
		},
	)
)

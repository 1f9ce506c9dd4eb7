// Package metrics owns the process-private Prometheus registry. Exposition
// is pull-based via Gather; there is no HTTP exporter in the core. Metrics
// are collected only when observability mode is debug.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Set bundles the counters the core emits.
type Set struct {
	registry *prometheus.Registry

	GatewayAttempts *prometheus.CounterVec
	NodeTransitions *prometheus.CounterVec
	RepairAttempts  *prometheus.CounterVec
	InstallOutcomes *prometheus.CounterVec
}

// New creates a metric set on a private registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		GatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoforge_gateway_attempts_total",
			Help: "Provider attempts by purpose lane, provider, and outcome.",
		}, []string{"purpose", "provider", "outcome"}),
		NodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoforge_orchestrator_node_transitions_total",
			Help: "Workflow node transitions by node name.",
		}, []string{"node"}),
		RepairAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoforge_pipeline_repair_attempts_total",
			Help: "Repair loop attempts by terminal outcome.",
		}, []string{"outcome"}),
		InstallOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoforge_installer_outcomes_total",
			Help: "Install decisions by reason code.",
		}, []string{"reason"}),
	}
	reg.MustRegister(s.GatewayAttempts, s.NodeTransitions, s.RepairAttempts, s.InstallOutcomes)
	return s
}

// Gather snapshots every metric family, for tests and the debug dump.
func (s *Set) Gather() ([]*dto.MetricFamily, error) {
	return s.registry.Gather()
}

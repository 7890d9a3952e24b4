package governance

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "temple_bridge"

type metrics struct {
	requests   *prometheus.CounterVec
	decisions  *prometheus.CounterVec
	executions *prometheus.CounterVec
	operations *prometheus.CounterVec
	pending    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "derive_requests_total",
				Help:      "Reorganization requests by outcome",
			},
			[]string{"outcome"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposal_decisions_total",
				Help:      "Proposal decisions by kind",
			},
			[]string{"decision"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposal_executions_total",
				Help:      "Proposal executions by result",
			},
			[]string{"result"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filesystem_operations_total",
				Help:      "Filesystem operations applied by kind and result",
			},
			[]string{"kind", "result"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proposals_pending",
				Help:      "Proposals awaiting a decision",
			},
		),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	for _, c := range []prometheus.Collector{m.requests, m.decisions, m.executions, m.operations, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

const (
	outcomeNoAction  = "no_action"
	outcomePending   = "pending"
	outcomeGated     = "rejected_by_policy"
	outcomeDuplicate = "duplicate"
	outcomeConflict  = "conflict"
	outcomeError     = "error"
)

package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors a Supervisor updates as it spawns
// VMs and consumes fuel. A nil *Metrics is valid everywhere it is used
// below; every method is a no-op against a nil receiver so constructing a
// Supervisor never requires wiring a metrics registry.
type Metrics struct {
	spawnsTotal    *prometheus.CounterVec
	fuelConsumed   prometheus.Counter
	nondetAgree    prometheus.Counter
	nondetDisagree prometheus.Counter
}

// NewMetrics registers GenVM's collectors against reg and returns the
// resulting Metrics. Pass nil as reg to use prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genvm",
			Name:      "vm_spawns_total",
			Help:      "Total VM spawns by exit outcome.",
		}, []string{"outcome"}),
		fuelConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genvm",
			Name:      "fuel_consumed_total",
			Help:      "Total fuel charged across every SDK call.",
		}),
		nondetAgree: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genvm",
			Name:      "nondet_validator_agree_total",
			Help:      "Nondet validator frames that agreed with the leader's result.",
		}),
		nondetDisagree: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genvm",
			Name:      "nondet_validator_disagree_total",
			Help:      "Nondet validator frames that disagreed with the leader's result.",
		}),
	}
	reg.MustRegister(m.spawnsTotal, m.fuelConsumed, m.nondetAgree, m.nondetDisagree)
	return m
}

func (m *Metrics) observeSpawn(outcome Outcome) {
	if m == nil {
		return
	}
	m.spawnsTotal.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) observeFuel(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.fuelConsumed.Add(float64(n))
}

// ObserveNondetVerdict records one validator-branch verdict; wired into
// nondet.Runner through its verdict hook by the executable.
func (m *Metrics) ObserveNondetVerdict(agree bool) {
	if m == nil {
		return
	}
	if agree {
		m.nondetAgree.Inc()
		return
	}
	m.nondetDisagree.Inc()
}

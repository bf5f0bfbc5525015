// Package metrics exports attack and experiment progress as prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"rowhammer/attack"
	"rowhammer/experiment"
)

// Metrics holds the collectors of one process. Boards are told apart by the
// "board" label.
type Metrics struct {
	reg *prometheus.Registry

	state    *prometheus.GaugeVec
	progress *prometheus.GaugeVec
	attacks  *prometheus.CounterVec
	trials   *prometheus.CounterVec
	flips    *prometheus.CounterVec
	value    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rowhammer",
			Name:      "attack_state",
			Help:      "Current attack state (0 idle, 1 preparing, 2 filling, 3 verifying initial, 4 attacking, 5 verifying final).",
		}, []string{"board"}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rowhammer",
			Name:      "hammer_progress_ratio",
			Help:      "Fraction of the activations of the running attack already issued.",
		}, []string{"board"}),
		attacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowhammer",
			Name:      "attacks_total",
			Help:      "Attacks that reached the hammering phase.",
		}, []string{"board"}),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowhammer",
			Name:      "trials_total",
			Help:      "Experiment trials, by outcome.",
		}, []string{"kind", "outcome"}),
		flips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rowhammer",
			Name:      "flips_total",
			Help:      "Bit flips found by experiment trials.",
		}, []string{"kind"}),
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rowhammer",
			Name:      "experiment_value",
			Help:      "Swept value of the last completed trial.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(m.state, m.progress, m.attacks, m.trials, m.flips, m.value)
	return m
}

// Registry returns the registry holding the collectors, for serving.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observer returns an attack observer updating the metrics of board.
func (m *Metrics) Observer(board string) attack.Observer {
	return &observer{
		state:    m.state.WithLabelValues(board),
		progress: m.progress.WithLabelValues(board),
		attacks:  m.attacks.WithLabelValues(board),
	}
}

type observer struct {
	state    prometheus.Gauge
	progress prometheus.Gauge
	attacks  prometheus.Counter
}

func (o *observer) OnState(s attack.State) {
	o.state.Set(float64(s))
	switch s {
	case attack.Attacking:
		o.attacks.Inc()
		o.progress.Set(0)
	case attack.Idle:
		o.progress.Set(0)
	}
}

func (o *observer) OnProgress(done, total uint64) {
	if total == 0 {
		return
	}
	o.progress.Set(float64(done) / float64(total))
}

// TrialHook returns a function suitable for experiment.Driver.OnTrial.
func (m *Metrics) TrialHook(kind string) func(float64, experiment.Trial) {
	ok := m.trials.WithLabelValues(kind, "ok")
	failed := m.trials.WithLabelValues(kind, "failed")
	notFound := m.trials.WithLabelValues(kind, "not_found")
	flips := m.flips.WithLabelValues(kind)
	value := m.value.WithLabelValues(kind)
	return func(v float64, t experiment.Trial) {
		value.Set(v)
		switch {
		case t.Failed():
			failed.Inc()
			return
		case t.NotFound:
			notFound.Inc()
			return
		}
		ok.Inc()
		flips.Add(float64(t.Faults))
	}
}

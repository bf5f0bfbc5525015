package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"rowhammer/attack"
	"rowhammer/experiment"
)

func TestObserver(t *testing.T) {
	m := New()
	obs := m.Observer("b0")

	obs.OnState(attack.Preparing)
	obs.OnState(attack.Attacking)
	obs.OnProgress(250, 1000)

	if got := testutil.ToFloat64(m.state.WithLabelValues("b0")); got != float64(attack.Attacking) {
		t.Errorf("state = %v, want %v", got, float64(attack.Attacking))
	}
	if got := testutil.ToFloat64(m.progress.WithLabelValues("b0")); got != 0.25 {
		t.Errorf("progress = %v, want 0.25", got)
	}
	obs.OnProgress(1, 0)
	if got := testutil.ToFloat64(m.progress.WithLabelValues("b0")); got != 0.25 {
		t.Errorf("progress with zero total = %v, want unchanged", got)
	}

	obs.OnState(attack.VerifyingFinal)
	obs.OnState(attack.Idle)
	obs.OnState(attack.Attacking)
	if got := testutil.ToFloat64(m.attacks.WithLabelValues("b0")); got != 2 {
		t.Errorf("attacks = %v, want 2", got)
	}
}

func TestTrialHook(t *testing.T) {
	m := New()
	hook := m.TrialHook("retention")
	hook(1, experiment.Trial{Faults: 4})
	hook(2, experiment.Trial{Faults: 3})
	hook(3, experiment.Trial{Err: "transport: link down"})
	hook(4, experiment.Trial{NotFound: true})

	want := `
# HELP rowhammer_trials_total Experiment trials, by outcome.
# TYPE rowhammer_trials_total counter
rowhammer_trials_total{kind="retention",outcome="failed"} 1
rowhammer_trials_total{kind="retention",outcome="not_found"} 1
rowhammer_trials_total{kind="retention",outcome="ok"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "rowhammer_trials_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.flips.WithLabelValues("retention")); got != 7 {
		t.Errorf("flips = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.value.WithLabelValues("retention")); got != 4 {
		t.Errorf("value = %v, want 4", got)
	}
}

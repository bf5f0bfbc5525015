package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rowhammer/attack"
	"rowhammer/dram"
	"rowhammer/experiment"
	"rowhammer/fault"
	"rowhammer/scan"
	"rowhammer/search"
	"rowhammer/sim"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newDriver(t *testing.T, fm sim.FaultModel) (*attack.Driver, attack.Config) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cfg := sim.DefaultConfig()
	cfg.Faults = fm
	cfg.Now = clk.Now
	b, err := sim.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	d, err := attack.NewDriver(attack.Target{
		Client:  b,
		Geom:    b.Geometry(),
		Layout:  b.Layout(),
		Mapping: dram.TrivialMapping,
	}, attack.BistBurst{})
	if err != nil {
		t.Fatal(err)
	}
	d.Sleep = clk.Sleep

	region, err := d.Scanner().Rows(90, 160)
	if err != nil {
		t.Fatal(err)
	}
	base := attack.Config{
		Bank:            1,
		Pattern:         scan.Pattern{Kind: scan.PatternAll1},
		RefreshDisabled: true,
		Region:          region,
	}
	return d, base
}

func newSweep(kind string, values []float64) *experiment.Driver {
	cfg := experiment.DefaultConfig()
	cfg.Kind = kind
	cfg.Values = values
	cfg.Repeats = 1
	cfg.CheckpointEvery = 0
	ed := experiment.NewDriver(cfg)
	ed.Sleep = func(context.Context, time.Duration) error { return nil }
	return ed
}

func weakAt(row int, threshold uint64) sim.FaultModel {
	return sim.FaultModel{Weak: []sim.WeakCell{{
		Addr:      dram.PhysicalAddress{Bank: 1, Row: row, Column: 3},
		Bit:       17,
		Threshold: threshold,
	}}}
}

// metrics maps each value to the metric of its last trial, -1 for a search
// without flips.
func metrics(res *experiment.Result) map[float64]float64 {
	m := make(map[float64]float64)
	for _, p := range res.Points {
		for _, tr := range p.Trials {
			m[p.Value] = tr.Metric
			if tr.NotFound {
				m[p.Value] = -1
			}
		}
	}
	return m
}

var hcSearch = search.Config{
	Bounds:  search.Bounds{Min: 1000, Max: 1 << 16, MaxIterations: 20},
	Repeats: 1,
	Rule:    search.RuleAny,
}

func TestHCFirstSweep(t *testing.T) {
	d, base := newDriver(t, weakAt(100, 20000))

	ed := newSweep("hcfirst", []float64{99, 101, 150})
	res, err := ed.Run(context.Background(), HCFirstTrial(d, base, SingleSided, hcSearch))
	if err != nil {
		t.Fatal(err)
	}
	want := map[float64]float64{99: 20000, 101: 20000, 150: -1}
	if diff := cmp.Diff(want, metrics(res)); diff != "" {
		t.Errorf("thresholds mismatch (-want +got):\n%s", diff)
	}
	if rows := res.Points[0].Trials[0].Rows; !cmp.Equal(rows, []int{100}) {
		t.Errorf("flipped rows = %v, want [100]", rows)
	}
	if p := res.Points[2]; p.NotFound != 1 || p.Stats != (experiment.Stats{}) {
		t.Errorf("row without flips: NotFound=%d stats=%+v", p.NotFound, p.Stats)
	}
}

func TestHCFirstDoubleSided(t *testing.T) {
	d, base := newDriver(t, weakAt(100, 20000))

	ed := newSweep("hcfirst", []float64{100})
	res, err := ed.Run(context.Background(), HCFirstTrial(d, base, DoubleSided, hcSearch))
	if err != nil {
		t.Fatal(err)
	}
	// Both neighbors share the count, the victim sees all of it.
	if got := metrics(res)[100]; got != 20000 {
		t.Errorf("threshold = %v, want 20000", got)
	}
}

func TestHCFirstInvalidRow(t *testing.T) {
	d, base := newDriver(t, sim.FaultModel{})

	ed := newSweep("hcfirst", []float64{0})
	res, err := ed.Run(context.Background(), HCFirstTrial(d, base, DoubleSided, hcSearch))
	if err != nil {
		t.Fatal(err)
	}
	if tr := res.Points[0].Trials[0]; !tr.Failed() {
		t.Errorf("hammering row -1 did not fail: %+v", tr)
	}
}

func leakyAt(row int, retention time.Duration) sim.FaultModel {
	return sim.FaultModel{Leaky: []sim.LeakyCell{{
		Addr:      dram.PhysicalAddress{Bank: 2, Row: row, Column: 7},
		Bit:       40,
		Retention: retention,
	}}}
}

func TestRetentionSweep(t *testing.T) {
	d, base := newDriver(t, leakyAt(120, 2*time.Second))

	ed := newSweep("retention", []float64{1, 3})
	res, err := ed.Run(context.Background(), RetentionTrial(d, base))
	if err != nil {
		t.Fatal(err)
	}
	want := map[float64]float64{1: 0, 3: 1}
	if diff := cmp.Diff(want, metrics(res)); diff != "" {
		t.Errorf("flips mismatch (-want +got):\n%s", diff)
	}
	wantFaults := []fault.RowFaults{{
		Bank: 2, Row: 120, LogicalRow: 120, Total: 1,
		Columns: map[int]fault.Column{7: {Bits: []int{40}, Count: 1}},
	}}
	if diff := cmp.Diff(wantFaults, res.Points[1].Trials[0].RowFaults); diff != "" {
		t.Errorf("row faults mismatch (-want +got):\n%s", diff)
	}
	if rf := res.Points[0].Trials[0].RowFaults; len(rf) != 0 {
		t.Errorf("row faults without flips: %+v", rf)
	}
}

func TestHammerSweep(t *testing.T) {
	d, base := newDriver(t, weakAt(100, 20000))
	base.Rows = []int{99, 101}

	var reported []int
	report := func(_ float64, res attack.Result) { reported = append(reported, res.Flips) }

	ed := newSweep("hammer", []float64{10000, 40000})
	res, err := ed.Run(context.Background(), HammerTrial(d, base, report))
	if err != nil {
		t.Fatal(err)
	}
	want := map[float64]float64{10000: 0, 40000: 1}
	if diff := cmp.Diff(want, metrics(res)); diff != "" {
		t.Errorf("flips mismatch (-want +got):\n%s", diff)
	}
	if !cmp.Equal(reported, []int{0, 1}) {
		t.Errorf("reported flips = %v, want [0 1]", reported)
	}
}

func TestMinRetention(t *testing.T) {
	d, base := newDriver(t, leakyAt(130, 1500*time.Millisecond))
	patterns := []scan.Pattern{{Kind: scan.PatternAll0}, {Kind: scan.PatternAll1}}
	scfg := search.Config{
		Bounds:  search.Bounds{Min: 64, Max: 1 << 14, MaxIterations: 15},
		Repeats: 1,
	}

	ed := newSweep("min-retention", []float64{0, 1, 2})
	res, err := ed.Run(context.Background(), MinRetentionTrial(d, base, patterns, scfg))
	if err != nil {
		t.Fatal(err)
	}
	got := metrics(res)
	if got[0] != 1500 || got[1] != 1500 {
		t.Errorf("thresholds = %v, want 1500ms for both patterns", got)
	}
	if tr := res.Points[2].Trials[0]; !tr.Failed() {
		t.Errorf("out of range pattern index did not fail: %+v", tr)
	}
}

func TestRunParallel(t *testing.T) {
	d0, base0 := newDriver(t, weakAt(100, 20000))
	d1, base1 := newDriver(t, sim.FaultModel{})

	workers := []Worker{
		{Name: "b0", Driver: newSweep("hcfirst", nil), Trial: HCFirstTrial(d0, base0, SingleSided, hcSearch)},
		{Name: "b1", Driver: newSweep("hcfirst", nil), Trial: HCFirstTrial(d1, base1, SingleSided, hcSearch)},
	}
	res, err := RunParallel(context.Background(), []float64{99, 101, 150, 151}, workers)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete {
		t.Errorf("merged result incomplete")
	}
	var values []float64
	for _, p := range res.Points {
		values = append(values, p.Value)
	}
	if diff := cmp.Diff([]float64{99, 101, 150, 151}, values); diff != "" {
		t.Errorf("merged values mismatch (-want +got):\n%s", diff)
	}
	// 99 and 150 ran on b0, the only board with a weak cell.
	want := map[float64]float64{99: 20000, 101: -1, 150: -1, 151: -1}
	if diff := cmp.Diff(want, metrics(res)); diff != "" {
		t.Errorf("thresholds mismatch (-want +got):\n%s", diff)
	}
}

func TestPartition(t *testing.T) {
	got := Partition([]float64{1, 2, 3, 4, 5}, 2)
	want := [][]float64{{1, 3, 5}, {2, 4}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Partition mismatch (-want +got):\n%s", diff)
	}
}

func TestSided(t *testing.T) {
	s, err := ParseSided("double")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Aggressors(10); !cmp.Equal(got, []int{9, 11}) {
		t.Errorf("double Aggressors(10) = %v", got)
	}
	if got := SingleSided.Aggressors(10); !cmp.Equal(got, []int{10}) {
		t.Errorf("single Aggressors(10) = %v", got)
	}
	if _, err := ParseSided("triple"); err == nil {
		t.Errorf("ParseSided accepted triple")
	}
}

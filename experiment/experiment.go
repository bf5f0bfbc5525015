// Package experiment sweeps a parameter over a list of values, running
// repeated trials at each value and collecting statistics. Long sweeps are
// checkpointed and can be resumed.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"rowhammer/fault"
	"rowhammer/log"
)

// Outcome is what a successful trial measured.
type Outcome struct {
	Metric float64 // fault count, or threshold for search experiments
	Faults int
	Rows   []int // logical rows with flips

	// RowFaults details the flips of the attack the metric comes from.
	RowFaults []fault.RowFaults
	// NotFound is set by searches that saw no flip within their bounds.
	// Metric is meaningless then.
	NotFound bool
}

// TrialFunc runs one trial at value. The context it receives is not
// canceled when the sweep is interrupted: a trial always runs to completion.
type TrialFunc func(ctx context.Context, value float64, repeat int) (Outcome, error)

type Trial struct {
	Repeat    int
	Metric    float64
	Faults    int
	Rows      []int
	RowFaults []fault.RowFaults
	NotFound  bool
	Err       string // empty on success
	Start    time.Time
	Duration time.Duration
}

func (t Trial) Failed() bool { return t.Err != "" }

type Point struct {
	Value  float64
	Trials []Trial
	Stats
	RowsWithFlips int // distinct rows with flips over all trials
	NotFound      int // trials whose search saw no flip
}

// Result is the state of a sweep. It is complete once every point has all
// its trials.
type Result struct {
	Kind     string
	Unit     string
	Repeats  int
	Started  time.Time
	Points   []Point
	Complete bool
}

// Trials returns the number of trials run so far.
func (r *Result) Trials() int {
	n := 0
	for _, p := range r.Points {
		n += len(p.Trials)
	}
	return n
}

// Checkpointer persists intermediate results.
type Checkpointer interface {
	Checkpoint(res *Result) error
}

type Config struct {
	Kind   string    `toml:"-"`
	Unit   string    `toml:"-"`
	Values []float64 `toml:"-"`

	Repeats         int           `toml:"repeats"`
	CoolDown        time.Duration `toml:"cool_down"`
	FailureCoolDown time.Duration `toml:"failure_cool_down"`
	CheckpointEvery int           `toml:"checkpoint_every"` // trials; 0 checkpoints only at the end
}

func DefaultConfig() Config {
	return Config{
		Repeats:         3,
		CoolDown:        3 * time.Second,
		FailureCoolDown: 5 * time.Second,
		CheckpointEvery: 10,
	}
}

// Linspace returns n evenly spaced values over [start, end].
func Linspace(start, end float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	vals := make([]float64, n)
	step := (end - start) / float64(n-1)
	for i := range vals {
		vals[i] = start + float64(i)*step
	}
	vals[n-1] = end
	return vals
}

type Driver struct {
	Config
	Checkpointer Checkpointer

	// Board, when set, tags the driver's own log entries with the board and
	// the running trial instead of attaching the trial to every log entry of
	// the process. Drivers running side by side must set it.
	Board string

	// OnTrial is called after each trial.
	OnTrial func(value float64, t Trial)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	resume *Result
	trial  *trialContext
}

func NewDriver(cfg Config) *Driver {
	return &Driver{Config: cfg, Sleep: sleepCtx, Now: time.Now}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume makes the next Run skip the trials already present in prev.
func (d *Driver) Resume(prev *Result) error {
	if prev.Kind != d.Kind {
		return fmt.Errorf("resume: checkpoint is a %q experiment, not %q", prev.Kind, d.Kind)
	}
	d.resume = prev
	return nil
}

func sameValue(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(a))
}

func (d *Driver) skeleton() *Result {
	res := &Result{Kind: d.Kind, Unit: d.Unit, Repeats: d.Repeats, Started: d.Now()}
	for _, v := range d.Values {
		p := Point{Value: v}
		if d.resume != nil {
			for _, old := range d.resume.Points {
				if sameValue(old.Value, v) {
					p.Trials = slices.Clone(old.Trials)
				}
			}
		}
		res.Points = append(res.Points, p)
	}
	if d.resume != nil {
		res.Started = d.resume.Started
	}
	return res
}

// trialContext tags log entries with the running trial.
type trialContext struct {
	mu     sync.Mutex
	value  float64
	repeat int
}

func (tc *trialContext) set(value float64, repeat int) {
	tc.mu.Lock()
	tc.value, tc.repeat = value, repeat
	tc.mu.Unlock()
}

func (tc *trialContext) AddLogContext(z *log.EntryZ) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	z.Float("value", tc.value).Int("repeat", tc.repeat)
}

// Run executes the sweep. Cancellation of ctx is honored between trials
// only; the partial result is checkpointed and returned along with the
// context error. Trial failures are recorded and do not stop the sweep.
func (d *Driver) Run(ctx context.Context, fn TrialFunc) (*Result, error) {
	if d.Repeats <= 0 {
		return nil, errors.New("experiment: repeats must be positive")
	}
	res := d.skeleton()
	for i := range res.Points {
		res.Points[i].update()
	}

	tc := &trialContext{}
	if d.Board == "" {
		log.AddContext(tc)
		defer log.RemoveContext(tc)
	}
	d.trial = tc

	var (
		sinceCheckpoint int
		first           = true
		lastFailed      bool
	)
	for i := range res.Points {
		p := &res.Points[i]
		for rep := 0; rep < d.Repeats; rep++ {
			if p.hasRepeat(rep) {
				continue
			}
			if !first {
				cool := d.CoolDown
				if lastFailed {
					cool = d.FailureCoolDown
				}
				if err := d.Sleep(ctx, cool); err != nil && ctx.Err() == nil {
					return res, err
				}
			}
			if err := ctx.Err(); err != nil {
				log.ModExp.WarnZ("interrupted").Int("trials", res.Trials()).End()
				return res, errors.Join(err, d.checkpoint(res))
			}
			first = false

			tc.set(p.Value, rep)
			t := d.runTrial(context.WithoutCancel(ctx), fn, p.Value, rep)
			lastFailed = t.Failed()
			p.Trials = append(p.Trials, t)
			slices.SortFunc(p.Trials, func(a, b Trial) int { return a.Repeat - b.Repeat })
			p.update()
			if d.OnTrial != nil {
				d.OnTrial(p.Value, t)
			}

			sinceCheckpoint++
			if d.CheckpointEvery > 0 && sinceCheckpoint >= d.CheckpointEvery {
				sinceCheckpoint = 0
				if err := d.checkpoint(res); err != nil {
					d.tag(log.ModExp.ErrorZ("checkpoint failed")).Error("err", err).End()
				}
			}
		}
		d.tag(log.ModExp.InfoZ("point done")).
			Float("value", p.Value).
			Float("mean", p.Mean).
			Float("std", p.Std).
			End()
	}
	res.Complete = true
	return res, d.checkpoint(res)
}

// tag adds the board and the running trial to z for board-tagged drivers.
func (d *Driver) tag(z *log.EntryZ) *log.EntryZ {
	if d.Board == "" || d.trial == nil {
		return z
	}
	d.trial.AddLogContext(z.String("board", d.Board))
	return z
}

func (d *Driver) runTrial(ctx context.Context, fn TrialFunc, value float64, rep int) Trial {
	t := Trial{Repeat: rep, Start: d.Now()}
	out, err := fn(ctx, value, rep)
	t.Duration = d.Now().Sub(t.Start)
	if err != nil {
		d.tag(log.ModExp.WarnZ("trial failed")).Error("err", err).End()
		t.Err = err.Error()
		return t
	}
	t.Metric, t.Faults, t.Rows = out.Metric, out.Faults, out.Rows
	t.RowFaults, t.NotFound = out.RowFaults, out.NotFound
	d.tag(log.ModExp.DebugZ("trial done")).
		Int("faults", t.Faults).
		Bool("not_found", t.NotFound).
		Duration("elapsed", t.Duration).
		End()
	return t
}

func (d *Driver) checkpoint(res *Result) error {
	if d.Checkpointer == nil {
		return nil
	}
	if err := d.Checkpointer.Checkpoint(res); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

func (p *Point) hasRepeat(rep int) bool {
	for _, t := range p.Trials {
		if t.Repeat == rep {
			return true
		}
	}
	return false
}

// update recomputes the statistics of p. Failed trials count as a zero
// metric, searches without a flip are left out.
func (p *Point) update() {
	vals := make([]float64, 0, len(p.Trials))
	rows := make(map[int]struct{})
	p.NotFound = 0
	for _, t := range p.Trials {
		for _, r := range t.Rows {
			rows[r] = struct{}{}
		}
		if t.NotFound {
			p.NotFound++
			continue
		}
		vals = append(vals, t.Metric)
	}
	p.Stats = computeStats(vals)
	p.RowsWithFlips = len(rows)
}

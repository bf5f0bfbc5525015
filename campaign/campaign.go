// Package campaign turns attacks into experiment trials: hammer count and
// retention sweeps, and per-row HCfirst and minimum retention searches,
// possibly spread over several boards.
package campaign

import (
	"context"
	"fmt"
	"time"

	"rowhammer/attack"
	"rowhammer/experiment"
	"rowhammer/fault"
	"rowhammer/log"
	"rowhammer/scan"
	"rowhammer/search"
)

// Sided selects the rows hammered around a victim.
type Sided uint8

const (
	// SingleSided hammers the target row alone.
	SingleSided Sided = iota
	// DoubleSided hammers both logical neighbors of the target row.
	DoubleSided
)

func ParseSided(s string) (Sided, error) {
	switch s {
	case "single":
		return SingleSided, nil
	case "double":
		return DoubleSided, nil
	}
	return 0, fmt.Errorf("unknown hammering mode %q (want single or double)", s)
}

func (s Sided) String() string {
	if s == DoubleSided {
		return "double"
	}
	return "single"
}

// Aggressors returns the logical rows hammered to target row.
func (s Sided) Aggressors(row int) []int {
	if s == DoubleSided {
		return []int{row - 1, row + 1}
	}
	return []int{row}
}

// outcome converts an attack result to a trial outcome measuring metric.
func outcome(metric float64, res attack.Result) experiment.Outcome {
	return experiment.Outcome{
		Metric:    metric,
		Faults:    res.Flips,
		Rows:      fault.Rows(res.Faults),
		RowFaults: res.Faults,
	}
}

// HammerTrial hammers base.Rows with the trial value as hammer count. The
// metric is the number of flipped bits. report, if not nil, receives the
// detailed result of every attack.
func HammerTrial(d *attack.Driver, base attack.Config, report func(float64, attack.Result)) experiment.TrialFunc {
	return func(ctx context.Context, value float64, _ int) (experiment.Outcome, error) {
		cfg := base
		cfg.HammerCount = uint64(value)
		cfg.HoldTime = 0
		res, err := d.Run(ctx, cfg)
		if err != nil {
			return experiment.Outcome{}, err
		}
		if report != nil {
			report(value, res)
		}
		return outcome(float64(res.Flips), res), nil
	}
}

// RetentionTrial leaves the memory unrefreshed for the trial value, in
// seconds. The metric is the number of flipped bits.
func RetentionTrial(d *attack.Driver, base attack.Config) experiment.TrialFunc {
	return func(ctx context.Context, value float64, _ int) (experiment.Outcome, error) {
		cfg := base
		cfg.Rows = nil
		cfg.HammerCount = 0
		cfg.HoldTime = time.Duration(value * float64(time.Second))
		cfg.RefreshDisabled = true
		res, err := d.Run(ctx, cfg)
		if err != nil {
			return experiment.Outcome{}, err
		}
		return outcome(float64(res.Flips), res), nil
	}
}

// HCFirstTrial searches the smallest hammer count flipping a bit when
// hammering around the row given as trial value. The metric is the
// threshold; a row without flips within bounds is reported as not found.
func HCFirstTrial(d *attack.Driver, base attack.Config, sided Sided, scfg search.Config) experiment.TrialFunc {
	return func(ctx context.Context, value float64, _ int) (experiment.Outcome, error) {
		row := int(value)
		cfg := base
		cfg.Rows = sided.Aggressors(row)
		cfg.HoldTime = 0

		var last attack.Result
		prober := search.ProberFunc(func(ctx context.Context, v uint64) (bool, error) {
			cfg.HammerCount = v
			res, err := d.Run(ctx, cfg)
			if err != nil {
				return false, err
			}
			if res.Flips > 0 {
				last = res
			}
			return res.Flips > 0, nil
		})
		sres, err := search.Run(ctx, prober, scfg)
		if err != nil {
			return experiment.Outcome{}, err
		}
		if !sres.Found {
			log.ModSearch.InfoZ("no flip within bounds").Int("row", row).Uint("max", scfg.Max).End()
			return experiment.Outcome{NotFound: true}, nil
		}
		log.ModSearch.InfoZ("HCfirst").Int("row", row).Uint("threshold", sres.Threshold).Int("probes", len(sres.Probes)).End()
		return outcome(float64(sres.Threshold), last), nil
	}
}

// MinRetentionTrial searches the shortest unrefreshed wait, in
// milliseconds, flipping a bit with the pattern indexed by the trial value.
func MinRetentionTrial(d *attack.Driver, base attack.Config, patterns []scan.Pattern, scfg search.Config) experiment.TrialFunc {
	return func(ctx context.Context, value float64, _ int) (experiment.Outcome, error) {
		i := int(value)
		if i < 0 || i >= len(patterns) {
			return experiment.Outcome{}, fmt.Errorf("pattern index %d out of range", i)
		}
		cfg := base
		cfg.Rows = nil
		cfg.HammerCount = 0
		cfg.RefreshDisabled = true
		cfg.Pattern = patterns[i]

		var last attack.Result
		prober := search.ProberFunc(func(ctx context.Context, ms uint64) (bool, error) {
			cfg.HoldTime = time.Duration(ms) * time.Millisecond
			res, err := d.Run(ctx, cfg)
			if err != nil {
				return false, err
			}
			if res.Flips > 0 {
				last = res
			}
			return res.Flips > 0, nil
		})
		sres, err := search.Run(ctx, prober, scfg)
		if err != nil {
			return experiment.Outcome{}, err
		}
		if !sres.Found {
			log.ModSearch.InfoZ("no flip within bounds").Stringer("pattern", patterns[i]).Uint("max_ms", scfg.Max).End()
			return experiment.Outcome{NotFound: true}, nil
		}
		log.ModSearch.InfoZ("minimum retention").
			Stringer("pattern", patterns[i]).
			Duration("time", time.Duration(sres.Threshold)*time.Millisecond).
			End()
		return outcome(float64(sres.Threshold), last), nil
	}
}

// Rows returns n logical rows starting at start, jump apart.
func Rows(start, n, jump int) []float64 {
	if jump <= 0 {
		jump = 1
	}
	vals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		vals = append(vals, float64(start+i*jump))
	}
	return vals
}

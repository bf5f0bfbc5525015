// Package search finds the smallest value of a monotonic parameter (hammer
// count, retention time) for which a probe induces a bit flip.
//
// The search doubles the value from Min until a flip is observed, then
// bisects between the last value without flips and the first one with.
package search

import (
	"context"
	"errors"
	"fmt"

	"rowhammer/log"
	"rowhammer/transport"
)

// ErrSearchAborted is returned when a probe keeps failing.
var ErrSearchAborted = errors.New("search aborted")

// Prober runs a single trial at value v and reports whether it flipped bits.
type Prober interface {
	Probe(ctx context.Context, v uint64) (bool, error)
}

type ProberFunc func(ctx context.Context, v uint64) (bool, error)

func (f ProberFunc) Probe(ctx context.Context, v uint64) (bool, error) { return f(ctx, v) }

// Bounds limit the searched range and the effort spent bisecting.
type Bounds struct {
	Min uint64 `toml:"min"`
	Max uint64 `toml:"max"`

	// MaxIterations caps the number of bisection probes; 0 means no cap.
	MaxIterations int `toml:"max_iterations"`
	// Precision stops bisection once the bracket is narrower than this.
	Precision uint64 `toml:"precision"`
}

// Config parameterizes a threshold search.
type Config struct {
	Bounds
	Repeats int  `toml:"repeats"` // repetitions per probe, at least 1
	Rule    Rule `toml:"rule"`
}

func DefaultConfig() Config {
	return Config{
		Bounds:  Bounds{Min: 1000, Max: 1 << 24, MaxIterations: 15},
		Repeats: 1,
		Rule:    RuleAny,
	}
}

func (c Config) Validate() error {
	if c.Min == 0 {
		return errors.New("search: min must be positive")
	}
	if c.Max < c.Min {
		return fmt.Errorf("search: max %d below min %d", c.Max, c.Min)
	}
	if c.MaxIterations < 0 || c.Repeats < 0 {
		return errors.New("search: negative iterations or repeats")
	}
	return nil
}

// Phase is the stage of the search a probe belongs to.
type Phase string

const (
	PhaseExponential Phase = "exponential"
	PhaseConfirm     Phase = "confirm"
	PhaseBinary      Phase = "binary"
)

// ProbeRecord logs one probe, with all its repetitions.
type ProbeRecord struct {
	Phase   Phase
	Value   uint64
	Runs    int // repetitions actually run
	Flips   int // repetitions which flipped
	Flipped bool
	Retries int
}

// Result is the outcome of a search along with every probe it made.
type Result struct {
	Found     bool
	Threshold uint64 // smallest value found to flip

	// Bracket is the [no flip, flip] pair the exponential phase ended with.
	// Bracket[0] is 0 when Min itself flipped.
	Bracket [2]uint64

	Rule       Rule
	Repeats    int
	Iterations int // bisection probes
	Probes     []ProbeRecord
}

type searcher struct {
	p   Prober
	cfg Config
	res *Result
}

// Run searches for the flip threshold within cfg.Bounds. A range without
// any flip is not an error: Result.Found is false.
func Run(ctx context.Context, p Prober, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if cfg.Repeats == 0 {
		cfg.Repeats = 1
	}
	res := Result{Rule: cfg.Rule, Repeats: cfg.Repeats}
	s := &searcher{p: p, cfg: cfg, res: &res}

	// exponential phase
	var (
		noFlip  uint64 // largest value known not to flip, 0 if none
		v       = cfg.Min
		confirm = true
	)
	for {
		flipped, err := s.probe(ctx, v, PhaseExponential)
		if err != nil {
			return res, err
		}
		if flipped && v == cfg.Min && confirm {
			// a flip on the very first probe may be noise
			confirm = false
			if flipped, err = s.probe(ctx, v, PhaseConfirm); err != nil {
				return res, err
			}
		}
		if flipped {
			break
		}
		confirm = false
		noFlip = v
		if v >= cfg.Max {
			log.ModSearch.InfoZ("no flip in range").Uint("max", cfg.Max).End()
			return res, nil
		}
		if v > cfg.Max/2 {
			v = cfg.Max
		} else {
			v *= 2
		}
	}
	res.Bracket = [2]uint64{noFlip, v}
	log.ModSearch.DebugZ("bracket").Uint("low", noFlip).Uint("high", v).End()

	// binary phase
	best := v
	lo, hi := noFlip+1, v-1
	if noFlip == 0 {
		lo = cfg.Min
	}
	for lo <= hi {
		if cfg.MaxIterations > 0 && res.Iterations >= cfg.MaxIterations {
			break
		}
		if hi-lo < cfg.Precision {
			break
		}
		mid := lo + (hi-lo)/2
		flipped, err := s.probe(ctx, mid, PhaseBinary)
		if err != nil {
			return res, err
		}
		res.Iterations++
		if flipped {
			best = mid
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}

	res.Found = true
	res.Threshold = best
	log.ModSearch.InfoZ("threshold found").
		Uint("threshold", best).
		Int("probes", len(res.Probes)).
		Int("iterations", res.Iterations).
		End()
	return res, nil
}

// probe runs the repetitions of a probe at v and applies the rule.
func (s *searcher) probe(ctx context.Context, v uint64, phase Phase) (bool, error) {
	rec := ProbeRecord{Phase: phase, Value: v}
	defer func() { s.res.Probes = append(s.res.Probes, rec) }()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		flipped, err := s.try(ctx, v, &rec)
		if err != nil {
			return false, err
		}
		rec.Runs++
		if flipped {
			rec.Flips++
		}
		var done bool
		if rec.Flipped, done = s.cfg.Rule.decided(rec.Flips, rec.Runs, s.cfg.Repeats); done {
			log.ModSearch.DebugZ("probe").
				String("phase", string(phase)).
				Uint("value", v).
				Int("flips", rec.Flips).
				Int("runs", rec.Runs).
				Bool("flipped", rec.Flipped).
				End()
			return rec.Flipped, nil
		}
	}
}

// try runs a single trial, retrying once on transport errors.
func (s *searcher) try(ctx context.Context, v uint64, rec *ProbeRecord) (bool, error) {
	flipped, err := s.p.Probe(ctx, v)
	if err == nil {
		return flipped, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if !transport.IsTransport(err) {
		return false, fmt.Errorf("%w: probe at %d: %w", ErrSearchAborted, v, err)
	}

	log.ModSearch.WarnZ("probe failed, retrying").Uint("value", v).Error("err", err).End()
	rec.Retries++
	flipped, err = s.p.Probe(ctx, v)
	if err != nil {
		return false, fmt.Errorf("%w: probe at %d failed twice: %w", ErrSearchAborted, v, err)
	}
	return flipped, nil
}

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/go-faster/jx"

	"rowhammer/attack"
	"rowhammer/campaign"
	"rowhammer/dram"
	"rowhammer/experiment"
	"rowhammer/log"
	"rowhammer/results"
	"rowhammer/scan"
	"rowhammer/search"
	"rowhammer/sim"
	"rowhammer/transport/rpc"
)

func runHammer(ctx context.Context, a *app, args Hammer) error {
	if err := a.applyAttackFlags(args.AttackFlags); err != nil {
		return err
	}
	d, err := a.connect(a.cfg.Board.Targets[0])
	if err != nil {
		return err
	}
	values := make([]float64, len(args.Counts))
	for i, c := range args.Counts {
		values[i] = float64(c)
	}
	sw, err := a.newSweep("hammer", "activations", values, args.SweepFlags)
	if err != nil {
		return err
	}

	// Every attack's fault map goes to a JSON lines file.
	faultsPath := strings.TrimSuffix(sw.path, ".json") + ".faults.jsonl"
	ff, err := os.OpenFile(faultsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer ff.Close()
	geom := d.Codec().Geometry()
	report := func(v float64, res attack.Result) {
		printFaults(a.out, res, geom)
		var e jx.Encoder
		e.Obj(func(e *jx.Encoder) {
			e.Field("count", func(e *jx.Encoder) { e.Float64(v) })
			e.Field("attack", func(e *jx.Encoder) { results.EncodeFaults(e, res) })
		})
		if _, err := ff.Write(append(e.Bytes(), '\n')); err != nil {
			log.ModMain.ErrorZ("write faults").Error("err", err).End()
		}
	}

	base := a.baseAttack()
	base.Rows = args.Rows
	res, err := sw.Run(ctx, campaign.HammerTrial(d, base, report))
	return finishSweep(a, res, sw.path, err)
}

func runRetention(ctx context.Context, a *app, args Retention) error {
	if err := a.applyAttackFlags(args.AttackFlags); err != nil {
		return err
	}
	if args.Steps <= 0 || args.Start <= 0 || args.End < args.Start {
		return fmt.Errorf("invalid time range %v..%v in %d steps", args.Start, args.End, args.Steps)
	}
	d, err := a.connect(a.cfg.Board.Targets[0])
	if err != nil {
		return err
	}
	sw, err := a.newSweep("retention", "s", experiment.Linspace(args.Start, args.End, args.Steps), args.SweepFlags)
	if err != nil {
		return err
	}
	res, err := sw.Run(ctx, campaign.RetentionTrial(d, a.baseAttack()))
	return finishSweep(a, res, sw.path, err)
}

func runHCFirst(ctx context.Context, a *app, args HCFirst) error {
	if err := a.applyAttackFlags(args.AttackFlags); err != nil {
		return err
	}
	scfg, err := applySearchFlags(a.cfg.Search, args.SearchFlags)
	if err != nil {
		return err
	}
	sided, err := campaign.ParseSided(args.Sided)
	if err != nil {
		return err
	}
	targets := args.Targets
	if len(targets) == 0 {
		targets = a.cfg.Board.Targets
	}
	if args.NRows <= 0 {
		return fmt.Errorf("nrows must be positive")
	}

	rows := campaign.Rows(args.StartRow, args.NRows, args.RowJump)
	merged, err := a.newSweep("hcfirst", "row", rows, args.SweepFlags)
	if err != nil {
		return err
	}

	base := a.baseAttack()
	var workers []campaign.Worker
	for i, target := range targets {
		d, err := a.connect(target)
		if err != nil {
			return err
		}
		sw := merged
		if len(targets) > 1 {
			// each board checkpoints its share, the merged result goes to
			// the main file.
			sw, err = a.newSweep("hcfirst", "row", nil, args.SweepFlags)
			if err != nil {
				return err
			}
			sw.path = strings.TrimSuffix(merged.path, ".json") + "-" + strconv.Itoa(i) + ".json"
			sw.Checkpointer = &results.Checkpointer{Path: sw.path}
		}
		workers = append(workers, campaign.Worker{
			Name:   target,
			Driver: sw.Driver,
			Trial:  campaign.HCFirstTrial(d, base, sided, scfg),
		})
	}

	fmt.Fprintf(a.out, "HCfirst: %d rows on %d boards, %s-sided, search %d..%d (%s)\n",
		len(rows), len(targets), sided, scfg.Min, scfg.Max, scfg.Rule)
	res, err := campaign.RunParallel(ctx, rows, workers)
	if len(targets) > 1 && res != nil {
		if cerr := merged.Checkpointer.Checkpoint(res); cerr != nil {
			log.ModMain.ErrorZ("save merged result").Error("err", cerr).End()
		}
	}
	return finishSweep(a, res, merged.path, err)
}

// Default bounds of the minimum retention search, in milliseconds.
var minRetentionSearch = search.Config{
	Bounds:  search.Bounds{Min: 64, Max: 1 << 16, MaxIterations: 15},
	Repeats: 1,
	Rule:    search.RuleAny,
}

func runMinRetention(ctx context.Context, a *app, args MinRetention) error {
	if err := a.applyAttackFlags(args.AttackFlags); err != nil {
		return err
	}
	scfg, err := applySearchFlags(minRetentionSearch, args.SearchFlags)
	if err != nil {
		return err
	}
	patterns := make([]scan.Pattern, len(args.Patterns))
	values := make([]float64, len(args.Patterns))
	for i, name := range args.Patterns {
		if patterns[i], err = scan.ParsePattern(name); err != nil {
			return err
		}
		values[i] = float64(i)
		fmt.Fprintf(a.out, "pattern %d: %v\n", i, patterns[i])
	}
	d, err := a.connect(a.cfg.Board.Targets[0])
	if err != nil {
		return err
	}
	sw, err := a.newSweep("min-retention", "pattern", values, args.SweepFlags)
	if err != nil {
		return err
	}
	res, err := sw.Run(ctx, campaign.MinRetentionTrial(d, a.baseAttack(), patterns, scfg))
	return finishSweep(a, res, sw.path, err)
}

// finishSweep writes the summary of whatever was completed, even when the
// sweep was interrupted.
func finishSweep(a *app, res *experiment.Result, path string, err error) error {
	if ferr := a.finish(res, path); ferr != nil {
		log.ModMain.ErrorZ("write summary").Error("err", ferr).End()
	}
	return err
}

func runSim(ctx context.Context, a *app, args Sim) error {
	c := a.cfg.Sim
	cfg := sim.DefaultConfig()
	var err error
	if cfg.Geometry, err = a.cfg.Geom(); err != nil {
		return err
	}
	if cfg.Layout, err = a.cfg.BoardLayout(); err != nil {
		return err
	}
	cfg.Mapping = c.Mapping
	if args.Mapping != "" {
		if cfg.Mapping, err = dram.RowMappingByName(args.Mapping); err != nil {
			return err
		}
	}
	if c.PollsPerBurst > 0 {
		cfg.PollsPerBurst = c.PollsPerBurst
	}

	nweak, nleaky, seed := c.RandomWeak, c.RandomLeaky, c.Seed
	if args.RandomWeak >= 0 {
		nweak = args.RandomWeak
	}
	if args.RandomLeaky >= 0 {
		nleaky = args.RandomLeaky
	}
	if args.Seed != 0 {
		seed = args.Seed
	}
	rnd := sim.RandomFaults(rand.New(rand.NewPCG(seed, seed)), cfg.Geometry, nweak, nleaky)
	cfg.Faults = sim.FaultModel{
		Weak:  append(c.Faults.Weak, rnd.Weak...),
		Leaky: append(c.Faults.Leaky, rnd.Leaky...),
	}

	b, err := sim.New(cfg)
	if err != nil {
		return err
	}
	addr := c.Addr
	if args.Addr != "" {
		addr = args.Addr
	}
	srv, err := rpc.NewServer(addr, b, a.cfg.Board.Timeout)
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Fprintf(a.out, "simulated board %v (%s mapping), %d weak and %d leaky cells, serving on %s\n",
		cfg.Geometry, cfg.Mapping, len(cfg.Faults.Weak), len(cfg.Faults.Leaky), srv.Addr())
	<-ctx.Done()

	cnt := b.Counters()
	fmt.Fprintf(a.out, "served %d bursts, %d payloads, %d flips\n", cnt.Bursts, cnt.Payloads, cnt.Flips)
	return nil
}

func runRowMap(a *app, args RowMap) error {
	m := a.cfg.Board.Mapping
	if args.Mapping != "" {
		var err error
		if m, err = dram.RowMappingByName(args.Mapping); err != nil {
			return err
		}
	}
	from, to := "logical", "physical"
	conv := m.LogicalToPhysical
	if args.Inverse {
		from, to = to, from
		conv = m.PhysicalToLogical
	}
	fmt.Fprintf(a.out, "%s mapping, %s -> %s\n", m, from, to)
	for _, r := range args.Rows {
		if r < 0 {
			return fmt.Errorf("negative row %d", r)
		}
		fmt.Fprintf(a.out, "%8d -> %8d\n", r, conv(r))
	}
	return nil
}

func runDecode(a *app, args Decode) error {
	g, err := a.cfg.Geom()
	if err != nil {
		return err
	}
	codec, err := dram.NewCodec(g)
	if err != nil {
		return err
	}
	for _, s := range args.Offsets {
		off, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("offset %q: %w", s, err)
		}
		addr, byteIdx, err := codec.DecodeByte(off)
		if err != nil {
			return fmt.Errorf("offset %#x: %w", off, err)
		}
		fmt.Fprintf(a.out, "%#010x: %v byte %d, logical row %d, DMA word %#x\n",
			off, addr, byteIdx, a.cfg.Board.Mapping.PhysicalToLogical(addr.Row), codec.DMAWord(off))
	}
	return nil
}

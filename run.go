package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rowhammer/attack"
	"rowhammer/config"
	"rowhammer/dram"
	"rowhammer/experiment"
	"rowhammer/fault"
	"rowhammer/log"
	"rowhammer/metrics"
	"rowhammer/monitor"
	"rowhammer/results"
	"rowhammer/scan"
	"rowhammer/search"
	"rowhammer/transport/rpc"
)

// app holds what the commands share.
type app struct {
	cfg config.Config
	out io.Writer // reports
	tty io.Writer // progress lines

	metrics *metrics.Metrics
	hub     *monitor.Hub
	monitor *monitor.Server

	closers []func() error
}

func newApp(cfg config.Config, monitorAddr string, out, tty io.Writer) (*app, error) {
	a := &app{cfg: cfg, out: out, tty: tty}
	if monitorAddr == "" {
		monitorAddr = cfg.Monitor.Addr
	}
	if monitorAddr != "" {
		a.metrics = metrics.New()
		a.hub = monitor.NewHub()
		srv, err := monitor.NewServer(monitorAddr, a.metrics.Registry(), a.hub)
		if err != nil {
			return nil, fmt.Errorf("monitor: %w", err)
		}
		a.monitor = srv
		a.closers = append(a.closers, srv.Close)
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.ModMain.WarnZ("close").Error("err", err).End()
		}
	}
}

// applyAttackFlags overrides the configuration with the flags that were set.
func (a *app) applyAttackFlags(f AttackFlags) error {
	c := &a.cfg
	if f.Target != "" {
		c.Board.Targets = []string{f.Target}
	}
	if f.Strategy != "" {
		c.Board.Strategy = f.Strategy
	}
	if f.Mapping != "" {
		m, err := dram.RowMappingByName(f.Mapping)
		if err != nil {
			return err
		}
		c.Board.Mapping = m
	}
	if f.Bank >= 0 {
		c.Attack.Bank = f.Bank
	}
	if f.Column >= 0 {
		c.Attack.Column = f.Column
	}
	if f.Pattern != "" {
		p, err := scan.ParsePattern(f.Pattern)
		if err != nil {
			return err
		}
		c.Attack.Pattern = p
	}
	if f.NoRefresh {
		c.Attack.RefreshDisabled = true
	}
	if f.NoVerifyInitial {
		c.Attack.VerifyInitial = false
	}
	return c.Validate()
}

func applySearchFlags(scfg search.Config, f SearchFlags) (search.Config, error) {
	if f.Min != 0 {
		scfg.Min = f.Min
	}
	if f.Max != 0 {
		scfg.Max = f.Max
	}
	if f.MaxIterations >= 0 {
		scfg.MaxIterations = f.MaxIterations
	}
	if f.Precision != 0 {
		scfg.Precision = f.Precision
	}
	if f.ProbeRepeats != 0 {
		scfg.Repeats = f.ProbeRepeats
	}
	if f.Rule != "" {
		r, err := search.ParseRule(f.Rule)
		if err != nil {
			return scfg, err
		}
		scfg.Rule = r
	}
	return scfg, scfg.Validate()
}

func (a *app) baseAttack() attack.Config {
	c := a.cfg.Attack
	return attack.Config{
		Bank:            c.Bank,
		Column:          c.Column,
		Pattern:         c.Pattern,
		RefreshDisabled: c.RefreshDisabled,
		VerifyInitial:   c.VerifyInitial,
	}
}

// connect returns an attack driver for the board at target.
func (a *app) connect(target string) (*attack.Driver, error) {
	client, err := rpc.NewClient(target)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	a.closers = append(a.closers, client.Close)
	client.SetTimeout(a.cfg.Board.Timeout)

	geom, err := a.cfg.Geom()
	if err != nil {
		return nil, err
	}
	layout, err := a.cfg.BoardLayout()
	if err != nil {
		return nil, err
	}
	strategy, err := a.cfg.Strategy()
	if err != nil {
		return nil, err
	}
	d, err := attack.NewDriver(attack.Target{
		Client:  client,
		Geom:    geom,
		Layout:  layout,
		Mapping: a.cfg.Board.Mapping,
	}, strategy)
	if err != nil {
		return nil, err
	}
	d.PollInterval = a.cfg.Attack.PollInterval
	d.AttackTimeout = a.cfg.Attack.Timeout

	obs := []attack.Observer{&progressPrinter{w: a.tty}}
	if a.metrics != nil {
		obs = append(obs, a.metrics.Observer(target), a.hub.Observer(target))
	}
	d.Observer = attack.Observers(obs...)

	log.ModMain.InfoZ("board connected").
		String("target", target).
		Stringer("geometry", geom).
		Stringer("mapping", a.cfg.Board.Mapping).
		Stringer("strategy", strategy.Kind()).
		End()
	return d, nil
}

// sweep is an experiment driver along with where it saves its results.
type sweep struct {
	*experiment.Driver
	path string
}

func (a *app) newSweep(kind, unit string, values []float64, f SweepFlags) (*sweep, error) {
	cfg := a.cfg.Experiment.Config
	cfg.Kind, cfg.Unit, cfg.Values = kind, unit, values
	if f.Repeats != 0 {
		cfg.Repeats = f.Repeats
	}
	d := experiment.NewDriver(cfg)

	outDir := a.cfg.Experiment.OutDir
	if f.OutDir != "" {
		outDir = f.OutDir
	}
	path := filepath.Join(outDir, kind+"-"+time.Now().Format("20060102-150405")+".json")
	if f.Resume != "" {
		prev, err := results.Load(f.Resume)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		if err := d.Resume(prev); err != nil {
			return nil, err
		}
		path = f.Resume
		log.ModMain.InfoZ("resuming").String("file", path).Int("trials", prev.Trials()).End()
	}
	d.Checkpointer = &results.Checkpointer{Path: path}
	d.OnTrial = a.trialHook(kind)
	return &sweep{Driver: d, path: path}, nil
}

func (a *app) trialHook(kind string) func(float64, experiment.Trial) {
	hooks := []func(float64, experiment.Trial){
		func(v float64, t experiment.Trial) {
			if t.Failed() {
				fmt.Fprintf(a.out, "%s %v #%d: failed: %s\n", kind, v, t.Repeat, t.Err)
				return
			}
			if t.NotFound {
				fmt.Fprintf(a.out, "%s %v #%d: no flip within bounds\n", kind, v, t.Repeat)
				return
			}
			fmt.Fprintf(a.out, "%s %v #%d: metric %v, %d flips in rows %v\n", kind, v, t.Repeat, t.Metric, t.Faults, t.Rows)
		},
	}
	if a.metrics != nil {
		hooks = append(hooks, a.metrics.TrialHook(kind), a.hub.TrialHook(kind))
	}
	return func(v float64, t experiment.Trial) {
		for _, h := range hooks {
			h(v, t)
		}
	}
}

// finish writes the CSV summary next to the JSON result and prints it.
func (a *app) finish(res *experiment.Result, path string) error {
	if res == nil {
		return nil
	}
	csvPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".csv"
	f, err := os.Create(csvPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := results.WriteCSV(io.MultiWriter(f, a.out), res); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "results: %s, %s\n", path, csvPath)
	return f.Close()
}

// printFaults displays the flips of an attack, row by row then chip by chip.
func printFaults(w io.Writer, res attack.Result, g dram.Geometry) {
	if res.Flips == 0 {
		fmt.Fprintln(w, "OK, no bit flip")
		return
	}
	for _, rf := range res.Faults {
		fmt.Fprintf(w, "Bit-flips for row %5d (physical %5d, bank %d): %d\n", rf.LogicalRow, rf.Row, rf.Bank, rf.Total)
		for _, col := range rf.ColumnIndices() {
			fmt.Fprintf(w, "  column %4d: bits %v\n", col, rf.Columns[col].Bits)
		}
		chips := fault.SplitByChip(rf, g)
		for chip := 0; chip < g.Chips(); chip++ {
			if c, ok := chips[chip]; ok {
				fmt.Fprintf(w, "  chip %d: %d\n", chip, c.Total)
			}
		}
	}
}

// progressPrinter shows hammering progress on a single terminal line.
type progressPrinter struct {
	w      io.Writer
	active bool
}

func (p *progressPrinter) OnState(s attack.State) {
	if s != attack.Attacking && p.active {
		fmt.Fprintln(p.w)
		p.active = false
	}
}

func (p *progressPrinter) OnProgress(done, total uint64) {
	p.active = true
	fmt.Fprintf(p.w, "  Count = %6.2fM / %6.2fM  \r", float64(done)/1e6, float64(total)/1e6)
}

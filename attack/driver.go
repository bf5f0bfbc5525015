// Package attack runs a single Rowhammer or retention attack on a board:
// fill a data background, optionally check it, hammer (or wait with refresh
// disabled), then scan for flipped bits.
package attack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rowhammer/board"
	"rowhammer/dram"
	"rowhammer/fault"
	"rowhammer/log"
	"rowhammer/scan"
	"rowhammer/transport"
)

// Config describes one attack invocation.
type Config struct {
	Bank   int
	Column int   // column used for the hammered addresses
	Rows   []int // logical rows, hammered in this order

	// HammerCount is the total number of row activations, spread over Rows.
	// HoldTime instead waits with the rows untouched. At most one of them
	// may be set.
	HammerCount uint64
	HoldTime    time.Duration

	Pattern         scan.Pattern
	RefreshDisabled bool
	VerifyInitial   bool

	// Region to fill and scan. The zero value covers the whole module.
	Region scan.Region
}

// Result is the outcome of an attack.
type Result struct {
	Faults   []fault.RowFaults
	Flips    int           // total flipped bits
	Word     uint32        // data background
	Duration time.Duration // time spent hammering or holding
}

// Target is the board an attack runs on.
type Target struct {
	Client  transport.Client
	Geom    dram.Geometry
	Layout  board.Layout
	Mapping dram.RowMapping
}

const (
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultAttackTimeout = 10 * time.Minute
	refreshTimeout       = 5 * time.Second
)

// Driver runs attacks on a single board, one at a time.
type Driver struct {
	mu sync.Mutex

	client  transport.Client
	codec   *dram.Codec
	layout  board.Layout
	mapping dram.RowMapping
	scanner *scan.Engine

	Strategy Strategy
	Observer Observer

	// PollInterval is the sleep between two status polls.
	PollInterval time.Duration
	// AttackTimeout bounds the hammering phase, polling included.
	AttackTimeout time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewDriver(t Target, s Strategy) (*Driver, error) {
	codec, err := dram.NewCodec(t.Geom)
	if err != nil {
		return nil, err
	}
	if err := t.Layout.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		client:        t.Client,
		codec:         codec,
		layout:        t.Layout,
		mapping:       t.Mapping,
		scanner:       scan.New(t.Client, codec, t.Layout.MainRAM),
		Strategy:      s,
		Observer:      nopObserver{},
		PollInterval:  DefaultPollInterval,
		AttackTimeout: DefaultAttackTimeout,
		Sleep:         sleepCtx,
	}, nil
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

func (d *Driver) Codec() *dram.Codec       { return d.codec }
func (d *Driver) Mapping() dram.RowMapping { return d.mapping }
func (d *Driver) Scanner() *scan.Engine    { return d.scanner }
func (d *Driver) Client() transport.Client { return d.client }

func (d *Driver) setState(s State) {
	log.ModAttack.DebugZ("state").Stringer("state", s).End()
	d.Observer.OnState(s)
}

// prepare validates cfg and returns the physical rows to hammer.
func (d *Driver) prepare(cfg Config) ([]int, error) {
	if cfg.HammerCount > 0 && cfg.HoldTime > 0 {
		return nil, fmt.Errorf("%w: hammer count and hold time are exclusive", ErrInvalidConfig)
	}
	if cfg.HoldTime < 0 {
		return nil, fmt.Errorf("%w: negative hold time", ErrInvalidConfig)
	}
	g := d.codec.Geometry()
	if cfg.HoldTime == 0 {
		if len(cfg.Rows) == 0 {
			return nil, fmt.Errorf("%w: no rows to hammer", ErrUnsupportedRowCount)
		}
		if err := d.Strategy.Check(len(cfg.Rows), d.layout); err != nil {
			return nil, err
		}
	}

	phys := make([]int, len(cfg.Rows))
	for i, r := range cfg.Rows {
		p := d.mapping.LogicalToPhysical(r)
		a := dram.PhysicalAddress{Bank: cfg.Bank, Row: p, Column: cfg.Column}
		if r < 0 || !d.codec.Contains(a) {
			return nil, fmt.Errorf("%w: logical row %d (%v) outside %v", dram.ErrInvalidAddress, r, a, g)
		}
		phys[i] = p
	}
	return phys, nil
}

func (d *Driver) region(cfg Config) scan.Region {
	if cfg.Region.Size == 0 {
		return d.scanner.Whole()
	}
	return cfg.Region
}

// Run executes one attack. Refresh, when disabled for the attack, is
// re-enabled exactly once before Run returns, whatever the outcome.
func (d *Driver) Run(ctx context.Context, cfg Config) (res Result, err error) {
	if !d.mu.TryLock() {
		return Result{}, ErrBusy
	}
	defer d.mu.Unlock()
	defer d.setState(Idle)

	d.setState(Preparing)
	phys, err := d.prepare(cfg)
	if err != nil {
		return Result{}, err
	}
	region := d.region(cfg)
	firstRow := 0
	if len(cfg.Rows) > 0 {
		firstRow = cfg.Rows[0]
	}
	res.Word = cfg.Pattern.RowWord(firstRow)

	d.setState(Filling)
	if err := d.scanner.Fill(ctx, region, res.Word); err != nil {
		return res, fmt.Errorf("fill: %w", err)
	}

	if cfg.VerifyInitial {
		d.setState(VerifyingInitial)
		flips, err := d.scanner.Scan(ctx, region, res.Word)
		if err != nil {
			return res, fmt.Errorf("initial verification: %w", err)
		}
		if len(flips) > 0 {
			perr := &PreexistingFaultError{Faults: fault.Aggregate(flips, d.mapping)}
			log.ModAttack.WarnZ("faults before attack, skipping").
				Int("flips", len(flips)).
				Int("rows", len(perr.Faults)).
				End()
			return res, perr
		}
	}

	if cfg.RefreshDisabled {
		// registered before disabling, so that a failed or partial write still
		// gets a single re-enable attempt.
		defer func() {
			err = errors.Join(err, d.enableRefresh(ctx))
		}()
		if err := d.client.WriteRegister(ctx, board.RegRefresh, 0); err != nil {
			return res, fmt.Errorf("disable refresh: %w", err)
		}
	}

	d.setState(Attacking)
	start := time.Now()
	if cfg.HoldTime > 0 || cfg.HammerCount == 0 {
		log.ModAttack.InfoZ("holding").Duration("time", cfg.HoldTime).Bool("refresh", !cfg.RefreshDisabled).End()
		if err := d.Sleep(ctx, cfg.HoldTime); err != nil {
			return res, fmt.Errorf("hold: %w", err)
		}
	} else {
		log.ModAttack.InfoZ("hammering").
			Stringer("strategy", d.Strategy.Kind()).
			Int("bank", cfg.Bank).
			Int("rows", len(phys)).
			Uint("count", cfg.HammerCount).
			End()
		actx, cancel := context.WithTimeout(ctx, d.AttackTimeout)
		err := d.Strategy.Hammer(actx, d, cfg.Bank, cfg.Column, phys, cfg.HammerCount)
		cancel()
		if err != nil {
			return res, fmt.Errorf("hammer: %w", err)
		}
	}
	res.Duration = time.Since(start)

	d.setState(VerifyingFinal)
	flips, err := d.scanner.Scan(ctx, region, res.Word)
	if err != nil {
		return res, fmt.Errorf("final verification: %w", err)
	}
	res.Faults = fault.Aggregate(flips, d.mapping)
	res.Flips = fault.Count(res.Faults)
	log.ModAttack.InfoZ("attack done").
		Int("flips", res.Flips).
		Int("rows", len(res.Faults)).
		Duration("elapsed", res.Duration).
		End()
	return res, nil
}

// enableRefresh turns refresh back on, even if ctx was canceled.
func (d *Driver) enableRefresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	if err := d.client.WriteRegister(ctx, board.RegRefresh, 1); err != nil {
		log.ModAttack.ErrorZ("failed to re-enable refresh").Error("err", err).End()
		return fmt.Errorf("enable refresh: %w", err)
	}
	return nil
}

// poll reads status until done returns true, sleeping PollInterval between
// reads. Expiry of ctx is reported as a transport timeout.
func (d *Driver) poll(ctx context.Context, op string, done func() (bool, error)) error {
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := d.Sleep(ctx, d.PollInterval); err != nil {
			return transport.Wrap(op, err)
		}
	}
}

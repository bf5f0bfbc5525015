// Package sim implements an in-process test board: a DRAM array, the CSRs of
// the rowhammer tester SoC, its BIST reader and payload executor, and a
// deterministic fault model. It satisfies transport.Client and can be served
// over RPC in place of real hardware.
//
// Row numbers on the bus are physical. The simulated chips are wired so that
// the neighbors of physical row r are the physical rows of logical rows
// PhysicalToLogical(r)±1.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rowhammer/board"
	"rowhammer/dram"
	"rowhammer/hwio"
	"rowhammer/log"
	"rowhammer/payload"
	"rowhammer/transport"
)

var modSim = log.NewModule("sim")

type Config struct {
	Geometry dram.Geometry
	Layout   board.Layout
	Mapping  dram.RowMapping
	Faults   FaultModel

	// PollsPerBurst is the number of status polls a BIST burst or payload
	// run takes to complete.
	PollsPerBurst int

	Now func() time.Time
}

// DefaultGeometry is a small module, 8MiB, fast to fill and scan.
var DefaultGeometry = dram.Geometry{Banks: 8, Rows: 1024, Columns: 128, BusWidth: 64, ChipWidth: 8, BurstLength: 8}

func DefaultConfig() Config {
	return Config{
		Geometry:      DefaultGeometry,
		Layout:        board.DefaultLayout(DefaultGeometry.Size()),
		Mapping:       dram.TrivialMapping,
		PollsPerBurst: 8,
	}
}

// Counters record board activity, for tests and the sim command.
type Counters struct {
	RefreshWrites int
	Bursts        int // BIST bursts run
	Payloads      int // payload programs run
	Flips         int // bits flipped by the fault model
}

// job is a running BIST burst or payload program.
type job struct {
	acts  map[payload.RowKey]uint64
	total uint32
	polls int
	bist  bool
}

type Board struct {
	mu sync.Mutex

	cfg   Config
	codec *dram.Codec
	now   func() time.Time

	table *hwio.Table
	ram   *hwio.Mem
	paddr *hwio.Mem
	pmem  *hwio.Mem

	refresh      *hwio.Reg32
	readerReady  *hwio.Reg32
	readerDone   *hwio.Reg32
	readerCount  *hwio.Reg32
	readerModulo *hwio.Reg32
	readerDiv    *hwio.Reg32
	payloadReady *hwio.Reg32

	cells      []*cell
	refreshOff time.Time // zero while refresh is enabled
	job        *job
	counters   Counters
}

func New(cfg Config) (*Board, error) {
	codec, err := dram.NewCodec(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Layout.MainRAM.Size < cfg.Geometry.Size() {
		return nil, fmt.Errorf("sim: main RAM %#x smaller than module %#x", cfg.Layout.MainRAM.Size, cfg.Geometry.Size())
	}
	if cfg.PollsPerBurst <= 0 {
		cfg.PollsPerBurst = 1
	}
	b := &Board{cfg: cfg, codec: codec, now: cfg.Now}
	if b.now == nil {
		b.now = time.Now
	}

	for _, w := range cfg.Faults.Weak {
		c, err := newCell(codec, w.Addr, w.Bit)
		if err != nil {
			return nil, fmt.Errorf("sim: weak cell: %w", err)
		}
		c.threshold = w.Threshold
		b.cells = append(b.cells, c)
	}
	for _, l := range cfg.Faults.Leaky {
		c, err := newCell(codec, l.Addr, l.Bit)
		if err != nil {
			return nil, fmt.Errorf("sim: leaky cell: %w", err)
		}
		c.retention = l.Retention
		b.cells = append(b.cells, c)
	}
	now := b.now()
	for _, c := range b.cells {
		c.reset(now)
	}

	b.mapBus()
	modSim.InfoZ("simulated board ready").
		Stringer("geometry", cfg.Geometry).
		Stringer("mapping", cfg.Mapping).
		Int("weak", len(cfg.Faults.Weak)).
		Int("leaky", len(cfg.Faults.Leaky)).
		End()
	return b, nil
}

func (b *Board) mapBus() {
	l := b.cfg.Layout
	b.table = hwio.NewTable("sim")

	b.ram = &hwio.Mem{Name: "main_ram", Data: make([]byte, l.MainRAM.Size), WriteCb: b.ramWritten}
	b.paddr = &hwio.Mem{Name: "reader_pattern_addr", Data: make([]byte, l.PatternAddr.Size)}
	b.pmem = &hwio.Mem{Name: "payload", Data: make([]byte, l.Payload.Size)}
	b.table.MapMem(l.MainRAM.Base, b.ram)
	b.table.MapMem(l.PatternAddr.Base, b.paddr)
	b.table.MapMem(l.PatternData.Base, &hwio.Mem{Name: "reader_pattern_data", Data: make([]byte, l.PatternData.Size)})
	b.table.MapMem(l.Payload.Base, b.pmem)

	b.refresh = &hwio.Reg32{Name: board.RegRefresh, Value: 1, RoMask: ^uint32(1), WriteCb: b.writeRefresh}
	b.readerReady = &hwio.Reg32{Name: board.RegReaderReady, Value: 1, Flags: hwio.ReadOnlyFlag}
	b.readerDone = &hwio.Reg32{Name: board.RegReaderDone, Flags: hwio.ReadOnlyFlag, ReadCb: b.readDone}
	b.readerCount = &hwio.Reg32{Name: board.RegReaderCount}
	b.readerModulo = &hwio.Reg32{Name: board.RegReaderModulo, RoMask: ^uint32(1)}
	b.readerDiv = &hwio.Reg32{Name: board.RegReaderDataDiv}
	b.payloadReady = &hwio.Reg32{Name: board.RegPayloadReady, Value: 1, Flags: hwio.ReadOnlyFlag, ReadCb: b.readPayloadReady}

	for _, reg := range []*hwio.Reg32{
		b.refresh, b.readerReady, b.readerDone, b.readerCount, b.readerModulo, b.readerDiv, b.payloadReady,
		{Name: board.RegReaderMemMask},
		{Name: board.RegReaderSkipFifo, RoMask: ^uint32(1)},
		{Name: board.RegReaderStart, Flags: hwio.WriteOnlyFlag, WriteCb: b.startReader},
		{Name: board.RegPayloadStart, Flags: hwio.WriteOnlyFlag, WriteCb: b.startPayload},
	} {
		b.table.MapReg(reg)
	}
}

func (b *Board) Geometry() dram.Geometry { return b.cfg.Geometry }
func (b *Board) Layout() board.Layout    { return b.cfg.Layout }

// Counters returns a snapshot of the activity counters.
func (b *Board) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// RefreshEnabled reports whether the memory controller refreshes the DRAM.
func (b *Board) RefreshEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshOff.IsZero()
}

func (b *Board) ReadRegister(ctx context.Context, name string) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, transport.Wrap("read "+name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.table.Read32(name)
	return v, transport.Wrap("read "+name, err)
}

func (b *Board) WriteRegister(ctx context.Context, name string, val uint32) error {
	if err := ctx.Err(); err != nil {
		return transport.Wrap("write "+name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return transport.Wrap("write "+name, b.table.Write32(name, val))
}

func (b *Board) BulkWrite(ctx context.Context, base uint64, words []uint32) error {
	if err := ctx.Err(); err != nil {
		return transport.Wrap("bulk write", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mem, off, err := b.table.Lookup(base)
	if err != nil {
		return transport.Wrap("bulk write", err)
	}
	return transport.Wrap("bulk write", mem.WriteWords(off, words))
}

func (b *Board) BulkReadCompare(ctx context.Context, base, length uint64, pattern []uint32) ([]transport.Mismatch, error) {
	const op = "bulk read"
	if err := ctx.Err(); err != nil {
		return nil, transport.Wrap(op, err)
	}
	if len(pattern) == 0 || length%4 != 0 {
		return nil, transport.Wrap(op, fmt.Errorf("invalid compare: length %#x, %d pattern words", length, len(pattern)))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leak(b.now())

	mem, off, err := b.table.Lookup(base)
	if err != nil {
		return nil, transport.Wrap(op, err)
	}
	words, err := mem.Words(off, int(length/4))
	if err != nil {
		return nil, transport.Wrap(op, err)
	}
	var mm []transport.Mismatch
	for i, w := range words {
		if exp := pattern[i%len(pattern)]; w != exp {
			mm = append(mm, transport.Mismatch{Addr: base + uint64(i)*4, Observed: w, Expected: exp})
		}
	}
	return mm, nil
}

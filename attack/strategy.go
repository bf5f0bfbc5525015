package attack

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"rowhammer/board"
	"rowhammer/dram"
	"rowhammer/log"
	"rowhammer/payload"
	"rowhammer/transport"
)

// Strategy drives a hardware engine to hammer rows.
type Strategy interface {
	Kind() StrategyKind

	// Check reports whether n rows can be hammered on a board with layout l.
	Check(n int, l board.Layout) error

	// Hammer issues count activations spread over rows (physical), in bank.
	Hammer(ctx context.Context, d *Driver, bank, column int, rows []int, count uint64) error
}

// ParseStrategy returns the strategy called name ("bist" or "payload").
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "bist", "bistburst":
		return BistBurst{}, nil
	case "payload", "payloadexecutor":
		return PayloadExecutor{Timing: payload.DefaultTiming}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q (want bist or payload)", name)
}

func checkRows(n int, l board.Layout) error {
	if n <= 0 || n > l.MaxBurstRows() {
		return fmt.Errorf("%w: %d rows, want 1 to %d", ErrUnsupportedRowCount, n, l.MaxBurstRows())
	}
	return nil
}

// BistBurst hammers with the BIST reader cycling over an address table: the
// reader issues count reads, one row after the other.
type BistBurst struct{}

func (BistBurst) Kind() StrategyKind { return Bist }

func (BistBurst) Check(n int, l board.Layout) error {
	if err := checkRows(n, l); err != nil {
		return err
	}
	if bits.OnesCount(uint(n)) != 1 {
		return fmt.Errorf("%w: BIST needs a power of two rows, got %d", ErrUnsupportedRowCount, n)
	}
	return nil
}

func (BistBurst) Hammer(ctx context.Context, d *Driver, bank, column int, rows []int, count uint64) error {
	if count > math.MaxUint32 {
		return fmt.Errorf("%w: BIST count %d exceeds 32 bits", ErrInvalidConfig, count)
	}
	c := d.client

	addrs := make([]uint32, len(rows))
	for i, r := range rows {
		off, err := d.codec.Encode(dram.PhysicalAddress{Bank: bank, Row: r, Column: column})
		if err != nil {
			return err
		}
		addrs[i] = d.codec.DMAWord(off)
	}

	// drain the error FIFO
	if err := c.WriteRegister(ctx, board.RegReaderSkipFifo, 1); err != nil {
		return err
	}
	if err := d.Sleep(ctx, 10*d.PollInterval); err != nil {
		return transport.Wrap("BIST fifo drain", err)
	}
	if err := c.WriteRegister(ctx, board.RegReaderSkipFifo, 0); err != nil {
		return err
	}
	ready, err := c.ReadRegister(ctx, board.RegReaderReady)
	if err != nil {
		return err
	}
	if ready != 1 {
		return fmt.Errorf("BIST reader not ready")
	}

	regs := []struct {
		name string
		val  uint32
	}{
		{board.RegReaderSkipFifo, 1},
		{board.RegReaderMemMask, 0},
		{board.RegReaderModulo, 1},
		{board.RegReaderDataDiv, uint32(len(rows) - 1)},
	}
	for _, r := range regs {
		if err := c.WriteRegister(ctx, r.name, r.val); err != nil {
			return err
		}
	}
	if err := c.BulkWrite(ctx, d.layout.PatternAddr.Base, addrs); err != nil {
		return err
	}
	data := make([]uint32, min(16, d.layout.PatternData.Size/4))
	for i := range data {
		data[i] = 0xaaaaaaaa
	}
	if err := c.BulkWrite(ctx, d.layout.PatternData.Base, data); err != nil {
		return err
	}
	if err := c.WriteRegister(ctx, board.RegReaderCount, uint32(count)); err != nil {
		return err
	}
	if err := c.WriteRegister(ctx, board.RegReaderStart, 1); err != nil {
		return err
	}
	if err := c.WriteRegister(ctx, board.RegReaderStart, 0); err != nil {
		return err
	}

	err = d.poll(ctx, "BIST poll", func() (bool, error) {
		done, err := c.ReadRegister(ctx, board.RegReaderDone)
		if err != nil {
			return false, err
		}
		d.Observer.OnProgress(uint64(done), count)
		ready, err := c.ReadRegister(ctx, board.RegReaderReady)
		return ready == 1, err
	})
	if err != nil {
		return err
	}
	if done, err := c.ReadRegister(ctx, board.RegReaderDone); err == nil {
		d.Observer.OnProgress(uint64(done), count)
	}
	return c.WriteRegister(ctx, board.RegReaderModulo, 0)
}

// PayloadExecutor hammers with a program of ACT/PRE pairs looped over the
// rows. Each row gets ceil(count/len(rows)) activations, keeping the total
// in line with BistBurst.
type PayloadExecutor struct {
	Timing payload.Timing
}

func (PayloadExecutor) Kind() StrategyKind { return Payload }

func (PayloadExecutor) Check(n int, l board.Layout) error {
	if err := checkRows(n, l); err != nil {
		return err
	}
	// 2 words per row, plus loop and stop
	if words := uint64(2*n + 3); words*4 > l.Payload.Size {
		return fmt.Errorf("%w: program of %d words exceeds payload memory", ErrUnsupportedRowCount, words)
	}
	return nil
}

func (pe PayloadExecutor) Hammer(ctx context.Context, d *Driver, bank, _ int, rows []int, count uint64) error {
	n := uint64(len(rows))
	iters := (count + n - 1) / n
	prog, err := payload.HammerProgram(bank, rows, iters, pe.Timing)
	if err != nil {
		return err
	}
	words, err := prog.Encode()
	if err != nil {
		return err
	}
	log.ModAttack.DebugZ("payload").Int("words", len(words)).Uint("iterations", iters).End()

	c := d.client
	if err := c.BulkWrite(ctx, d.layout.Payload.Base, words); err != nil {
		return err
	}
	total := iters * n
	d.Observer.OnProgress(0, total)
	if err := c.WriteRegister(ctx, board.RegPayloadStart, 1); err != nil {
		return err
	}
	if err := c.WriteRegister(ctx, board.RegPayloadStart, 0); err != nil {
		return err
	}
	err = d.poll(ctx, "payload poll", func() (bool, error) {
		ready, err := c.ReadRegister(ctx, board.RegPayloadReady)
		return ready == 1, err
	})
	if err != nil {
		return err
	}
	d.Observer.OnProgress(total, total)
	return nil
}

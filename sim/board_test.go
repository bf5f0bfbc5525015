package sim

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rowhammer/board"
	"rowhammer/dram"
	"rowhammer/payload"
	"rowhammer/transport"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBoard(t *testing.T, fm FaultModel, m dram.RowMapping) (*Board, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cfg := DefaultConfig()
	cfg.Faults = fm
	cfg.Mapping = m
	cfg.Now = clk.Now
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return b, clk
}

func fill(t *testing.T, b *Board, word uint32) {
	t.Helper()
	ram := b.Layout().MainRAM
	words := make([]uint32, ram.Size/4)
	for i := range words {
		words[i] = word
	}
	if err := b.BulkWrite(context.Background(), ram.Base, words); err != nil {
		t.Fatal(err)
	}
}

func compare(t *testing.T, b *Board, word uint32) []transport.Mismatch {
	t.Helper()
	ram := b.Layout().MainRAM
	mm, err := b.BulkReadCompare(context.Background(), ram.Base, ram.Size, []uint32{word})
	if err != nil {
		t.Fatal(err)
	}
	return mm
}

// burst runs a BIST burst over rows the way the attack driver does.
func burst(t *testing.T, b *Board, bank int, rows []int, count uint32) {
	t.Helper()
	ctx := context.Background()
	codec := dram.MustNewCodec(b.Geometry())
	var table []uint32
	for _, r := range rows {
		off, err := codec.Encode(dram.PhysicalAddress{Bank: bank, Row: r})
		if err != nil {
			t.Fatal(err)
		}
		table = append(table, codec.DMAWord(off))
	}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(b.BulkWrite(ctx, b.Layout().PatternAddr.Base, table))
	must(b.WriteRegister(ctx, board.RegReaderModulo, 1))
	must(b.WriteRegister(ctx, board.RegReaderDataDiv, uint32(len(rows)-1)))
	must(b.WriteRegister(ctx, board.RegReaderCount, count))
	must(b.WriteRegister(ctx, board.RegReaderStart, 1))
	must(b.WriteRegister(ctx, board.RegReaderStart, 0))

	var last uint32
	for range 100 {
		done, err := b.ReadRegister(ctx, board.RegReaderDone)
		must(err)
		if done < last {
			t.Fatalf("reader_done went backwards: %d < %d", done, last)
		}
		last = done
		ready, err := b.ReadRegister(ctx, board.RegReaderReady)
		must(err)
		if ready == 1 {
			if done != count {
				t.Fatalf("reader_done = %d at completion, want %d", done, count)
			}
			return
		}
	}
	t.Fatal("BIST burst never completed")
}

func TestFillCompareClean(t *testing.T) {
	b, _ := newTestBoard(t, FaultModel{}, dram.TrivialMapping)
	fill(t, b, 0xaaaaaaaa)
	if mm := compare(t, b, 0xaaaaaaaa); len(mm) != 0 {
		t.Fatalf("fresh fill has %d mismatches", len(mm))
	}
}

func TestBISTHammerFlipsVictim(t *testing.T) {
	victim := dram.PhysicalAddress{Bank: 1, Row: 10, Column: 3}
	fm := FaultModel{Weak: []WeakCell{{Addr: victim, Bit: 13, Threshold: 3000}}}
	b, _ := newTestBoard(t, fm, dram.TrivialMapping)

	fill(t, b, 0)
	burst(t, b, 1, []int{9, 11}, 2000) // 1000 activations per aggressor
	if mm := compare(t, b, 0); len(mm) != 0 {
		t.Fatalf("flip below threshold: %+v", mm)
	}
	burst(t, b, 1, []int{9, 11}, 2000) // cumulative 4000
	mm := compare(t, b, 0)

	codec := dram.MustNewCodec(b.Geometry())
	off, _ := codec.Encode(victim)
	want := []transport.Mismatch{{
		Addr:     b.Layout().MainRAM.Base + off, // bit 13 is in the first 32-bit word
		Observed: 1 << 13,
		Expected: 0,
	}}
	if diff := cmp.Diff(want, mm); diff != "" {
		t.Errorf("mismatches (-want +got):\n%s", diff)
	}

	// a fill recharges the cell
	fill(t, b, 0)
	if mm := compare(t, b, 0); len(mm) != 0 {
		t.Errorf("mismatch after refill: %+v", mm)
	}
	if c := b.Counters(); c.Bursts != 2 || c.Flips != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestHammerFollowsRowMapping(t *testing.T) {
	// with type-b, bus rows 2*l are logical rows l: hammering logical 4 and 6
	// means bus rows 8 and 12; logical victim 5 sits on bus row 10.
	victim := dram.PhysicalAddress{Bank: 0, Row: 10, Column: 0}
	fm := FaultModel{Weak: []WeakCell{{Addr: victim, Bit: 0, Threshold: 100}}}

	b, _ := newTestBoard(t, fm, dram.TypeBMapping)
	fill(t, b, 0)
	burst(t, b, 0, []int{9, 11}, 1000)
	if mm := compare(t, b, 0); len(mm) != 0 {
		t.Fatalf("bus neighbors flipped a mapped victim: %+v", mm)
	}
	burst(t, b, 0, []int{8, 12}, 1000)
	if mm := compare(t, b, 0); len(mm) != 1 {
		t.Fatalf("got %d mismatches, want 1", len(mm))
	}
}

func TestRetention(t *testing.T) {
	cellAddr := dram.PhysicalAddress{Bank: 2, Row: 100, Column: 5}
	fm := FaultModel{Leaky: []LeakyCell{{Addr: cellAddr, Bit: 40, Retention: 2 * time.Second}}}
	b, clk := newTestBoard(t, fm, dram.TrivialMapping)
	ctx := context.Background()

	fill(t, b, 0xffffffff)
	clk.Advance(10 * time.Second)
	if mm := compare(t, b, 0xffffffff); len(mm) != 0 {
		t.Fatalf("leak with refresh on: %+v", mm)
	}

	if err := b.WriteRegister(ctx, board.RegRefresh, 0); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if mm := compare(t, b, 0xffffffff); len(mm) != 0 {
		t.Fatalf("leak before retention time: %+v", mm)
	}
	clk.Advance(time.Second)
	if err := b.WriteRegister(ctx, board.RegRefresh, 1); err != nil {
		t.Fatal(err)
	}
	mm := compare(t, b, 0xffffffff)
	if len(mm) != 1 {
		t.Fatalf("got %d mismatches, want 1", len(mm))
	}
	// bit 40 is bit 0 of byte 5, in the second word of the column
	if got, want := mm[0].Observed, uint32(0xfffffeff); got != want {
		t.Errorf("observed %#x, want %#x", got, want)
	}
	if !b.RefreshEnabled() {
		t.Errorf("refresh still disabled")
	}
}

func TestPayloadExecutor(t *testing.T) {
	victim := dram.PhysicalAddress{Bank: 3, Row: 51, Column: 7}
	fm := FaultModel{Weak: []WeakCell{{Addr: victim, Bit: 63, Threshold: 5000}}}
	b, _ := newTestBoard(t, fm, dram.TrivialMapping)
	ctx := context.Background()
	fill(t, b, 0x55555555)

	prog, err := payload.HammerProgram(3, []int{50, 52}, 2500, payload.DefaultTiming)
	if err != nil {
		t.Fatal(err)
	}
	words, err := prog.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.BulkWrite(ctx, b.Layout().Payload.Base, words); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteRegister(ctx, board.RegPayloadStart, 1); err != nil {
		t.Fatal(err)
	}
	for range 100 {
		ready, err := b.ReadRegister(ctx, board.RegPayloadReady)
		if err != nil {
			t.Fatal(err)
		}
		if ready == 1 {
			break
		}
	}
	if mm := compare(t, b, 0x55555555); len(mm) != 1 {
		t.Fatalf("got %d mismatches, want 1", len(mm))
	}
	if c := b.Counters(); c.Payloads != 1 {
		t.Errorf("payloads = %d", c.Payloads)
	}
}

func TestTransportErrors(t *testing.T) {
	b, _ := newTestBoard(t, FaultModel{}, dram.TrivialMapping)
	ctx := context.Background()

	if _, err := b.ReadRegister(ctx, "no_such_reg"); !transport.IsTransport(err) {
		t.Errorf("unknown register: %v", err)
	}
	if err := b.WriteRegister(ctx, board.RegReaderReady, 0); !transport.IsTransport(err) {
		t.Errorf("write to read-only register: %v", err)
	}
	if err := b.BulkWrite(ctx, 0x10, []uint32{1}); !transport.IsTransport(err) {
		t.Errorf("unmapped write: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := b.ReadRegister(cctx, board.RegRefresh); !transport.IsTransport(err) {
		t.Errorf("canceled read: %v", err)
	}
}

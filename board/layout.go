// Package board describes the test board's bus: CSR names and the location of
// its memory windows.
package board

import "fmt"

// CSR names exposed by the rowhammer tester SoC.
const (
	RegRefresh = "controller_settings_refresh"

	RegReaderStart    = "reader_start"
	RegReaderReady    = "reader_ready"
	RegReaderDone     = "reader_done"
	RegReaderCount    = "reader_count"
	RegReaderModulo   = "reader_modulo"
	RegReaderMemMask  = "reader_mem_mask"
	RegReaderDataDiv  = "reader_data_div"
	RegReaderSkipFifo = "reader_skip_fifo"

	RegPayloadStart = "payload_executor_start"
	RegPayloadReady = "payload_executor_ready"
)

// Region is a window of the board bus.
type Region struct {
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether [addr, addr+n) lies within r.
func (r Region) Contains(addr, n uint64) bool {
	return addr >= r.Base && addr+n <= r.End() && addr+n >= addr
}

func (r Region) String() string { return fmt.Sprintf("[%#x, %#x)", r.Base, r.End()) }

// Layout is the memory map of the board.
type Layout struct {
	MainRAM     Region `toml:"main_ram"`
	PatternAddr Region `toml:"reader_pattern_addr"` // BIST address table
	PatternData Region `toml:"reader_pattern_data"` // BIST data table
	Payload     Region `toml:"payload"`             // payload executor program memory
}

// DefaultLayout returns the memory map of the ZCU104 tester SoC for a main
// RAM of the given size.
func DefaultLayout(ramSize uint64) Layout {
	return Layout{
		MainRAM:     Region{Base: 0x4000_0000, Size: ramSize},
		PatternAddr: Region{Base: 0x2000_0000, Size: 32 * 4},
		PatternData: Region{Base: 0x2000_1000, Size: 32 * 4},
		Payload:     Region{Base: 0x2001_0000, Size: 0x1_0000},
	}
}

// Validate checks that windows are non-empty and do not overlap.
func (l Layout) Validate() error {
	regions := []struct {
		name string
		r    Region
	}{
		{"main_ram", l.MainRAM},
		{"reader_pattern_addr", l.PatternAddr},
		{"reader_pattern_data", l.PatternData},
		{"payload", l.Payload},
	}
	for i, a := range regions {
		if a.r.Size == 0 || a.r.Size%4 != 0 {
			return fmt.Errorf("layout: %s size %#x must be a non-zero multiple of 4", a.name, a.r.Size)
		}
		for _, b := range regions[i+1:] {
			if a.r.Base < b.r.End() && b.r.Base < a.r.End() {
				return fmt.Errorf("layout: %s %v overlaps %s %v", a.name, a.r, b.name, b.r)
			}
		}
	}
	return nil
}

// MaxBurstRows is the size of the BIST address table.
func (l Layout) MaxBurstRows() int { return int(l.PatternAddr.Size / 4) }

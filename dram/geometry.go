// Package dram describes DRAM module geometry and the translations between
// DMA offsets, physical (bank, row, column) triples and logical row numbers.
package dram

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidAddress is returned when an address or offset falls outside the
// geometry it is decoded or encoded against.
var ErrInvalidAddress = errors.New("invalid address")

// Geometry describes the organisation of the DRAM module under test. All
// fields except ChipWidth must be powers of two. A Geometry is immutable for
// the whole duration of a run.
type Geometry struct {
	Banks       int `toml:"banks"`
	Rows        int `toml:"rows"`
	Columns     int `toml:"columns"`
	BusWidth    int `toml:"bus_width"`    // data bus width, in bits (64 for a DIMM)
	ChipWidth   int `toml:"chip_width"`   // data width of a single chip, in bits (x8 = 8)
	BurstLength int `toml:"burst_length"` // columns transferred by one DMA word
}

// Predefined module geometries.
var (
	// MTA4ATF1G64HZ is the Micron 4GB SO-DIMM shipped with the ZCU104.
	MTA4ATF1G64HZ = Geometry{Banks: 8, Rows: 128 * 1024, Columns: 1024, BusWidth: 64, ChipWidth: 8, BurstLength: 8}

	// M471A1K43EB1 is the Samsung 8GB DDR4-3200 SO-DIMM.
	M471A1K43EB1 = Geometry{Banks: 16, Rows: 64 * 1024, Columns: 1024, BusWidth: 64, ChipWidth: 8, BurstLength: 8}
)

// Modules maps module part numbers to their geometry.
var Modules = map[string]Geometry{
	"MTA4ATF1G64HZ": MTA4ATF1G64HZ,
	"M471A1K43EB1":  M471A1K43EB1,
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

// Validate checks that g can be used to build a Codec.
func (g Geometry) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"banks", g.Banks},
		{"rows", g.Rows},
		{"columns", g.Columns},
		{"bus_width", g.BusWidth},
		{"burst_length", g.BurstLength},
	} {
		if !isPow2(f.v) {
			return fmt.Errorf("geometry: %s must be a power of two, got %d", f.name, f.v)
		}
	}
	if g.BusWidth < 8 {
		return fmt.Errorf("geometry: bus_width must be at least 8 bits, got %d", g.BusWidth)
	}
	if g.ChipWidth <= 0 || g.BusWidth%g.ChipWidth != 0 {
		return fmt.Errorf("geometry: chip_width %d does not divide bus_width %d", g.ChipWidth, g.BusWidth)
	}
	if g.BurstLength > g.Columns {
		return fmt.Errorf("geometry: burst_length %d exceeds columns %d", g.BurstLength, g.Columns)
	}
	return nil
}

func log2(v int) uint { return uint(bits.TrailingZeros(uint(v))) }

// ColumnBytes is the number of bytes stored at a single column address.
func (g Geometry) ColumnBytes() int { return g.BusWidth / 8 }

// DMAWordBytes is the size in bytes of a DMA word, that is a full burst.
func (g Geometry) DMAWordBytes() int { return g.ColumnBytes() * g.BurstLength }

// RowBytes is the number of bytes stored in a row of a single bank.
func (g Geometry) RowBytes() int { return g.ColumnBytes() * g.Columns }

// Size is the total addressable size of the module, in bytes.
func (g Geometry) Size() uint64 {
	return uint64(g.Banks) * uint64(g.Rows) * uint64(g.RowBytes())
}

// Chips is the number of chips sharing the data bus.
func (g Geometry) Chips() int { return g.BusWidth / g.ChipWidth }

func (g Geometry) String() string {
	return fmt.Sprintf("banks=%d rows=%d cols=%d bus=%db", g.Banks, g.Rows, g.Columns, g.BusWidth)
}

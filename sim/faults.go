package sim

import (
	"fmt"
	"math/rand/v2"
	"time"

	"rowhammer/dram"
)

// WeakCell is a bit flipping once its neighbor rows received Threshold
// activations in total since the cell was last written.
type WeakCell struct {
	Addr      dram.PhysicalAddress `toml:"addr"`
	Bit       int                  `toml:"bit"` // bit within the column bus word
	Threshold uint64               `toml:"threshold"`
}

// LeakyCell is a bit flipping once refresh has been disabled for Retention
// since the cell was last written.
type LeakyCell struct {
	Addr      dram.PhysicalAddress `toml:"addr"`
	Bit       int                  `toml:"bit"`
	Retention time.Duration        `toml:"retention"`
}

// FaultModel lists the defective cells of a simulated module. Row numbers
// are the rows seen on the bus.
type FaultModel struct {
	Weak  []WeakCell  `toml:"weak"`
	Leaky []LeakyCell `toml:"leaky"`
}

// RandomFaults returns a fault model with nweak hammer-sensitive cells and
// nleaky retention-limited cells spread uniformly over g.
func RandomFaults(r *rand.Rand, g dram.Geometry, nweak, nleaky int) FaultModel {
	addr := func() dram.PhysicalAddress {
		return dram.PhysicalAddress{
			Bank:   r.IntN(g.Banks),
			Row:    r.IntN(g.Rows),
			Column: r.IntN(g.Columns),
		}
	}
	var fm FaultModel
	for range nweak {
		fm.Weak = append(fm.Weak, WeakCell{
			Addr:      addr(),
			Bit:       r.IntN(g.BusWidth),
			Threshold: 10_000 + r.Uint64N(190_000),
		})
	}
	for range nleaky {
		fm.Leaky = append(fm.Leaky, LeakyCell{
			Addr:      addr(),
			Bit:       r.IntN(g.BusWidth),
			Retention: time.Second + time.Duration(r.Int64N(int64(9*time.Second))),
		})
	}
	return fm
}

// cell is the runtime state of a defective bit.
type cell struct {
	addr dram.PhysicalAddress
	off  uint64 // byte offset within main RAM
	mask byte

	threshold uint64
	retention time.Duration

	disturb uint64
	charged time.Time
	flipped bool
}

func newCell(c *dram.Codec, addr dram.PhysicalAddress, bit int) (*cell, error) {
	off, err := c.Encode(addr)
	if err != nil {
		return nil, err
	}
	if bit < 0 || bit >= c.Geometry().BusWidth {
		return nil, fmt.Errorf("sim: bit %d outside %d-bit bus", bit, c.Geometry().BusWidth)
	}
	return &cell{
		addr: addr,
		off:  off + uint64(bit/8),
		mask: 1 << (bit % 8),
	}, nil
}

func (c *cell) reset(now time.Time) {
	c.disturb = 0
	c.charged = now
	c.flipped = false
}

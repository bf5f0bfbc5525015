// Package scan fills DRAM with a data background and scans it back for
// flipped bits.
package scan

import (
	"context"
	"fmt"
	"math/bits"

	"rowhammer/board"
	"rowhammer/dram"
	"rowhammer/fault"
	"rowhammer/log"
	"rowhammer/transport"
)

// Region is a byte range of the module, as DMA offsets.
type Region struct {
	Offset uint64
	Size   uint64
}

func (r Region) String() string { return fmt.Sprintf("[%#x, %#x)", r.Offset, r.Offset+r.Size) }

// DefaultChunk is the number of words moved by a single bulk operation.
const DefaultChunk = 1 << 18

type Engine struct {
	client transport.Client
	codec  *dram.Codec
	ram    board.Region

	// Chunk bounds the size of bulk operations, in 32-bit words.
	Chunk int
}

// New returns an engine for the module described by codec, mapped at ram on
// the board bus.
func New(c transport.Client, codec *dram.Codec, ram board.Region) *Engine {
	return &Engine{client: c, codec: codec, ram: ram, Chunk: DefaultChunk}
}

func (e *Engine) Codec() *dram.Codec { return e.codec }

// Whole returns the region covering the full module.
func (e *Engine) Whole() Region {
	return Region{Size: e.codec.Geometry().Size()}
}

// Rows returns the region covering rows [first, last] of every bank. With the
// row-bank-column layout, this is a contiguous range.
func (e *Engine) Rows(first, last int) (Region, error) {
	g := e.codec.Geometry()
	start, err := e.codec.Encode(dram.PhysicalAddress{Row: first})
	if err != nil {
		return Region{}, err
	}
	end, err := e.codec.Encode(dram.PhysicalAddress{Bank: g.Banks - 1, Row: last})
	if err != nil {
		return Region{}, err
	}
	if end < start {
		return Region{}, fmt.Errorf("%w: row range %d..%d", dram.ErrInvalidAddress, first, last)
	}
	return Region{Offset: start, Size: end - start + uint64(g.RowBytes())}, nil
}

func (e *Engine) check(r Region) error {
	if r.Offset%4 != 0 || r.Size%4 != 0 || r.Size == 0 {
		return fmt.Errorf("scan: region %v not word aligned", r)
	}
	if r.Offset+r.Size > e.codec.Geometry().Size() || r.Offset+r.Size > e.ram.Size {
		return fmt.Errorf("%w: region %v beyond module", dram.ErrInvalidAddress, r)
	}
	return nil
}

func (e *Engine) chunkWords() uint64 {
	if e.Chunk <= 0 {
		return DefaultChunk
	}
	return uint64(e.Chunk)
}

func (e *Engine) chunks(r Region, fn func(off uint64, words int) error) error {
	chunk := e.chunkWords()
	for off := r.Offset; off < r.Offset+r.Size; off += chunk * 4 {
		n := min(chunk, (r.Offset+r.Size-off)/4)
		if err := fn(off, int(n)); err != nil {
			return err
		}
	}
	return nil
}

// Fill writes word over the whole of region.
func (e *Engine) Fill(ctx context.Context, region Region, word uint32) error {
	if err := e.check(region); err != nil {
		return err
	}
	log.ModScan.DebugZ("fill").Hex64("offset", region.Offset).Uint("size", region.Size).Hex32("word", word).End()

	buf := make([]uint32, min(e.chunkWords(), region.Size/4))
	for i := range buf {
		buf[i] = word
	}
	return e.chunks(region, func(off uint64, n int) error {
		return e.client.BulkWrite(ctx, e.ram.Base+off, buf[:n])
	})
}

// Scan compares region against word and returns every flipped bit, decoded
// into physical addresses.
func (e *Engine) Scan(ctx context.Context, region Region, word uint32) ([]fault.BitFlip, error) {
	if err := e.check(region); err != nil {
		return nil, err
	}
	var flips []fault.BitFlip
	err := e.chunks(region, func(off uint64, n int) error {
		mm, err := e.client.BulkReadCompare(ctx, e.ram.Base+off, uint64(n)*4, []uint32{word})
		if err != nil {
			return err
		}
		for _, m := range mm {
			f, err := e.narrow(m)
			if err != nil {
				return err
			}
			flips = append(flips, f...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.ModScan.DebugZ("scan done").Stringer("region", region).Int("flips", len(flips)).End()
	return flips, nil
}

// narrow splits a mismatching word into flipped bits.
func (e *Engine) narrow(m transport.Mismatch) ([]fault.BitFlip, error) {
	if m.Addr < e.ram.Base {
		return nil, fmt.Errorf("%w: mismatch at bus address %#x below RAM", dram.ErrInvalidAddress, m.Addr)
	}
	off := m.Addr - e.ram.Base
	diff := m.Observed ^ m.Expected
	var flips []fault.BitFlip
	for b := range 4 {
		shift := uint(b * 8)
		x := uint8(diff >> shift)
		if x == 0 {
			continue
		}
		addr, byteIdx, err := e.codec.DecodeByte(off + uint64(b))
		if err != nil {
			return nil, err
		}
		for x != 0 {
			bit := bits.TrailingZeros8(x)
			x &= x - 1
			flips = append(flips, fault.BitFlip{
				Addr:     addr,
				Bit:      byteIdx*8 + bit,
				Observed: uint8(m.Observed >> shift),
				Expected: uint8(m.Expected >> shift),
			})
		}
	}
	return flips, nil
}

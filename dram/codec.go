package dram

import "fmt"

// PhysicalAddress identifies a single column of a row in a bank.
type PhysicalAddress struct {
	Bank   int
	Row    int
	Column int
}

func (a PhysicalAddress) String() string {
	return fmt.Sprintf("bank=%d row=%d col=%d", a.Bank, a.Row, a.Column)
}

// Codec converts between physical addresses and linear DMA byte offsets.
//
// Offsets are laid out row, then bank, then column (LiteDRAM ROW_BANK_COL
// mapping), each column occupying ColumnBytes bytes:
//
//	offset = ((row << bankBits | bank) << colBits | col) * ColumnBytes
type Codec struct {
	geom Geometry

	bankBits uint
	colBits  uint
	rowBits  uint
	colShift uint // log2(ColumnBytes)
}

// NewCodec returns a codec for g.
func NewCodec(g Geometry) (*Codec, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Codec{
		geom:     g,
		bankBits: log2(g.Banks),
		colBits:  log2(g.Columns),
		rowBits:  log2(g.Rows),
		colShift: log2(g.ColumnBytes()),
	}, nil
}

// MustNewCodec is like NewCodec but panics on invalid geometry.
func MustNewCodec(g Geometry) *Codec {
	c, err := NewCodec(g)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Codec) Geometry() Geometry { return c.geom }

// Contains reports whether a lies within the codec geometry.
func (c *Codec) Contains(a PhysicalAddress) bool {
	return a.Bank >= 0 && a.Bank < c.geom.Banks &&
		a.Row >= 0 && a.Row < c.geom.Rows &&
		a.Column >= 0 && a.Column < c.geom.Columns
}

// Encode returns the DMA byte offset of the first byte of column a.
func (c *Codec) Encode(a PhysicalAddress) (uint64, error) {
	if !c.Contains(a) {
		return 0, fmt.Errorf("%w: %v outside %v", ErrInvalidAddress, a, c.geom)
	}
	idx := uint64(a.Row)<<c.bankBits | uint64(a.Bank)
	idx = idx<<c.colBits | uint64(a.Column)
	return idx << c.colShift, nil
}

// Decode returns the address of the column containing offset. Offsets which
// are not column-aligned decode to the column they fall into.
func (c *Codec) Decode(off uint64) (PhysicalAddress, error) {
	a, _, err := c.DecodeByte(off)
	return a, err
}

// DecodeByte is like Decode but also returns the byte index of off within
// the column.
func (c *Codec) DecodeByte(off uint64) (PhysicalAddress, int, error) {
	if off >= c.geom.Size() {
		return PhysicalAddress{}, 0, fmt.Errorf("%w: offset %#x beyond %#x", ErrInvalidAddress, off, c.geom.Size())
	}
	byteIdx := int(off & (1<<c.colShift - 1))
	idx := off >> c.colShift
	col := int(idx & (1<<c.colBits - 1))
	idx >>= c.colBits
	bank := int(idx & (1<<c.bankBits - 1))
	row := int(idx >> c.bankBits)
	return PhysicalAddress{Bank: bank, Row: row, Column: col}, byteIdx, nil
}

// RowSpan returns the byte offset of the first column of row in bank and the
// number of contiguous bytes belonging to that row.
func (c *Codec) RowSpan(bank, row int) (uint64, uint64, error) {
	off, err := c.Encode(PhysicalAddress{Bank: bank, Row: row})
	if err != nil {
		return 0, 0, err
	}
	return off, uint64(c.geom.RowBytes()), nil
}

// DMAWord converts a byte offset into the DMA word address used by the BIST
// address tables.
func (c *Codec) DMAWord(off uint64) uint32 {
	return uint32(off / uint64(c.geom.DMAWordBytes()))
}

// DMAOffset converts a DMA word address back into a byte offset.
func (c *Codec) DMAOffset(word uint32) uint64 {
	return uint64(word) * uint64(c.geom.DMAWordBytes())
}

// Package fault groups decoded bit flips into per-row summaries.
package fault

import (
	"fmt"
	"maps"
	"slices"

	"rowhammer/dram"
)

// BitFlip is a single bit found flipped by a scan.
type BitFlip struct {
	Addr     dram.PhysicalAddress
	Bit      int  // bit index within the column bus word
	Observed byte // byte holding Bit, as read back
	Expected byte
}

func (f BitFlip) String() string {
	return fmt.Sprintf("%v bit=%d %02x!=%02x", f.Addr, f.Bit, f.Observed, f.Expected)
}

// Column holds the flipped bits of a single column.
type Column struct {
	Bits  []int // sorted, without duplicates
	Count int   // len(Bits)
}

// RowFaults summarizes the flips found in one physical row of a bank.
type RowFaults struct {
	Bank       int
	Row        int // physical
	LogicalRow int
	Columns    map[int]Column
	Total      int // sum of Count over Columns
}

// ColumnIndices returns the faulty columns in increasing order.
func (rf RowFaults) ColumnIndices() []int {
	return slices.Sorted(maps.Keys(rf.Columns))
}

type rowKey struct{ bank, row int }

// Aggregate groups flips by bank and row, then by column. The result is
// sorted by bank then row and does not depend on the order of flips.
func Aggregate(flips []BitFlip, m dram.RowMapper) []RowFaults {
	bits := make(map[rowKey]map[int]map[int]struct{})
	for _, f := range flips {
		k := rowKey{f.Addr.Bank, f.Addr.Row}
		cols := bits[k]
		if cols == nil {
			cols = make(map[int]map[int]struct{})
			bits[k] = cols
		}
		set := cols[f.Addr.Column]
		if set == nil {
			set = make(map[int]struct{})
			cols[f.Addr.Column] = set
		}
		set[f.Bit] = struct{}{}
	}

	rows := make([]RowFaults, 0, len(bits))
	for k, cols := range bits {
		rf := RowFaults{
			Bank:       k.bank,
			Row:        k.row,
			LogicalRow: m.PhysicalToLogical(k.row),
			Columns:    make(map[int]Column, len(cols)),
		}
		for col, set := range cols {
			c := Column{Bits: slices.Sorted(maps.Keys(set))}
			c.Count = len(c.Bits)
			rf.Columns[col] = c
			rf.Total += c.Count
		}
		rows = append(rows, rf)
	}
	slices.SortFunc(rows, func(a, b RowFaults) int {
		if a.Bank != b.Bank {
			return a.Bank - b.Bank
		}
		return a.Row - b.Row
	})
	return rows
}

// Count returns the total number of flipped bits over rows.
func Count(rows []RowFaults) int {
	n := 0
	for _, rf := range rows {
		n += rf.Total
	}
	return n
}

// SplitByChip splits rf into one summary per chip of the data bus, keyed by
// chip index. Bit positions become relative to the chip.
func SplitByChip(rf RowFaults, g dram.Geometry) map[int]RowFaults {
	chips := make(map[int]RowFaults)
	for col, c := range rf.Columns {
		for _, bit := range c.Bits {
			chip := bit / g.ChipWidth
			cr, ok := chips[chip]
			if !ok {
				cr = RowFaults{Bank: rf.Bank, Row: rf.Row, LogicalRow: rf.LogicalRow, Columns: make(map[int]Column)}
			}
			cc := cr.Columns[col]
			cc.Bits = append(cc.Bits, bit%g.ChipWidth)
			cc.Count++
			cr.Columns[col] = cc
			cr.Total++
			chips[chip] = cr
		}
	}
	return chips
}

// Rows returns the distinct logical rows of rows, sorted.
func Rows(rows []RowFaults) []int {
	set := make(map[int]struct{}, len(rows))
	for _, rf := range rows {
		set[rf.LogicalRow] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

package hwio

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReg32(t *testing.T) {
	r := Reg32{Name: "r", Value: 0x11, RoMask: 0xF0}

	if got, _ := r.Read32(); got != 0x11 {
		t.Errorf("invalid read: %x", got)
	}

	r.Write32(0x77)
	if r.Value != 0x17 {
		t.Errorf("writemask not respected: %x", r.Value)
	}
}

func TestReg32Flags(t *testing.T) {
	ro := Reg32{Name: "ro", Value: 1, Flags: ReadOnlyFlag}
	if err := ro.Write32(5); err == nil {
		t.Errorf("write to readonly register succeeded")
	}
	if ro.Value != 1 {
		t.Errorf("readonly register modified: %x", ro.Value)
	}

	wo := Reg32{Name: "wo", Flags: WriteOnlyFlag}
	if _, err := wo.Read32(); err == nil {
		t.Errorf("read from writeonly register succeeded")
	}
}

func TestReg32Callbacks(t *testing.T) {
	var writes [][2]uint32
	r := Reg32{
		Name:    "cnt",
		ReadCb:  func(val uint32) uint32 { return val + 1 },
		WriteCb: func(old, val uint32) { writes = append(writes, [2]uint32{old, val}) },
	}
	r.Write32(3)
	r.Write32(9)
	if got, _ := r.Read32(); got != 10 {
		t.Errorf("Read32 = %d, want 10", got)
	}
	if diff := cmp.Diff([][2]uint32{{0, 3}, {3, 9}}, writes); diff != "" {
		t.Errorf("write callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable("bus")
	reg := &Reg32{Name: "ctrl"}
	tbl.MapReg(reg)

	ram := &Mem{Name: "ram", Data: make([]byte, 0x100)}
	table := &Mem{Name: "table", Data: make([]byte, 0x40)}
	tbl.MapMem(0x4000_0000, ram)
	tbl.MapMem(0x1000, table)

	if err := tbl.Write32("ctrl", 7); err != nil {
		t.Fatal(err)
	}
	if got, _ := tbl.Read32("ctrl"); got != 7 {
		t.Errorf("ctrl = %d, want 7", got)
	}
	if _, err := tbl.Read32("nope"); err == nil {
		t.Errorf("read of unknown register succeeded")
	}

	tests := []struct {
		addr uint64
		mem  *Mem
		off  uint64
	}{
		{0x1000, table, 0},
		{0x103c, table, 0x3c},
		{0x4000_0000, ram, 0},
		{0x4000_00fc, ram, 0xfc},
		{0x1040, nil, 0},
		{0x0, nil, 0},
		{0x4000_0100, nil, 0},
	}
	for _, tt := range tests {
		m, off, err := tbl.Lookup(tt.addr)
		if tt.mem == nil {
			if err == nil {
				t.Errorf("Lookup(%#x) = %s, want unmapped", tt.addr, m.Name)
			}
			continue
		}
		if err != nil || m != tt.mem || off != tt.off {
			t.Errorf("Lookup(%#x) = %v, %#x, %v", tt.addr, m, off, err)
		}
	}
}

func TestMemWords(t *testing.T) {
	var cbOff uint64
	var cbN int
	m := &Mem{Name: "m", Data: make([]byte, 16), WriteCb: func(off uint64, n int) { cbOff, cbN = off, n }}

	if err := m.WriteWords(4, []uint32{0xdeadbeef, 0x01020304}); err != nil {
		t.Fatal(err)
	}
	if cbOff != 4 || cbN != 2 {
		t.Errorf("WriteCb(%d, %d), want (4, 2)", cbOff, cbN)
	}
	words, err := m.Words(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0, 0xdeadbeef, 0x01020304, 0}, words); diff != "" {
		t.Errorf("Words mismatch (-want +got):\n%s", diff)
	}
	if m.Data[4] != 0xef {
		t.Errorf("memory is not little-endian: % x", m.Data)
	}

	if err := m.WriteWords(12, []uint32{1, 2}); err == nil {
		t.Errorf("out of bounds write succeeded")
	}
	if _, err := m.Read32(2); err == nil {
		t.Errorf("unaligned read succeeded")
	}
}

func TestBitops(t *testing.T) {
	var v uint32
	SetBit32(&v, 3)
	SetBit32(&v, 31)
	if !GetBit32(v, 3) || !GetBit32(v, 31) || GetBit32(v, 4) {
		t.Errorf("bad bits: %032b", v)
	}
	ClearBit32(&v, 31)
	if v != 8 {
		t.Errorf("v = %x, want 8", v)
	}
	if Byte32(0xaabbccdd, 2) != 0xbb {
		t.Errorf("Byte32 = %x", Byte32(0xaabbccdd, 2))
	}
	b := uint8(0x0f)
	FlipBit8(&b, 7)
	if b != 0x8f || !GetBit8(b, 7) {
		t.Errorf("b = %x", b)
	}
}

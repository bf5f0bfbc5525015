package dram

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCodecScenario(t *testing.T) {
	g := Geometry{Banks: 16, Rows: 8192, Columns: 1024, BusWidth: 64, ChipWidth: 8, BurstLength: 8}
	c := MustNewCodec(g)

	off, err := c.Encode(PhysicalAddress{})
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Errorf("Encode(0,0,0) = %#x, want 0", off)
	}

	a, err := c.Decode(0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(PhysicalAddress{}, a); diff != "" {
		t.Errorf("Decode(0) mismatch (-want +got):\n%s", diff)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	geoms := []Geometry{
		{Banks: 16, Rows: 8192, Columns: 1024, BusWidth: 64, ChipWidth: 8, BurstLength: 8},
		{Banks: 4, Rows: 128 * 1024, Columns: 1024, BusWidth: 32, ChipWidth: 16, BurstLength: 8},
		{Banks: 8, Rows: 64, Columns: 16, BusWidth: 64, ChipWidth: 8, BurstLength: 8},
	}
	for _, g := range geoms {
		t.Run(g.String(), func(t *testing.T) {
			c := MustNewCodec(g)
			step := max(1, g.Rows/512)
			for bank := 0; bank < g.Banks; bank++ {
				for row := 0; row < g.Rows; row += step {
					for _, col := range []int{0, 1, g.Columns / 2, g.Columns - 1} {
						a := PhysicalAddress{Bank: bank, Row: row, Column: col}
						off, err := c.Encode(a)
						if err != nil {
							t.Fatalf("Encode(%v): %v", a, err)
						}
						got, err := c.Decode(off)
						if err != nil {
							t.Fatalf("Decode(%#x): %v", off, err)
						}
						if got != a {
							t.Fatalf("Decode(Encode(%v)) = %v", a, got)
						}
					}
				}
			}
		})
	}
}

func TestCodecOffsetsAreDense(t *testing.T) {
	g := Geometry{Banks: 2, Rows: 4, Columns: 8, BusWidth: 64, ChipWidth: 8, BurstLength: 8}
	c := MustNewCodec(g)

	seen := make(map[uint64]PhysicalAddress)
	for bank := 0; bank < g.Banks; bank++ {
		for row := 0; row < g.Rows; row++ {
			for col := 0; col < g.Columns; col++ {
				a := PhysicalAddress{bank, row, col}
				off, _ := c.Encode(a)
				if prev, ok := seen[off]; ok {
					t.Fatalf("%v and %v both encode to %#x", prev, a, off)
				}
				if off >= g.Size() || off%8 != 0 {
					t.Fatalf("Encode(%v) = %#x, not a column offset within %#x", a, off, g.Size())
				}
				seen[off] = a
			}
		}
	}
}

func TestCodecInvalid(t *testing.T) {
	c := MustNewCodec(Geometry{Banks: 4, Rows: 16, Columns: 8, BusWidth: 64, ChipWidth: 8, BurstLength: 8})

	for _, a := range []PhysicalAddress{
		{Bank: 4}, {Row: 16}, {Column: 8}, {Bank: -1}, {Row: -3},
	} {
		if _, err := c.Encode(a); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Encode(%v) err = %v, want ErrInvalidAddress", a, err)
		}
	}
	if _, err := c.Decode(c.Geometry().Size()); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Decode(size) err = %v, want ErrInvalidAddress", err)
	}
}

func TestDecodeByte(t *testing.T) {
	c := MustNewCodec(Geometry{Banks: 4, Rows: 16, Columns: 8, BusWidth: 64, ChipWidth: 8, BurstLength: 8})
	base, _ := c.Encode(PhysicalAddress{Bank: 2, Row: 5, Column: 3})

	a, b, err := c.DecodeByte(base + 5)
	if err != nil {
		t.Fatal(err)
	}
	if a != (PhysicalAddress{Bank: 2, Row: 5, Column: 3}) || b != 5 {
		t.Errorf("DecodeByte = %v, %d", a, b)
	}
}

func TestDMAWord(t *testing.T) {
	g := Geometry{Banks: 16, Rows: 8192, Columns: 1024, BusWidth: 64, ChipWidth: 8, BurstLength: 8}
	c := MustNewCodec(g)

	off, _ := c.Encode(PhysicalAddress{Bank: 3, Row: 100, Column: 16})
	w := c.DMAWord(off)
	if got := c.DMAOffset(w); got != off {
		t.Errorf("DMAOffset(DMAWord(%#x)) = %#x", off, got)
	}
	if g.DMAWordBytes() != 64 {
		t.Errorf("DMAWordBytes = %d, want 64", g.DMAWordBytes())
	}
}

func TestGeometryValidate(t *testing.T) {
	tests := []struct {
		name string
		g    Geometry
		ok   bool
	}{
		{"micron", MTA4ATF1G64HZ, true},
		{"samsung", M471A1K43EB1, true},
		{"rows not pow2", Geometry{Banks: 4, Rows: 1000, Columns: 8, BusWidth: 64, ChipWidth: 8, BurstLength: 8}, false},
		{"chip width", Geometry{Banks: 4, Rows: 16, Columns: 8, BusWidth: 64, ChipWidth: 7, BurstLength: 8}, false},
		{"burst too long", Geometry{Banks: 4, Rows: 16, Columns: 4, BusWidth: 64, ChipWidth: 8, BurstLength: 8}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%t", err, tt.ok)
			}
		})
	}
}

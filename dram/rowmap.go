package dram

import (
	"fmt"
	"sort"
	"strings"
)

// RowMapper translates between logical row numbers, the user-facing
// numbering in which consecutive rows are electrical neighbors, and physical
// row numbers, the row addresses driven on the DRAM bus.
type RowMapper interface {
	LogicalToPhysical(row int) int
	PhysicalToLogical(row int) int
}

// RowMapping is the closed set of known row mapping schemes. Every variant
// satisfies PhysicalToLogical(LogicalToPhysical(r)) == r for all r >= 0.
type RowMapping uint8

const (
	TrivialMapping      RowMapping = iota // identity
	TypeAMapping                          // bit 3 controls an xor of bits 1 and 2
	TypeBMapping                          // physical = logical * 2
	SamsungMapping                        // bit 3 controls an inversion of bits 1 and 2
	SamsungGroupMapping                   // cycle remap of rows 7..16 in each group of 16

	numMappings
)

var mappingNames = [numMappings]string{
	TrivialMapping:      "trivial",
	TypeAMapping:        "type-a",
	TypeBMapping:        "type-b",
	SamsungMapping:      "samsung",
	SamsungGroupMapping: "samsung-group",
}

// Aliases accepted by RowMappingByName, matching historical scheme names.
var mappingAliases = map[string]RowMapping{
	"trivialrowmapping": TrivialMapping,
	"sequential":        TrivialMapping,
	"typearowmapping":   TypeAMapping,
	"typebrowmapping":   TypeBMapping,
	"samsungrowmapping": SamsungMapping,
}

func (m RowMapping) String() string {
	if m < numMappings {
		return mappingNames[m]
	}
	return fmt.Sprintf("RowMapping(%d)", uint8(m))
}

// RowMappingByName returns the mapping registered under name (case insensitive).
func RowMappingByName(name string) (RowMapping, error) {
	lname := strings.ToLower(name)
	for m, n := range mappingNames {
		if n == lname {
			return RowMapping(m), nil
		}
	}
	if m, ok := mappingAliases[lname]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("unknown row mapping %q (valid: %s)", name, strings.Join(RowMappingNames(), ", "))
}

// RowMappingNames returns the canonical names of all mappings, sorted.
func RowMappingNames() []string {
	names := append([]string(nil), mappingNames[:]...)
	sort.Strings(names)
	return names
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RowMapping) UnmarshalText(text []byte) error {
	v, err := RowMappingByName(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m RowMapping) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m RowMapping) LogicalToPhysical(row int) int {
	switch m {
	case TypeAMapping:
		bit3 := (row & 8) >> 3
		return row ^ (bit3 << 1) ^ (bit3 << 2)
	case TypeBMapping:
		return row * 2
	case SamsungMapping:
		return samsungInvert(row)
	case SamsungGroupMapping:
		return groupRemap(row, &groupL2P)
	}
	return row
}

func (m RowMapping) PhysicalToLogical(row int) int {
	switch m {
	case TypeAMapping:
		bit3 := (row & 8) >> 3
		return row ^ (bit3 << 1) ^ (bit3 << 2)
	case TypeBMapping:
		return row / 2
	case SamsungMapping:
		return samsungInvert(row)
	case SamsungGroupMapping:
		return groupRemap(row, &groupP2L)
	}
	return row
}

// samsungInvert inverts bits 1 and 2 when bit 3 is set. It is an involution.
func samsungInvert(row int) int {
	if row&0x8 == 0 {
		return row
	}
	return row&^0x6 | ^row&0x6
}

// Rows are grouped by 16. Within a group, positions are numbered 1 to 16
// (position 16 being the first row of the next group of 16 in absolute
// numbering). Positions 1-6 are left unchanged, odd and even positions of
// 7-16 each follow a 5-cycle.
var groupP2L = [17]int{
	0, 1, 2, 3, 4, 5, 6,
	7: 13, 9: 15, 11: 7, 13: 9, 15: 11,
	8: 12, 10: 14, 12: 16, 14: 8, 16: 10,
}

var groupL2P = func() (inv [17]int) {
	for p := 1; p <= 16; p++ {
		inv[groupP2L[p]] = p
	}
	return inv
}()

func groupRemap(row int, table *[17]int) int {
	if row <= 0 {
		return row
	}
	pos := (row-1)%16 + 1
	base := row - pos
	return base + table[pos]
}

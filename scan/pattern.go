package scan

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// PatternKind selects how the background word of a row is chosen.
type PatternKind uint8

const (
	PatternAll0 PatternKind = iota
	PatternAll1
	Pattern01InRow
	Pattern01PerRow
	PatternRandPerRow
	PatternLiteral
)

var patternNames = map[string]PatternKind{
	"all_0":        PatternAll0,
	"all_1":        PatternAll1,
	"01_in_row":    Pattern01InRow,
	"01_per_row":   Pattern01PerRow,
	"rand_per_row": PatternRandPerRow,
}

// Pattern is a data background. Only single-word backgrounds are written:
// a region is filled with the word of a single row.
type Pattern struct {
	Kind PatternKind
	Word uint32 // PatternLiteral only
	Seed uint64 // PatternRandPerRow only
}

// ParsePattern parses a pattern name or a literal hex word ("0x1234abcd").
func ParsePattern(s string) (Pattern, error) {
	if k, ok := patternNames[strings.ToLower(s)]; ok {
		return Pattern{Kind: k}, nil
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		w, err := strconv.ParseUint(rest, 16, 32)
		if err == nil {
			return Pattern{Kind: PatternLiteral, Word: uint32(w)}, nil
		}
	}
	return Pattern{}, fmt.Errorf("unknown pattern %q (want all_0, all_1, 01_in_row, 01_per_row, rand_per_row or 0x<hex>)", s)
}

func (p *Pattern) UnmarshalText(text []byte) error {
	seed := p.Seed
	pp, err := ParsePattern(string(text))
	if err != nil {
		return err
	}
	*p = pp
	p.Seed = seed
	return nil
}

func (p Pattern) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p Pattern) String() string {
	if p.Kind == PatternLiteral {
		return fmt.Sprintf("0x%08x", p.Word)
	}
	for name, k := range patternNames {
		if k == p.Kind {
			return name
		}
	}
	return fmt.Sprintf("pattern(%d)", p.Kind)
}

// RowWord returns the background word of row.
func (p Pattern) RowWord(row int) uint32 {
	switch p.Kind {
	case PatternAll0:
		return 0x00000000
	case PatternAll1:
		return 0xffffffff
	case Pattern01InRow:
		return 0xaaaaaaaa
	case Pattern01PerRow:
		if row%2 == 0 {
			return 0xaaaaaaaa
		}
		return 0x55555555
	case PatternRandPerRow:
		return rand.New(rand.NewPCG(p.Seed, uint64(row))).Uint32()
	}
	return p.Word
}

package hwio

import (
	"fmt"
	"sort"

	"rowhammer/log"
)

// Table is the address space of the board: named registers and memory
// windows mapped at fixed bus addresses.
type Table struct {
	Name string

	regs map[string]*Reg32
	mems []mapping
}

type mapping struct {
	base uint64
	mem  *Mem
}

func NewTable(name string) *Table {
	t := new(Table)
	t.Name = name
	t.Reset()
	return t
}

func (t *Table) Reset() {
	t.regs = make(map[string]*Reg32)
	t.mems = nil
}

// MapReg maps a register under its name.
func (t *Table) MapReg(reg *Reg32) {
	if _, ok := t.regs[reg.Name]; ok {
		panic(fmt.Errorf("%s: register %q mapped twice", t.Name, reg.Name))
	}
	t.regs[reg.Name] = reg
}

// MapMem maps mem at bus address base. Memory windows must not overlap.
func (t *Table) MapMem(base uint64, mem *Mem) {
	log.ModBoard.DebugZ("mapping mem").
		String("name", mem.Name).
		Hex64("addr", base).
		Hex64("size", mem.Size()).
		End()

	end := base + mem.Size()
	for _, m := range t.mems {
		if base < m.base+m.mem.Size() && m.base < end {
			panic(fmt.Errorf("%s: memory %q overlaps %q", t.Name, mem.Name, m.mem.Name))
		}
	}
	t.mems = append(t.mems, mapping{base: base, mem: mem})
	sort.Slice(t.mems, func(i, j int) bool { return t.mems[i].base < t.mems[j].base })
}

// Reg returns the register called name.
func (t *Table) Reg(name string) (*Reg32, error) {
	reg, ok := t.regs[name]
	if !ok {
		return nil, fmt.Errorf("%s: unknown register %q", t.Name, name)
	}
	return reg, nil
}

// Lookup returns the memory window containing addr and the offset of addr
// within that window.
func (t *Table) Lookup(addr uint64) (*Mem, uint64, error) {
	i := sort.Search(len(t.mems), func(i int) bool {
		return t.mems[i].base+t.mems[i].mem.Size() > addr
	})
	if i == len(t.mems) || t.mems[i].base > addr {
		return nil, 0, fmt.Errorf("%s: unmapped address %#x", t.Name, addr)
	}
	return t.mems[i].mem, addr - t.mems[i].base, nil
}

func (t *Table) Read32(name string) (uint32, error) {
	reg, err := t.Reg(name)
	if err != nil {
		return 0, err
	}
	return reg.Read32()
}

func (t *Table) Write32(name string, val uint32) error {
	reg, err := t.Reg(name)
	if err != nil {
		return err
	}
	return reg.Write32(val)
}

// RegNames returns the sorted names of all mapped registers.
func (t *Table) RegNames() []string {
	names := make([]string, 0, len(t.regs))
	for n := range t.regs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

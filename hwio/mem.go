package hwio

import (
	"encoding/binary"
	"fmt"

	"rowhammer/log"
)

type MemFlags int

const (
	MemFlagReadWrite MemFlags = 0
	MemFlagReadOnly  MemFlags = (1 << iota) // read-only accesses
)

// Mem is a linear memory window that can be mapped into a Table. Memory is
// accessed by 32-bit little-endian words.
type Mem struct {
	Name    string                  // name of the memory area (for debugging)
	Data    []byte                  // actual memory buffer
	Flags   MemFlags                // flags determining how the memory can be accessed
	WriteCb func(off uint64, n int) // optional callback, called after n words were written at off
}

func (m *Mem) Size() uint64 { return uint64(len(m.Data)) }

func (m *Mem) check(off uint64, nwords int) error {
	if off%4 != 0 {
		return fmt.Errorf("%s: unaligned offset %#x", m.Name, off)
	}
	if off+uint64(nwords)*4 > m.Size() {
		return fmt.Errorf("%s: access [%#x, +%d words) out of bounds (size %#x)", m.Name, off, nwords, m.Size())
	}
	return nil
}

// Read32 returns the word at byte offset off.
func (m *Mem) Read32(off uint64) (uint32, error) {
	if err := m.check(off, 1); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.Data[off:]), nil
}

// WriteWords writes words starting at byte offset off.
func (m *Mem) WriteWords(off uint64, words []uint32) error {
	if m.Flags&MemFlagReadOnly != 0 {
		log.ModBoard.ErrorZ("write to readonly memory").
			String("name", m.Name).
			Hex64("off", off).
			End()
		return fmt.Errorf("%s: memory is read-only", m.Name)
	}
	if err := m.check(off, len(words)); err != nil {
		return err
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(m.Data[off+uint64(i)*4:], w)
	}
	if m.WriteCb != nil {
		m.WriteCb(off, len(words))
	}
	return nil
}

// Words returns n words starting at byte offset off.
func (m *Mem) Words(off uint64, n int) ([]uint32, error) {
	if err := m.check(off, n); err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(m.Data[off+uint64(i)*4:])
	}
	return words, nil
}

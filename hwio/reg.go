// Package hwio models the control/status registers and memory windows of the
// test board, as seen through the register transport.
package hwio

import (
	"fmt"

	"rowhammer/log"
)

type RWFlags uint8

const (
	ReadWriteFlag RWFlags = 0
	ReadOnlyFlag  RWFlags = (1 << iota)
	WriteOnlyFlag
)

// Reg32 is a named 32-bit CSR.
type Reg32 struct {
	Name   string
	Value  uint32
	RoMask uint32

	Flags   RWFlags
	ReadCb  func(val uint32) uint32
	WriteCb func(old uint32, val uint32)
}

func (reg Reg32) String() string {
	s := fmt.Sprintf("%s{%08x", reg.Name, reg.Value)
	if reg.ReadCb != nil {
		s += ",r!"
	}
	if reg.WriteCb != nil {
		s += ",w!"
	}
	return s + "}"
}

func (reg *Reg32) write(val uint32) {
	old := reg.Value
	reg.Value = (reg.Value & reg.RoMask) | (val &^ reg.RoMask)
	if reg.WriteCb != nil {
		reg.WriteCb(old, reg.Value)
	}
}

// Write32 writes val into the register, honouring the read-only mask.
func (reg *Reg32) Write32(val uint32) error {
	if reg.Flags&ReadOnlyFlag != 0 {
		log.ModBoard.ErrorZ("invalid Write32 to readonly reg").
			String("name", reg.Name).
			Hex32("val", val).
			End()
		return fmt.Errorf("register %s is read-only", reg.Name)
	}
	reg.write(val)
	return nil
}

// Read32 returns the register value, through the read callback if any.
func (reg *Reg32) Read32() (uint32, error) {
	if reg.Flags&WriteOnlyFlag != 0 {
		log.ModBoard.ErrorZ("invalid Read32 from writeonly reg").
			String("name", reg.Name).
			End()
		return 0, fmt.Errorf("register %s is write-only", reg.Name)
	}
	if reg.ReadCb != nil {
		return reg.ReadCb(reg.Value), nil
	}
	return reg.Value, nil
}

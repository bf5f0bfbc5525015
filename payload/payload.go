// Package payload encodes and decodes programs for the board's payload
// executor, a small sequencer issuing raw DRAM commands.
//
// Every instruction starts with a 32-bit word whose top 3 bits hold the
// opcode. SLEEP and LOOP carry a second word holding a 32-bit count:
//
//	STOP   000 ----------------------------- (all-zero word)
//	NOP    001 cycles[28:0]
//	SLEEP  010 ----------------------------- cycles[31:0]
//	ACT    100 slot[28:24] bank[23:20] row[19:0]
//	PRE    101 slot[28:24] bank[23:20] ---------
//	LOOP   111 jump[28:0]                     count[31:0]
//
// LOOP jumps back jump words, count more times.
package payload

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type OpCode uint8

const (
	OpStop  OpCode = 0b000
	OpNop   OpCode = 0b001
	OpSleep OpCode = 0b010
	OpAct   OpCode = 0b100
	OpPre   OpCode = 0b101
	OpLoop  OpCode = 0b111
)

var opNames = map[OpCode]string{
	OpStop:  "STOP",
	OpNop:   "NOP",
	OpSleep: "SLEEP",
	OpAct:   "ACT",
	OpPre:   "PRE",
	OpLoop:  "LOOP",
}

func (op OpCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OP(%#b)", uint8(op))
}

const (
	MaxBank  = 1<<4 - 1
	MaxRow   = 1<<20 - 1
	MaxSlot  = 1<<5 - 1
	MaxNop   = 1<<29 - 1
	MaxJump  = 1<<29 - 1
	MaxSleep = math.MaxUint32
)

var ErrInvalidProgram = errors.New("invalid payload program")

// Instruction is a single decoded payload instruction.
type Instruction struct {
	Op    OpCode
	Bank  int
	Row   int
	Slot  int    // ACT/PRE: timeslice before the command issues
	Count uint32 // NOP/SLEEP: cycles; LOOP: extra iterations
	Jump  int    // LOOP: words to jump back
}

// Words returns the encoded size of the instruction.
func (in Instruction) Words() int {
	switch in.Op {
	case OpSleep, OpLoop:
		return 2
	}
	return 1
}

func (in Instruction) String() string {
	switch in.Op {
	case OpAct:
		return fmt.Sprintf("ACT bank=%d row=%d slot=%d", in.Bank, in.Row, in.Slot)
	case OpPre:
		return fmt.Sprintf("PRE bank=%d slot=%d", in.Bank, in.Slot)
	case OpNop, OpSleep:
		return fmt.Sprintf("%s %d", in.Op, in.Count)
	case OpLoop:
		return fmt.Sprintf("LOOP jump=%d count=%d", in.Jump, in.Count)
	}
	return in.Op.String()
}

func (in Instruction) encode(dst []uint32) ([]uint32, error) {
	hdr := uint32(in.Op) << 29
	switch in.Op {
	case OpStop:
		return append(dst, 0), nil
	case OpNop:
		if in.Count > MaxNop {
			return dst, fmt.Errorf("%w: NOP cycles %d > %d", ErrInvalidProgram, in.Count, MaxNop)
		}
		return append(dst, hdr|in.Count), nil
	case OpSleep:
		return append(dst, hdr, in.Count), nil
	case OpAct, OpPre:
		if in.Bank < 0 || in.Bank > MaxBank || in.Slot < 0 || in.Slot > MaxSlot {
			return dst, fmt.Errorf("%w: %v: field out of range", ErrInvalidProgram, in)
		}
		hdr |= uint32(in.Slot)<<24 | uint32(in.Bank)<<20
		if in.Op == OpAct {
			if in.Row < 0 || in.Row > MaxRow {
				return dst, fmt.Errorf("%w: row %d > %d", ErrInvalidProgram, in.Row, MaxRow)
			}
			hdr |= uint32(in.Row)
		}
		return append(dst, hdr), nil
	case OpLoop:
		if in.Jump <= 0 || in.Jump > MaxJump {
			return dst, fmt.Errorf("%w: loop jump %d", ErrInvalidProgram, in.Jump)
		}
		return append(dst, hdr|uint32(in.Jump), in.Count), nil
	}
	return dst, fmt.Errorf("%w: unknown opcode %v", ErrInvalidProgram, in.Op)
}

// Program is a sequence of instructions. The encoded form always ends with
// a STOP word.
type Program struct {
	Insts []Instruction
}

func (p *Program) Add(in ...Instruction) { p.Insts = append(p.Insts, in...) }

func Act(bank, row, slot int) Instruction { return Instruction{Op: OpAct, Bank: bank, Row: row, Slot: slot} }
func Pre(bank, slot int) Instruction      { return Instruction{Op: OpPre, Bank: bank, Slot: slot} }
func Nop(cycles uint32) Instruction       { return Instruction{Op: OpNop, Count: cycles} }

// Sleep appends instructions waiting for cycles clock cycles. Waits longer
// than a single SLEEP can express are split; 1 or 2 cycles use NOPs.
func (p *Program) Sleep(cycles uint64) {
	for cycles > MaxSleep {
		p.Add(Instruction{Op: OpSleep, Count: MaxSleep})
		cycles -= MaxSleep
	}
	switch cycles {
	case 0:
	case 1, 2:
		for range cycles {
			p.Add(Nop(1))
		}
	default:
		p.Add(Instruction{Op: OpSleep, Count: uint32(cycles)})
	}
}

// Loop repeats the last n instructions count more times.
func (p *Program) Loop(n int, count uint32) error {
	if n <= 0 || n > len(p.Insts) {
		return fmt.Errorf("%w: loop over %d instructions, have %d", ErrInvalidProgram, n, len(p.Insts))
	}
	jump := 0
	for _, in := range p.Insts[len(p.Insts)-n:] {
		jump += in.Words()
	}
	p.Add(Instruction{Op: OpLoop, Jump: jump, Count: count})
	return nil
}

// Encode returns the program words, terminated by STOP.
func (p *Program) Encode() ([]uint32, error) {
	var (
		words []uint32
		err   error
	)
	for _, in := range p.Insts {
		if words, err = in.encode(words); err != nil {
			return nil, err
		}
	}
	return append(words, 0), nil
}

// Decode parses words up to and including the first STOP. The STOP is not
// part of the returned program.
func Decode(words []uint32) (*Program, error) {
	p := new(Program)
	// word index of the first word of each decoded instruction
	var starts []int
	for i := 0; i < len(words); {
		w := words[i]
		in := Instruction{Op: OpCode(w >> 29)}
		size := 1
		switch in.Op {
		case OpStop:
			if w != 0 {
				return nil, fmt.Errorf("%w: stray bits in STOP at word %d", ErrInvalidProgram, i)
			}
			return p, nil
		case OpNop:
			in.Count = w & MaxNop
		case OpAct:
			in.Row = int(w & MaxRow)
			fallthrough
		case OpPre:
			in.Slot = int(w>>24) & MaxSlot
			in.Bank = int(w>>20) & MaxBank
		case OpSleep, OpLoop:
			if i+1 >= len(words) {
				return nil, fmt.Errorf("%w: truncated %v at word %d", ErrInvalidProgram, in.Op, i)
			}
			in.Count = words[i+1]
			size = 2
			if in.Op == OpLoop {
				in.Jump = int(w & MaxJump)
				if !loopTargetValid(starts, i, in.Jump) {
					return nil, fmt.Errorf("%w: loop at word %d jumps to %d", ErrInvalidProgram, i, i-in.Jump)
				}
			}
		default:
			return nil, fmt.Errorf("%w: unknown opcode %#b at word %d", ErrInvalidProgram, w>>29, i)
		}
		starts = append(starts, i)
		p.Insts = append(p.Insts, in)
		i += size
	}
	return nil, fmt.Errorf("%w: missing STOP", ErrInvalidProgram)
}

func loopTargetValid(starts []int, at, jump int) bool {
	target := at - jump
	if jump <= 0 || target < 0 {
		return false
	}
	for _, s := range starts {
		if s == target {
			return true
		}
	}
	return false
}

// RowKey identifies a row in a bank.
type RowKey struct{ Bank, Row int }

// Stats summarizes the effect of running a program.
type Stats struct {
	Activations map[RowKey]uint64 // ACT commands per row
	Cycles      uint64            // cycles spent in NOP and SLEEP
}

// Stats computes, without executing loops one by one, how many times each
// row gets activated and how long the program waits.
func (p *Program) Stats() Stats {
	weights := make([]uint64, len(p.Insts))
	wordAt := make([]int, len(p.Insts))
	off := 0
	for i, in := range p.Insts {
		weights[i] = 1
		wordAt[i] = off
		off += in.Words()
	}
	for i, in := range p.Insts {
		if in.Op != OpLoop {
			continue
		}
		target := wordAt[i] - in.Jump
		for j := i - 1; j >= 0 && wordAt[j] >= target; j-- {
			weights[j] *= uint64(in.Count) + 1
		}
	}

	st := Stats{Activations: make(map[RowKey]uint64)}
	for i, in := range p.Insts {
		switch in.Op {
		case OpAct:
			st.Activations[RowKey{in.Bank, in.Row}] += weights[i]
		case OpNop, OpSleep:
			st.Cycles += uint64(in.Count) * weights[i]
		}
	}
	return st
}

func (p *Program) String() string {
	var sb strings.Builder
	off := 0
	for _, in := range p.Insts {
		fmt.Fprintf(&sb, "%04x  %v\n", off, in)
		off += in.Words()
	}
	fmt.Fprintf(&sb, "%04x  STOP\n", off)
	return sb.String()
}

// Timing holds the command timeslices used by hammer programs.
type Timing struct {
	ActSlot int `toml:"act_slot"` // cycles before ACT (tRP after the previous PRE)
	PreSlot int `toml:"pre_slot"` // cycles before PRE (tRAS after ACT)
}

var DefaultTiming = Timing{ActSlot: 4, PreSlot: 10}

// HammerProgram builds a program activating each row of rows in turn,
// repeated iterations times. Iterations is the number of passes, so each
// row receives exactly iterations activations.
func HammerProgram(bank int, rows []int, iterations uint64, tm Timing) (*Program, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidProgram)
	}
	if iterations == 0 {
		return &Program{}, nil
	}
	if iterations-1 > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d iterations exceed loop counter", ErrInvalidProgram, iterations)
	}
	p := new(Program)
	for _, r := range rows {
		p.Add(Act(bank, r, tm.ActSlot), Pre(bank, tm.PreSlot))
	}
	if iterations > 1 {
		if err := p.Loop(2*len(rows), uint32(iterations-1)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

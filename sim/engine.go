package sim

import (
	"time"

	"rowhammer/payload"
)

// ramWritten recharges the defective cells covered by a write.
func (b *Board) ramWritten(off uint64, n int) {
	end := off + uint64(n)*4
	now := b.now()
	for _, c := range b.cells {
		if c.off >= off && c.off < end {
			c.reset(now)
		}
	}
}

func (b *Board) flip(c *cell) {
	c.flipped = true
	b.ram.Data[c.off] ^= c.mask
	b.counters.Flips++
	modSim.DebugZ("bit flip").
		Int("bank", c.addr.Bank).
		Int("row", c.addr.Row).
		Int("col", c.addr.Column).
		Hex64("offset", c.off).
		Hex32("mask", uint32(c.mask)).
		End()
}

func (b *Board) writeRefresh(old, val uint32) {
	b.counters.RefreshWrites++
	now := b.now()
	switch {
	case old&1 == 1 && val&1 == 0:
		b.refreshOff = now
	case old&1 == 0 && val&1 == 1:
		b.leak(now)
		b.refreshOff = time.Time{}
	}
	modSim.DebugZ("refresh").Bool("enabled", val&1 == 1).End()
}

// leak flips the retention-limited cells which went unrefreshed for longer
// than their retention time.
func (b *Board) leak(now time.Time) {
	if b.refreshOff.IsZero() {
		return
	}
	for _, c := range b.cells {
		if c.retention == 0 || c.flipped {
			continue
		}
		start := c.charged
		if b.refreshOff.After(start) {
			start = b.refreshOff
		}
		if now.Sub(start) >= c.retention {
			b.flip(c)
		}
	}
}

// hammer applies the disturbance caused by acts to the hammer-sensitive cells.
func (b *Board) hammer(acts map[payload.RowKey]uint64) {
	m := b.cfg.Mapping
	rows := b.cfg.Geometry.Rows
	for _, c := range b.cells {
		if c.threshold == 0 || c.flipped {
			continue
		}
		lrow := m.PhysicalToLogical(c.addr.Row)
		for _, n := range [2]int{lrow - 1, lrow + 1} {
			if n < 0 || n >= rows {
				continue
			}
			c.disturb += acts[payload.RowKey{Bank: c.addr.Bank, Row: m.LogicalToPhysical(n)}]
		}
		if c.disturb >= c.threshold {
			b.flip(c)
		}
	}
}

func (b *Board) startReader(_, val uint32) {
	if val&1 == 0 || b.readerReady.Value == 0 {
		return
	}
	count := b.readerCount.Value
	j := &job{total: count, bist: true, acts: make(map[payload.RowKey]uint64)}

	if b.readerModulo.Value&1 == 1 {
		n := uint64(b.readerDiv.Value) + 1
		if n*4 > b.paddr.Size() {
			modSim.ErrorZ("reader_data_div beyond address table").Uint("rows", n).End()
			return
		}
		words, _ := b.paddr.Words(0, int(n))
		for i, w := range words {
			a, err := b.codec.Decode(b.codec.DMAOffset(w))
			if err != nil {
				modSim.WarnZ("BIST address outside module").Hex32("word", w).End()
				continue
			}
			// reads cycle over the table: entry i gets one more read while
			// i < count%n
			reads := uint64(count) / n
			if uint64(i) < uint64(count)%n {
				reads++
			}
			j.acts[payloadKey(a.Bank, a.Row)] += reads
		}
	}

	b.job = j
	b.readerReady.Value = 0
	b.readerDone.Value = 0
	b.counters.Bursts++
	modSim.DebugZ("BIST burst started").Uint("count", uint64(count)).Int("rows", len(j.acts)).End()
}

func payloadKey(bank, row int) payload.RowKey { return payload.RowKey{Bank: bank, Row: row} }

// readDone advances a running BIST burst by one poll.
func (b *Board) readDone(val uint32) uint32 {
	j := b.job
	if j == nil || !j.bist {
		return val
	}
	j.polls++
	if j.polls >= b.cfg.PollsPerBurst {
		b.complete()
		b.readerDone.Value = j.total
		b.readerReady.Value = 1
		return j.total
	}
	b.readerDone.Value = uint32(uint64(j.total) * uint64(j.polls) / uint64(b.cfg.PollsPerBurst))
	return b.readerDone.Value
}

func (b *Board) startPayload(_, val uint32) {
	if val&1 == 0 || b.payloadReady.Value == 0 {
		return
	}
	words, _ := b.pmem.Words(0, int(b.pmem.Size()/4))
	prog, err := payload.Decode(words)
	if err != nil {
		modSim.ErrorZ("invalid payload").Error("err", err).End()
		return
	}
	st := prog.Stats()
	b.job = &job{acts: st.Activations}
	b.payloadReady.Value = 0
	b.counters.Payloads++
	modSim.DebugZ("payload started").Int("insts", len(prog.Insts)).Uint("cycles", st.Cycles).End()
}

func (b *Board) readPayloadReady(val uint32) uint32 {
	j := b.job
	if j == nil || j.bist {
		return val
	}
	j.polls++
	if j.polls >= b.cfg.PollsPerBurst {
		b.complete()
		b.payloadReady.Value = 1
		return 1
	}
	return 0
}

func (b *Board) complete() {
	b.hammer(b.job.acts)
	b.leak(b.now())
	b.job = nil
}

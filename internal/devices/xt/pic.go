// Package xt implements the motherboard and ISA devices of a PC/XT-class
// machine on top of the bus dispatcher contract.
package xt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/chipset"
	"github.com/tinyrange/xtpc/internal/hv"
)

const (
	icw1IC4  = 0x01
	icw1SNGL = 0x02
	icw1LTIM = 0x08
	icw1Init = 0x10

	icw4AEOI = 0x02
	icw4SFNM = 0x10

	ocw2Level = 0x07
	ocw2EOI   = 0x20
	ocw2SL    = 0x40
	ocw2R     = 0x80

	ocw3RIS    = 0x01
	ocw3RR     = 0x02
	ocw3Poll   = 0x04
	ocw3Marker = 0x08
	ocw3SMM    = 0x20
	ocw3ESMM   = 0x40

	picSpuriousLine = 7
)

type picState int

const (
	picIdle picState = iota
	picWaitingForICW2
	picWaitingForICW3
	picWaitingForICW4
	picPoll
)

func (s picState) String() string {
	switch s {
	case picIdle:
		return "idle"
	case picWaitingForICW2:
		return "icw2"
	case picWaitingForICW3:
		return "icw3"
	case picWaitingForICW4:
		return "icw4"
	case picPoll:
		return "poll"
	default:
		return fmt.Sprintf("picState(%d)", int(s))
	}
}

// PIC emulates one 8259A interrupt controller with fixed priority. Further
// controllers can be cascaded on any input line with SetSecondary.
type PIC struct {
	mu sync.Mutex

	state     picState
	icw1      byte
	icw2      byte
	icw3      byte
	icw4      byte
	mask      byte
	ocw3      byte
	irr       byte
	isr       byte
	edgeSense byte
	lines     byte
	elcr      byte

	secondary [8]*PIC

	output      chipset.LineInterrupt
	outputLevel bool

	warned map[string]bool
}

// NewPIC returns a controller in its power-up state with its output
// detached.
func NewPIC() *PIC {
	return &PIC{
		output: chipset.LineInterruptDetached(),
		warned: make(map[string]bool),
	}
}

// SetOutput connects the INT output. The current level is driven
// immediately.
func (p *PIC) SetOutput(line chipset.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	p.output = line
	p.outputLevel = p.unservicedLocked() != 0
	p.output.SetLevel(p.outputLevel)
}

// SetSecondary chains sec on input line n. The secondary's output drives
// that line and acknowledge cycles for it return the secondary's vector.
func (p *PIC) SetSecondary(n uint8, sec *PIC) {
	if n > 7 {
		return
	}
	p.mu.Lock()
	p.secondary[n] = sec
	p.mu.Unlock()

	if sec != nil {
		sec.SetOutput(p.Line(n))
	}
}

// Line returns the input handle for line n.
func (p *PIC) Line(n uint8) chipset.LineInterrupt {
	return &picLine{pic: p, n: n & 7}
}

type picLine struct {
	pic *PIC
	n   uint8
}

func (l *picLine) SetLevel(high bool) { l.pic.setLine(l.n, high) }

func (l *picLine) PulseInterrupt() {
	l.pic.setLine(l.n, true)
	l.pic.setLine(l.n, false)
}

func (p *PIC) levelTriggeredLocked(bit byte) bool {
	return p.icw1&icw1LTIM != 0 || p.elcr&bit != 0
}

func (p *PIC) setLine(n uint8, high bool) {
	bit := byte(1) << n

	p.mu.Lock()
	defer p.mu.Unlock()

	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
	}

	if p.levelTriggeredLocked(bit) {
		if high {
			p.irr |= bit
		} else {
			p.irr &^= bit
		}
	} else {
		if high && p.edgeSense&bit == 0 {
			p.irr |= bit
		}
		if high {
			p.edgeSense |= bit
		} else {
			p.edgeSense &^= bit
		}
	}
	p.updateOutputLocked()
}

func (p *PIC) unservicedLocked() byte {
	return p.irr &^ p.mask &^ p.isr
}

func (p *PIC) updateOutputLocked() {
	level := p.unservicedLocked() != 0
	if level == p.outputLevel {
		return
	}
	p.outputLevel = level
	p.output.SetLevel(level)
}

// highestPriority returns the highest priority line set in bits. Line 7 is
// always checked last.
func highestPriority(bits byte) uint8 {
	for n := uint8(0); n < picSpuriousLine; n++ {
		if bits&(1<<n) != 0 {
			return n
		}
	}
	return picSpuriousLine
}

// acceptLocked performs the state change of an acknowledge cycle and returns
// the selected line. requested is false for a spurious cycle.
func (p *PIC) acceptLocked() (line uint8, requested bool) {
	unserviced := p.unservicedLocked()
	if unserviced == 0 {
		return picSpuriousLine, false
	}
	line = highestPriority(unserviced)
	bit := byte(1) << line
	if !p.levelTriggeredLocked(bit) {
		p.irr &^= bit
	}
	if p.icw4&icw4AEOI == 0 {
		p.isr |= bit
	}
	p.updateOutputLocked()
	return line, true
}

// Acknowledge implements hv.InterruptController. When the accepted line has
// a secondary controller chained on it the secondary's vector is returned.
func (p *PIC) Acknowledge() uint8 {
	p.mu.Lock()
	line, requested := p.acceptLocked()
	vector := p.icw2&0xf8 | line
	sec := p.secondary[line]
	p.mu.Unlock()

	if !requested {
		slog.Debug("pic: spurious interrupt acknowledge", "vector", fmt.Sprintf("0x%02x", vector))
		return vector
	}
	if sec != nil {
		return sec.Acknowledge()
	}
	return vector
}

// Write implements bus.Handler. Offset 0 is the command port, offset 1 the
// data port.
func (p *PIC) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		p.writePort(a, v)
	})
}

// Read implements bus.Handler.
func (p *PIC) Read(addr uint64, size int) uint64 {
	return bus.SplitRead[uint8](addr, size, func(a uint64, _ uint8) uint8 {
		return p.readPort(a)
	})
}

func (p *PIC) writePort(addr uint64, v byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr&1 == 0 {
		p.writeCommandLocked(v)
	} else {
		p.writeDataLocked(v)
	}
	p.updateOutputLocked()
}

func (p *PIC) writeCommandLocked(v byte) {
	if v&icw1Init != 0 {
		p.edgeSense = 0
		p.mask = 0
		p.ocw3 = 0
		p.icw1 = v
		if v&icw1IC4 == 0 {
			p.icw4 = 0
		}
		p.state = picWaitingForICW2
		return
	}

	switch p.state {
	case picIdle, picPoll:
	default:
		slog.Warn("pic: operation command during initialization", "state", p.state, "value", fmt.Sprintf("0x%02x", v))
		return
	}

	if v&ocw3Marker != 0 {
		p.writeOCW3Locked(v)
		return
	}
	p.writeOCW2Locked(v)
}

func (p *PIC) writeOCW2Locked(v byte) {
	if v&ocw2R != 0 {
		p.warnOnceLocked("rotate", "pic: rotating priority not supported", "ocw2", v)
	}
	if v&ocw2EOI == 0 {
		if v&ocw2SL != 0 {
			p.warnOnceLocked("priority", "pic: set priority not supported", "ocw2", v)
		}
		return
	}
	if v&ocw2SL != 0 {
		p.isr &^= 1 << (v & ocw2Level)
		return
	}
	if p.isr != 0 {
		p.isr &^= 1 << highestPriority(p.isr)
	}
}

func (p *PIC) writeOCW3Locked(v byte) {
	if v&ocw3ESMM != 0 && v&ocw3SMM != 0 {
		p.warnOnceLocked("smm", "pic: special mask mode not supported", "ocw3", v)
	}
	if v&ocw3RR != 0 {
		p.ocw3 = p.ocw3&^ocw3RIS | v&ocw3RIS
	}
	if v&ocw3Poll != 0 {
		p.state = picPoll
	}
}

func (p *PIC) writeDataLocked(v byte) {
	switch p.state {
	case picWaitingForICW2:
		p.icw2 = v
		switch {
		case p.icw1&icw1SNGL == 0:
			p.state = picWaitingForICW3
		case p.icw1&icw1IC4 != 0:
			p.state = picWaitingForICW4
		default:
			p.state = picIdle
		}
	case picWaitingForICW3:
		p.icw3 = v
		if p.icw1&icw1IC4 != 0 {
			p.state = picWaitingForICW4
		} else {
			p.state = picIdle
		}
	case picWaitingForICW4:
		p.icw4 = v
		if v&icw4SFNM != 0 {
			p.warnOnceLocked("sfnm", "pic: special fully nested mode not supported", "icw4", v)
		}
		p.state = picIdle
	default:
		p.mask = v
	}
}

func (p *PIC) readPort(addr uint64) byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == picPoll {
		p.state = picIdle
		line, requested := p.acceptLocked()
		if requested {
			return 0x80 | line
		}
		return line
	}
	if addr&1 == 0 {
		if p.ocw3&ocw3RIS != 0 {
			return p.isr
		}
		return p.irr
	}
	return p.mask
}

func (p *PIC) warnOnceLocked(key, msg string, reg string, v byte) {
	if p.warned[key] {
		return
	}
	p.warned[key] = true
	slog.Warn(msg, reg, fmt.Sprintf("0x%02x", v))
}

func (p *PIC) setELCR(v byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasLevel := p.elcr
	p.elcr = v
	level := p.elcr
	if p.icw1&icw1LTIM != 0 {
		level = 0xff
		wasLevel = 0xff
	}
	// Lines switched to level mode follow their current level. Lines
	// switched to edge mode need a fresh rising edge.
	toEdge := wasLevel &^ level
	p.edgeSense = p.edgeSense&^toEdge | p.lines&toEdge
	p.irr = p.irr&^level | p.lines&level
	p.updateOutputLocked()
}

func (p *PIC) readELCR() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elcr
}

// ELCR returns the edge/level control register of this controller as a
// one-byte bus device.
func (p *PIC) ELCR() *ELCR {
	return &ELCR{pic: p}
}

// ELCR selects level triggering per input line of a PIC.
type ELCR struct {
	pic *PIC
}

// Write implements bus.Handler.
func (e *ELCR) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		if a == 0 {
			e.pic.setELCR(v)
		}
	})
}

// Read implements bus.Handler.
func (e *ELCR) Read(addr uint64, size int) uint64 {
	return bus.SplitRead[uint8](addr, size, func(a uint64, _ uint8) uint8 {
		if a == 0 {
			return e.pic.readELCR()
		}
		return 0xff
	})
}

// PICState is a snapshot of the controller registers.
type PICState struct {
	State  string `json:"state"`
	ICW1   uint8  `json:"icw1"`
	ICW2   uint8  `json:"icw2"`
	ICW3   uint8  `json:"icw3"`
	ICW4   uint8  `json:"icw4"`
	Mask   uint8  `json:"mask"`
	IRR    uint8  `json:"irr"`
	ISR    uint8  `json:"isr"`
	ELCR   uint8  `json:"elcr"`
	Output bool   `json:"output"`
}

// State returns a snapshot of the controller registers.
func (p *PIC) State() PICState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PICState{
		State:  p.state.String(),
		ICW1:   p.icw1,
		ICW2:   p.icw2,
		ICW3:   p.icw3,
		ICW4:   p.icw4,
		Mask:   p.mask,
		IRR:    p.irr,
		ISR:    p.isr,
		ELCR:   p.elcr,
		Output: p.outputLevel,
	}
}

var (
	_ bus.Handler            = (*PIC)(nil)
	_ bus.Handler            = (*ELCR)(nil)
	_ hv.InterruptController = (*PIC)(nil)
)

package xt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xtpc/internal/bus"
)

const (
	ppiPortA   = 0
	ppiPortB   = 1
	ppiPortC   = 2
	ppiControl = 3

	ppiModeSet = 0x80
	// Group A/B mode selection bits. Only mode 0 is modelled.
	ppiModeSelect = 0x64

	ppiPortAInput      = 0x10
	ppiPortCUpperInput = 0x08
	ppiPortBInput      = 0x02
	ppiPortCLowerInput = 0x01
)

// PPIConsumer is the board logic wired to the three 8255 ports. mask has a
// bit set for every line the PPI currently drives as an output; reads only
// contribute the input lines.
type PPIConsumer interface {
	ReadPortA(mask uint8) uint8
	WritePortA(value, mask uint8)
	ReadPortB(mask uint8) uint8
	WritePortB(value, mask uint8)
	ReadPortC(mask uint8) uint8
	WritePortC(value, mask uint8)
}

// PPI is an 8255 programmable peripheral interface in mode 0.
type PPI struct {
	consumer PPIConsumer
	log      *slog.Logger

	mu    sync.Mutex
	porta uint8
	portb uint8
	portc uint8
	mode  uint8
}

// NewPPI creates a PPI driving consumer. All ports start as outputs.
func NewPPI(consumer PPIConsumer, log *slog.Logger) *PPI {
	if log == nil {
		log = slog.Default()
	}
	return &PPI{consumer: consumer, log: log}
}

func (p *PPI) masksLocked() (a, b, c uint8) {
	if p.mode&ppiPortAInput == 0 {
		a = 0xff
	}
	if p.mode&ppiPortBInput == 0 {
		b = 0xff
	}
	if p.mode&ppiPortCLowerInput == 0 {
		c |= 0x0f
	}
	if p.mode&ppiPortCUpperInput == 0 {
		c |= 0xf0
	}
	return a, b, c
}

// Mode returns the last accepted mode byte.
func (p *PPI) Mode() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Write implements bus.Handler.
func (p *PPI) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		p.writePort(a&3, v)
	})
}

// Read implements bus.Handler.
func (p *PPI) Read(addr uint64, size int) uint64 {
	return bus.SplitRead[uint8](addr, size, func(a uint64, _ uint8) uint8 {
		return p.readPort(a & 3)
	})
}

func (p *PPI) writePort(port uint64, v uint8) {
	p.mu.Lock()
	ma, mb, mc := p.masksLocked()
	switch port {
	case ppiPortA:
		p.porta = v
		p.mu.Unlock()
		p.consumer.WritePortA(v, ma)
	case ppiPortB:
		p.portb = v
		p.mu.Unlock()
		p.consumer.WritePortB(v, mb)
	case ppiPortC:
		p.portc = v
		p.mu.Unlock()
		p.consumer.WritePortC(v, mc)
	default:
		if v&ppiModeSet != 0 {
			if v&ppiModeSelect != 0 {
				p.mu.Unlock()
				p.log.Warn("ppi: only mode 0 is supported", "mode", fmt.Sprintf("0x%02x", v))
				return
			}
			p.mode = v
			p.mu.Unlock()
			return
		}
		// Port C bit set/reset.
		bit := uint8(1) << (v >> 1 & 7)
		if v&1 != 0 {
			p.portc |= bit
		} else {
			p.portc &^= bit
		}
		c := p.portc
		p.mu.Unlock()
		p.consumer.WritePortC(c, mc)
	}
}

func (p *PPI) readPort(port uint64) uint8 {
	p.mu.Lock()
	ma, mb, mc := p.masksLocked()
	a, b, c := p.porta, p.portb, p.portc
	p.mu.Unlock()

	switch port {
	case ppiPortA:
		return p.consumer.ReadPortA(ma)&^ma | a&ma
	case ppiPortB:
		return p.consumer.ReadPortB(mb)&^mb | b&mb
	case ppiPortC:
		return p.consumer.ReadPortC(mc)&^mc | c&mc
	default:
		return 0xff
	}
}

var _ bus.Handler = (*PPI)(nil)

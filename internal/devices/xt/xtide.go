package xt

import (
	"sync"

	"github.com/tinyrange/xtpc/internal/ata"
	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/chipset"
)

const (
	xtideWindowMask = 0x1f
	xtideCS1        = 0x10
	xtideRegMask    = 0x0e
	xtideHighByte   = 0x01
)

// XTIDE bridges an 8-bit ISA port window onto a 16-bit ATA register bus.
// Address bit 4 selects the control block, bits 1-3 the register and bit 0
// the high half of the data register.
type XTIDE struct {
	dev ata.Bus

	mu    sync.Mutex
	latch uint16

	lineMu sync.Mutex
	line   chipset.LineInterrupt
}

// NewXTIDE attaches to dev as its host. Interrupt requests are dropped
// until SetInterruptLine is called.
func NewXTIDE(dev ata.Bus) *XTIDE {
	x := &XTIDE{dev: dev}
	dev.SetHost(x)
	return x
}

// SetInterruptLine routes the device interrupt request to line and drives
// it to the current request state.
func (x *XTIDE) SetInterruptLine(line chipset.LineInterrupt) {
	x.lineMu.Lock()
	x.line = line
	x.lineMu.Unlock()
	if line != nil {
		line.SetLevel(x.dev.InterruptRequested())
	}
}

// InterruptRequestChanged implements ata.Host.
func (x *XTIDE) InterruptRequestChanged(_ ata.Bus, requested bool) {
	x.lineMu.Lock()
	line := x.line
	x.lineMu.Unlock()
	if line != nil {
		line.SetLevel(requested)
	}
}

func decodeXTIDE(addr uint64) (ata.ChipSelect, uint8) {
	cs := ata.CS0
	if addr&xtideCS1 != 0 {
		cs = ata.CS1
	}
	return cs, uint8(addr&xtideRegMask) >> 1
}

// isWordDataAccess reports a 16-bit access that covers both data bytes.
func isWordDataAccess(addr uint64, size int) bool {
	return size == 2 && addr&xtideWindowMask == ata.RegData
}

// Write implements bus.Handler. A word write to the data port goes to the
// device as one transfer.
func (x *XTIDE) Write(addr uint64, size int, data uint64) {
	if isWordDataAccess(addr, size) {
		x.dev.Write(ata.CS0, ata.RegData, uint16(data))
		return
	}
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		x.write8(a, v)
	})
}

// Read implements bus.Handler.
func (x *XTIDE) Read(addr uint64, size int) uint64 {
	if isWordDataAccess(addr, size) {
		return uint64(x.dev.Read(ata.CS0, ata.RegData))
	}
	return bus.SplitRead[uint8](addr, size, func(a uint64, _ uint8) uint8 {
		return x.read8(a)
	})
}

func (x *XTIDE) write8(addr uint64, v uint8) {
	addr &= xtideWindowMask
	cs, reg := decodeXTIDE(addr)
	if cs == ata.CS0 && reg == ata.RegData {
		x.mu.Lock()
		if addr&xtideHighByte != 0 {
			x.latch = x.latch&0x00ff | uint16(v)<<8
			x.mu.Unlock()
			return
		}
		word := x.latch&0xff00 | uint16(v)
		x.mu.Unlock()
		x.dev.Write(cs, reg, word)
		return
	}
	x.dev.Write(cs, reg, uint16(v))
}

func (x *XTIDE) read8(addr uint64) uint8 {
	addr &= xtideWindowMask
	cs, reg := decodeXTIDE(addr)
	if cs == ata.CS0 && reg == ata.RegData {
		if addr&xtideHighByte != 0 {
			x.mu.Lock()
			defer x.mu.Unlock()
			return uint8(x.latch >> 8)
		}
		word := x.dev.Read(cs, reg)
		x.mu.Lock()
		x.latch = word
		x.mu.Unlock()
		return uint8(word)
	}
	return uint8(x.dev.Read(cs, reg))
}

var (
	_ bus.Handler = (*XTIDE)(nil)
	_ ata.Host    = (*XTIDE)(nil)
)

package xt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/chipset"
)

// Mouse accepts pointer input from the presentation layer.
type Mouse interface {
	UpdateButtonState(button uint, pressed bool)
	AddDeltas(dx, dy int)
}

const (
	// The adapter toggles its interrupt request at roughly 30 Hz.
	busMouseInterruptPeriod = 33 * time.Millisecond

	busMouseHold            = 0x80
	busMouseSelectorShift   = 5
	busMouseInterruptOff    = 0x10
	busMouseButtonShift     = 5
	busMouseInterruptJumper = 0x01
)

// BusMouse is a Logitech-style bus mouse adapter: an 8255 whose port A
// returns a nibble of the latched motion counters, selected through port C.
type BusMouse struct {
	ppi  *PPI
	line chipset.LineInterrupt

	uiMu      sync.Mutex
	uiButtons uint
	uiDX      int
	uiDY      int

	mu                sync.Mutex
	buttons           uint
	dx, dy            int8
	selector          uint8
	hold              bool
	interruptEnabled  bool
	interruptAsserted bool

	timerFactory timerFactory
	timer        timerHandle
}

// BusMouseOption customises a BusMouse.
type BusMouseOption func(*BusMouse)

// WithBusMouseTimerFactory injects the interrupt toggle timer.
func WithBusMouseTimerFactory(factory func(time.Duration, func()) timerHandle) BusMouseOption {
	return func(m *BusMouse) {
		if factory != nil {
			m.timerFactory = factory
		}
	}
}

// WithBusMouseLogger sets the logger of the embedded PPI.
func WithBusMouseLogger(log *slog.Logger) BusMouseOption {
	return func(m *BusMouse) { m.ppi.log = log }
}

// NewBusMouse creates the adapter and starts its interrupt timer.
func NewBusMouse(line chipset.LineInterrupt, opts ...BusMouseOption) *BusMouse {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	m := &BusMouse{
		line:         line,
		timerFactory: periodicTimerFactory,
	}
	m.ppi = NewPPI(m, nil)
	for _, opt := range opts {
		opt(m)
	}
	m.timer = m.timerFactory(busMouseInterruptPeriod, m.tick)
	return m
}

// Close stops the interrupt timer.
func (m *BusMouse) Close() error {
	m.mu.Lock()
	stale := m.timer
	m.timer = nil
	m.mu.Unlock()
	if stale != nil {
		stale.Stop()
	}
	return nil
}

func (m *BusMouse) tick() {
	m.mu.Lock()
	m.interruptAsserted = !m.interruptAsserted
	level := m.interruptAsserted && m.interruptEnabled
	m.mu.Unlock()
	m.line.SetLevel(level)
}

// Write implements bus.Handler.
func (m *BusMouse) Write(addr uint64, size int, data uint64) { m.ppi.Write(addr, size, data) }

// Read implements bus.Handler.
func (m *BusMouse) Read(addr uint64, size int) uint64 { return m.ppi.Read(addr, size) }

// UpdateButtonState implements Mouse. Buttons are numbered from 0.
func (m *BusMouse) UpdateButtonState(button uint, pressed bool) {
	m.uiMu.Lock()
	defer m.uiMu.Unlock()
	if pressed {
		m.uiButtons |= 1 << button
	} else {
		m.uiButtons &^= 1 << button
	}
}

// AddDeltas implements Mouse.
func (m *BusMouse) AddDeltas(dx, dy int) {
	m.uiMu.Lock()
	defer m.uiMu.Unlock()
	m.uiDX += dx
	m.uiDY += dy
}

// transferDelta moves at most one int8 worth of motion out of *delta.
func transferDelta(delta *int) int8 {
	n := min(max(*delta, -128), 127)
	*delta -= n
	return int8(n)
}

// ReadPortA implements PPIConsumer.
func (m *BusMouse) ReadPortA(uint8) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var part uint8
	switch m.selector {
	case 0:
		part = uint8(m.dx) & 0x0f
	case 1:
		part = uint8(m.dx) >> 4
	case 2:
		part = uint8(m.dy) & 0x0f
	case 3:
		part = uint8(m.dy) >> 4
	}
	return part | uint8(^m.buttons)<<busMouseButtonShift
}

// WritePortA implements PPIConsumer.
func (m *BusMouse) WritePortA(uint8, uint8) {}

// ReadPortB implements PPIConsumer.
func (m *BusMouse) ReadPortB(uint8) uint8 { return 0xff }

// WritePortB implements PPIConsumer.
func (m *BusMouse) WritePortB(uint8, uint8) {}

// ReadPortC implements PPIConsumer. The low nibble reports the interrupt
// request on the jumpered IRQ.
func (m *BusMouse) ReadPortC(uint8) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interruptAsserted && m.interruptEnabled {
		return busMouseInterruptJumper
	}
	return 0
}

// WritePortC implements PPIConsumer. A rising hold bit latches the
// accumulated motion and button state.
func (m *BusMouse) WritePortC(value, _ uint8) {
	hold := value&busMouseHold != 0

	m.mu.Lock()
	defer m.mu.Unlock()
	latch := hold && !m.hold
	m.hold = hold
	m.selector = value >> busMouseSelectorShift & 3
	m.interruptEnabled = value&busMouseInterruptOff == 0

	if latch {
		m.uiMu.Lock()
		m.buttons = m.uiButtons
		m.dx = transferDelta(&m.uiDX)
		m.dy = transferDelta(&m.uiDY)
		m.uiMu.Unlock()
	}
}

var (
	_ bus.Handler = (*BusMouse)(nil)
	_ PPIConsumer = (*BusMouse)(nil)
	_ Mouse       = (*BusMouse)(nil)
)

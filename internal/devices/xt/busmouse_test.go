package xt

import (
	"testing"

	"github.com/tinyrange/xtpc/internal/chipset"
)

const (
	mousePortA = 0
	mousePortC = 2
)

func newTestMouse() (*BusMouse, *manualTimerFactory, *chipset.LineRecorder) {
	line := chipset.NewLineRecorder()
	factory := &manualTimerFactory{}
	return NewBusMouse(line, WithBusMouseTimerFactory(factory.Factory)), factory, line
}

func readMouseNibble(m *BusMouse, selector uint8) uint8 {
	m.Write(mousePortC, 1, uint64(busMouseHold|selector<<busMouseSelectorShift|busMouseInterruptOff))
	return uint8(m.Read(mousePortA, 1))
}

func TestBusMouseLatchesDeltas(t *testing.T) {
	m, _, _ := newTestMouse()
	defer m.Close()
	// Port A input, port C output.
	m.Write(ppiControl, 1, 0x90)

	m.AddDeltas(-3, 200)
	m.UpdateButtonState(0, true)

	m.Write(mousePortC, 1, busMouseHold|busMouseInterruptOff)
	if got := uint8(m.Read(mousePortA, 1)); got != 0xc0|0x0d {
		t.Fatalf("X low nibble = 0x%02x", got)
	}
	if got := readMouseNibble(m, 1) & 0x0f; got != 0x0f {
		t.Fatalf("X high nibble = 0x%x, want 0xf", got)
	}
	if got := readMouseNibble(m, 2) & 0x0f; got != 0x0f {
		t.Fatalf("Y low nibble = 0x%x, want 0xf", got)
	}
	if got := readMouseNibble(m, 3) & 0x0f; got != 0x07 {
		t.Fatalf("Y high nibble = 0x%x, want 0x7", got)
	}

	// Release and latch again: Y carries the 73 that did not fit.
	m.Write(mousePortC, 1, busMouseInterruptOff)
	m.Write(mousePortC, 1, busMouseHold|2<<busMouseSelectorShift|busMouseInterruptOff)
	if got := uint8(m.Read(mousePortA, 1)) & 0x0f; got != 73&0x0f {
		t.Fatalf("remaining Y low nibble = 0x%x, want 0x%x", got, 73&0x0f)
	}
}

func TestBusMouseInterruptToggle(t *testing.T) {
	m, factory, line := newTestMouse()
	defer m.Close()
	if len(factory.timers) != 1 || factory.timers[0].period != busMouseInterruptPeriod {
		t.Fatalf("interrupt timer not started")
	}
	tick := factory.timers[0].Fire

	m.Write(mousePortC, 1, busMouseInterruptOff)
	tick()
	if line.Level() {
		t.Fatalf("interrupt raised while disabled")
	}
	if got := m.Read(mousePortC, 1); got&busMouseInterruptJumper != 0 {
		t.Fatalf("port C reports a disabled interrupt: 0x%02x", got)
	}

	m.Write(mousePortC, 1, 0)
	tick()
	tick()
	if !line.Level() || line.Rising() != 1 {
		t.Fatalf("level=%v edges=%d after enabling", line.Level(), line.Rising())
	}
	tick()
	if line.Level() {
		t.Fatalf("interrupt did not toggle off")
	}

	m.Close()
	if !factory.timers[0].stopped {
		t.Fatalf("timer not stopped on close")
	}
}

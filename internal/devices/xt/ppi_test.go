package xt

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type portWrite struct {
	port        byte
	value, mask uint8
}

// boardLines answers PPI reads with fixed input levels and records writes.
type boardLines struct {
	a, b, c uint8
	writes  []portWrite
}

func (l *boardLines) ReadPortA(uint8) uint8 { return l.a }
func (l *boardLines) ReadPortB(uint8) uint8 { return l.b }
func (l *boardLines) ReadPortC(uint8) uint8 { return l.c }

func (l *boardLines) WritePortA(v, mask uint8) { l.writes = append(l.writes, portWrite{'A', v, mask}) }
func (l *boardLines) WritePortB(v, mask uint8) { l.writes = append(l.writes, portWrite{'B', v, mask}) }
func (l *boardLines) WritePortC(v, mask uint8) { l.writes = append(l.writes, portWrite{'C', v, mask}) }

func TestPPIModeMasks(t *testing.T) {
	lines := &boardLines{a: 0x3c, b: 0x11, c: 0xa5}
	ppi := NewPPI(lines, nil)

	// XT BIOS setup: A and C inputs, B output.
	ppi.Write(ppiControl, 1, 0x99)
	ppi.Write(ppiPortB, 1, 0x4c)
	ppi.Write(ppiPortA, 1, 0xff)

	if got := ppi.Read(ppiPortA, 1); got != 0x3c {
		t.Fatalf("port A = 0x%02x, want input lines 0x3c", got)
	}
	if got := ppi.Read(ppiPortB, 1); got != 0x4c {
		t.Fatalf("port B = 0x%02x, want latched 0x4c", got)
	}
	if got := ppi.Read(ppiPortC, 1); got != 0xa5 {
		t.Fatalf("port C = 0x%02x, want 0xa5", got)
	}
	want := []portWrite{{'B', 0x4c, 0xff}, {'A', 0xff, 0x00}}
	if len(lines.writes) != 2 || lines.writes[0] != want[0] || lines.writes[1] != want[1] {
		t.Fatalf("writes = %+v, want %+v", lines.writes, want)
	}
}

func TestPPIMixedPortC(t *testing.T) {
	lines := &boardLines{c: 0xff}
	ppi := NewPPI(lines, nil)
	// Upper C output, lower C input.
	ppi.Write(ppiControl, 1, 0x81)
	ppi.Write(ppiPortC, 1, 0x30)
	if got := ppi.Read(ppiPortC, 1); got != 0x3f {
		t.Fatalf("port C = 0x%02x, want 0x3f", got)
	}
}

func TestPPIBitSetReset(t *testing.T) {
	lines := &boardLines{}
	ppi := NewPPI(lines, nil)
	ppi.Write(ppiControl, 1, 0x0b) // set bit 5
	ppi.Write(ppiControl, 1, 0x01) // set bit 0
	ppi.Write(ppiControl, 1, 0x0a) // reset bit 5
	if got := ppi.Read(ppiPortC, 1); got != 0x01 {
		t.Fatalf("port C = 0x%02x, want 0x01", got)
	}
	if n := len(lines.writes); n != 3 {
		t.Fatalf("consumer saw %d port C writes, want 3", n)
	}
}

func TestPPIRejectsNonZeroModes(t *testing.T) {
	var buf bytes.Buffer
	ppi := NewPPI(&boardLines{}, slog.New(slog.NewTextHandler(&buf, nil)))
	ppi.Write(ppiControl, 1, 0x99)
	ppi.Write(ppiControl, 1, 0xa0)
	if ppi.Mode() != 0x99 {
		t.Fatalf("mode = 0x%02x, want 0x99 kept", ppi.Mode())
	}
	if !strings.Contains(buf.String(), "only mode 0") {
		t.Fatalf("missing diagnostic: %q", buf.String())
	}
	if got := ppi.Read(ppiControl, 1); got != 0xff {
		t.Fatalf("control read = 0x%02x", got)
	}
}

func TestNMIControl(t *testing.T) {
	var nmi NMIControl
	nmi.Write(0, 1, 0x80)
	if !nmi.Enabled() {
		t.Fatalf("NMI not enabled")
	}
	nmi.Write(0, 1, 0x7f)
	if nmi.Enabled() {
		t.Fatalf("NMI still enabled")
	}
	if got := nmi.Read(0, 2); got != 0xffff {
		t.Fatalf("read = 0x%x", got)
	}
}

package xt

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

const (
	hgcIndexPort  = 0x04
	hgcDataPort   = 0x05
	hgcModePort   = 0x08
	hgcStatusPort = 0x0a
	hgcConfigPort = 0x0f
)

func writeCRTC(h *Hercules, regs map[uint8]uint8) {
	for idx, v := range regs {
		h.Write(hgcIndexPort, 1, uint64(idx))
		h.Write(hgcDataPort, 1, uint64(v))
	}
}

func TestHerculesTextConfiguration(t *testing.T) {
	h := NewHercules()
	writeCRTC(h, map[uint8]uint8{
		crtcHTotal:           0x61,
		crtcHDisplay:         80,
		crtcVDisplay:         25,
		crtcMaxScanLine:      13,
		crtcCursorStart:      11,
		crtcCursorEnd:        12,
		crtcStartAddressMSB:  0x00,
		crtcStartAddressLSB:  0x10,
		crtcCursorAddressMSB: 0x00,
		crtcCursorAddressLSB: 0x20,
	})
	h.Write(hgcModePort, 1, hgcModeVideo)

	want := AdapterConfiguration{
		VideoEnabled:    true,
		TextMode:        true,
		WidthPixels:     720,
		HeightPixels:    350,
		TextOffset:      0x20,
		TextColumns:     80,
		TextRows:        25,
		CharacterHeight: 14,
		CursorAddress:   0x20,
		FirstCursorLine: 11,
		LastCursorLine:  12,
		GraphicsOffset:  0x20,
	}
	if got := h.AdapterConfiguration(); got != want {
		t.Fatalf("configuration\n got %+v\nwant %+v", got, want)
	}

	h.Write(hgcIndexPort, 1, crtcMaxScanLine)
	if got := h.Read(hgcDataPort, 1); got != 13 {
		t.Fatalf("CRTC read back %d", got)
	}
	if got := h.Read(hgcIndexPort, 1); got != crtcMaxScanLine {
		t.Fatalf("CRTC index read back %d", got)
	}
	if got := h.Read(hgcModePort, 1); got != hgcModeVideo {
		t.Fatalf("mode read back 0x%02x", got)
	}
}

func TestHerculesGraphicsPage(t *testing.T) {
	h := NewHercules()
	writeCRTC(h, map[uint8]uint8{crtcHDisplay: 45, crtcVDisplay: 87, crtcMaxScanLine: 3})

	h.Write(hgcModePort, 1, hgcModeVideo|hgcModeGraphics|hgcModePage1)
	if !h.AdapterConfiguration().TextMode {
		t.Fatalf("graphics mode allowed without the configuration switch")
	}

	h.Write(hgcConfigPort, 1, hgcAllowText)
	cfg := h.AdapterConfiguration()
	if cfg.TextMode {
		t.Fatalf("still in text mode")
	}
	if cfg.WidthPixels != 720 || cfg.HeightPixels != 348 {
		t.Fatalf("resolution %dx%d, want 720x348", cfg.WidthPixels, cfg.HeightPixels)
	}
	if cfg.GraphicsOffset != hgcPage1Offset {
		t.Fatalf("graphics offset 0x%x, want page 1", cfg.GraphicsOffset)
	}
}

func TestHerculesRetraceStatus(t *testing.T) {
	var now int64
	h := NewHercules(WithHerculesClock(func() time.Time { return time.Unix(0, now) }))
	writeCRTC(h, map[uint8]uint8{crtcHTotal: 0x61, crtcHDisplay: 80})

	if got := h.Read(hgcStatusPort, 1); got != 0xf0 {
		t.Fatalf("status during display = 0x%02x", got)
	}
	now = 50000
	if got := h.Read(hgcStatusPort, 1); got != 0xf1 {
		t.Fatalf("status during retrace = 0x%02x", got)
	}
}

func TestHerculesCRTCOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	h := NewHercules(WithHerculesLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	h.Write(hgcIndexPort, 1, 0x20)
	h.Write(hgcDataPort, 1, 0x55)
	if got := h.Read(hgcDataPort, 1); got != 0xff {
		t.Fatalf("out of range CRTC read = 0x%02x", got)
	}
	if !strings.Contains(buf.String(), "out of range") {
		t.Fatalf("missing diagnostic: %q", buf.String())
	}
}

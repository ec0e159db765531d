package xt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/xtpc/internal/bus"
)

const (
	crtcHTotal           = 0x00
	crtcHDisplay         = 0x01
	crtcVDisplay         = 0x06
	crtcMaxScanLine      = 0x09
	crtcCursorStart      = 0x0a
	crtcCursorEnd        = 0x0b
	crtcStartAddressMSB  = 0x0c
	crtcStartAddressLSB  = 0x0d
	crtcCursorAddressMSB = 0x0e
	crtcCursorAddressLSB = 0x0f
	crtcRegisters        = 18

	hgcMode           = 0
	hgcColorSelect    = 1
	hgcStatus         = 2
	hgcGraphicsEnable = 7

	hgcModeGraphics = 1 << 1
	hgcModeVideo    = 1 << 3
	hgcModePage1    = 1 << 7
	hgcAllowText    = 1 << 0

	hgcStatusIdle    = 0xf0
	hgcStatusRetrace = 0x01

	mdaCrystal        = 16.257e6
	mdaCharacterWidth = 9
	hgcPixelsPerByte  = 16

	mdaColumns = 80
	mdaRows    = 25

	// Offset of the second graphics page inside the 64 KiB aperture.
	hgcPage1Offset = 0x8000
)

// AdapterConfiguration is a snapshot of the video adapter state taken for
// the presentation layer. Offsets index the adapter's video memory.
type AdapterConfiguration struct {
	VideoEnabled bool `json:"videoEnabled"`
	TextMode     bool `json:"textMode"`
	WidthPixels  int  `json:"widthPixels"`
	HeightPixels int  `json:"heightPixels"`

	TextOffset      int `json:"textOffset"`
	TextColumns     int `json:"textColumns"`
	TextRows        int `json:"textRows"`
	CharacterHeight int `json:"characterHeight"`
	CursorAddress   int `json:"cursorAddress"`
	FirstCursorLine int `json:"firstCursorLine"`
	LastCursorLine  int `json:"lastCursorLine"`
	GraphicsOffset  int `json:"graphicsOffset"`
}

// VideoAdapter is queried by the presentation layer once per frame.
type VideoAdapter interface {
	AdapterConfiguration() AdapterConfiguration
}

// Hercules emulates the register file of a Hercules graphics card: the
// 6845 CRTC, mode control, status and configuration switch.
type Hercules struct {
	log *slog.Logger
	now func() time.Time

	mu             sync.RWMutex
	mode           uint8
	graphicsEnable uint8
	crtcAddress    uint8
	crtc           [crtcRegisters]uint8
}

// HerculesOption customises a Hercules adapter.
type HerculesOption func(*Hercules)

// WithHerculesClock replaces the clock used for the retrace approximation.
func WithHerculesClock(now func() time.Time) HerculesOption {
	return func(h *Hercules) {
		if now != nil {
			h.now = now
		}
	}
}

// WithHerculesLogger overrides the diagnostics logger.
func WithHerculesLogger(log *slog.Logger) HerculesOption {
	return func(h *Hercules) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHercules creates an adapter with all registers cleared.
func NewHercules(opts ...HerculesOption) *Hercules {
	h := &Hercules{log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Write implements bus.Handler.
func (h *Hercules) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		h.write8(a&0xf, v)
	})
}

// Read implements bus.Handler.
func (h *Hercules) Read(addr uint64, size int) uint64 {
	return bus.SplitRead[uint8](addr, size, func(a uint64, _ uint8) uint8 {
		return h.read8(a & 0xf)
	})
}

func (h *Hercules) write8(addr uint64, v uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr&8 != 0 {
		switch addr & 7 {
		case hgcMode:
			h.mode = v
			h.log.Debug("hgc: mode", "value", fmt.Sprintf("0x%02x", v))
		case hgcColorSelect:
			h.log.Debug("hgc: color select", "value", fmt.Sprintf("0x%02x", v))
		case hgcStatus:
		case 4, 5, 6:
			// Parallel port, not fitted.
		case hgcGraphicsEnable:
			h.graphicsEnable = v
		default:
			h.log.Warn("hgc: write to unsupported register", "port", fmt.Sprintf("0x%x", addr), "value", fmt.Sprintf("0x%02x", v))
		}
		return
	}
	if addr&1 == 0 {
		h.crtcAddress = v
		return
	}
	if int(h.crtcAddress) >= crtcRegisters {
		h.log.Warn("hgc: CRTC register out of range", "index", fmt.Sprintf("0x%02x", h.crtcAddress), "value", fmt.Sprintf("0x%02x", v))
		return
	}
	if h.crtcAddress != crtcCursorAddressLSB && h.crtcAddress != crtcCursorAddressMSB {
		h.log.Debug("hgc: CRTC write", "index", fmt.Sprintf("0x%02x", h.crtcAddress), "value", fmt.Sprintf("0x%02x", v))
	}
	h.crtc[h.crtcAddress] = v
}

func (h *Hercules) read8(addr uint64) uint8 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if addr&8 != 0 {
		switch addr & 7 {
		case hgcMode:
			return h.mode
		case hgcStatus:
			status := uint8(hgcStatusIdle)
			if h.inRetraceLocked() {
				status |= hgcStatusRetrace
			}
			return status
		case hgcColorSelect, 4, 5, 6:
		default:
			h.log.Warn("hgc: read of unsupported register", "port", fmt.Sprintf("0x%x", addr))
		}
		return 0xff
	}
	if addr&1 == 0 {
		return h.crtcAddress
	}
	if int(h.crtcAddress) >= crtcRegisters {
		h.log.Warn("hgc: CRTC register out of range", "index", fmt.Sprintf("0x%02x", h.crtcAddress))
		return 0xff
	}
	return h.crtc[h.crtcAddress]
}

// inRetraceLocked approximates horizontal retrace from the wall clock and
// the programmed line timing.
func (h *Hercules) inRetraceLocked() bool {
	const nsPerCharacter = mdaCharacterWidth * 1e9 / mdaCrystal
	line := uint64(float64(int(h.crtc[crtcHTotal])+1) * nsPerCharacter)
	visible := uint64(float64(h.crtc[crtcHDisplay]) * nsPerCharacter)
	if line == 0 {
		return false
	}
	return uint64(h.now().UnixNano())%line >= visible
}

// AdapterConfiguration implements VideoAdapter.
func (h *Hercules) AdapterConfiguration() AdapterConfiguration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := int(h.crtc[crtcStartAddressMSB])<<8 | int(h.crtc[crtcStartAddressLSB])
	cursor := int(h.crtc[crtcCursorAddressMSB])<<8 | int(h.crtc[crtcCursorAddressLSB])

	cfg := AdapterConfiguration{
		VideoEnabled:    h.mode&hgcModeVideo != 0,
		TextMode:        h.mode&hgcModeGraphics == 0 || h.graphicsEnable&hgcAllowText == 0,
		HeightPixels:    int(h.crtc[crtcVDisplay]) * (int(h.crtc[crtcMaxScanLine]) + 1),
		TextOffset:      start * 2,
		TextColumns:     mdaColumns,
		TextRows:        mdaRows,
		CharacterHeight: int(h.crtc[crtcMaxScanLine]) + 1,
		CursorAddress:   (cursor - start) * 2,
		FirstCursorLine: int(h.crtc[crtcCursorStart]),
		LastCursorLine:  int(h.crtc[crtcCursorEnd]),
		GraphicsOffset:  start * 2,
	}
	if cfg.TextMode {
		cfg.WidthPixels = int(h.crtc[crtcHDisplay]) * mdaCharacterWidth
	} else {
		cfg.WidthPixels = int(h.crtc[crtcHDisplay]) * hgcPixelsPerByte
	}
	if h.mode&hgcModePage1 != 0 {
		cfg.GraphicsOffset += hgcPage1Offset
	}
	return cfg
}

var (
	_ bus.Handler  = (*Hercules)(nil)
	_ VideoAdapter = (*Hercules)(nil)
)

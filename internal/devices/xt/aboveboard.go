package xt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/hv"
)

const (
	emsPageSize     = 16 * 1024
	emsLogicalPages = 32
	emsMaxPhysical  = 512

	// ExpandedMemorySize is the memory fitted on a fully populated board.
	ExpandedMemorySize = emsMaxPhysical * emsPageSize

	// Logical pages 16-23 backfill conventional memory from 512 KiB,
	// pages 24-31 form the page frame at 0xC0000.
	emsBackfillFirst = 16
	emsFrameFirst    = 24
	emsBackfillBase  = 0x40000
	emsFrameBase     = 0x60000

	emsPresent       = 0x80
	emsPhysicalMask  = 0x7f
	emsBoardID       = 0x09
	emsConfigSwitch  = 0x0f
	emsConfigMask    = 0x07
	emsPortStride    = 0x1000
	emsPortsPerGroup = 0x10
)

// EMSPage describes one logical window of the board.
type EMSPage struct {
	Logical  int    `json:"logical"`
	Present  bool   `json:"present"`
	Physical int    `json:"physical"`
	Base     uint64 `json:"base"`
}

type emsPage struct {
	bank  uint8
	value uint8
	reg   *bus.Registration
}

// AboveBoard emulates an Intel Above Board expanded memory adapter. Page
// registers are spread over sixteen port groups, one every 0x1000 from the
// base port; each present logical page is a 16 KiB window registered on
// the memory dispatcher.
type AboveBoard struct {
	memory   *bus.Dispatcher
	expanded []byte
	log      *slog.Logger

	mu     sync.Mutex
	pages  [emsLogicalPages]emsPage
	config uint8
	ioRegs []*bus.Registration
}

// NewAboveBoard creates a board whose windows map into memory, backed by
// expanded. expanded must be a whole number of 16 KiB pages, at most
// ExpandedMemorySize.
func NewAboveBoard(memory *bus.Dispatcher, expanded []byte, log *slog.Logger) (*AboveBoard, error) {
	if memory == nil {
		return nil, errors.New("xt: above board needs a memory dispatcher")
	}
	if len(expanded)%emsPageSize != 0 || len(expanded) > ExpandedMemorySize {
		return nil, fmt.Errorf("xt: above board memory size %d is not a multiple of %d up to %d", len(expanded), emsPageSize, ExpandedMemorySize)
	}
	if log == nil {
		log = slog.Default()
	}
	return &AboveBoard{memory: memory, expanded: expanded, log: log}, nil
}

// Install registers the port groups on io at base and backfills
// conventional memory with the first eight physical pages.
func (ab *AboveBoard) Install(io *bus.Dispatcher, base uint64) error {
	for high := uint64(0); high < emsPortsPerGroup*emsPortStride; high += emsPortStride {
		reg, err := io.RegisterAddressRange(base+high-8, base+high+8, ab, high)
		if err != nil {
			return fmt.Errorf("xt: above board ports: %w", err)
		}
		ab.mu.Lock()
		ab.ioRegs = append(ab.ioRegs, reg)
		ab.mu.Unlock()
	}
	for page := 0; page < emsFrameFirst-emsBackfillFirst; page++ {
		if err := ab.mapPage(emsBackfillFirst+page, true, page); err != nil {
			return err
		}
	}
	return nil
}

// Close removes every window and port registration.
func (ab *AboveBoard) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	var errs []error
	for i := range ab.pages {
		if reg := ab.pages[i].reg; reg != nil {
			errs = append(errs, reg.Close())
			ab.pages[i].reg = nil
		}
	}
	for _, reg := range ab.ioRegs {
		errs = append(errs, reg.Close())
	}
	ab.ioRegs = nil
	return errors.Join(errs...)
}

// repack folds the port group number into bits 4-7 of the register index.
func repack(addr uint64) uint8 {
	return uint8(addr&0xf | addr&0xf000>>8)
}

func logicalPage(r uint8) int {
	return int(r>>6&3 | (r&7)<<2)
}

// Write implements bus.Handler.
func (ab *AboveBoard) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		ab.write8(a, v)
	})
}

// Read implements bus.Handler.
func (ab *AboveBoard) Read(addr uint64, size int) uint64 {
	return bus.SplitRead[uint8](addr, size, func(a uint64, _ uint8) uint8 {
		return ab.read8(a)
	})
}

func (ab *AboveBoard) write8(addr uint64, v uint8) {
	r := repack(addr)
	switch {
	case r == emsConfigSwitch:
		ab.mu.Lock()
		ab.config = v & emsConfigMask
		ab.mu.Unlock()
	case r&8 == 0:
		physical := int(v&emsPhysicalMask) | int(r>>4&3)<<7
		if err := ab.mapPage(logicalPage(r), v&emsPresent != 0, physical); err != nil {
			ab.log.Warn("ems: page mapping failed", "register", fmt.Sprintf("0x%02x", r), "value", fmt.Sprintf("0x%02x", v), "error", err)
		}
	default:
		ab.log.Debug("ems: write to unsupported register", "register", fmt.Sprintf("0x%02x", r), "value", fmt.Sprintf("0x%02x", v))
	}
}

func (ab *AboveBoard) read8(addr uint64) uint8 {
	r := repack(addr)
	ab.mu.Lock()
	defer ab.mu.Unlock()
	switch {
	case r == emsBoardID:
		// 0x20 would identify the AT board.
		return 0
	case r == emsConfigSwitch:
		return (ab.config + 3) & emsConfigMask
	case r&8 == 0:
		page := &ab.pages[logicalPage(r)]
		if page.bank == r>>4&3 {
			return page.value
		}
		return 0
	default:
		return 0xff
	}
}

func pageBase(logical int) uint64 {
	if logical < emsFrameFirst {
		return emsBackfillBase + uint64(logical)*emsPageSize
	}
	return emsFrameBase + uint64(logical)*emsPageSize
}

// mapPage points a logical window at a physical page, replacing whatever it
// mapped before.
func (ab *AboveBoard) mapPage(logical int, present bool, physical int) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	page := &ab.pages[logical]
	page.bank = uint8(physical >> 7)
	page.value = uint8(physical & emsPhysicalMask)
	if present {
		page.value |= emsPresent
	}
	if page.reg != nil {
		if err := page.reg.Close(); err != nil {
			return err
		}
		page.reg = nil
	}
	if !present {
		return nil
	}
	off := physical * emsPageSize
	if off+emsPageSize > len(ab.expanded) {
		return fmt.Errorf("xt: physical page %d not fitted", physical)
	}
	base := pageBase(logical)
	window := bus.NewMappedRange(ab.expanded[off:off+emsPageSize], hv.PermRead|hv.PermWrite|hv.PermExecute)
	reg, err := ab.memory.RegisterAddressRange(base, base+emsPageSize, window, 0)
	if err != nil {
		return err
	}
	page.reg = reg
	ab.log.Debug("ems: mapped page", "logical", logical, "physical", physical, "base", fmt.Sprintf("0x%05x", base))
	return nil
}

// Pages returns the state of every logical window.
func (ab *AboveBoard) Pages() []EMSPage {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	out := make([]EMSPage, len(ab.pages))
	for i, p := range ab.pages {
		out[i] = EMSPage{
			Logical:  i,
			Present:  p.reg != nil,
			Physical: int(p.bank)<<7 | int(p.value&emsPhysicalMask),
			Base:     pageBase(i),
		}
	}
	return out
}

var _ bus.Handler = (*AboveBoard)(nil)

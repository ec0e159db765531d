package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/rs/xid"

	"github.com/tinyrange/xtpc/internal/ata"
	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/chipset"
	"github.com/tinyrange/xtpc/internal/devices/xt"
	"github.com/tinyrange/xtpc/internal/hv"
)

// XT memory map.
const (
	RAMBase  = 0x00000
	RAMEnd   = 0x80000
	VRAMBase = 0xb0000
	VRAMEnd  = 0xc0000
	BIOSBase = 0xf4000
	BIOSEnd  = 0x100000

	// AddressSpaceEnd is the top of the 20-bit physical address space.
	AddressSpaceEnd = 0x100000
)

// I/O port assignments.
const (
	PortPIC      = 0x20
	PortPIT      = 0x40
	PortPPI      = 0x60
	PortDMAPage  = 0x80
	PortNMI      = 0xa0
	PortBusMouse = 0x23c
	PortXTIDE    = 0x300
	PortHercules = 0x3b0
	PortELCR     = 0x4d0
)

// Interrupt routing on the primary PIC.
const (
	IRQTimer    = 0
	IRQKeyboard = 1
	IRQMouse    = 5
	IRQIDE      = 7
)

// PPI port B and C board lines.
const (
	portBLowSwitches   = 1 << 3
	portBKeyboardClock = 1 << 6
	portBKeyboardReset = 1 << 7
)

// Machine owns every device of one emulated PC/XT and the two address
// spaces they are registered on.
type Machine struct {
	id  string
	log *slog.Logger

	MMIO *bus.Dispatcher
	IO   *bus.Dispatcher

	PIC      *xt.PIC
	PIT      *xt.PIT
	PPI      *xt.PPI
	NMI      *xt.NMIControl
	Keyboard *xt.XTKeyboard
	Mouse    *xt.BusMouse
	Video    *xt.Hercules
	EMS      *xt.AboveBoard
	IDE      *xt.XTIDE
	Channel  *ata.Demux
	Disks    [2]*ata.HardDisk

	ram, vram, bios, expanded *hostMemory
	regs                      []*bus.Registration

	boardMu     sync.Mutex
	switches    uint8
	lowSwitches bool

	engineMu sync.Mutex
	engine   hv.Engine
	closed   bool
}

// Option customises New.
type Option func(*options)

type options struct {
	log   *slog.Logger
	fatal ata.FatalFunc
}

// WithLogger sets the parent logger. Every record carries the machine id.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithDiskFatalHandler replaces the host I/O failure handler of the disks.
func WithDiskFatalHandler(fn ata.FatalFunc) Option {
	return func(o *options) { o.fatal = fn }
}

// New builds a machine from cfg. The returned machine is idle until
// Attach binds it to an engine.
func New(cfg Config, opts ...Option) (_ *Machine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	id := xid.New().String()
	log := o.log.With("machine", id)
	m := &Machine{
		id:       id,
		log:      log,
		MMIO:     bus.NewDispatcher("MMIO", bus.WithDispatcherLogger(log)),
		IO:       bus.NewDispatcher("IO", bus.WithDispatcherLogger(log)),
		switches: cfg.Switches,
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	if err := m.buildMemory(cfg); err != nil {
		return nil, err
	}
	if err := m.buildDevices(cfg, o); err != nil {
		return nil, err
	}
	log.Info("machine: created",
		"bios", cfg.BIOS,
		"master", cfg.Master.Path,
		"slave", cfg.Slave.Path,
		"ems", cfg.EMS.Enabled)
	return m, nil
}

// ID returns the unique id of the machine instance.
func (m *Machine) ID() string { return m.id }

// VRAM returns the video memory aperture.
func (m *Machine) VRAM() []byte { return m.vram.Bytes() }

// RAM returns conventional memory.
func (m *Machine) RAM() []byte { return m.ram.Bytes() }

func (m *Machine) register(d *bus.Dispatcher, base, limit uint64, h bus.Handler) error {
	reg, err := d.RegisterAddressRange(base, limit, h, 0)
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	m.regs = append(m.regs, reg)
	return nil
}

func (m *Machine) buildMemory(cfg Config) error {
	var err error
	if m.ram, err = allocHostMemory(RAMEnd - RAMBase); err != nil {
		return err
	}
	if m.vram, err = allocHostMemory(VRAMEnd - VRAMBase); err != nil {
		return err
	}
	if m.bios, err = allocHostMemory(BIOSEnd - BIOSBase); err != nil {
		return err
	}
	if err := loadBIOS(m.bios.Bytes(), cfg.BIOS); err != nil {
		return err
	}

	rwx := hv.PermRead | hv.PermWrite | hv.PermExecute
	if err := m.register(m.MMIO, RAMBase, RAMEnd, bus.NewMappedRange(m.ram.Bytes(), rwx)); err != nil {
		return err
	}
	if err := m.register(m.MMIO, VRAMBase, VRAMEnd, bus.NewMappedRange(m.vram.Bytes(), rwx)); err != nil {
		return err
	}
	return m.register(m.MMIO, BIOSBase, BIOSEnd, bus.NewMappedRange(m.bios.Bytes(), hv.PermRead|hv.PermExecute))
}

func loadBIOS(dst []byte, path string) error {
	if path == "" {
		for i := range dst {
			dst[i] = 0xff
		}
		return nil
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("machine: reading BIOS: %w", err)
	}
	if len(image) != len(dst) {
		return fmt.Errorf("machine: BIOS image %s is %d bytes, want %d", path, len(image), len(dst))
	}
	copy(dst, image)
	return nil
}

func (m *Machine) openDisk(i int, dc DiskConfig, o options) error {
	if dc.Path == "" {
		return nil
	}
	hdOpts := []ata.HardDiskOption{
		ata.WithReadOnly(dc.ReadOnly),
		ata.WithDeviceOptions(ata.WithLogger(m.log.With("drive", i))),
	}
	if o.fatal != nil {
		hdOpts = append(hdOpts, ata.WithFatalHandler(o.fatal))
	}
	hd, err := ata.OpenImage(dc.Path, hdOpts...)
	if err != nil {
		return fmt.Errorf("machine: drive %d: %w", i, err)
	}
	m.Disks[i] = hd
	return nil
}

func (m *Machine) buildDevices(cfg Config, o options) error {
	m.PIC = xt.NewPIC()
	m.PIT = xt.NewPIT(m.PIC.Line(IRQTimer))
	m.Keyboard = xt.NewXTKeyboard(m.PIC.Line(IRQKeyboard), xt.WithScancodeDelay(cfg.ScancodeDelay.Duration()))
	m.PPI = xt.NewPPI(m, m.log)
	m.NMI = &xt.NMIControl{}
	m.Mouse = xt.NewBusMouse(m.PIC.Line(IRQMouse))
	m.Video = xt.NewHercules(xt.WithHerculesLogger(m.log))

	for i, dc := range []DiskConfig{cfg.Master, cfg.Slave} {
		if err := m.openDisk(i, dc, o); err != nil {
			return err
		}
	}
	var master, slave ata.Bus
	if m.Disks[0] != nil {
		master = m.Disks[0]
	}
	if m.Disks[1] != nil {
		slave = m.Disks[1]
	}
	m.Channel = ata.NewDemux(master, slave)
	m.IDE = xt.NewXTIDE(m.Channel)
	m.IDE.SetInterruptLine(m.PIC.Line(IRQIDE))

	ports := []struct {
		base, limit uint64
		h           bus.Handler
	}{
		{PortPIC, PortPIC + 2, m.PIC},
		{PortPIT, PortPIT + 0x20, m.PIT},
		{PortPPI, PortPPI + 0x10, m.PPI},
		{PortDMAPage, PortDMAPage + 0x10, bus.DummyHandler{Name: "dma page"}},
		{PortNMI, PortNMI + 0x10, m.NMI},
		{PortBusMouse, PortBusMouse + 4, m.Mouse},
		{PortXTIDE, PortXTIDE + 0x20, m.IDE},
		{PortHercules, PortHercules + 0x10, m.Video},
		{PortELCR, PortELCR + 1, m.PIC.ELCR()},
	}
	for _, p := range ports {
		if err := m.register(m.IO, p.base, p.limit, p.h); err != nil {
			return err
		}
	}

	if !cfg.EMS.Enabled {
		return nil
	}
	var err error
	if m.expanded, err = allocHostMemory(cfg.EMS.Memory * 1024); err != nil {
		return err
	}
	if m.EMS, err = xt.NewAboveBoard(m.MMIO, m.expanded.Bytes(), m.log); err != nil {
		return err
	}
	if err := m.EMS.Install(m.IO, uint64(cfg.EMS.Port)); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	return nil
}

// InterruptController returns the acknowledge entry point for the engine.
func (m *Machine) InterruptController() hv.InterruptController { return m.PIC }

// Attach binds the machine to engine: memory ranges with host backing are
// mapped and the PIC output drives the engine's interrupt request input.
func (m *Machine) Attach(engine hv.Engine) error {
	m.engineMu.Lock()
	defer m.engineMu.Unlock()
	if m.closed {
		return errors.New("machine: attach after close")
	}
	if m.engine != nil {
		return errors.New("machine: already attached")
	}
	m.engine = engine
	m.MMIO.EstablishMappings(engine, 0, AddressSpaceEnd)
	m.PIC.SetOutput(chipset.LineInterruptFromFunc(engine.SetInterruptRequest))
	m.log.Debug("machine: attached engine", "engine", fmt.Sprintf("%T", engine))
	return nil
}

// Detach undoes Attach.
func (m *Machine) Detach() {
	m.engineMu.Lock()
	defer m.engineMu.Unlock()
	m.detachLocked()
}

func (m *Machine) detachLocked() {
	if m.engine == nil {
		return
	}
	m.PIC.SetOutput(nil)
	m.MMIO.RemoveMappings(m.engine, 0, AddressSpaceEnd)
	m.engine = nil
}

// Close stops every device worker, detaches the engine, removes the
// address ranges and releases host memory and disk images.
func (m *Machine) Close() error {
	m.engineMu.Lock()
	if m.closed {
		m.engineMu.Unlock()
		return nil
	}
	m.closed = true
	m.detachLocked()
	m.engineMu.Unlock()

	var errs []error
	closeIf := func(c interface{ Close() error }, ok bool) {
		if ok {
			errs = append(errs, c.Close())
		}
	}
	closeIf(m.PIT, m.PIT != nil)
	closeIf(m.Keyboard, m.Keyboard != nil)
	closeIf(m.Mouse, m.Mouse != nil)
	closeIf(m.EMS, m.EMS != nil)
	for _, hd := range m.Disks {
		closeIf(hd, hd != nil)
	}
	for _, reg := range m.regs {
		errs = append(errs, reg.Close())
	}
	m.regs = nil
	for _, mem := range []*hostMemory{m.ram, m.vram, m.bios, m.expanded} {
		if mem != nil {
			errs = append(errs, mem.Free())
		}
	}
	return errors.Join(errs...)
}

// ReadPortA implements xt.PPIConsumer: the keyboard data latch.
func (m *Machine) ReadPortA(uint8) uint8 { return m.Keyboard.ReadDataByte() }

// WritePortA implements xt.PPIConsumer.
func (m *Machine) WritePortA(uint8, uint8) {}

// ReadPortB implements xt.PPIConsumer.
func (m *Machine) ReadPortB(uint8) uint8 { return 0xff }

// WritePortB implements xt.PPIConsumer. Lines configured as inputs float
// high. Speaker, parity and I/O check enables are not modelled.
func (m *Machine) WritePortB(value, mask uint8) {
	value |= ^mask
	m.boardMu.Lock()
	m.lowSwitches = value&portBLowSwitches == 0
	m.boardMu.Unlock()

	m.Keyboard.SetHold(value&portBKeyboardClock == 0)
	m.Keyboard.SetReset(value&portBKeyboardReset != 0)
	m.log.Debug("machine: PPI port B", "value", fmt.Sprintf("0x%02x", value))
}

// ReadPortC implements xt.PPIConsumer: one nibble of the switch block,
// selected by port B bit 3.
func (m *Machine) ReadPortC(uint8) uint8 {
	m.boardMu.Lock()
	defer m.boardMu.Unlock()
	if m.lowSwitches {
		return m.switches & 0x0f
	}
	return m.switches >> 4
}

// WritePortC implements xt.PPIConsumer.
func (m *Machine) WritePortC(uint8, uint8) {}

var _ xt.PPIConsumer = (*Machine)(nil)

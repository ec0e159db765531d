package ata

import (
	"fmt"
	"log/slog"
	"sync"
)

// Bus is the register-level view of one device on an ATA channel.
type Bus interface {
	Write(cs ChipSelect, reg uint8, value uint16)
	Read(cs ChipSelect, reg uint8) uint16
	SetHost(h Host)
	InterruptRequested() bool
}

// Host receives interrupt request changes from a device. The device holds
// its own lock while calling, so implementations must not call back into
// the device.
type Host interface {
	InterruptRequestChanged(dev Bus, requested bool)
}

// HostFunc adapts a function to Host.
type HostFunc func(dev Bus, requested bool)

// InterruptRequestChanged implements Host.
func (f HostFunc) InterruptRequestChanged(dev Bus, requested bool) {
	if f != nil {
		f(dev, requested)
	}
}

// Command is the task file captured when the host writes the command
// register.
type Command struct {
	Code         uint8
	Feature      uint8
	SectorCount  uint8
	SectorNumber uint8
	CylinderLow  uint8
	CylinderHigh uint8
	DriveHead    uint8
}

// Result is merged back into the register file after a command or a
// transfer continuation.
type Result struct {
	Status uint8
	Error  uint8
	// NoInterrupt leaves INTRQ alone, for commands that wait for the host
	// to supply data first.
	NoInterrupt bool
}

// Direction is the PIO transfer state.
type Direction int

const (
	Idle Direction = iota
	PIORead
	PIOWrite
)

func (d Direction) String() string {
	switch d {
	case PIORead:
		return "pio-read"
	case PIOWrite:
		return "pio-write"
	default:
		return "idle"
	}
}

// PIO is the transfer engine a Drive uses while executing a command.
type PIO interface {
	// Buffer returns the transfer buffer. The drive owns it until the
	// next StartRead/StartWrite.
	Buffer() []byte
	// StartRead offers the first n bytes of the buffer to the host. last
	// marks the final chunk of the command.
	StartRead(n int, last bool)
	// StartWrite requests n bytes from the host into the buffer.
	StartWrite(n int)
	EightBit() bool
	SetEightBit(enabled bool)
}

// Drive executes commands for a Device on the device's worker goroutine.
type Drive interface {
	ResetDrive()
	ExecuteCommand(cmd Command, pio PIO) Result
	// ContinueTransfer is called when the host has drained a read chunk
	// that was not the last one, or filled a write chunk.
	ContinueTransfer(dir Direction, pio PIO) Result
}

// Registers is a snapshot of the task file.
type Registers struct {
	Status           uint8     `json:"status"`
	Error            uint8     `json:"error"`
	Feature          uint8     `json:"feature"`
	SectorCount      uint8     `json:"sectorCount"`
	SectorNumber     uint8     `json:"sectorNumber"`
	CylinderLow      uint8     `json:"cylinderLow"`
	CylinderHigh     uint8     `json:"cylinderHigh"`
	DriveHead        uint8     `json:"driveHead"`
	Command          uint8     `json:"command"`
	DeviceControl    uint8     `json:"deviceControl"`
	Transfer         Direction `json:"-"`
	TransferState    string    `json:"transfer"`
	Cursor           int       `json:"cursor"`
	Length           int       `json:"length"`
	EightBit         bool      `json:"eightBit"`
	InterruptPending bool      `json:"interruptPending"`
	InterruptEnabled bool      `json:"interruptEnabled"`
}

// Device is the register file and worker of one ATA device.
type Device struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *slog.Logger

	drive Drive
	host  Host

	status       uint8
	err          uint8
	feature      uint8
	sectorCount  uint8
	sectorNumber uint8
	cylinderLow  uint8
	cylinderHigh uint8
	driveHead    uint8
	command      uint8
	devctl       uint8

	interruptPending bool
	interruptEnabled bool
	hostRequested    bool

	buffer    []byte
	cursor    int
	length    int
	transfer  Direction
	lastChunk bool
	eightBit  bool

	resetRequested    bool
	commandRequested  bool
	continueRequested bool
	continueDir       Direction
	stop              bool
	done              chan struct{}
}

// DeviceOption customises a Device.
type DeviceOption func(*Device)

// WithLogger overrides the logger used for protocol diagnostics.
func WithLogger(log *slog.Logger) DeviceOption {
	return func(d *Device) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDevice creates a device backed by drive and starts its worker.
func NewDevice(drive Drive, opts ...DeviceOption) *Device {
	d := &Device{
		log:              slog.Default(),
		drive:            drive,
		interruptEnabled: true,
		buffer:           make([]byte, transferBufferSize),
		done:             make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	d.powerOnLocked()
	go d.run()
	return d
}

// Close stops the worker and waits for it to exit. A command already
// handed to the drive runs to completion first.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.stop {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.stop = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
	return nil
}

// SetHost implements Bus.
func (d *Device) SetHost(h Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host = h
	if h != nil {
		h.InterruptRequestChanged(d, d.hostRequested)
	}
}

// InterruptRequested implements Bus.
func (d *Device) InterruptRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostRequested
}

// Registers returns a snapshot of the task file.
func (d *Device) Registers() Registers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Registers{
		Status:           d.status,
		Error:            d.err,
		Feature:          d.feature,
		SectorCount:      d.sectorCount,
		SectorNumber:     d.sectorNumber,
		CylinderLow:      d.cylinderLow,
		CylinderHigh:     d.cylinderHigh,
		DriveHead:        d.driveHead,
		Command:          d.command,
		DeviceControl:    d.devctl,
		Transfer:         d.transfer,
		TransferState:    d.transfer.String(),
		Cursor:           d.cursor,
		Length:           d.length,
		EightBit:         d.eightBit,
		InterruptPending: d.interruptPending,
		InterruptEnabled: d.interruptEnabled,
	}
}

func (d *Device) powerOnLocked() {
	d.status = StatusDRDY | StatusDSC
	d.err = diagnosticOK
	d.feature = 0
	d.sectorCount = 0
	d.sectorNumber = 0
	d.cylinderLow = 0
	d.cylinderHigh = 0
	d.driveHead = 0
	d.command = 0
	d.transfer = Idle
	d.cursor, d.length = 0, 0
	d.commandRequested = false
	d.continueRequested = false
}

// Write implements Bus.
func (d *Device) Write(cs ChipSelect, reg uint8, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cs == CS1 {
		switch reg {
		case RegDeviceControl:
			d.writeDeviceControlLocked(uint8(value))
		case RegDriveAddress:
		default:
			d.log.Warn("ata: write to unsupported register", "reg", regName(cs, reg, true), "value", fmt.Sprintf("0x%x", value))
		}
		return
	}

	// Only the data port stays writable while busy.
	if d.status&StatusBSY != 0 && reg != RegData {
		d.log.Warn("ata: register write while busy rejected",
			"reg", regName(cs, reg, true),
			"value", fmt.Sprintf("0x%02x", value),
			"status", fmt.Sprintf("0x%02x", d.status))
		return
	}

	v := uint8(value)
	switch reg {
	case RegData:
		d.writeDataLocked(value)
	case RegFeature:
		d.feature = v
	case RegSectorCount:
		d.sectorCount = v
	case RegSectorNumber:
		d.sectorNumber = v
	case RegCylinderLow:
		d.cylinderLow = v
	case RegCylinderHigh:
		d.cylinderHigh = v
	case RegDriveHead:
		d.driveHead = v
	case RegCommand:
		d.writeCommandLocked(v)
	default:
		d.log.Warn("ata: write to unsupported register", "reg", regName(cs, reg, true), "value", fmt.Sprintf("0x%x", value))
	}
}

func (d *Device) writeCommandLocked(v uint8) {
	if d.transfer != Idle {
		d.log.Warn("ata: command aborts active transfer",
			"command", fmt.Sprintf("0x%02x", v),
			"transfer", d.transfer,
			"cursor", d.cursor,
			"length", d.length)
		d.transfer = Idle
		d.status &^= StatusDRQ
	}
	d.command = v
	d.status |= StatusBSY
	d.commandRequested = true
	d.clearInterruptLocked()
	d.cond.Broadcast()
}

func (d *Device) writeDeviceControlLocked(v uint8) {
	prev := d.devctl
	d.devctl = v

	if enabled := v&DevCtlNIEN == 0; enabled != d.interruptEnabled {
		d.interruptEnabled = enabled
		d.updateHostLocked()
	}

	switch {
	case v&DevCtlSRST != 0:
		d.status = StatusBSY
		d.transfer = Idle
		d.commandRequested = false
		d.continueRequested = false
	case prev&DevCtlSRST != 0:
		d.resetRequested = true
		d.cond.Broadcast()
	}
}

func (d *Device) writeDataLocked(value uint16) {
	if d.transfer != PIOWrite {
		d.log.Warn("ata: data write outside PIO write", "value", fmt.Sprintf("0x%04x", value), "transfer", d.transfer)
		return
	}
	d.buffer[d.cursor] = byte(value)
	d.cursor++
	if !d.eightBit && d.cursor < d.length {
		d.buffer[d.cursor] = byte(value >> 8)
		d.cursor++
	}
	if d.cursor >= d.length {
		d.endChunkLocked()
	}
}

// Read implements Bus.
func (d *Device) Read(cs ChipSelect, reg uint8) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cs == CS1 {
		switch reg {
		case RegAltStatus:
			return uint16(d.status)
		case RegDriveAddress:
			return 0xc0 | uint16(^d.driveHead&driveHeadHead)<<2 | 0x03
		default:
			d.log.Warn("ata: read of unsupported register", "reg", regName(cs, reg, false))
			return 0xffff
		}
	}

	if d.status&StatusBSY != 0 {
		return uint16(d.status)
	}

	switch reg {
	case RegData:
		return d.readDataLocked()
	case RegError:
		return uint16(d.err)
	case RegSectorCount:
		return uint16(d.sectorCount)
	case RegSectorNumber:
		return uint16(d.sectorNumber)
	case RegCylinderLow:
		return uint16(d.cylinderLow)
	case RegCylinderHigh:
		return uint16(d.cylinderHigh)
	case RegDriveHead:
		return uint16(d.driveHead)
	case RegStatus:
		d.clearInterruptLocked()
		return uint16(d.status)
	default:
		d.log.Warn("ata: read of unsupported register", "reg", regName(cs, reg, false))
		return 0xffff
	}
}

func (d *Device) readDataLocked() uint16 {
	if d.transfer != PIORead {
		d.log.Warn("ata: data read outside PIO read", "transfer", d.transfer)
		return 0xffff
	}
	v := uint16(d.buffer[d.cursor])
	d.cursor++
	if !d.eightBit && d.cursor < d.length {
		v |= uint16(d.buffer[d.cursor]) << 8
		d.cursor++
	}
	if d.cursor >= d.length {
		d.endChunkLocked()
	}
	return v
}

// endChunkLocked finishes the current PIO chunk and hands control back to
// the worker unless it was the final read chunk.
func (d *Device) endChunkLocked() {
	dir := d.transfer
	d.transfer = Idle
	d.status &^= StatusDRQ
	if dir == PIORead && d.lastChunk {
		return
	}
	d.status |= StatusBSY
	d.continueRequested = true
	d.continueDir = dir
	d.cond.Broadcast()
}

func (d *Device) raiseInterruptLocked() {
	d.interruptPending = true
	d.updateHostLocked()
}

func (d *Device) clearInterruptLocked() {
	if !d.interruptPending {
		return
	}
	d.interruptPending = false
	d.updateHostLocked()
}

func (d *Device) updateHostLocked() {
	requested := d.interruptPending && d.interruptEnabled
	if requested == d.hostRequested {
		return
	}
	d.hostRequested = requested
	if d.host != nil {
		d.host.InterruptRequestChanged(d, requested)
	}
}

// Buffer implements PIO.
func (d *Device) Buffer() []byte { return d.buffer }

// StartRead implements PIO.
func (d *Device) StartRead(n int, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked(PIORead, n, last)
}

// StartWrite implements PIO.
func (d *Device) StartWrite(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startLocked(PIOWrite, n, false)
}

func (d *Device) startLocked(dir Direction, n int, last bool) {
	if n <= 0 {
		return
	}
	d.transfer = dir
	d.cursor = 0
	d.length = min(n, len(d.buffer))
	d.lastChunk = last
	d.status |= StatusDRQ
}

// EightBit implements PIO.
func (d *Device) EightBit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eightBit
}

// SetEightBit implements PIO.
func (d *Device) SetEightBit(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eightBit = enabled
}

func (d *Device) run() {
	defer close(d.done)

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		for !d.stop && !d.resetRequested && !d.commandRequested && !d.continueRequested {
			d.cond.Wait()
		}
		if d.stop {
			return
		}

		switch {
		case d.resetRequested:
			d.resetRequested = false
			d.mu.Unlock()
			d.drive.ResetDrive()
			d.mu.Lock()
			d.clearInterruptLocked()
			d.powerOnLocked()
		case d.commandRequested:
			d.commandRequested = false
			cmd := Command{
				Code:         d.command,
				Feature:      d.feature,
				SectorCount:  d.sectorCount,
				SectorNumber: d.sectorNumber,
				CylinderLow:  d.cylinderLow,
				CylinderHigh: d.cylinderHigh,
				DriveHead:    d.driveHead,
			}
			d.mu.Unlock()
			res := d.drive.ExecuteCommand(cmd, d)
			d.mu.Lock()
			d.completeLocked(res)
		case d.continueRequested:
			d.continueRequested = false
			dir := d.continueDir
			d.mu.Unlock()
			res := d.drive.ContinueTransfer(dir, d)
			d.mu.Lock()
			d.completeLocked(res)
		}
	}
}

func (d *Device) completeLocked(res Result) {
	if d.resetRequested || d.devctl&DevCtlSRST != 0 {
		return
	}
	d.status = d.status&StatusDRQ | res.Status&statusMergeMask
	d.err = res.Error
	if d.status&StatusERR != 0 {
		d.transfer = Idle
		d.status &^= StatusDRQ
		return
	}
	if !res.NoInterrupt {
		d.raiseInterruptLocked()
	}
}

var (
	_ Bus = (*Device)(nil)
	_ PIO = (*Device)(nil)
)

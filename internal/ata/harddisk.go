package ata

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tebeka/atexit"
)

// BackingStore is the random-access image behind a HardDisk.
type BackingStore interface {
	io.ReaderAt
	io.WriterAt
}

// FatalFunc handles host I/O failures. The default logs and exits through
// atexit so registered cleanup runs.
type FatalFunc func(format string, args ...any)

func defaultFatal(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	atexit.Fatalf(format, args...)
}

// HardDisk is an ATA hard disk backed by a sector image.
type HardDisk struct {
	*Device

	store    BackingStore
	closer   io.Closer
	sectors  uint64
	readOnly bool
	fatal    FatalFunc

	// Negotiated state and the transfer in progress. Only touched from the
	// device worker.
	translation bool
	current     Geometry
	multiple    uint8
	lba         uint64
	remaining   uint64
	block       uint64
}

// HardDiskOption customises a HardDisk.
type HardDiskOption func(*hardDiskConfig)

type hardDiskConfig struct {
	fatal    FatalFunc
	readOnly bool
	device   []DeviceOption
}

// WithFatalHandler replaces the host I/O failure handler. When the handler
// returns the command is aborted.
func WithFatalHandler(fn FatalFunc) HardDiskOption {
	return func(c *hardDiskConfig) {
		if fn != nil {
			c.fatal = fn
		}
	}
}

// WithReadOnly rejects writes to the image with an aborted command.
func WithReadOnly(readOnly bool) HardDiskOption {
	return func(c *hardDiskConfig) { c.readOnly = readOnly }
}

// WithDeviceOptions passes options through to the underlying Device.
func WithDeviceOptions(opts ...DeviceOption) HardDiskOption {
	return func(c *hardDiskConfig) { c.device = append(c.device, opts...) }
}

// NewHardDisk creates a disk of size bytes over store. size must be a
// non-zero multiple of SectorSize.
func NewHardDisk(store BackingStore, size int64, opts ...HardDiskOption) (*HardDisk, error) {
	if store == nil {
		return nil, errors.New("ata: nil backing store")
	}
	if size <= 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("ata: image size %d is not a positive multiple of %d", size, SectorSize)
	}
	cfg := hardDiskConfig{fatal: defaultFatal}
	for _, opt := range opts {
		opt(&cfg)
	}
	hd := &HardDisk{
		store:    store,
		sectors:  uint64(size / SectorSize),
		readOnly: cfg.readOnly,
		fatal:    cfg.fatal,
	}
	hd.Device = NewDevice(hd, cfg.device...)
	return hd, nil
}

// OpenImage opens a raw disk image file.
func OpenImage(path string, opts ...HardDiskOption) (*HardDisk, error) {
	cfg := hardDiskConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	flag := os.O_RDWR
	if cfg.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("ata: open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ata: stat image: %w", err)
	}
	hd, err := NewHardDisk(f, info.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ata: %s: %w", path, err)
	}
	hd.closer = f
	return hd, nil
}

// Sectors returns the disk capacity in sectors.
func (hd *HardDisk) Sectors() uint64 { return hd.sectors }

// Close stops the device worker and closes the image if it was opened by
// OpenImage.
func (hd *HardDisk) Close() error {
	if err := hd.Device.Close(); err != nil {
		return err
	}
	if hd.closer != nil {
		if err := hd.closer.Close(); err != nil {
			return fmt.Errorf("ata: close image: %w", err)
		}
		hd.closer = nil
	}
	return nil
}

func success() Result {
	return Result{Status: StatusDRDY | StatusDSC}
}

func aborted() Result {
	return Result{Status: StatusDRDY | StatusDSC | StatusERR, Error: ErrorABRT}
}

// ResetDrive implements Drive.
func (hd *HardDisk) ResetDrive() {
	hd.SetEightBit(false)
	hd.translation = false
	hd.current = Geometry{}
	hd.multiple = 0
	hd.remaining = 0
}

// ExecuteCommand implements Drive.
func (hd *HardDisk) ExecuteCommand(cmd Command, pio PIO) Result {
	switch {
	case cmd.Code&commandFamilyMask == CmdRecalibrate:
		return success()
	case cmd.Code&commandFamilyMask == CmdSeek:
		return success()
	}

	switch cmd.Code {
	case CmdInitDriveParameters:
		return hd.initDriveParameters(cmd)
	case CmdReadSectors, CmdReadSectorsNoRetry:
		return hd.startRead(cmd, pio, 1)
	case CmdReadMultiple:
		if hd.multiple == 0 {
			return aborted()
		}
		return hd.startRead(cmd, pio, uint64(hd.multiple))
	case CmdWriteSectors, CmdWriteSectorsNoRetry:
		return hd.startWrite(cmd, pio, 1)
	case CmdWriteMultiple:
		if hd.multiple == 0 {
			return aborted()
		}
		return hd.startWrite(cmd, pio, uint64(hd.multiple))
	case CmdSetMultipleMode:
		if cmd.SectorCount > maxMultipleSectors {
			return aborted()
		}
		hd.multiple = cmd.SectorCount
		return success()
	case CmdIdentifyDrive:
		buildIdentify(pio.Buffer(), identifyState{
			sectors:     hd.sectors,
			current:     hd.current,
			translation: hd.translation,
			multiple:    hd.multiple,
		})
		pio.StartRead(SectorSize, true)
		return success()
	case CmdSetFeatures:
		switch cmd.Feature {
		case featureEnable8BitPIO:
			pio.SetEightBit(true)
		case featureDisable8BitPIO:
			pio.SetEightBit(false)
		default:
			return aborted()
		}
		return success()
	default:
		slog.Debug("ata: unsupported command", "command", fmt.Sprintf("0x%02x", cmd.Code))
		return aborted()
	}
}

// ContinueTransfer implements Drive.
func (hd *HardDisk) ContinueTransfer(dir Direction, pio PIO) Result {
	switch dir {
	case PIORead:
		return hd.readChunk(pio)
	case PIOWrite:
		return hd.writeChunk(pio)
	default:
		return aborted()
	}
}

func (hd *HardDisk) initDriveParameters(cmd Command) Result {
	spt := uint64(cmd.SectorCount)
	heads := uint64(cmd.DriveHead&driveHeadHead) + 1
	if spt == 0 {
		return aborted()
	}
	hd.current = Geometry{
		Cylinders:       uint16(min(hd.sectors/(spt*heads), 0xffff)),
		Heads:           uint16(heads),
		SectorsPerTrack: uint16(spt),
	}
	hd.translation = true
	return success()
}

func (hd *HardDisk) geometry() Geometry {
	if hd.translation {
		return hd.current
	}
	return DefaultGeometry(hd.sectors)
}

// translate returns the first sector addressed by cmd.
func (hd *HardDisk) translate(cmd Command) (uint64, bool) {
	if cmd.DriveHead&DriveHeadLBA != 0 {
		return uint64(cmd.DriveHead&driveHeadHead)<<24 |
			uint64(cmd.CylinderHigh)<<16 |
			uint64(cmd.CylinderLow)<<8 |
			uint64(cmd.SectorNumber), true
	}
	geo := hd.geometry()
	c := uint64(cmd.CylinderHigh)<<8 | uint64(cmd.CylinderLow)
	h := uint64(cmd.DriveHead & driveHeadHead)
	s := uint64(cmd.SectorNumber)
	if s == 0 || s > uint64(geo.SectorsPerTrack) || h >= uint64(geo.Heads) {
		return 0, false
	}
	return (c*uint64(geo.Heads)+h)*uint64(geo.SectorsPerTrack) + s - 1, true
}

func (hd *HardDisk) setupTransfer(cmd Command, block uint64) bool {
	count := uint64(cmd.SectorCount)
	if count == 0 {
		count = 256
	}
	lba, valid := hd.translate(cmd)
	if !valid || lba+count > hd.sectors {
		slog.Debug("ata: transfer out of range",
			"command", fmt.Sprintf("0x%02x", cmd.Code),
			"lba", lba,
			"count", count,
			"sectors", hd.sectors)
		return false
	}
	hd.lba = lba
	hd.remaining = count
	hd.block = block
	return true
}

func (hd *HardDisk) startRead(cmd Command, pio PIO, block uint64) Result {
	if !hd.setupTransfer(cmd, block) {
		return aborted()
	}
	return hd.readChunk(pio)
}

func (hd *HardDisk) readChunk(pio PIO) Result {
	n := min(hd.block, hd.remaining)
	if n == 0 {
		return aborted()
	}
	buf := pio.Buffer()[:n*SectorSize]
	got, err := hd.store.ReadAt(buf, int64(hd.lba*SectorSize))
	if got != len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		hd.fatal("ata: read %d sectors at %d: %v", n, hd.lba, err)
		hd.remaining = 0
		return aborted()
	}
	hd.lba += n
	hd.remaining -= n
	pio.StartRead(len(buf), hd.remaining == 0)
	return success()
}

func (hd *HardDisk) startWrite(cmd Command, pio PIO, block uint64) Result {
	if hd.readOnly {
		return aborted()
	}
	if !hd.setupTransfer(cmd, block) {
		return aborted()
	}
	pio.StartWrite(int(min(hd.block, hd.remaining) * SectorSize))
	res := success()
	res.NoInterrupt = true
	return res
}

func (hd *HardDisk) writeChunk(pio PIO) Result {
	n := min(hd.block, hd.remaining)
	if n == 0 {
		return aborted()
	}
	buf := pio.Buffer()[:n*SectorSize]
	put, err := hd.store.WriteAt(buf, int64(hd.lba*SectorSize))
	if put != len(buf) || err != nil {
		if err == nil {
			err = io.ErrShortWrite
		}
		hd.fatal("ata: write %d sectors at %d: %v", n, hd.lba, err)
		hd.remaining = 0
		return aborted()
	}
	hd.lba += n
	hd.remaining -= n
	if hd.remaining > 0 {
		pio.StartWrite(int(min(hd.block, hd.remaining) * SectorSize))
	}
	return success()
}

var _ Drive = (*HardDisk)(nil)

package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/xtpc/internal/ata"
	"github.com/tinyrange/xtpc/internal/machine"
)

// ErrTimeout is returned when a drive never leaves BSY or never asserts DRQ.
var ErrTimeout = errors.New("probe: drive timed out")

// xtidePort returns the I/O port of a task file register.
func xtidePort(cs ata.ChipSelect, reg uint8) uint64 {
	port := uint64(machine.PortXTIDE) + uint64(reg)<<1
	if cs == ata.CS1 {
		port += 0x10
	}
	return port
}

// Identify issues IDENTIFY DRIVE to drive 0 or 1 through the XTIDE port
// window, the way a BIOS would.
func Identify(m *machine.Machine, drive int, timeout time.Duration) (ata.Identify, error) {
	dh := uint64(0xa0)
	if drive == 1 {
		dh |= ata.DriveHeadSlave
	}
	m.IO.Write(xtidePort(ata.CS0, ata.RegDriveHead), 1, dh)
	m.IO.Write(xtidePort(ata.CS0, ata.RegCommand), 1, ata.CmdIdentifyDrive)

	deadline := time.Now().Add(timeout)
	for {
		st := uint8(m.IO.Read(xtidePort(ata.CS0, ata.RegStatus), 1))
		switch {
		case st == 0xff:
			return ata.Identify{}, fmt.Errorf("probe: drive %d not present", drive)
		case st&ata.StatusBSY != 0:
		case st&ata.StatusERR != 0:
			errReg := m.IO.Read(xtidePort(ata.CS0, ata.RegError), 1)
			return ata.Identify{}, fmt.Errorf("probe: drive %d: IDENTIFY failed, error 0x%02x", drive, errReg)
		case st&ata.StatusDRQ != 0:
			return ata.ParseIdentify(readBlock(m)), nil
		}
		if time.Now().After(deadline) {
			return ata.Identify{}, fmt.Errorf("%w: status 0x%02x", ErrTimeout, st)
		}
		time.Sleep(time.Millisecond)
	}
}

func readBlock(m *machine.Machine) []byte {
	buf := make([]byte, ata.SectorSize)
	data := xtidePort(ata.CS0, ata.RegData)
	for i := 0; i < len(buf); i += 2 {
		w := m.IO.Read(data, 2)
		buf[i], buf[i+1] = byte(w), byte(w>>8)
	}
	return buf
}

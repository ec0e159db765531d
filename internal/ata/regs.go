// Package ata emulates ATA/IDE hard disks: the task file registers, the
// busy/ready protocol, the PIO transfer engine and master/slave selection.
package ata

import "fmt"

// ChipSelect picks the register block of an access.
type ChipSelect uint8

const (
	// CS0 selects the command block registers.
	CS0 ChipSelect = iota
	// CS1 selects the control block registers.
	CS1
)

func (cs ChipSelect) String() string {
	if cs == CS1 {
		return "cs1"
	}
	return "cs0"
}

// Command block registers (CS0).
const (
	RegData         = 0
	RegError        = 1
	RegFeature      = 1
	RegSectorCount  = 2
	RegSectorNumber = 3
	RegCylinderLow  = 4
	RegCylinderHigh = 5
	RegDriveHead    = 6
	RegStatus       = 7
	RegCommand      = 7
)

// Control block registers (CS1).
const (
	RegAltStatus     = 6
	RegDeviceControl = 6
	RegDriveAddress  = 7
)

// Status register bits.
const (
	StatusERR  = 0x01
	StatusDRQ  = 0x08
	StatusDSC  = 0x10
	StatusDF   = 0x20
	StatusDRDY = 0x40
	StatusBSY  = 0x80

	// statusMergeMask selects the status bits a command result replaces.
	statusMergeMask = 0x77
)

// ErrorABRT is the aborted-command bit of the error register.
const ErrorABRT = 0x04

// diagnosticOK is the error register value after a successful reset.
const diagnosticOK = 0x01

// Device control register bits.
const (
	DevCtlNIEN = 0x02
	DevCtlSRST = 0x04
)

// DriveHead register bits.
const (
	DriveHeadLBA   = 0x40
	DriveHeadSlave = 0x10
	driveHeadHead  = 0x0f
)

// Command opcodes.
const (
	CmdRecalibrate         = 0x10
	CmdReadSectors         = 0x20
	CmdReadSectorsNoRetry  = 0x21
	CmdWriteSectors        = 0x30
	CmdWriteSectorsNoRetry = 0x31
	CmdSeek                = 0x70
	CmdInitDriveParameters = 0x91
	CmdReadMultiple        = 0xc4
	CmdWriteMultiple       = 0xc5
	CmdSetMultipleMode     = 0xc6
	CmdIdentifyDrive       = 0xec
	CmdSetFeatures         = 0xef

	commandFamilyMask = 0xf0
)

const (
	featureEnable8BitPIO  = 0x01
	featureDisable8BitPIO = 0x81

	maxMultipleSectors = 128
	transferBufferSize = 128 * 1024
)

// SectorSize is the size of one disk sector in bytes.
const SectorSize = 512

func regName(cs ChipSelect, reg uint8, write bool) string {
	if cs == CS1 {
		switch reg {
		case RegAltStatus:
			if write {
				return "devctl"
			}
			return "altstatus"
		case RegDriveAddress:
			return "driveaddr"
		}
		return fmt.Sprintf("cs1[%d]", reg)
	}
	names := [...]string{"data", "error", "seccount", "secnum", "cyllo", "cylhi", "drivehead", "status"}
	if reg < uint8(len(names)) {
		switch {
		case write && reg == RegFeature:
			return "feature"
		case write && reg == RegCommand:
			return "command"
		}
		return names[reg]
	}
	return fmt.Sprintf("cs0[%d]", reg)
}

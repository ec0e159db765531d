package ata

import (
	"encoding/binary"
	"strings"
)

const (
	defaultHeads           = 16
	defaultSectorsPerTrack = 63
	minCylinders           = 2
	maxCylinders           = 16383

	identifyWords = 256

	identifySerial   = "01234567890123456789"
	identifyFirmware = "VER 1.0 "
	identifyModel    = "EMULATED ATA HARD DISK"
)

// Word offsets inside the IDENTIFY DRIVE block.
const (
	idGeneralConfig    = 0
	idCylinders        = 1
	idHeads            = 3
	idBytesPerTrack    = 4
	idBytesPerSector   = 5
	idSectorsPerTrack  = 6
	idSerial           = 10
	idBufferType       = 20
	idBufferSize       = 21
	idECCBytes         = 22
	idFirmware         = 23
	idModel            = 27
	idMultipleMax      = 47
	idCapabilities     = 49
	idPIOTiming        = 51
	idDMATiming        = 52
	idTranslationValid = 53
	idCurrentCylinders = 54
	idCurrentHeads     = 55
	idCurrentSPT       = 56
	idCurrentCapacity  = 57
	idMultipleSetting  = 59
	idTotalSectors     = 60
	idSingleWordDMA    = 62
	idMultiWordDMA     = 63
)

const (
	// Fixed drive, not removable, hard sectored, transfer rate > 10 Mb/s.
	generalConfig   = 1<<2 | 1<<3 | 1<<6 | 1<<10
	capabilityDMA   = 1 << 8
	capabilityLBA   = 1 << 9
	multipleValid   = 1 << 8
	translationBit  = 1 << 0
	bufferDualPort  = 3
	bufferSectors   = 16
	vendorECCBytes  = 4
	pioTimingMode   = 2 << 8
	dmaTimingMode   = 2 << 8
	multipleMaxMark = 0x8000
)

// Geometry is a CHS translation.
type Geometry struct {
	Cylinders       uint16 `json:"cylinders"`
	Heads           uint16 `json:"heads"`
	SectorsPerTrack uint16 `json:"sectorsPerTrack"`
}

// Sectors returns the number of sectors addressable through g.
func (g Geometry) Sectors() uint64 {
	return uint64(g.Cylinders) * uint64(g.Heads) * uint64(g.SectorsPerTrack)
}

// DefaultGeometry returns the 16 head, 63 sector translation reported for
// a disk of the given size.
func DefaultGeometry(sectors uint64) Geometry {
	cyl := sectors / (defaultHeads * defaultSectorsPerTrack)
	cyl = max(cyl, minCylinders)
	cyl = min(cyl, maxCylinders)
	return Geometry{
		Cylinders:       uint16(cyl),
		Heads:           defaultHeads,
		SectorsPerTrack: defaultSectorsPerTrack,
	}
}

// Identify is the decoded content of an IDENTIFY DRIVE block.
type Identify struct {
	Geometry         Geometry              `json:"geometry"`
	Serial           string                `json:"serial"`
	Firmware         string                `json:"firmware"`
	Model            string                `json:"model"`
	MultipleMax      uint8                 `json:"multipleMax"`
	LBA              bool                  `json:"lba"`
	TranslationValid bool                  `json:"translationValid"`
	Current          Geometry              `json:"current"`
	CurrentCapacity  uint32                `json:"currentCapacity"`
	MultipleSetting  uint8                 `json:"multipleSetting"`
	TotalSectors     uint32                `json:"totalSectors"`
	Words            [identifyWords]uint16 `json:"-"`
}

type identifyState struct {
	sectors     uint64
	current     Geometry
	translation bool
	multiple    uint8
}

func putWord(buf []byte, word int, v uint16) {
	binary.LittleEndian.PutUint16(buf[word*2:], v)
}

func putDword(buf []byte, word int, v uint32) {
	putWord(buf, word, uint16(v))
	putWord(buf, word+1, uint16(v>>16))
}

// putString stores s space padded with the two characters of every word
// swapped, which is how ATA strings are laid out.
func putString(buf []byte, word, words int, s string) {
	b := []byte(s + strings.Repeat(" ", max(0, words*2-len(s))))[:words*2]
	for i := 0; i < words; i++ {
		buf[(word+i)*2] = b[i*2+1]
		buf[(word+i)*2+1] = b[i*2]
	}
}

func getString(words []uint16) string {
	b := make([]byte, 0, len(words)*2)
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w))
	}
	return strings.TrimRight(string(b), " ")
}

// buildIdentify fills the first 512 bytes of buf.
func buildIdentify(buf []byte, st identifyState) {
	clear(buf[:SectorSize])
	geo := DefaultGeometry(st.sectors)

	putWord(buf, idGeneralConfig, generalConfig)
	putWord(buf, idCylinders, geo.Cylinders)
	putWord(buf, idHeads, geo.Heads)
	putWord(buf, idBytesPerTrack, SectorSize*geo.SectorsPerTrack)
	putWord(buf, idBytesPerSector, SectorSize)
	putWord(buf, idSectorsPerTrack, geo.SectorsPerTrack)
	putString(buf, idSerial, 10, identifySerial)
	putWord(buf, idBufferType, bufferDualPort)
	putWord(buf, idBufferSize, bufferSectors)
	putWord(buf, idECCBytes, vendorECCBytes)
	putString(buf, idFirmware, 4, identifyFirmware)
	putString(buf, idModel, 20, identifyModel)
	putWord(buf, idMultipleMax, multipleMaxMark|maxMultipleSectors)
	putWord(buf, idCapabilities, capabilityDMA|capabilityLBA)
	putWord(buf, idPIOTiming, pioTimingMode)
	putWord(buf, idDMATiming, dmaTimingMode)

	if st.translation {
		putWord(buf, idTranslationValid, translationBit)
		putWord(buf, idCurrentCylinders, st.current.Cylinders)
		putWord(buf, idCurrentHeads, st.current.Heads)
		putWord(buf, idCurrentSPT, st.current.SectorsPerTrack)
		putDword(buf, idCurrentCapacity, uint32(min(st.current.Sectors(), 0xffffffff)))
	}
	if st.multiple != 0 {
		putWord(buf, idMultipleSetting, multipleValid|uint16(st.multiple))
	}
	putDword(buf, idTotalSectors, uint32(min(st.sectors, 0x0fffffff)))
	putWord(buf, idSingleWordDMA, 1)
	putWord(buf, idMultiWordDMA, 1)
}

// ParseIdentify decodes a 512-byte IDENTIFY DRIVE block.
func ParseIdentify(buf []byte) Identify {
	var id Identify
	for i := 0; i < identifyWords && i*2+1 < len(buf); i++ {
		id.Words[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	w := id.Words
	id.Geometry = Geometry{Cylinders: w[idCylinders], Heads: w[idHeads], SectorsPerTrack: w[idSectorsPerTrack]}
	id.Serial = getString(w[idSerial : idSerial+10])
	id.Firmware = getString(w[idFirmware : idFirmware+4])
	id.Model = getString(w[idModel : idModel+20])
	id.MultipleMax = uint8(w[idMultipleMax])
	id.LBA = w[idCapabilities]&capabilityLBA != 0
	id.TranslationValid = w[idTranslationValid]&translationBit != 0
	id.Current = Geometry{Cylinders: w[idCurrentCylinders], Heads: w[idCurrentHeads], SectorsPerTrack: w[idCurrentSPT]}
	id.CurrentCapacity = uint32(w[idCurrentCapacity]) | uint32(w[idCurrentCapacity+1])<<16
	if w[idMultipleSetting]&multipleValid != 0 {
		id.MultipleSetting = uint8(w[idMultipleSetting])
	}
	id.TotalSectors = uint32(w[idTotalSectors]) | uint32(w[idTotalSectors+1])<<16
	return id
}

package bus

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/xtpc/internal/hv"
)

// MappedRange exposes a block of host memory on the bus. Accesses wrap at
// the block size, so a range larger than the block mirrors it.
type MappedRange struct {
	mem  []byte
	perm hv.Permission
}

// NewMappedRange wraps mem. Writes are ignored unless perm includes
// hv.PermWrite.
func NewMappedRange(mem []byte, perm hv.Permission) *MappedRange {
	return &MappedRange{mem: mem, perm: perm}
}

// HostMemory implements HostMemoryHandler.
func (m *MappedRange) HostMemory() ([]byte, hv.Permission) { return m.mem, m.perm }

// Bytes returns the backing memory.
func (m *MappedRange) Bytes() []byte { return m.mem }

func (m *MappedRange) window(addr uint64, size int) []byte {
	if len(m.mem) == 0 {
		return nil
	}
	off := addr % uint64(len(m.mem))
	if off+uint64(size) > uint64(len(m.mem)) {
		return nil
	}
	return m.mem[off : off+uint64(size)]
}

// Write implements Handler.
func (m *MappedRange) Write(addr uint64, size int, data uint64) {
	if m.perm&hv.PermWrite == 0 {
		return
	}
	b := m.window(addr, size)
	switch {
	case b == nil:
		slog.Warn("bus: mapped write out of bounds", "addr", addr, "size", size)
	case size == 1:
		b[0] = byte(data)
	case size == 2:
		binary.LittleEndian.PutUint16(b, uint16(data))
	case size == 4:
		binary.LittleEndian.PutUint32(b, uint32(data))
	case size == 8:
		binary.LittleEndian.PutUint64(b, data)
	default:
		slog.Warn("bus: mapped write unsupported size", "size", size)
	}
}

// Read implements Handler.
func (m *MappedRange) Read(addr uint64, size int) uint64 {
	b := m.window(addr, size)
	switch {
	case b == nil:
		slog.Warn("bus: mapped read out of bounds", "addr", addr, "size", size)
		return 0
	case size == 1:
		return uint64(b[0])
	case size == 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case size == 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case size == 8:
		return binary.LittleEndian.Uint64(b)
	default:
		slog.Warn("bus: mapped read unsupported size", "size", size)
		return 0
	}
}

var _ HostMemoryHandler = (*MappedRange)(nil)

// DummyHandler claims a range for a device that is not modelled. Accesses
// are logged at debug level and read as zero.
type DummyHandler struct {
	Name string
}

// Write implements Handler.
func (d DummyHandler) Write(addr uint64, size int, data uint64) {
	slog.Debug("bus: dummy write", "device", d.Name, "addr", addr, "size", size, "data", data)
}

// Read implements Handler.
func (d DummyHandler) Read(addr uint64, size int) uint64 {
	slog.Debug("bus: dummy read", "device", d.Name, "addr", addr, "size", size)
	return 0
}

var _ Handler = DummyHandler{}

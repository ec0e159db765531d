// Package bus routes sized guest accesses to the devices that own each
// address range of an I/O or memory address space.
package bus

import "github.com/tinyrange/xtpc/internal/hv"

// Handler is implemented by every device attached to a Dispatcher. Addresses
// are relative to the start of the registered range plus its offset and size
// is the access width in bytes (1, 2, 4 or 8).
type Handler interface {
	Write(addr uint64, size int, data uint64)
	Read(addr uint64, size int) uint64
}

// HostMemoryHandler is implemented by handlers backed by a contiguous block
// of host memory that the engine may map directly.
type HostMemoryHandler interface {
	Handler
	HostMemory() ([]byte, hv.Permission)
}

// MappingHandler is implemented by handlers that need to take part when the
// owning dispatcher binds to or unbinds from an engine. base and limit are
// the handler's range in the engine's guest address space.
type MappingHandler interface {
	Handler
	EstablishMappings(mapper hv.MemoryMapper, base, limit uint64)
	RemoveMappings(mapper hv.MemoryMapper, base, limit uint64)
}

// Package hv describes the contract between the emulated chipset and the CPU
// execution engine that drives it.
package hv

import "strings"

// Permission is the access mask applied to a region mapped directly into the
// engine's guest address space.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
)

func (p Permission) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Permission
		c   byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExecute, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// MemoryMapper is implemented by engines that can back a guest range with
// host memory so accesses bypass per-access dispatch. The host slice must
// stay valid until the range is unmapped.
type MemoryMapper interface {
	MapMemory(base, limit uint64, host []byte, perm Permission)
	UnmapMemory(base, limit uint64)
}

// Engine is the CPU execution engine the machine attaches to. The engine
// issues port and memory accesses against the machine's dispatchers, maps
// host memory on request and samples its interrupt request input at
// instruction boundaries.
type Engine interface {
	MemoryMapper
	// SetInterruptRequest is driven by the interrupt controller output.
	SetInterruptRequest(asserted bool)
}

// InterruptController is called by the engine during an interrupt
// acknowledge cycle to fetch the vector to deliver.
type InterruptController interface {
	Acknowledge() uint8
}

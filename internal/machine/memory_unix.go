//go:build unix

package machine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostMemory is an anonymous host mapping handed to the engine.
type hostMemory struct {
	b []byte
}

func allocHostMemory(size int) (*hostMemory, error) {
	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize
	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("machine: mmap %d bytes: %w", size, err)
	}
	return &hostMemory{b: mem[:size]}, nil
}

func (m *hostMemory) Bytes() []byte { return m.b }

func (m *hostMemory) Free() error {
	if m.b == nil {
		return nil
	}
	err := unix.Munmap(m.b[:cap(m.b)])
	m.b = nil
	if err != nil {
		return fmt.Errorf("machine: munmap: %w", err)
	}
	return nil
}

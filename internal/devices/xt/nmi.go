package xt

import (
	"sync"

	"github.com/tinyrange/xtpc/internal/bus"
)

const nmiEnable = 0x80

// NMIControl is the XT NMI mask register. Bit 7 of a write enables NMI
// delivery; the register reads back as 0xFF.
type NMIControl struct {
	mu      sync.Mutex
	enabled bool
}

// Write implements bus.Handler.
func (n *NMIControl) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(_ uint64, _, v uint8) {
		n.mu.Lock()
		n.enabled = v&nmiEnable != 0
		n.mu.Unlock()
	})
}

// Read implements bus.Handler.
func (n *NMIControl) Read(addr uint64, size int) uint64 {
	return bus.SplitRead[uint8](addr, size, func(uint64, uint8) uint8 { return 0xff })
}

// Enabled reports whether the guest has unmasked NMI.
func (n *NMIControl) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

var _ bus.Handler = (*NMIControl)(nil)

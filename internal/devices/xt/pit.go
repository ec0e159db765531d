package xt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/chipset"
)

const (
	pitChannel0 = 0
	pitControl  = 3

	// pitRateGenerator selects channel 0, LSB then MSB, mode 2.
	pitRateGenerator = 0x34

	pitInputFrequency = 1193182
)

// PIT is a reduced 8253 interval timer. Only channel 0 in rate generator
// mode is modelled; it pulses its interrupt line every reload/1.193182 MHz
// using a host timer.
type PIT struct {
	mu sync.Mutex

	line         chipset.LineInterrupt
	timerFactory timerFactory
	timer        timerHandle

	low      byte
	highNext bool
	reload   uint16
	running  bool
	closed   bool
	gen      uint64
}

// PITOption customises the PIT instance, mainly for tests.
type PITOption func(*PIT)

// WithPITTimerFactory injects a custom periodic timer factory (used in tests).
func WithPITTimerFactory(factory func(time.Duration, func()) timerHandle) PITOption {
	return func(p *PIT) {
		if factory != nil {
			p.timerFactory = factory
		}
	}
}

// NewPIT builds a timer that pulses line on every channel 0 expiry.
func NewPIT(line chipset.LineInterrupt, opts ...PITOption) *PIT {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	p := &PIT{
		line:         line,
		timerFactory: periodicTimerFactory,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PITPeriod returns the expiry interval for a channel 0 reload value.
func PITPeriod(reload uint16) time.Duration {
	counts := uint64(reload)
	if counts == 0 {
		counts = 65536
	}
	return time.Duration(counts * uint64(time.Second) / pitInputFrequency)
}

// Write implements bus.Handler.
func (p *PIT) Write(addr uint64, size int, data uint64) {
	bus.SplitWrite[uint8](addr, size, data, func(a uint64, _, v uint8) {
		p.writePort(a&3, v)
	})
}

// Read implements bus.Handler. Counter read back is not modelled.
func (p *PIT) Read(addr uint64, size int) uint64 {
	slog.Warn("pit: read not supported", "port", fmt.Sprintf("0x%x", addr), "size", size)
	return 0
}

func (p *PIT) writePort(port uint64, v byte) {
	p.mu.Lock()
	var stale timerHandle
	switch port {
	case pitControl:
		if v != pitRateGenerator {
			slog.Warn("pit: unsupported control word", "value", fmt.Sprintf("0x%02x", v))
			break
		}
		p.highNext = false
	case pitChannel0:
		if !p.highNext {
			p.low = v
			p.highNext = true
			break
		}
		p.highNext = false
		p.reload = uint16(v)<<8 | uint16(p.low)
		stale = p.armLocked()
	default:
		slog.Warn("pit: channel not supported", "channel", port, "value", fmt.Sprintf("0x%02x", v))
	}
	p.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
}

// armLocked starts a timer for the current reload value and returns the
// one it replaces. The caller stops it after releasing p.mu.
func (p *PIT) armLocked() timerHandle {
	stale := p.timer
	p.timer = nil
	if p.closed {
		return stale
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.timer = p.timerFactory(PITPeriod(p.reload), func() { p.expire(gen) })
	return stale
}

func (p *PIT) expire(gen uint64) {
	p.mu.Lock()
	live := p.running && !p.closed && gen == p.gen
	p.mu.Unlock()
	if live {
		p.line.PulseInterrupt()
	}
}

// Reload returns the programmed channel 0 reload value and whether the
// channel is counting.
func (p *PIT) Reload() (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reload, p.running
}

// Close stops the channel 0 timer and waits for an expiry in flight, so
// the line is not pulsed once Close returns.
func (p *PIT) Close() error {
	p.mu.Lock()
	p.closed = true
	p.running = false
	stale := p.timer
	p.timer = nil
	p.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	return nil
}

var _ bus.Handler = (*PIT)(nil)

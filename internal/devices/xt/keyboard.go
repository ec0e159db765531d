package xt

import (
	"sync"
	"time"

	"github.com/tinyrange/xtpc/internal/chipset"
)

// Keyboard accepts scancodes from the presentation layer.
type Keyboard interface {
	PushScancode(code uint8)
}

// defaultScancodeDelay approximates the serial transfer time of one code.
const defaultScancodeDelay = time.Millisecond

// XTKeyboard delivers queued scancodes one at a time. Each code raises the
// interrupt line and holds it until the BIOS acknowledges by pulsing the
// keyboard reset line through PPI port B.
type XTKeyboard struct {
	mu   sync.Mutex
	cond *sync.Cond

	line  chipset.LineInterrupt
	delay time.Duration

	queue         []uint8
	scancode      uint8
	waitingForAck bool
	hold          bool
	reset         bool

	stop bool
	done chan struct{}
}

// KeyboardOption customises an XTKeyboard.
type KeyboardOption func(*XTKeyboard)

// WithScancodeDelay sets the pause before each code is presented.
func WithScancodeDelay(d time.Duration) KeyboardOption {
	return func(k *XTKeyboard) { k.delay = d }
}

// NewXTKeyboard starts the delivery worker.
func NewXTKeyboard(line chipset.LineInterrupt, opts ...KeyboardOption) *XTKeyboard {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	k := &XTKeyboard{
		line:  line,
		delay: defaultScancodeDelay,
		done:  make(chan struct{}),
	}
	k.cond = sync.NewCond(&k.mu)
	for _, opt := range opts {
		opt(k)
	}
	go k.run()
	return k
}

// PushScancode implements Keyboard.
func (k *XTKeyboard) PushScancode(code uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queue = append(k.queue, code)
	k.cond.Broadcast()
}

// ReadDataByte returns the code currently presented on PPI port A.
func (k *XTKeyboard) ReadDataByte() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scancode
}

// SetHold holds the keyboard clock low, pausing delivery.
func (k *XTKeyboard) SetHold(hold bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hold = hold
	k.cond.Broadcast()
}

// SetReset drives the keyboard reset line. Asserting it acknowledges the
// code being presented.
func (k *XTKeyboard) SetReset(reset bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reset = reset
	if reset && k.waitingForAck {
		k.waitingForAck = false
		k.cond.Broadcast()
	}
}

// Pending returns the number of queued codes not yet presented.
func (k *XTKeyboard) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.queue)
}

// Close stops the worker.
func (k *XTKeyboard) Close() error {
	k.mu.Lock()
	k.stop = true
	k.cond.Broadcast()
	k.mu.Unlock()
	<-k.done
	return nil
}

func (k *XTKeyboard) run() {
	defer close(k.done)

	k.mu.Lock()
	defer k.mu.Unlock()

	for {
		for !k.stop && (len(k.queue) == 0 || k.hold) {
			k.cond.Wait()
		}
		if k.stop {
			return
		}

		k.mu.Unlock()
		time.Sleep(k.delay)
		k.mu.Lock()
		if k.stop {
			return
		}

		k.scancode = k.queue[0]
		k.queue = k.queue[1:]
		k.waitingForAck = true
		k.line.SetLevel(true)

		for !k.stop && k.waitingForAck {
			k.cond.Wait()
		}
		if k.stop {
			return
		}
		k.line.SetLevel(false)
	}
}

var _ Keyboard = (*XTKeyboard)(nil)

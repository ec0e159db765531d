// Package chipset holds the interrupt line contract shared by the devices and
// the interrupt controller.
package chipset

import (
	"sync"
	"time"
)

// LineInterrupt models an interrupt line driven by one device. SetLevel
// notifies the receiving controller before it returns.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// LineRecorder is a LineInterrupt that remembers the current level and
// counts rising edges. It is safe for concurrent use.
type LineRecorder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	level  bool
	rising int
}

// NewLineRecorder returns a recorder with the line low.
func NewLineRecorder() *LineRecorder {
	r := &LineRecorder{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetLevel implements LineInterrupt.
func (r *LineRecorder) SetLevel(high bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if high && !r.level {
		r.rising++
	}
	r.level = high
	r.cond.Broadcast()
}

// PulseInterrupt implements LineInterrupt.
func (r *LineRecorder) PulseInterrupt() {
	r.SetLevel(true)
	r.SetLevel(false)
}

// Level returns the current line level.
func (r *LineRecorder) Level() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Rising returns the number of low-to-high transitions seen.
func (r *LineRecorder) Rising() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rising
}

// WaitRising blocks until at least n rising edges were seen or timeout
// elapses. It reports whether the count was reached.
func (r *LineRecorder) WaitRising(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-time.After(timeout):
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.rising < n {
		if !time.Now().Before(deadline) {
			return false
		}
		r.cond.Wait()
	}
	return true
}

var _ LineInterrupt = (*LineRecorder)(nil)

package xt

import (
	"sync"
	"time"
)

// maxTimerLag is how many periods a periodic timer may fall behind before
// it drops the missed expirations and restarts from now.
const maxTimerLag = 8

// timerHandle tracks a cancellable periodic callback. Stop waits for a
// callback already in flight, so it must not be called from the callback
// or while holding a lock the callback takes.
type timerHandle interface {
	Stop()
}

type timerFactory func(period time.Duration, cb func()) timerHandle

// periodicTimer fires cb once per period against absolute deadlines, so a
// slow callback delays the next expiration without shifting the ones after
// it. Callbacks never overlap.
type periodicTimer struct {
	mu      sync.Mutex
	t       *time.Timer
	period  time.Duration
	next    time.Time
	cb      func()
	stopped bool
	firing  bool
	idle    *sync.Cond
}

// periodicTimerFactory is the default timerFactory.
func periodicTimerFactory(period time.Duration, cb func()) timerHandle {
	if period <= 0 || cb == nil {
		return nil
	}
	p := &periodicTimer{period: period, cb: cb, next: time.Now().Add(period)}
	p.idle = sync.NewCond(&p.mu)
	p.mu.Lock()
	p.t = time.AfterFunc(period, p.fire)
	p.mu.Unlock()
	return p
}

func (p *periodicTimer) fire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.firing = true
	p.mu.Unlock()

	p.cb()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.firing = false
	p.idle.Broadcast()
	if p.stopped {
		return
	}
	now := time.Now()
	p.next = p.next.Add(p.period)
	if now.Sub(p.next) > maxTimerLag*p.period {
		p.next = now.Add(p.period)
	}
	p.t.Reset(max(p.next.Sub(now), 0))
}

// Stop implements timerHandle.
func (p *periodicTimer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.t.Stop()
	for p.firing {
		p.idle.Wait()
	}
}

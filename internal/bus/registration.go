package bus

import "sync"

// Registration is the handle returned by RegisterAddressRange. It owns the
// table entry: Close removes the range and undoes any engine mappings made
// for it, Release gives up the handle and leaves the range registered for
// the dispatcher's lifetime.
type Registration struct {
	mu sync.Mutex
	d  *Dispatcher
	r  *addressRange
}

// Close unregisters the range. It is a no-op after Close or Release.
func (reg *Registration) Close() error {
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	d, r := reg.d, reg.r
	reg.d, reg.r = nil, nil
	reg.mu.Unlock()

	if d != nil {
		d.unregister(r)
	}
	return nil
}

// Release detaches the handle without removing the range.
func (reg *Registration) Release() {
	if reg == nil {
		return
	}
	reg.mu.Lock()
	reg.d, reg.r = nil, nil
	reg.mu.Unlock()
}

// Active reports whether the handle still owns its range.
func (reg *Registration) Active() bool {
	if reg == nil {
		return false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.d != nil
}

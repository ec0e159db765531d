package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/xtpc/internal/hv"
)

// ErrAddressConflict is returned when a registration would overlap a live
// range of the same dispatcher.
var ErrAddressConflict = errors.New("bus: address range conflict")

type addressRange struct {
	begin   uint64
	end     uint64
	offset  uint64
	handler Handler
}

func rangeLess(a, b *addressRange) bool { return a.begin < b.begin }

// RangeInfo describes one registered range.
type RangeInfo struct {
	Begin   uint64 `json:"begin"`
	End     uint64 `json:"end"`
	Offset  uint64 `json:"offset"`
	Handler string `json:"handler"`
}

// Dispatcher owns the range table of one address space. It is safe for
// concurrent use; handler calls and engine callbacks run without the table
// lock held.
type Dispatcher struct {
	name string
	log  *slog.Logger

	mu     sync.RWMutex
	ranges *btree.BTreeG[*addressRange]

	mapper      hv.MemoryMapper
	windowBase  uint64
	windowLimit uint64
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the logger used for bus diagnostics.
func WithDispatcherLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher creates an empty address space.
func NewDispatcher(name string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		name:   name,
		log:    slog.Default(),
		ranges: btree.NewG(8, rangeLess),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the address space name.
func (d *Dispatcher) Name() string { return d.name }

// RegisterAddressRange routes [base, limit) to h. Accesses reach the handler
// at addr-base+offset. When the dispatcher is bound to an engine the range's
// mappings are established before returning.
func (d *Dispatcher) RegisterAddressRange(base, limit uint64, h Handler, offset uint64) (*Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("bus: %s: register [0x%x, 0x%x): nil handler", d.name, base, limit)
	}
	if limit <= base {
		return nil, fmt.Errorf("bus: %s: register [0x%x, 0x%x): empty range", d.name, base, limit)
	}

	r := &addressRange{begin: base, end: limit, offset: offset, handler: h}

	d.mu.Lock()
	if prev := d.floorLocked(limit - 1); prev != nil && prev.end > base {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: [0x%x, 0x%x) overlaps [0x%x, 0x%x) (%T)",
			ErrAddressConflict, d.name, base, limit, prev.begin, prev.end, prev.handler)
	}
	d.ranges.ReplaceOrInsert(r)
	mapper, wb, wl := d.mapper, d.windowBase, d.windowLimit
	d.mu.Unlock()

	if mapper != nil {
		mapRange(mapper, r, wb, wl)
	}
	return &Registration{d: d, r: r}, nil
}

func (d *Dispatcher) unregister(r *addressRange) {
	d.mu.Lock()
	cur, ok := d.ranges.Get(r)
	if !ok || cur != r {
		d.mu.Unlock()
		return
	}
	d.ranges.Delete(r)
	mapper, wb, wl := d.mapper, d.windowBase, d.windowLimit
	d.mu.Unlock()

	if mapper != nil {
		unmapRange(mapper, r, wb, wl)
	}
}

// floorLocked returns the range with the greatest begin <= addr.
func (d *Dispatcher) floorLocked(addr uint64) *addressRange {
	var found *addressRange
	d.ranges.DescendLessOrEqual(&addressRange{begin: addr}, func(r *addressRange) bool {
		found = r
		return false
	})
	return found
}

func (d *Dispatcher) resolve(addr uint64) (Handler, uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r := d.floorLocked(addr)
	if r == nil || r.end <= addr {
		return nil, 0, false
	}
	return r.handler, addr - r.begin + r.offset, true
}

// Write implements Handler.
func (d *Dispatcher) Write(addr uint64, size int, data uint64) {
	h, off, ok := d.resolve(addr)
	if !ok {
		d.log.Warn("bus: unresolved write",
			"space", d.name,
			"addr", fmt.Sprintf("0x%x", addr),
			"size", size,
			"data", fmt.Sprintf("0x%x", data))
		return
	}
	h.Write(off, size, data)
}

// Read implements Handler. Unresolved reads return all ones.
func (d *Dispatcher) Read(addr uint64, size int) uint64 {
	h, off, ok := d.resolve(addr)
	if !ok {
		d.log.Warn("bus: unresolved read",
			"space", d.name,
			"addr", fmt.Sprintf("0x%x", addr),
			"size", size)
		return byteMask(uint64(size), 0)
	}
	return h.Read(off, size)
}

// FindHandler returns the handler registered at exactly base.
func (d *Dispatcher) FindHandler(base uint64) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.ranges.Get(&addressRange{begin: base})
	if !ok {
		return nil, false
	}
	return r.handler, true
}

// Ranges returns the registered ranges in address order.
func (d *Dispatcher) Ranges() []RangeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RangeInfo, 0, d.ranges.Len())
	d.ranges.Ascend(func(r *addressRange) bool {
		out = append(out, RangeInfo{
			Begin:   r.begin,
			End:     r.end,
			Offset:  r.offset,
			Handler: fmt.Sprintf("%T", r.handler),
		})
		return true
	})
	return out
}

func (d *Dispatcher) snapshotLocked() []*addressRange {
	out := make([]*addressRange, 0, d.ranges.Len())
	d.ranges.Ascend(func(r *addressRange) bool {
		out = append(out, r)
		return true
	})
	return out
}

// EstablishMappings binds the dispatcher to mapper. Range addresses are
// offset by base and clipped at limit in the engine's address space.
func (d *Dispatcher) EstablishMappings(mapper hv.MemoryMapper, base, limit uint64) {
	if mapper == nil {
		return
	}
	d.mu.Lock()
	d.mapper, d.windowBase, d.windowLimit = mapper, base, limit
	ranges := d.snapshotLocked()
	d.mu.Unlock()

	for _, r := range ranges {
		mapRange(mapper, r, base, limit)
	}
}

// RemoveMappings undoes EstablishMappings.
func (d *Dispatcher) RemoveMappings(mapper hv.MemoryMapper, base, limit uint64) {
	if mapper == nil {
		return
	}
	d.mu.Lock()
	if d.mapper == mapper {
		d.mapper = nil
	}
	ranges := d.snapshotLocked()
	d.mu.Unlock()

	for _, r := range ranges {
		unmapRange(mapper, r, base, limit)
	}
}

// hostTiles calls fn for every piece of host memory backing r inside the
// window, repeating the host block when the range is larger than it.
func hostTiles(r *addressRange, host []byte, base, limit uint64, fn func(gb, gl uint64, mem []byte)) {
	size := uint64(len(host))
	if size == 0 {
		return
	}
	off := r.offset % size
	for mb := r.begin; mb < r.end; {
		ml := min(r.end, mb+(size-off))
		gb := min(mb+base, limit)
		gl := min(ml+base, limit)
		if gb < gl {
			fn(gb, gl, host[off:off+(gl-gb)])
		}
		mb = ml
		off = 0
	}
}

func mapRange(mapper hv.MemoryMapper, r *addressRange, base, limit uint64) {
	if hm, ok := r.handler.(HostMemoryHandler); ok {
		host, perm := hm.HostMemory()
		hostTiles(r, host, base, limit, func(gb, gl uint64, mem []byte) {
			mapper.MapMemory(gb, gl, mem, perm)
		})
	}
	if mh, ok := r.handler.(MappingHandler); ok {
		mh.EstablishMappings(mapper, min(r.begin+base, limit), min(r.end+base, limit))
	}
}

func unmapRange(mapper hv.MemoryMapper, r *addressRange, base, limit uint64) {
	if hm, ok := r.handler.(HostMemoryHandler); ok {
		host, _ := hm.HostMemory()
		hostTiles(r, host, base, limit, func(gb, gl uint64, _ []byte) {
			mapper.UnmapMemory(gb, gl)
		})
	}
	if mh, ok := r.handler.(MappingHandler); ok {
		mh.RemoveMappings(mapper, min(r.begin+base, limit), min(r.end+base, limit))
	}
}

var (
	_ Handler        = (*Dispatcher)(nil)
	_ MappingHandler = (*Dispatcher)(nil)
)

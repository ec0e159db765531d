package bus

import (
	"errors"
	"testing"

	"github.com/tinyrange/xtpc/internal/hv"
)

type access struct {
	write bool
	addr  uint64
	size  int
	data  uint64
}

type recordingHandler struct {
	name     string
	accesses []access
	value    uint64
}

func (h *recordingHandler) Write(addr uint64, size int, data uint64) {
	h.accesses = append(h.accesses, access{true, addr, size, data})
}

func (h *recordingHandler) Read(addr uint64, size int) uint64 {
	h.accesses = append(h.accesses, access{false, addr, size, 0})
	return h.value
}

type mapping struct {
	base, limit uint64
	size        int
	perm        hv.Permission
}

type fakeMapper struct {
	mapped   []mapping
	unmapped []mapping
}

func (m *fakeMapper) MapMemory(base, limit uint64, host []byte, perm hv.Permission) {
	m.mapped = append(m.mapped, mapping{base, limit, len(host), perm})
}

func (m *fakeMapper) UnmapMemory(base, limit uint64) {
	m.unmapped = append(m.unmapped, mapping{base: base, limit: limit})
}

func mustRegister(t *testing.T, d *Dispatcher, base, limit uint64, h Handler, offset uint64) *Registration {
	t.Helper()
	reg, err := d.RegisterAddressRange(base, limit, h, offset)
	if err != nil {
		t.Fatalf("register [0x%x, 0x%x): %v", base, limit, err)
	}
	return reg
}

func TestDispatcherResolution(t *testing.T) {
	d := NewDispatcher("test")
	a := &recordingHandler{name: "a", value: 0xa}
	b := &recordingHandler{name: "b", value: 0xb}
	mustRegister(t, d, 0, 0x1000, a, 0)
	mustRegister(t, d, 0x1000, 0x2000, b, 0)

	if got := d.Read(0x0fff, 1); got != 0xa {
		t.Fatalf("read 0xfff = 0x%x, want 0xa", got)
	}
	if got := d.Read(0x1000, 1); got != 0xb {
		t.Fatalf("read 0x1000 = 0x%x, want 0xb", got)
	}
	if a.accesses[0].addr != 0xfff {
		t.Fatalf("handler a got offset 0x%x", a.accesses[0].addr)
	}
	if b.accesses[0].addr != 0 {
		t.Fatalf("handler b got offset 0x%x", b.accesses[0].addr)
	}
}

func TestDispatcherOffset(t *testing.T) {
	d := NewDispatcher("io")
	h := &recordingHandler{}
	mustRegister(t, d, 0x300, 0x320, h, 0x10)

	d.Write(0x305, 1, 0x42)
	want := access{true, 0x15, 1, 0x42}
	if len(h.accesses) != 1 || h.accesses[0] != want {
		t.Fatalf("got %+v, want %+v", h.accesses, want)
	}
}

func TestDispatcherUnresolved(t *testing.T) {
	d := NewDispatcher("io")
	mustRegister(t, d, 0x10, 0x20, &recordingHandler{}, 0)

	cases := []struct {
		addr uint64
		size int
		want uint64
	}{
		{0x0f, 1, 0xff},
		{0x20, 2, 0xffff},
		{0x1000, 4, 0xffffffff},
		{0x1000, 8, 0xffffffffffffffff},
	}
	for _, tc := range cases {
		if got := d.Read(tc.addr, tc.size); got != tc.want {
			t.Fatalf("read 0x%x/%d = 0x%x, want 0x%x", tc.addr, tc.size, got, tc.want)
		}
	}
	d.Write(0x5, 1, 1)
}

func TestDispatcherRejectsOverlap(t *testing.T) {
	d := NewDispatcher("mem")
	mustRegister(t, d, 0x1000, 0x2000, &recordingHandler{}, 0)
	mustRegister(t, d, 0x3000, 0x4000, &recordingHandler{}, 0)

	overlapping := [][2]uint64{
		{0x1000, 0x2000},
		{0x0800, 0x1001},
		{0x1fff, 0x2001},
		{0x1800, 0x3800},
		{0x0000, 0x5000},
		{0x3fff, 0x4000},
	}
	for _, r := range overlapping {
		_, err := d.RegisterAddressRange(r[0], r[1], &recordingHandler{}, 0)
		if !errors.Is(err, ErrAddressConflict) {
			t.Fatalf("register [0x%x, 0x%x): got %v, want ErrAddressConflict", r[0], r[1], err)
		}
	}
	if n := len(d.Ranges()); n != 2 {
		t.Fatalf("table has %d ranges after rejected registrations, want 2", n)
	}

	mustRegister(t, d, 0x2000, 0x3000, &recordingHandler{}, 0)
	mustRegister(t, d, 0x0, 0x1000, &recordingHandler{}, 0)

	ranges := d.Ranges()
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].End > ranges[i].Begin {
			t.Fatalf("ranges %+v and %+v overlap", ranges[i-1], ranges[i])
		}
	}
}

func TestDispatcherRejectsEmptyRange(t *testing.T) {
	d := NewDispatcher("mem")
	if _, err := d.RegisterAddressRange(0x10, 0x10, &recordingHandler{}, 0); err == nil {
		t.Fatalf("expected error for empty range")
	}
	if _, err := d.RegisterAddressRange(0x10, 0x20, nil, 0); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestRegistrationCloseAndRelease(t *testing.T) {
	d := NewDispatcher("io")
	h := &recordingHandler{value: 7}

	reg := mustRegister(t, d, 0x60, 0x70, h, 0)
	if got := d.Read(0x60, 1); got != 7 {
		t.Fatalf("read = %d, want 7", got)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := d.Read(0x60, 1); got != 0xff {
		t.Fatalf("read after close = 0x%x, want 0xff", got)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	reg = mustRegister(t, d, 0x60, 0x70, h, 0)
	reg.Release()
	if reg.Active() {
		t.Fatalf("registration still active after release")
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close after release: %v", err)
	}
	if _, ok := d.FindHandler(0x60); !ok {
		t.Fatalf("released range was removed")
	}
}

func TestRegistrationCloseKeepsReplacement(t *testing.T) {
	d := NewDispatcher("io")
	old := mustRegister(t, d, 0x60, 0x70, &recordingHandler{}, 0)
	old.Release()

	stale := &Registration{d: d, r: &addressRange{begin: 0x60, end: 0x70}}
	if err := stale.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := d.FindHandler(0x60); !ok {
		t.Fatalf("closing a stale handle removed a different range")
	}
}

func TestDispatcherHostMappingTiles(t *testing.T) {
	d := NewDispatcher("mem")
	vram := NewMappedRange(make([]byte, 0x4000), hv.PermRead|hv.PermWrite)
	mustRegister(t, d, 0xb0000, 0xc0000, vram, 0)
	mustRegister(t, d, 0x60, 0x70, &recordingHandler{}, 0)

	m := &fakeMapper{}
	d.EstablishMappings(m, 0, 0x100000)

	if len(m.mapped) != 4 {
		t.Fatalf("got %d mappings, want 4: %+v", len(m.mapped), m.mapped)
	}
	for i, mp := range m.mapped {
		base := uint64(0xb0000 + i*0x4000)
		if mp.base != base || mp.limit != base+0x4000 || mp.size != 0x4000 {
			t.Fatalf("mapping %d = %+v", i, mp)
		}
		if mp.perm != hv.PermRead|hv.PermWrite {
			t.Fatalf("mapping %d perm %v", i, mp.perm)
		}
	}

	d.RemoveMappings(m, 0, 0x100000)
	if len(m.unmapped) != 4 {
		t.Fatalf("got %d unmappings, want 4", len(m.unmapped))
	}
}

func TestDispatcherMapsWhileAttached(t *testing.T) {
	d := NewDispatcher("mem")
	m := &fakeMapper{}
	d.EstablishMappings(m, 0, 0x100000)

	ram := NewMappedRange(make([]byte, 0x1000), hv.PermRead|hv.PermWrite|hv.PermExecute)
	reg := mustRegister(t, d, 0xf0000, 0x100000+0x1000, ram, 0)
	if len(m.mapped) == 0 {
		t.Fatalf("registration while attached did not map")
	}
	last := m.mapped[len(m.mapped)-1]
	if last.limit != 0x100000 {
		t.Fatalf("mapping not clipped to window: %+v", last)
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(m.unmapped) != len(m.mapped) {
		t.Fatalf("close unmapped %d ranges, mapped %d", len(m.unmapped), len(m.mapped))
	}
}

type hookHandler struct {
	recordingHandler
	established [][2]uint64
	removed     [][2]uint64
}

func (h *hookHandler) EstablishMappings(_ hv.MemoryMapper, base, limit uint64) {
	h.established = append(h.established, [2]uint64{base, limit})
}

func (h *hookHandler) RemoveMappings(_ hv.MemoryMapper, base, limit uint64) {
	h.removed = append(h.removed, [2]uint64{base, limit})
}

func TestDispatcherMappingHooks(t *testing.T) {
	d := NewDispatcher("mem")
	h := &hookHandler{}
	mustRegister(t, d, 0x1000, 0x2000, h, 0)

	m := &fakeMapper{}
	d.EstablishMappings(m, 0x10000, 0x20000)
	if len(h.established) != 1 || h.established[0] != [2]uint64{0x11000, 0x12000} {
		t.Fatalf("unexpected establish calls %v", h.established)
	}
	d.RemoveMappings(m, 0x10000, 0x20000)
	if len(h.removed) != 1 || h.removed[0] != [2]uint64{0x11000, 0x12000} {
		t.Fatalf("unexpected remove calls %v", h.removed)
	}
	if len(m.mapped) != 0 {
		t.Fatalf("hook-only handler produced host mappings")
	}
}

func TestNestedDispatcher(t *testing.T) {
	outer := NewDispatcher("outer")
	inner := NewDispatcher("inner")
	h := &recordingHandler{value: 0x55}
	mustRegister(t, inner, 0x4, 0x8, h, 0)
	mustRegister(t, outer, 0x100, 0x200, inner, 0)

	if got := outer.Read(0x105, 1); got != 0x55 {
		t.Fatalf("nested read = 0x%x", got)
	}
	if h.accesses[0].addr != 1 {
		t.Fatalf("nested offset = 0x%x, want 1", h.accesses[0].addr)
	}
}

func TestMappedRangeAccess(t *testing.T) {
	m := NewMappedRange(make([]byte, 16), hv.PermRead|hv.PermWrite)
	m.Write(2, 4, 0x11223344)
	if got := m.Read(2, 2); got != 0x3344 {
		t.Fatalf("read16 = 0x%x", got)
	}
	if got := m.Read(18, 1); got != 0x44 {
		t.Fatalf("mirrored read = 0x%x", got)
	}

	rom := NewMappedRange([]byte{1, 2, 3, 4}, hv.PermRead|hv.PermExecute)
	rom.Write(0, 1, 0xff)
	if got := rom.Read(0, 4); got != 0x04030201 {
		t.Fatalf("rom modified: 0x%x", got)
	}
}

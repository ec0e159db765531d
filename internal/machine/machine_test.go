package machine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xtpc/internal/ata"
	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/hv"
)

type mapping struct {
	base, limit uint64
	perm        hv.Permission
}

type fakeEngine struct {
	mu       sync.Mutex
	mapped   map[uint64]mapping
	irq      bool
	irqRaise chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{mapped: make(map[uint64]mapping), irqRaise: make(chan struct{}, 16)}
}

func (e *fakeEngine) MapMemory(base, limit uint64, _ []byte, perm hv.Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mapped[base] = mapping{base, limit, perm}
}

func (e *fakeEngine) UnmapMemory(base, _ uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.mapped, base)
}

func (e *fakeEngine) SetInterruptRequest(asserted bool) {
	e.mu.Lock()
	rising := asserted && !e.irq
	e.irq = asserted
	e.mu.Unlock()
	if rising {
		select {
		case e.irqRaise <- struct{}{}:
		default:
		}
	}
}

func (e *fakeEngine) mapping(base uint64) (mapping, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.mapped[base]
	return m, ok
}

func (e *fakeEngine) mappings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mapped)
}

func newTestMachine(t *testing.T, mutate func(*Config)) *Machine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ScancodeDelay = Duration(time.Microsecond)
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestEmptyBIOSFloatsHigh(t *testing.T) {
	m := newTestMachine(t, nil)
	assert.EqualValues(t, 0xff, m.MMIO.Read(BIOSBase, 1))
	assert.EqualValues(t, 0xffff, m.MMIO.Read(BIOSEnd-2, 2))
}

func TestBIOSImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bios.bin")
	image := make([]byte, BIOSEnd-BIOSBase)
	image[len(image)-16] = 0xea
	require.NoError(t, os.WriteFile(path, image, 0o644))

	m := newTestMachine(t, func(c *Config) { c.BIOS = path })
	assert.EqualValues(t, 0xea, m.MMIO.Read(0xffff0, 1))

	// ROM ignores writes.
	m.MMIO.Write(0xffff0, 1, 0x90)
	assert.EqualValues(t, 0xea, m.MMIO.Read(0xffff0, 1))
}

func TestBIOSImageWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bios.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0o644))

	cfg := DefaultConfig()
	cfg.BIOS = path
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 49152")
}

func TestRAMReadWrite(t *testing.T) {
	m := newTestMachine(t, nil)
	m.MMIO.Write(0x1234, 2, 0xbeef)
	assert.EqualValues(t, 0xbeef, m.MMIO.Read(0x1234, 2))
	assert.Equal(t, byte(0xef), m.RAM()[0x1234])

	m.MMIO.Write(VRAMBase, 1, 'A')
	assert.Equal(t, byte('A'), m.VRAM()[0])
}

func TestAttachMapsHostMemory(t *testing.T) {
	m := newTestMachine(t, func(c *Config) { c.EMS.Enabled = false })
	engine := newFakeEngine()
	require.NoError(t, m.Attach(engine))

	ram, ok := engine.mapping(RAMBase)
	require.True(t, ok)
	assert.Equal(t, mapping{RAMBase, RAMEnd, hv.PermRead | hv.PermWrite | hv.PermExecute}, ram)

	bios, ok := engine.mapping(BIOSBase)
	require.True(t, ok)
	assert.Equal(t, hv.PermRead|hv.PermExecute, bios.perm)
	assert.Equal(t, 3, engine.mappings())

	require.Error(t, m.Attach(newFakeEngine()))

	m.Detach()
	assert.Zero(t, engine.mappings())
}

func TestDMAPageRegistersClaimed(t *testing.T) {
	m := newTestMachine(t, nil)

	h, ok := m.IO.FindHandler(PortDMAPage)
	require.True(t, ok)
	assert.Equal(t, bus.DummyHandler{Name: "dma page"}, h)

	m.IO.Write(PortDMAPage+3, 1, 0x12)
	assert.Zero(t, m.IO.Read(PortDMAPage+3, 1))
}

func TestAttachMapsBackfill(t *testing.T) {
	m := newTestMachine(t, nil)
	engine := newFakeEngine()
	require.NoError(t, m.Attach(engine))

	// Logical pages 16-23 fill 0x80000-0xa0000.
	page, ok := engine.mapping(0x80000)
	require.True(t, ok)
	assert.EqualValues(t, 0x84000, page.limit)
	_, ok = engine.mapping(0x9c000)
	assert.True(t, ok)
}

func TestKeyboardInterruptReachesEngine(t *testing.T) {
	m := newTestMachine(t, nil)
	engine := newFakeEngine()
	require.NoError(t, m.Attach(engine))

	for _, w := range []struct {
		port uint64
		v    uint64
	}{{0x20, 0x13}, {0x21, 0x08}, {0x21, 0x09}, {0x63, 0x99}} {
		m.IO.Write(w.port, 1, w.v)
	}

	m.Keyboard.PushScancode(0x1e)
	select {
	case <-engine.irqRaise:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt request never raised")
	}
	assert.Equal(t, uint8(0x08+IRQKeyboard), m.InterruptController().Acknowledge())
	assert.EqualValues(t, 0x1e, m.IO.Read(0x60, 1))
}

func TestSwitchesThroughPPI(t *testing.T) {
	m := newTestMachine(t, func(c *Config) { c.Switches = 0x5c })
	m.IO.Write(0x63, 1, 0x99)

	m.IO.Write(0x61, 1, 0x40)
	assert.EqualValues(t, 0x0c, m.IO.Read(0x62, 1)&0x0f)

	m.IO.Write(0x61, 1, 0x48)
	assert.EqualValues(t, 0x05, m.IO.Read(0x62, 1)&0x0f)
}

func TestNMIMaskPort(t *testing.T) {
	m := newTestMachine(t, nil)
	m.IO.Write(PortNMI, 1, 0x80)
	assert.True(t, m.NMI.Enabled())
	m.IO.Write(PortNMI, 1, 0x00)
	assert.False(t, m.NMI.Enabled())
}

func TestXTIDEWithoutDisksFloats(t *testing.T) {
	m := newTestMachine(t, nil)
	assert.EqualValues(t, 0xff, m.IO.Read(PortXTIDE+0x0e, 1))
}

func TestMasterDiskIdentify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 64*ata.SectorSize), 0o644))

	m := newTestMachine(t, func(c *Config) { c.Master.Path = path })
	require.NotNil(t, m.Disks[0])
	assert.EqualValues(t, 64, m.Disks[0].Sectors())

	m.IO.Write(PortXTIDE+0x0c, 1, 0xa0)
	m.IO.Write(PortXTIDE+0x0e, 1, uint64(ata.CmdIdentifyDrive))

	deadline := time.Now().Add(2 * time.Second)
	for m.IO.Read(PortXTIDE+0x0e, 1)&uint64(ata.StatusDRQ) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("IDENTIFY never reached DRQ")
		}
		time.Sleep(time.Millisecond)
	}
	buf := make([]byte, ata.SectorSize)
	for i := 0; i < len(buf); i += 2 {
		w := m.IO.Read(PortXTIDE, 2)
		buf[i], buf[i+1] = byte(w), byte(w>>8)
	}
	id := ata.ParseIdentify(buf)
	assert.Equal(t, "EMULATED ATA HARD DISK", id.Model)
	assert.EqualValues(t, 64, id.TotalSectors)
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Error(t, m.Attach(newFakeEngine()))
}

package ata

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tinyrange/xtpc/internal/chipset"
)

type memStore struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore(sectors int) *memStore {
	data := make([]byte, sectors*SectorSize)
	for i := range data {
		data[i] = byte(i/SectorSize) ^ byte(i*7)
	}
	return &memStore{data: data}
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, errors.New("write past end")
	}
	return copy(m.data[off:], p), nil
}

func (m *memStore) sector(lba int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[lba*SectorSize:(lba+1)*SectorSize]...)
}

type failingStore struct{}

func (failingStore) ReadAt([]byte, int64) (int, error)  { return 0, errors.New("disk on fire") }
func (failingStore) WriteAt([]byte, int64) (int, error) { return 0, errors.New("disk on fire") }

// sparseStore reads as zeros and discards writes.
type sparseStore struct{}

func (sparseStore) ReadAt(p []byte, _ int64) (int, error) {
	clear(p)
	return len(p), nil
}

func (sparseStore) WriteAt(p []byte, _ int64) (int, error) { return len(p), nil }

func writeImage(path string, sectors int) error {
	return os.WriteFile(path, newMemStore(sectors).data, 0o644)
}

// recordInterrupts attaches a recorder as dev's host.
func recordInterrupts(dev Bus) *chipset.LineRecorder {
	irq := chipset.NewLineRecorder()
	dev.SetHost(HostFunc(func(_ Bus, requested bool) { irq.SetLevel(requested) }))
	return irq
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type testDisk struct {
	*HardDisk
	store *memStore
	irq   *chipset.LineRecorder
	log   *syncBuffer
}

func newTestDisk(t *testing.T, sectors int, opts ...HardDiskOption) *testDisk {
	t.Helper()
	store := newMemStore(sectors)
	logger, buf := testLogger()
	opts = append([]HardDiskOption{WithDeviceOptions(WithLogger(logger))}, opts...)
	hd, err := NewHardDisk(store, int64(sectors*SectorSize), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { hd.Close() })

	irq := recordInterrupts(hd)
	return &testDisk{HardDisk: hd, store: store, irq: irq, log: buf}
}

// waitNotBusy polls the alternate status register until BSY clears.
func waitNotBusy(t *testing.T, dev Bus) uint8 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := uint8(dev.Read(CS1, RegAltStatus))
		if st&StatusBSY == 0 {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("device still busy, status=0x%02x", st)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitInterrupts(t *testing.T, irq *chipset.LineRecorder, n int) {
	t.Helper()
	if !irq.WaitRising(n, 2*time.Second) {
		t.Fatalf("got %d interrupts, want %d", irq.Rising(), n)
	}
}

type taskFile struct {
	feature, count, sector, cylLow, cylHigh, driveHead uint8
}

func issue(dev Bus, tf taskFile, cmd uint8) {
	dev.Write(CS0, RegDriveHead, uint16(tf.driveHead))
	dev.Write(CS0, RegFeature, uint16(tf.feature))
	dev.Write(CS0, RegSectorCount, uint16(tf.count))
	dev.Write(CS0, RegSectorNumber, uint16(tf.sector))
	dev.Write(CS0, RegCylinderLow, uint16(tf.cylLow))
	dev.Write(CS0, RegCylinderHigh, uint16(tf.cylHigh))
	dev.Write(CS0, RegCommand, uint16(cmd))
}

func lbaTaskFile(lba uint32, count uint8) taskFile {
	return taskFile{
		count:     count,
		sector:    uint8(lba),
		cylLow:    uint8(lba >> 8),
		cylHigh:   uint8(lba >> 16),
		driveHead: 0xe0 | uint8(lba>>24)&0x0f,
	}
}

// readWords drains n bytes of PIO data in 16-bit words.
func readWords(dev Bus, n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		w := dev.Read(CS0, RegData)
		out = append(out, byte(w), byte(w>>8))
	}
	return out
}

func writeWords(dev Bus, data []byte) {
	for i := 0; i < len(data); i += 2 {
		dev.Write(CS0, RegData, uint16(data[i])|uint16(data[i+1])<<8)
	}
}

// blockingDrive holds every command until release is closed.
type blockingDrive struct {
	started chan Command
	release chan struct{}
	result  Result
}

func newBlockingDrive() *blockingDrive {
	return &blockingDrive{
		started: make(chan Command, 8),
		release: make(chan struct{}),
		result:  success(),
	}
}

func (b *blockingDrive) ResetDrive() {}

func (b *blockingDrive) ExecuteCommand(cmd Command, _ PIO) Result {
	b.started <- cmd
	<-b.release
	return b.result
}

func (b *blockingDrive) ContinueTransfer(Direction, PIO) Result { return success() }

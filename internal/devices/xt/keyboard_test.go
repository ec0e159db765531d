package xt

import (
	"testing"
	"time"

	"github.com/tinyrange/xtpc/internal/chipset"
)

func newTestKeyboard(t *testing.T) (*XTKeyboard, *chipset.LineRecorder) {
	t.Helper()
	line := chipset.NewLineRecorder()
	kbd := NewXTKeyboard(line, WithScancodeDelay(0))
	t.Cleanup(func() { kbd.Close() })
	return kbd, line
}

func TestKeyboardDeliversOneCodeAtATime(t *testing.T) {
	kbd, line := newTestKeyboard(t)

	kbd.PushScancode(0x1e)
	kbd.PushScancode(0x9e)
	if !line.WaitRising(1, 2*time.Second) {
		t.Fatalf("no keyboard interrupt")
	}
	if got := kbd.ReadDataByte(); got != 0x1e {
		t.Fatalf("scancode = 0x%02x, want 0x1e", got)
	}

	time.Sleep(20 * time.Millisecond)
	if line.Rising() != 1 || kbd.Pending() != 1 {
		t.Fatalf("second code delivered before acknowledge (edges=%d pending=%d)", line.Rising(), kbd.Pending())
	}

	kbd.SetReset(true)
	kbd.SetReset(false)
	if !line.WaitRising(2, 2*time.Second) {
		t.Fatalf("second code not delivered after acknowledge")
	}
	if got := kbd.ReadDataByte(); got != 0x9e {
		t.Fatalf("scancode = 0x%02x, want 0x9e", got)
	}
}

func TestKeyboardHold(t *testing.T) {
	kbd, line := newTestKeyboard(t)

	kbd.SetHold(true)
	kbd.PushScancode(0x01)
	time.Sleep(20 * time.Millisecond)
	if line.Rising() != 0 {
		t.Fatalf("code delivered while the clock is held")
	}
	kbd.SetHold(false)
	if !line.WaitRising(1, 2*time.Second) {
		t.Fatalf("code not delivered after hold released")
	}
}

func TestKeyboardCloseWhileWaitingForAck(t *testing.T) {
	line := chipset.NewLineRecorder()
	kbd := NewXTKeyboard(line, WithScancodeDelay(0))
	kbd.PushScancode(0x1c)
	if !line.WaitRising(1, 2*time.Second) {
		t.Fatalf("no keyboard interrupt")
	}

	done := make(chan struct{})
	go func() {
		kbd.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on the pending acknowledge")
	}
}

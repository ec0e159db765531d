package chipset

import (
	"testing"
	"time"
)

func TestLineInterruptFromFunc(t *testing.T) {
	var levels []bool
	line := LineInterruptFromFunc(func(high bool) { levels = append(levels, high) })
	line.SetLevel(true)
	line.PulseInterrupt()
	if len(levels) != 3 || !levels[0] || !levels[1] || levels[2] {
		t.Fatalf("unexpected levels %v", levels)
	}

	LineInterruptDetached().PulseInterrupt()
	LineInterruptFromFunc(nil).SetLevel(true)
}

func TestLineRecorderCountsRisingEdges(t *testing.T) {
	r := NewLineRecorder()
	r.SetLevel(true)
	r.SetLevel(true)
	r.SetLevel(false)
	r.PulseInterrupt()
	if got := r.Rising(); got != 2 {
		t.Fatalf("rising = %d, want 2", got)
	}
	if r.Level() {
		t.Fatalf("line left high")
	}
}

func TestLineRecorderWaitRising(t *testing.T) {
	r := NewLineRecorder()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.PulseInterrupt()
	}()
	if !r.WaitRising(1, time.Second) {
		t.Fatalf("edge not observed")
	}
	if r.WaitRising(2, 20*time.Millisecond) {
		t.Fatalf("unexpected second edge")
	}
}

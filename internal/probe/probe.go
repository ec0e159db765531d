// Package probe drives a machine through its I/O and memory dispatchers
// from a script, standing in for guest code.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/xtpc/internal/bus"
	"github.com/tinyrange/xtpc/internal/hv"
	"github.com/tinyrange/xtpc/internal/machine"
)

// ErrMismatch is returned when a read does not produce the expected value.
var ErrMismatch = errors.New("probe: unexpected value")

// Access is one port or memory access.
type Access struct {
	Port   *uint64 `yaml:"port,omitempty"`
	Addr   *uint64 `yaml:"addr,omitempty"`
	Size   int     `yaml:"size,omitempty"`
	Value  uint64  `yaml:"value,omitempty"`
	Expect *uint64 `yaml:"expect,omitempty"`
	// Mask limits the comparison with Expect.
	Mask *uint64 `yaml:"mask,omitempty"`
}

// Step is one script entry. Exactly one field is set.
type Step struct {
	Name    string           `yaml:"name,omitempty"`
	Write   *Access          `yaml:"write,omitempty"`
	Read    *Access          `yaml:"read,omitempty"`
	Poll    *Access          `yaml:"poll,omitempty"`
	Keys    []uint64         `yaml:"keys,omitempty"`
	Sleep   machine.Duration `yaml:"sleep,omitempty"`
	WaitIRQ machine.Duration `yaml:"wait_irq,omitempty"`
	Ack     *uint64          `yaml:"ack,omitempty"`
}

// Script is a sequence of steps.
type Script struct {
	Steps []Step `yaml:"steps"`
}

// LoadScript reads a YAML script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("probe: reading script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("probe: parsing script: %w", err)
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return nil, fmt.Errorf("probe: step %d: %w", i, err)
		}
	}
	return &s, nil
}

func (st Step) validate() error {
	n := 0
	for _, set := range []bool{st.Write != nil, st.Read != nil, st.Poll != nil, st.Keys != nil, st.Sleep != 0, st.WaitIRQ != 0, st.Ack != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("want exactly one action, got %d", n)
	}
	for _, a := range []*Access{st.Write, st.Read, st.Poll} {
		if a == nil {
			continue
		}
		if (a.Port == nil) == (a.Addr == nil) {
			return errors.New("access needs exactly one of port and addr")
		}
		switch a.Size {
		case 0, 1, 2, 4, 8:
		default:
			return fmt.Errorf("unsupported access size %d", a.Size)
		}
	}
	for _, k := range st.Keys {
		if k > 0xff {
			return fmt.Errorf("scancode 0x%x does not fit a byte", k)
		}
	}
	if st.Poll != nil && st.Poll.Expect == nil {
		return errors.New("poll needs expect")
	}
	return nil
}

// Engine is a stand-in execution engine that records the interrupt request
// line and the memory mapped into it.
type Engine struct {
	mu     sync.Mutex
	cond   *sync.Cond
	irq    bool
	raised int
	mapped map[uint64]uint64
}

// NewEngine returns an idle engine.
func NewEngine() *Engine {
	e := &Engine{mapped: make(map[uint64]uint64)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// MapMemory implements hv.MemoryMapper.
func (e *Engine) MapMemory(base, limit uint64, _ []byte, perm hv.Permission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mapped[base] = limit
	slog.Debug("probe: map", "base", fmt.Sprintf("0x%05x", base), "limit", fmt.Sprintf("0x%05x", limit), "perm", perm)
}

// UnmapMemory implements hv.MemoryMapper.
func (e *Engine) UnmapMemory(base, _ uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.mapped, base)
}

// SetInterruptRequest implements hv.Engine.
func (e *Engine) SetInterruptRequest(asserted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if asserted && !e.irq {
		e.raised++
	}
	e.irq = asserted
	e.cond.Broadcast()
}

// Raised returns the number of rising edges seen on the request line.
func (e *Engine) Raised() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raised
}

// Mapped returns the number of mapped host regions.
func (e *Engine) Mapped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mapped)
}

// Requested reports the interrupt request line.
func (e *Engine) Requested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.irq
}

// WaitRequest blocks until the interrupt request line is high or timeout
// passes.
func (e *Engine) WaitRequest(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer t.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.irq && time.Now().Before(deadline) {
		e.cond.Wait()
	}
	return e.irq
}

var _ hv.Engine = (*Engine)(nil)

// Runner executes scripts against a machine attached to an Engine.
type Runner struct {
	m      *machine.Machine
	engine *Engine
	out    io.Writer

	// PollInterval and PollTimeout bound poll steps.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// NewRunner attaches a fresh Engine to m. Read results are written to out.
func NewRunner(m *machine.Machine, out io.Writer) (*Runner, error) {
	e := NewEngine()
	if err := m.Attach(e); err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		m:            m,
		engine:       e,
		out:          out,
		PollInterval: time.Millisecond,
		PollTimeout:  2 * time.Second,
	}, nil
}

// Engine returns the engine the machine is attached to.
func (r *Runner) Engine() *Engine { return r.engine }

func (a *Access) target(m *machine.Machine) (*bus.Dispatcher, uint64, string) {
	if a.Port != nil {
		return m.IO, *a.Port, fmt.Sprintf("port 0x%03x", *a.Port)
	}
	return m.MMIO, *a.Addr, fmt.Sprintf("mem 0x%05x", *a.Addr)
}

func (a *Access) size() int {
	if a.Size == 0 {
		return 1
	}
	return a.Size
}

func (a *Access) matches(v uint64) bool {
	mask := ^uint64(0)
	if a.Mask != nil {
		mask = *a.Mask
	}
	return v&mask == *a.Expect&mask
}

// Run executes every step in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, s *Script) error {
	for i, st := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(ctx, st); err != nil {
			label := fmt.Sprintf("%d", i)
			if st.Name != "" {
				label += " (" + st.Name + ")"
			}
			return fmt.Errorf("probe: step %s: %w", label, err)
		}
	}
	return nil
}

func (r *Runner) step(ctx context.Context, st Step) error {
	switch {
	case st.Write != nil:
		d, addr, _ := st.Write.target(r.m)
		d.Write(addr, st.Write.size(), st.Write.Value)
	case st.Read != nil:
		d, addr, label := st.Read.target(r.m)
		v := d.Read(addr, st.Read.size())
		fmt.Fprintf(r.out, "%s = 0x%0*x\n", label, st.Read.size()*2, v)
		if st.Read.Expect != nil && !st.Read.matches(v) {
			return fmt.Errorf("%w: %s read 0x%x, want 0x%x", ErrMismatch, label, v, *st.Read.Expect)
		}
	case st.Poll != nil:
		return r.poll(ctx, st.Poll)
	case st.Keys != nil:
		for _, k := range st.Keys {
			r.m.Keyboard.PushScancode(uint8(k))
		}
	case st.Sleep != 0:
		select {
		case <-time.After(st.Sleep.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	case st.WaitIRQ != 0:
		if !r.engine.WaitRequest(st.WaitIRQ.Duration()) {
			return errors.New("interrupt request not raised")
		}
	case st.Ack != nil:
		v := r.m.InterruptController().Acknowledge()
		fmt.Fprintf(r.out, "ack = 0x%02x\n", v)
		if uint64(v) != *st.Ack {
			return fmt.Errorf("%w: vector 0x%02x, want 0x%02x", ErrMismatch, v, *st.Ack)
		}
	}
	return nil
}

func (r *Runner) poll(ctx context.Context, a *Access) error {
	d, addr, label := a.target(r.m)
	deadline := time.Now().Add(r.PollTimeout)
	for {
		v := d.Read(addr, a.size())
		if a.matches(v) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s stuck at 0x%x, want 0x%x", ErrMismatch, label, v, *a.Expect)
		}
		select {
		case <-time.After(r.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

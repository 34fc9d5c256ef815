package audio

import (
	"fmt"
	"sync"
	"time"
)

// Exception names raised by nodes. They mirror the failures the platform
// frameworks raise when a graph mutation violates a precondition.
const (
	ExceptionNoTap          = "NoTapInstalled"
	ExceptionTapExists      = "TapAlreadyInstalled"
	ExceptionInvalidBus     = "InvalidBus"
	ExceptionFormatMismatch = "FormatMismatch"
	ExceptionStreamFailed   = "StreamFailed"
	ExceptionGraphBusy      = "GraphBusy"
)

// Exception is the value a Node panics with when a graph mutation fails.
// Callers must not mutate a node directly; see package bridge.
type Exception struct {
	Name   string
	Reason string
}

func (e *Exception) Error() string {
	return e.Name + ": " + e.Reason
}

func raise(name, format string, args ...any) {
	panic(&Exception{Name: name, Reason: fmt.Sprintf(format, args...)})
}

type Format struct {
	SampleRate float64
	Channels   uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%.0f Hz, %d ch", f.SampleRate, f.Channels)
}

// Buffer is one block of captured audio. Samples holds channel 0 as
// normalized float32 in [-1, 1].
type Buffer struct {
	Format  Format
	Samples []float32
}

func (b *Buffer) FrameLength() int { return len(b.Samples) }

// Time stamps a buffer with its position in the stream.
type Time struct {
	SampleTime int64
	Host       time.Time
}

// TapFunc receives every buffer flowing through a tapped bus. It runs on the
// node's capture goroutine and must not block.
type TapFunc func(buf *Buffer, when Time)

// Node is an attachment point in the native audio graph. InstallTap and
// RemoveTap panic with *Exception on invalid use: installing twice on a bus,
// removing a tap that was never installed, an unsupported format, or a stream
// that the platform refuses to open.
type Node interface {
	OutputFormat(bus int) Format
	InstallTap(bus int, bufferSize uint32, format *Format, tap TapFunc)
	RemoveTap(bus int)
}

// tapSlots is the per-node bookkeeping shared by all Node implementations.
// Capture nodes expose a single output bus.
type tapSlots struct {
	mu     sync.Mutex
	native Format
	slots  map[int]*tap
}

func newTapSlots(native Format) *tapSlots {
	return &tapSlots{native: native, slots: make(map[int]*tap)}
}

func (s *tapSlots) format(bus int) Format {
	if bus != 0 {
		raise(ExceptionInvalidBus, "bus %d out of range (node has 1 output bus)", bus)
	}
	return s.native
}

// claim validates an install request and reserves the slot. It panics on
// any precondition failure.
func (s *tapSlots) claim(bus int, bufferSize uint32, format *Format, fn TapFunc) *tap {
	native := s.format(bus)
	if native.Channels == 0 {
		raise(ExceptionFormatMismatch, "input format has 0 channels")
	}
	if format != nil && *format != native {
		raise(ExceptionFormatMismatch, "requested format (%s) does not match hardware format (%s)", *format, native)
	}
	if fn == nil {
		raise(ExceptionStreamFailed, "nil tap block")
	}
	if bufferSize == 0 {
		bufferSize = 1024
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[bus]; ok {
		raise(ExceptionTapExists, "a tap is already installed on bus %d", bus)
	}
	t := &tap{size: int(bufferSize), format: native, fn: fn}
	s.slots[bus] = t
	return t
}

// abandon frees a claimed slot after the platform failed to open the stream.
func (s *tapSlots) abandon(bus int) {
	s.mu.Lock()
	delete(s.slots, bus)
	s.mu.Unlock()
}

func (s *tapSlots) release(bus int) *tap {
	s.format(bus)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.slots[bus]
	if !ok {
		raise(ExceptionNoTap, "no tap installed on bus %d", bus)
	}
	delete(s.slots, bus)
	return t
}

func (s *tapSlots) get(bus int) *tap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[bus]
}

// tap accumulates incoming samples and hands them to fn in blocks of size
// frames.
type tap struct {
	size   int
	format Format
	fn     TapFunc

	mu         sync.Mutex
	pending    []float32
	sampleTime int64
}

func (t *tap) push(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, samples...)
	for len(t.pending) >= t.size {
		block := make([]float32, t.size)
		copy(block, t.pending[:t.size])
		t.pending = t.pending[t.size:]
		when := Time{SampleTime: t.sampleTime, Host: time.Now()}
		t.sampleTime += int64(t.size)
		t.fn(&Buffer{Format: t.format, Samples: block}, when)
	}
}

package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const fakeChunkFrames = 1024

// FakeContext serves a single recording from a 16-bit PCM WAV file. Nodes
// opened on it play the recording into their tap, then feed silence.
type FakeContext struct {
	pcm        []float32
	sampleRate uint32
	realtime   bool
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) < WAVHeaderSize {
		return nil, fmt.Errorf("%s: short WAV header", wavPath)
	}
	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	rate := binary.LittleEndian.Uint32(data[24:28])
	if channels == 0 || rate == 0 {
		return nil, fmt.Errorf("%s: invalid WAV format", wavPath)
	}
	return &FakeContext{
		pcm:        decodePCM16(data[WAVHeaderSize:], channels),
		sampleRate: rate,
		realtime:   realtime,
	}, nil
}

// decodePCM16 keeps channel 0 of interleaved little-endian int16 samples.
func decodePCM16(data []byte, channels int) []float32 {
	stride := 2 * channels
	out := make([]float32, 0, len(data)/stride)
	for off := 0; off+2 <= len(data); off += stride {
		s := int16(binary.LittleEndian.Uint16(data[off:]))
		out = append(out, float32(s)/32768)
	}
	return out
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewInput(_ *DeviceInfo, _ CaptureConfig) (Node, error) {
	n := NewFakeNode(Format{SampleRate: float64(f.sampleRate), Channels: 1})
	n.pcm = f.pcm
	n.realtime = f.realtime
	return n, nil
}

// FakeNode is an in-memory Node. Tests drive it synchronously with Feed; a
// node opened from a FakeContext also plays its recording while tapped.
type FakeNode struct {
	taps *tapSlots

	pcm      []float32
	realtime bool

	mu        sync.Mutex
	failNext  *Exception
	installs  int
	removes   int
	audioDone chan struct{}
	stopCh    chan struct{}
	feedDone  chan struct{}
}

func NewFakeNode(native Format) *FakeNode {
	return &FakeNode{
		taps:      newTapSlots(native),
		audioDone: make(chan struct{}),
	}
}

func (f *FakeNode) DeviceName() string { return "fake" }

// AudioDone is closed once the recording has been fully fed to the tap.
func (f *FakeNode) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDone
}

// FailNextInstall makes the next InstallTap raise the named exception after
// its own precondition checks pass.
func (f *FakeNode) FailNextInstall(name, reason string) {
	f.mu.Lock()
	f.failNext = &Exception{Name: name, Reason: reason}
	f.mu.Unlock()
}

// Tapped reports whether a tap is installed on bus.
func (f *FakeNode) Tapped(bus int) bool {
	return f.taps.get(bus) != nil
}

// TapBufferSize returns the block size of the tap on bus, or 0.
func (f *FakeNode) TapBufferSize(bus int) uint32 {
	if t := f.taps.get(bus); t != nil {
		return uint32(t.size)
	}
	return 0
}

// Counts returns how many taps were installed and removed successfully.
func (f *FakeNode) Counts() (installs, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.removes
}

// Feed delivers samples to the tap on bus 0 on the calling goroutine. It
// returns false when no tap is installed.
func (f *FakeNode) Feed(samples []float32) bool {
	t := f.taps.get(0)
	if t == nil {
		return false
	}
	t.push(samples)
	return true
}

func (f *FakeNode) OutputFormat(bus int) Format {
	return f.taps.format(bus)
}

func (f *FakeNode) InstallTap(bus int, bufferSize uint32, format *Format, fn TapFunc) {
	t := f.taps.claim(bus, bufferSize, format, fn)

	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.failNext; e != nil {
		f.failNext = nil
		f.taps.abandon(bus)
		panic(e)
	}
	f.installs++
	if len(f.pcm) > 0 {
		f.startFeed(t)
	}
}

func (f *FakeNode) RemoveTap(bus int) {
	f.taps.release(bus)

	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.stopCh, f.feedDone = nil, nil
	f.removes++
	f.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-feedDone
		f.mu.Lock()
		select {
		case <-f.audioDone:
			f.audioDone = make(chan struct{}) // reset for replay
		default:
		}
		f.mu.Unlock()
	}
}

// startFeed plays the recording into t. Non-realtime nodes push the whole
// recording before returning; realtime nodes pace chunks at the sample rate.
// Called with f.mu held.
func (f *FakeNode) startFeed(t *tap) {
	stopCh := make(chan struct{})
	feedDone := make(chan struct{})
	audioDone := f.audioDone
	f.stopCh, f.feedDone = stopCh, feedDone

	silence := make([]float32, fakeChunkFrames)
	pcm := f.pcm

	if !f.realtime {
		go func() {
			defer close(feedDone)
			for pos := 0; pos < len(pcm); pos += fakeChunkFrames {
				select {
				case <-stopCh:
					return
				default:
				}
				t.push(pcm[pos:min(pos+fakeChunkFrames, len(pcm))])
			}
			close(audioDone)
			for {
				select {
				case <-stopCh:
					return
				case <-time.After(time.Millisecond):
				}
				t.push(silence)
			}
		}()
		return
	}

	interval := time.Duration(fakeChunkFrames) * time.Second / time.Duration(t.format.SampleRate)
	go func() {
		defer close(feedDone)
		pos := 0
		finished := false
		for {
			if pos < len(pcm) {
				end := min(pos+fakeChunkFrames, len(pcm))
				t.push(pcm[pos:end])
				pos = end
			} else {
				if !finished {
					finished = true
					close(audioDone)
				}
				t.push(silence)
			}
			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
}

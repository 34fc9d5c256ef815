// Package beep plays short cue tones when the microphone starts or stops
// transmitting.
package beep

import (
	"math"
	"sync/atomic"
)

type Cue int

const (
	On Cue = iota
	Off
	Error
)

func (c Cue) String() string {
	switch c {
	case On:
		return "on"
	case Off:
		return "off"
	case Error:
		return "error"
	}
	return "unknown"
}

const sampleRate = 44100

type tone struct {
	freq     float64
	duration float64 // seconds per beep
	volume   float64
	decay    float64
	repeat   int
	gap      float64 // seconds between repeats
}

// The tails are long enough for PulseAudio to fill its buffer before drain.
var tones = map[Cue]tone{
	On:    {freq: 1200, duration: 0.2, volume: 0.5, decay: 60, repeat: 1},
	Off:   {freq: 900, duration: 0.2, volume: 0.5, decay: 40, repeat: 1},
	Error: {freq: 350, duration: 0.08, volume: 0.6, decay: 30, repeat: 2, gap: 0.05},
}

var disabled atomic.Bool

func Disable() { disabled.Store(true) }
func Enable()  { disabled.Store(false) }

// Play starts the cue and returns without waiting for it to finish.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	if _, ok := tones[c]; !ok {
		return
	}
	Init()
	play(c)
}

// render synthesizes a mono cue as signed 16-bit samples.
func render(t tone, rate int) []int16 {
	n := int(float64(rate) * t.duration)
	gap := int(float64(rate) * t.gap)
	out := make([]int16, 0, t.repeat*n+(t.repeat-1)*gap)
	for r := 0; r < t.repeat; r++ {
		if r > 0 {
			out = append(out, make([]int16, gap)...)
		}
		for i := 0; i < n; i++ {
			ts := float64(i) / float64(rate)
			env := math.Exp(-ts * t.decay)
			out = append(out, int16(math.Sin(2*math.Pi*t.freq*ts)*32767*t.volume*env))
		}
	}
	return out
}

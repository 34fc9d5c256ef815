//go:build linux

package beep

import (
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"micgate/log"
)

var (
	rendered  map[Cue][]int16
	soundOnce sync.Once
)

func initSound() {
	rendered = make(map[Cue][]int16, len(tones))
	for c, t := range tones {
		mono := render(t, sampleRate)
		// Interleave L/R to match the output sink.
		st := make([]int16, 2*len(mono))
		for i, s := range mono {
			st[2*i], st[2*i+1] = s, s
		}
		rendered[c] = st
	}
}

func Init() {
	soundOnce.Do(initSound)
}

func play(c Cue) {
	go playSamples(c, rendered[c])
}

func playSamples(c Cue, samples []int16) {
	if len(samples) == 0 {
		return
	}
	cl, err := pulse.NewClient()
	if err != nil {
		log.Errorf("beep %s: pulse client: %v", c, err)
		return
	}
	defer cl.Close()

	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(samples) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[pos:])
		pos += n
		return n, nil
	})
	stream, err := cl.NewPlayback(reader,
		pulse.PlaybackStereo,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm), uint32(proto.VolumeNorm)}
		}),
	)
	if err != nil {
		log.Errorf("beep %s: playback: %v", c, err)
		return
	}
	stream.Start()
	stream.Drain()
	stream.Stop()
	stream.Close()
}

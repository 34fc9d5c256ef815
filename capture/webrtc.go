package capture

import (
	"encoding/binary"
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

const (
	webrtcMode    = 2
	webrtcFrameMs = 10
)

// webrtcEstimator classifies 10 ms int16 frames with the WebRTC VAD and
// reports the voiced fraction of each buffer.
type webrtcEstimator struct {
	vad        *webrtcvad.VAD
	rate       int
	frameBytes int

	pending []byte
	last    float64
}

// NewWebRTCEstimator returns a classifier for mono audio at sampleRate, which
// must be 8, 16, 32 or 48 kHz.
func NewWebRTCEstimator(sampleRate int) (SpeechEstimator, error) {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", sampleRate)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(webrtcMode); err != nil {
		return nil, err
	}
	return &webrtcEstimator{
		vad:        v,
		rate:       sampleRate,
		frameBytes: sampleRate * webrtcFrameMs / 1000 * 2,
	}, nil
}

func (e *webrtcEstimator) Estimate(samples []float32, _ float64, _ float64) float64 {
	for _, s := range samples {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		e.pending = binary.LittleEndian.AppendUint16(e.pending, uint16(int16(v)))
	}

	total, voiced, off := 0, 0, 0
	for len(e.pending)-off >= e.frameBytes {
		frame := e.pending[off : off+e.frameBytes]
		off += e.frameBytes
		active, err := e.vad.Process(e.rate, frame)
		if err != nil {
			continue
		}
		total++
		if active {
			voiced++
		}
	}
	e.pending = append(e.pending[:0], e.pending[off:]...)

	if total > 0 {
		e.last = float64(voiced) / float64(total)
	}
	return e.last
}

package capture

import (
	"math"
	"strings"

	"micgate/settings"
)

const (
	QualityLow      = "low"
	QualityBalanced = "balanced"
	QualityHigh     = "high"
	QualityCustom   = "custom"
)

// Packet length bounds in 10 ms frames.
const (
	MinFrames = 1
	MaxFrames = 10
)

// EncoderPreferences are hints for the downstream encoder. The manager only
// uses them to size the capture tap and scale the meter input.
type EncoderPreferences struct {
	Quality    string
	Codec      string
	Bitrate    int
	Frames     int // 10 ms frames per packet
	SampleRate int
	MicBoost   float64
}

// BufferSize is the tap size in samples: one packet at the preferred rate.
// Out-of-range fields are clamped so the tap always fills.
func (p EncoderPreferences) BufferSize() uint32 {
	rate := p.SampleRate
	if rate <= 0 || rate > 192000 {
		rate = 48000
	}
	n := rate / 100 * clampFrames(p.Frames)
	return uint32(n)
}

func clampFrames(n int) int {
	return min(max(n, MinFrames), MaxFrames)
}

func DefaultEncoderPreferences() EncoderPreferences {
	return EncoderPreferences{
		Quality:    QualityBalanced,
		Codec:      "opus",
		Bitrate:    40000,
		Frames:     2,
		SampleRate: 48000,
		MicBoost:   1.0,
	}
}

// EncoderPreferencesFrom resolves the quality preset named in src.
func EncoderPreferencesFrom(src settings.Source) EncoderPreferences {
	kind, _ := src.String(settings.KeyQualityKind)

	var p EncoderPreferences
	switch strings.ToLower(kind) {
	case QualityLow:
		p = EncoderPreferences{Quality: QualityLow, Codec: "opus", Bitrate: 16000, Frames: 6, SampleRate: 16000}
	case QualityBalanced:
		p = EncoderPreferences{Quality: QualityBalanced, Codec: "opus", Bitrate: 40000, Frames: 2, SampleRate: 48000}
	case QualityHigh, "opus":
		p = EncoderPreferences{Quality: QualityHigh, Codec: "opus", Bitrate: 72000, Frames: 1, SampleRate: 48000}
	default:
		codec, ok := src.String(settings.KeyCodec)
		if !ok || codec == "" {
			codec = "celt"
		}
		bitrate, ok := src.Int(settings.KeyQualityBitrate)
		if !ok || bitrate <= 0 {
			bitrate = 40000
		}
		frames, ok := src.Int(settings.KeyQualityFrames)
		if !ok || frames <= 0 {
			frames = 2
		}
		frames = clampFrames(frames)
		p = EncoderPreferences{Quality: QualityCustom, Codec: strings.ToLower(codec), Bitrate: bitrate, Frames: frames, SampleRate: 48000}
	}

	boost, ok := src.Float(settings.KeyMicBoost)
	if !ok || math.IsNaN(boost) {
		boost = 1.0
	}
	p.MicBoost = math.Max(0.1, math.Min(10, boost))
	return p
}

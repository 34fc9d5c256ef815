package capture

import "strings"

// TransmitMode decides when captured audio may leave the device.
type TransmitMode int

const (
	Continuous TransmitMode = iota
	PushToTalk
	VoiceActivity
)

func (m TransmitMode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case PushToTalk:
		return "ptt"
	default:
		return "vad"
	}
}

// ParseTransmitMode maps a stored identifier to a mode. Anything other than
// "continuous" or "ptt" selects VoiceActivity.
func ParseTransmitMode(s string) TransmitMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continuous":
		return Continuous
	case "ptt":
		return PushToTalk
	default:
		return VoiceActivity
	}
}

// VADKind selects the speech probability strategy used in VoiceActivity mode.
type VADKind int

const (
	// VADAmplitude derives probability from the meter level and gates on the
	// level itself.
	VADAmplitude VADKind = iota
	// VADSNR runs the WebRTC classifier and gates on its probability.
	VADSNR
)

func (k VADKind) String() string {
	if k == VADSNR {
		return "snr"
	}
	return "amplitude"
}

func ParseVADKind(s string) VADKind {
	if strings.EqualFold(strings.TrimSpace(s), "snr") {
		return VADSNR
	}
	return VADAmplitude
}

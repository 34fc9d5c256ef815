package audio

import (
	"errors"
	"strings"
)

const WAVHeaderSize = 44

var ErrNoDevices = errors.New("no capture devices found")

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// Context enumerates capture devices and opens input nodes on them.
type Context interface {
	Devices() ([]DeviceInfo, error)
	NewInput(device *DeviceInfo, config CaptureConfig) (Node, error)
	Close()
}

// DeviceName returns the human readable device behind n, or "system default".
func DeviceName(n Node) string {
	if d, ok := n.(interface{ DeviceName() string }); ok {
		return d.DeviceName()
	}
	return "system default"
}

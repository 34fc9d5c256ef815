//go:build !linux

package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewInput(device *DeviceInfo, config CaptureConfig) (Node, error) {
	if config.SampleRate == 0 {
		return nil, fmt.Errorf("malgo: invalid sample rate 0")
	}
	n := &malgoNode{
		ctx:    m.ctx,
		device: device,
		config: config,
		taps:   newTapSlots(Format{SampleRate: float64(config.SampleRate), Channels: 1}),
	}
	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		copy(n.deviceID[:], idBytes)
	}
	return n, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

// malgoNode captures mono float32 through miniaudio. The device is only
// initialized while a tap is installed.
type malgoNode struct {
	ctx      *malgo.AllocatedContext
	device   *DeviceInfo
	deviceID malgo.DeviceID
	config   CaptureConfig
	taps     *tapSlots

	mu  sync.Mutex
	dev *malgo.Device
}

func (n *malgoNode) OutputFormat(bus int) Format {
	return n.taps.format(bus)
}

func (n *malgoNode) InstallTap(bus int, bufferSize uint32, format *Format, fn TapFunc) {
	t := n.taps.claim(bus, bufferSize, format, fn)

	n.mu.Lock()
	defer n.mu.Unlock()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = n.config.SampleRate
	if n.device != nil {
		deviceConfig.Capture.DeviceID = n.deviceID.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			samples := make([]float32, frameCount)
			for i := range samples {
				off := i * 4
				if off+4 > len(input) {
					samples = samples[:i]
					break
				}
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[off:]))
			}
			t.push(samples)
		},
	}

	dev, err := malgo.InitDevice(n.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		n.taps.abandon(bus)
		raise(ExceptionStreamFailed, "malgo init device: %v", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		n.taps.abandon(bus)
		raise(ExceptionGraphBusy, "malgo start: %v", err)
	}
	n.dev = dev
}

func (n *malgoNode) RemoveTap(bus int) {
	n.taps.release(bus)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dev != nil {
		n.dev.Stop()
		n.dev.Uninit()
		n.dev = nil
	}
}

func (n *malgoNode) DeviceName() string {
	if n.device != nil {
		return n.device.Name
	}
	return "system default"
}

//go:build linux

package audio

import (
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		devices = append(devices, DeviceInfo{
			ID:   s.ID(),
			Name: s.Name(),
		})
	}
	return devices, nil
}

func (p *pulseContext) NewInput(device *DeviceInfo, config CaptureConfig) (Node, error) {
	if config.SampleRate == 0 {
		return nil, fmt.Errorf("pulse: invalid sample rate 0")
	}
	return &pulseNode{
		client: p.client,
		device: device,
		config: config,
		taps:   newTapSlots(Format{SampleRate: float64(config.SampleRate), Channels: 1}),
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

// pulseNode records mono float32 from a PulseAudio source. The record stream
// only exists while a tap is installed.
type pulseNode struct {
	client *pulse.Client
	device *DeviceInfo
	config CaptureConfig
	taps   *tapSlots

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (n *pulseNode) OutputFormat(bus int) Format {
	return n.taps.format(bus)
}

func (n *pulseNode) InstallTap(bus int, bufferSize uint32, format *Format, fn TapFunc) {
	t := n.taps.claim(bus, bufferSize, format, fn)

	n.mu.Lock()
	defer n.mu.Unlock()

	writer := pulse.Float32Writer(func(buf []float32) (int, error) {
		if len(buf) > 0 {
			t.push(buf)
		}
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(n.config.SampleRate)),
		pulse.RecordLatency(0.02),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	}
	if n.device != nil {
		source, err := n.client.SourceByID(n.device.ID)
		if err == nil && source != nil {
			opts = append(opts, pulse.RecordSource(source))
		}
	}

	stream, err := n.client.NewRecord(writer, opts...)
	if err != nil {
		n.taps.abandon(bus)
		raise(ExceptionStreamFailed, "pulse record: %v", err)
	}

	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	stop, done := n.stop, n.done

	go func() {
		defer close(done)
		stream.Start()
		<-stop
		stream.Stop()
		stream.Close()
	}()
}

func (n *pulseNode) RemoveTap(bus int) {
	n.taps.release(bus)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		close(n.stop)
		<-n.done
		n.stop, n.done = nil, nil
	}
}

func (n *pulseNode) DeviceName() string {
	if n.device != nil {
		return n.device.Name
	}
	return "system default"
}

//go:build !linux

package beep

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"micgate/log"
)

var (
	malgoCtx  *malgo.AllocatedContext
	device    *malgo.Device
	rendered  map[Cue][]byte
	soundOnce sync.Once

	// Read from the device callback.
	playing atomic.Pointer[[]byte]
	playPos atomic.Uint32
	playMu  sync.Mutex
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, config, malgo.DeviceCallbacks{
		Data: dataCallback,
	})
	return err
}

func initSound() {
	rendered = make(map[Cue][]byte, len(tones))
	for c, t := range tones {
		// Shorter tails; the device keeps running between cues.
		t.duration /= 4
		mono := render(t, sampleRate)
		b := make([]byte, 2*len(mono))
		for i, s := range mono {
			binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
		}
		rendered[c] = b
	}

	var err error
	malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Errorf("beep: init context: %v", err)
		return
	}
	if err := initDevice(); err != nil {
		log.Errorf("beep: init device: %v", err)
		malgoCtx.Uninit()
		malgoCtx = nil
	}
}

func Init() {
	soundOnce.Do(initSound)
}

func dataCallback(out, _ []byte, frameCount uint32) {
	want := frameCount * 2
	samples := playing.Load()
	if samples == nil {
		clear(out)
		return
	}
	pos := playPos.Load()
	remaining := uint32(len(*samples)) - pos
	if remaining == 0 {
		playing.Store(nil)
		clear(out)
		return
	}
	n := min(want, remaining)
	copy(out[:n], (*samples)[pos:pos+n])
	playPos.Store(pos + n)
	clear(out[n:want])
}

func play(c Cue) {
	samples := rendered[c]
	if malgoCtx == nil || len(samples) == 0 {
		return
	}

	playMu.Lock()
	defer playMu.Unlock()
	if device == nil {
		return
	}

	device.Stop()
	playPos.Store(0)
	playing.Store(&samples)

	if err := device.Start(); err != nil {
		// The device goes stale across sleep/wake; rebuild it once.
		device.Uninit()
		if err := initDevice(); err != nil {
			log.Errorf("beep %s: reinit device: %v", c, err)
			playing.Store(nil)
			device = nil
			return
		}
		if err := device.Start(); err != nil {
			log.Errorf("beep %s: start: %v", c, err)
			playing.Store(nil)
		}
	}
}

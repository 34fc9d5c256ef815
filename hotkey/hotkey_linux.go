//go:build linux

package hotkey

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"micgate/log"
)

const (
	evKey      = 1
	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
	keyLCtrl   = 29
	keyRCtrl   = 97
	keyLShift  = 42
	keyRShift  = 54
	keySpace   = 57
)

const inputEventSize = 24

type linuxHotkey struct {
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

func New() Hotkey {
	return &linuxHotkey{
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *linuxHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	h.stop = make(chan struct{})

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			log.Warnf("hotkey: open %s: %v", path, err)
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f)
	}

	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}

	log.Info(fmt.Sprintf("hotkey: %s on %d keyboard(s)", Combo, len(h.files)))
	return nil
}

type edge int

const (
	noEdge edge = iota
	pressEdge
	releaseEdge
)

// combo follows Ctrl+Shift+Space on one keyboard. Left and right modifiers
// are tracked separately so releasing one of a pair keeps the other held.
type combo struct {
	ctrl, shift uint8
	active      bool
}

// key applies one key event. Auto-repeat is ignored. Once active, releasing
// space or all keys of either modifier ends the press.
func (c *combo) key(code uint16, value int32) edge {
	if value == keyRepeat {
		return noEdge
	}
	down := value == keyPress
	switch code {
	case keyLCtrl:
		c.ctrl = setBit(c.ctrl, 1, down)
	case keyRCtrl:
		c.ctrl = setBit(c.ctrl, 2, down)
	case keyLShift:
		c.shift = setBit(c.shift, 1, down)
	case keyRShift:
		c.shift = setBit(c.shift, 2, down)
	case keySpace:
		switch {
		case down && !c.active && c.ctrl != 0 && c.shift != 0:
			c.active = true
			return pressEdge
		case !down && c.active:
			c.active = false
			return releaseEdge
		}
		return noEdge
	default:
		return noEdge
	}
	if c.active && (c.ctrl == 0 || c.shift == 0) {
		c.active = false
		return releaseEdge
	}
	return noEdge
}

// lost ends an active press when the device goes away.
func (c *combo) lost() edge {
	if c.active {
		c.active = false
		return releaseEdge
	}
	return noEdge
}

func setBit(mask, bit uint8, on bool) uint8 {
	if on {
		return mask | bit
	}
	return mask &^ bit
}

// decodeEvent splits one struct input_event (64-bit timeval).
func decodeEvent(b []byte) (typ, code uint16, value int32) {
	return binary.LittleEndian.Uint16(b[16:]),
		binary.LittleEndian.Uint16(b[18:]),
		int32(binary.LittleEndian.Uint32(b[20:]))
}

func (h *linuxHotkey) emit(e edge) {
	var ch chan struct{}
	switch e {
	case pressEdge:
		ch = h.keydown
	case releaseEdge:
		ch = h.keyup
	default:
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *linuxHotkey) readEvents(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var c combo

	for {
		n, err := f.Read(buf)
		if err != nil {
			select {
			case <-h.stop:
			default:
				log.Warnf("hotkey: %s: %v", f.Name(), err)
			}
			// A talker holding the key must not stay on air.
			h.emit(c.lost())
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			typ, code, value := decodeEvent(buf[i : i+inputEventSize])
			if typ != evKey {
				continue
			}
			h.emit(c.key(code, value))
		}
	}
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *linuxHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		path := filepath.Join("/dev/input", e.Name())
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, path)
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	caps := strings.TrimSpace(string(data))
	return len(caps) > 10
}

func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	var opened string
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err == nil {
			f.Close()
			opened = path
			break
		}
	}
	if opened == "" {
		return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
	}

	return fmt.Sprintf("%s: %d keyboard(s) found, opened %s", Combo, len(keyboards), opened), nil
}

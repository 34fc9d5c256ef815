package doctor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"micgate/audio"
	"micgate/beep"
	"micgate/bridge"
	"micgate/capture"
	"micgate/hotkey"
)

const listenFor = 2 * time.Second

// Run executes interactive diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(device string) int {
	saveTerminal()
	exitOnInterrupt()

	fmt.Println("micgate doctor - interactive system diagnostics")
	fmt.Println("===============================================")

	allPass := checkHotkey()
	if allPass && !checkCapture(device) {
		allPass = false
	}
	if allPass && !checkCues() {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkHotkey() bool {
	fmt.Println()
	fmt.Println("[1/3] Push-to-talk hotkey")
	msg, err := hotkey.Diagnose()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Printf("  %s\n", msg)
	fmt.Printf("Press %s...\n", hotkey.Combo)

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		fmt.Printf("  FAIL: could not register hotkey: %v\n", err)
		return false
	}
	defer hk.Unregister()

	select {
	case <-hk.Keydown():
		fmt.Println("  PASS: hotkey detected")
		select {
		case <-hk.Keyup():
			fmt.Println("  PASS: release detected")
		case <-time.After(5 * time.Second):
			fmt.Println("  FAIL: key release never arrived")
			return false
		}
		// The hotkey may leave the terminal in raw mode.
		resetTerminal()
		return true
	case <-time.After(10 * time.Second):
		fmt.Println("  FAIL: timeout waiting for hotkey")
		return false
	}
}

func checkCapture(device string) bool {
	fmt.Println()
	fmt.Println("[2/3] Microphone tap")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	var dev *audio.DeviceInfo
	if device != "" {
		dev, err = audio.FindDevice(ctx, device)
		if err != nil {
			fmt.Printf("  FAIL: %v\n", err)
			return false
		}
	} else {
		devices, err := ctx.Devices()
		if err != nil {
			fmt.Printf("  FAIL: cannot list devices: %v\n", err)
			return false
		}
		if len(devices) == 0 {
			fmt.Println("  FAIL: no capture devices found")
			return false
		}
	}
	name := "system default"
	if dev != nil {
		name = dev.Name
	}
	fmt.Printf("  Device: %s\n", name)
	if audio.IsBluetooth(name) {
		fmt.Println("  Warning: Bluetooth microphones switch the headset to a low quality profile")
	}

	node, err := ctx.NewInput(dev, audio.CaptureConfig{SampleRate: 48000, Channels: 1})
	if err != nil {
		fmt.Printf("  FAIL: cannot open input: %v\n", err)
		return false
	}

	fmt.Println("Speak into the microphone...")
	return checkTap(node, os.Stdout, listenFor)
}

// checkTap installs a tap through the exception bridge, listens, then
// removes it twice. The second removal must come back as ErrNoTap rather
// than crash the process.
func checkTap(node audio.Node, w io.Writer, listen time.Duration) bool {
	format := node.OutputFormat(0)
	fmt.Fprintf(w, "  Format: %s\n", format)

	var (
		mu      sync.Mutex
		buffers int
		peak    float64
	)
	size := uint32(format.SampleRate / 100 * 2)
	err := bridge.SafeInstallTap(node, 0, size, nil, func(buf *audio.Buffer, _ audio.Time) {
		lvl := capture.MeterLevel(buf.Samples, 1)
		mu.Lock()
		buffers++
		peak = max(peak, lvl)
		mu.Unlock()
	})
	if err != nil {
		fmt.Fprintf(w, "  FAIL: install tap: %v\n", err)
		return false
	}

	time.Sleep(listen)

	if err := bridge.SafeRemoveTap(node, 0); err != nil {
		fmt.Fprintf(w, "  FAIL: remove tap: %v\n", err)
		return false
	}
	if err := bridge.SafeRemoveTap(node, 0); !errors.Is(err, bridge.ErrNoTap) {
		fmt.Fprintf(w, "  FAIL: removing a missing tap returned %v\n", err)
		return false
	}
	fmt.Fprintln(w, "  PASS: tap install and remove bridged")

	mu.Lock()
	n, p := buffers, peak
	mu.Unlock()
	if n == 0 {
		fmt.Fprintln(w, "  FAIL: no audio buffers delivered")
		return false
	}
	fmt.Fprintf(w, "  PASS: %d buffers, peak level %.2f\n", n, p)
	if p < 0.3 {
		fmt.Fprintln(w, "  Warning: input is very quiet; check the mic gain or try -device")
	}
	return true
}

func checkCues() bool {
	fmt.Println()
	fmt.Println("[3/3] Transmit cues")

	beep.Play(beep.On)
	time.Sleep(300 * time.Millisecond)
	beep.Play(beep.Off)

	resetTerminal()
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Did you hear two ticks? [y/n]: ")
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(strings.ToLower(confirm))
	if confirm == "y" || confirm == "yes" {
		fmt.Println("  PASS: cues verified by user")
		return true
	}
	fmt.Println("  FAIL: cues not confirmed (run with -cues=false to disable them)")
	return false
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"micgate/audio"
	"micgate/beep"
	"micgate/capture"
	"micgate/dispatch"
	"micgate/log"
	"micgate/settings"
)

// runTestMode drives a manager over a WAV-backed node from line commands on
// in, printing gate edges to out. It returns the process exit code.
func runTestMode(wavPath string, src settings.Source, in io.Reader, out io.Writer) int {
	beep.Disable()
	defer log.Close()

	fakeCtx, err := audio.NewFakeContext(wavPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}
	n, err := fakeCtx.NewInput(nil, audio.CaptureConfig{SampleRate: 48000, Channels: 1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating input: %v\n", err)
		return 1
	}
	node := n.(*audio.FakeNode)

	queue := dispatch.New(dispatch.DefaultSize)
	defer queue.Close()
	m := capture.Init(node, src, capture.WithQueue(queue))
	m.ConfigureFromDefaults()

	if err := runScript(m, node, in, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// scriptPrinter serialises writes from the command loop and the metering
// handler.
type scriptPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *scriptPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// runScript executes one command per line:
//
//	START | STOP | PTT_DOWN | PTT_UP | RELOAD | STATUS
//	WAIT_AUDIO_DONE | SLEEP <ms> | QUIT
//
// Every gate edge prints a TRANSMIT line. STOP, STATUS and QUIT wait for
// pending telemetry before moving on.
func runScript(m *capture.Manager, node *audio.FakeNode, in io.Reader, out io.Writer) error {
	p := &scriptPrinter{out: out}
	var last bool
	m.SetMeteringHandler(func(s capture.Snapshot) {
		if s.Transmitting != last {
			last = s.Transmitting
			p.printf("TRANSMIT %s level=%.2f p=%.2f\n", onOff(last), s.MeterLevel, s.SpeechProbability)
		}
	})
	defer m.Stop()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "":
		case "START":
			if err := m.Start(); err != nil {
				p.printf("ERROR %v\n", err)
			}
		case "STOP":
			m.Stop()
			m.Flush()
		case "PTT_DOWN":
			m.BeginPushToTalk()
		case "PTT_UP":
			m.EndPushToTalk()
		case "RELOAD":
			m.ConfigureFromDefaults()
		case "STATUS":
			m.Flush()
			th := m.VADThresholds()
			p.printf("STATUS mode=%s running=%t transmitting=%t vad=%.2f/%.2f buffer=%d\n",
				m.TransmitMode(), m.IsRunning(), m.IsTransmitting(), th.Min, th.Max, m.EncoderPreferences().BufferSize())
		case "WAIT_AUDIO_DONE":
			select {
			case <-node.AudioDone():
			case <-time.After(30 * time.Second):
				return fmt.Errorf("timed out waiting for audio")
			}
			m.Flush()
		case "QUIT":
			m.Stop()
			m.Flush()
			return nil
		default:
			if ms, ok := strings.CutPrefix(cmd, "SLEEP "); ok {
				d, err := strconv.Atoi(strings.TrimSpace(ms))
				if err != nil {
					return fmt.Errorf("bad SLEEP %q", ms)
				}
				time.Sleep(time.Duration(d) * time.Millisecond)
				continue
			}
			return fmt.Errorf("unknown command %q", cmd)
		}
	}
	m.Stop()
	m.Flush()
	return scanner.Err()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

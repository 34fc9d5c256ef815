package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"micgate/audio"
	"micgate/beep"
	"micgate/capture"
	"micgate/dispatch"
	"micgate/doctor"
	"micgate/hotkey"
	"micgate/log"
	"micgate/observe"
	"micgate/settings"
	"micgate/shutdown"
)

var version = "dev"

var shutdownOnce sync.Once

// gracefulShutdown stops capture so the session summary is logged, then exits.
func gracefulShutdown(cleanup func()) {
	shutdownOnce.Do(func() {
		if m := capture.Shared(); m != nil {
			m.Stop()
			m.Flush()
		}
		if cleanup != nil {
			cleanup()
		}
		log.Close()
		tuiMu.Lock()
		p := tuiProgram
		tuiMu.Unlock()
		if p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func validMode(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous", "ptt", "vad":
		return true
	}
	return false
}

// buildSource layers the -mode override over the watched settings file over
// the registered defaults. onChange fires after each reload of the file.
func buildSource(configPath, mode string, onChange func()) (settings.Source, func(), error) {
	var layers []settings.Source
	if mode != "" {
		layers = append(layers, settings.Map{settings.KeyTransmitMethod: mode})
	}
	stop := func() {}
	if configPath != "" {
		w, err := settings.NewWatcher(configPath, onChange)
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, w)
		stop = w.Stop
	}
	layers = append(layers, settings.Defaults())
	return settings.Layered(layers...), stop, nil
}

func reloadShared() {
	if m := capture.Shared(); m != nil {
		log.Info("settings_reloaded")
		m.ConfigureFromDefaults()
	}
}

// cueHandler plays transmit cues on gate edges and forwards every snapshot
// to next. Deliveries never overlap, so last needs no lock.
func cueHandler(cues bool, next func(capture.Snapshot)) capture.MeteringHandler {
	var last bool
	return func(s capture.Snapshot) {
		if s.Transmitting != last {
			last = s.Transmitting
			if cues {
				if last {
					beep.Play(beep.On)
				} else {
					beep.Play(beep.Off)
				}
			}
		}
		if next != nil {
			next(s)
		}
	}
}

func run() {
	configFlag := flag.String("config", "", "YAML settings file (reloaded when it changes)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	modeFlag := flag.String("mode", "", "Override transmit mode for this run: continuous, ptt or vad")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g., :9464)")
	latchFlag := flag.Bool("latch", false, "Tap the hotkey to latch push-to-talk, hold to talk")
	longPressFlag := flag.Duration("longpress", 350*time.Millisecond, "Hold threshold separating a latch tap from a hold (e.g., 350ms)")
	cuesFlag := flag.Bool("cues", true, "Play a tick when transmission starts and stops")
	tuiFlag := flag.Bool("tui", true, "Run with terminal meter")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	testFlag := flag.String("test", "", "Test mode (headless, stdin-driven) reading audio from a WAV file")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if *versionFlag {
		fmt.Printf("micgate %s\n", version)
		os.Exit(0)
	}

	if *doctorFlag {
		os.Exit(doctor.Run(*deviceFlag))
	}

	if !validMode(*modeFlag) {
		fmt.Printf("Error: unknown mode %q (use continuous, ptt or vad)\n", *modeFlag)
		os.Exit(1)
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	if !*cuesFlag {
		beep.Disable()
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if *metricsFlag != "" {
		shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: metrics: %v\n", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
		go func() {
			if err := observe.Serve(ctx, *metricsFlag); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	src, stopWatch, err := buildSource(*configFlag, *modeFlag, reloadShared)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer stopWatch()

	if *testFlag != "" {
		os.Exit(runTestMode(*testFlag, src, os.Stdin, os.Stdout))
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	var selected *audio.DeviceInfo
	switch {
	case *deviceFlag != "":
		selected, err = audio.FindDevice(actx, *deviceFlag)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	case *setupFlag:
		selected, err = audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selected = nil
		}
	}

	// The node's rate is fixed for the process; later quality changes only
	// resize the tap.
	prefs := capture.EncoderPreferencesFrom(src)
	node, err := actx.NewInput(selected, audio.CaptureConfig{SampleRate: uint32(prefs.SampleRate), Channels: 1})
	if err != nil {
		log.Errorf("capture input init error: %v", err)
		fmt.Printf("Error initializing capture input: %v\n", err)
		os.Exit(1)
	}

	queue := dispatch.New(dispatch.DefaultSize, dispatch.WithExecutor(dispatch.MainThread()))
	m := capture.Init(node, src, capture.WithQueue(queue))
	m.ConfigureFromDefaults()

	go beep.Init()

	var cleanup []func()
	runCleanup := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		// VAD and continuous capture still work without a hotkey.
		log.Errorf("hotkey register error: %v", err)
		fmt.Printf("Warning: push-to-talk hotkey unavailable: %v\n", err)
	} else {
		ptt := hotkey.NewPTT(hk, m, *latchFlag, *longPressFlag)
		cleanup = append(cleanup, ptt.Close, hk.Unregister)
	}

	var send func(capture.Snapshot)
	if *tuiFlag {
		tuiMu.Lock()
		tuiProgram = NewTUIProgram(m, deviceLabel(selected), *latchFlag)
		tuiMu.Unlock()
		send = func(s capture.Snapshot) { tuiSend(MeterMsg(s)) }
	}
	m.SetMeteringHandler(cueHandler(*cuesFlag, send))

	if err := m.Start(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if *tuiFlag {
		go func() {
			<-ctx.Done()
			gracefulShutdown(runCleanup)
		}()
		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
		}
		gracefulShutdown(runCleanup)
		return
	}

	fmt.Printf("micgate %s capturing from %s (%s)\n", version, deviceLabel(selected), m.TransmitMode())
	<-ctx.Done()
	gracefulShutdown(runCleanup)
}

func deviceLabel(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "system default"
	}
	if audio.IsBluetooth(dev.Name) {
		return dev.Name + " (BT!)"
	}
	return dev.Name
}

package capture

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"micgate/audio"
	"micgate/bridge"
	"micgate/dispatch"
	"micgate/settings"
)

const testRate = 48000

// block is one tap buffer at the balanced preset.
const block = 960

func newTestManager(t *testing.T, src settings.Source, opts ...Option) (*Manager, *audio.FakeNode) {
	t.Helper()
	node := audio.NewFakeNode(audio.Format{SampleRate: testRate, Channels: 1})
	q := dispatch.New(1024)
	t.Cleanup(q.Close)
	m := New(node, src, append([]Option{WithQueue(q)}, opts...)...)
	t.Cleanup(m.Stop)
	return m, node
}

func mapSource(mode string, extra settings.Map) settings.Source {
	m := settings.Map{settings.KeyTransmitMethod: mode}
	for k, v := range extra {
		m[k] = v
	}
	return settings.Layered(m, settings.Defaults())
}

// replay returns an estimator that yields probs in order, then 0.
func replay(probs ...float64) SpeechEstimator {
	var i int
	return EstimatorFunc(func([]float32, float64, float64) float64 {
		if i >= len(probs) {
			return 0
		}
		p := probs[i]
		i++
		return p
	})
}

func TestVADProbabilitySequence(t *testing.T) {
	src := mapSource("vad", settings.Map{settings.KeyVADBelow: 0.2, settings.KeyVADAbove: 0.8})
	m, node := newTestManager(t, src, WithEstimator(replay(0.9, 0.5, 0.05)))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	var got []bool
	for i := 0; i < 3; i++ {
		node.Feed(make([]float32, block))
		got = append(got, m.IsTransmitting())
	}
	want := []bool{true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transmitting sequence = %v, want %v", got, want)
		}
	}
	if p := m.SpeechProbability(); p != 0.05 {
		t.Errorf("speech probability = %v, want 0.05", p)
	}
}

func TestAmplitudeVADGatesOnLevel(t *testing.T) {
	src := mapSource("vad", settings.Map{settings.KeyVADBelow: 0.3, settings.KeyVADAbove: 0.6})
	m, node := newTestManager(t, src)
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	node.Feed(constant(0.5, block)) // ~0.94
	if !m.IsTransmitting() {
		t.Fatalf("loud buffer should open the gate (level %v)", m.MeterLevel())
	}
	if p := m.SpeechProbability(); p != 1 {
		t.Errorf("probability for loud buffer = %v, want 1", p)
	}

	node.Feed(constant(0.0023, block)) // ~0.45, between thresholds
	if !m.IsTransmitting() {
		t.Fatalf("mid buffer should hold the gate (level %v)", m.MeterLevel())
	}

	node.Feed(constant(0, block))
	if m.IsTransmitting() {
		t.Fatal("silence should close the gate")
	}
	if m.MeterLevel() != 0 || m.SpeechProbability() != 0 {
		t.Errorf("silence telemetry = %+v", m.Snapshot())
	}
}

func TestContinuousFollowsRunning(t *testing.T) {
	m, _ := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()

	for i := 0; i < 3; i++ {
		if err := m.Start(); err != nil {
			t.Fatal(err)
		}
		if !m.IsTransmitting() || !m.IsRunning() {
			t.Fatal("continuous should transmit while running")
		}
		m.Stop()
		if m.IsTransmitting() || m.IsRunning() {
			t.Fatal("continuous should not transmit while stopped")
		}
	}
}

func TestPushToTalk(t *testing.T) {
	m, node := newTestManager(t, mapSource("ptt", nil))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if m.IsTransmitting() {
		t.Fatal("ptt should not transmit before BeginPushToTalk")
	}

	m.BeginPushToTalk()
	if !m.IsTransmitting() {
		t.Fatal("ptt should transmit while held")
	}
	node.Feed(constant(0, block))
	if !m.IsTransmitting() {
		t.Fatal("silence must not close a held ptt gate")
	}

	m.EndPushToTalk()
	if m.IsTransmitting() {
		t.Fatal("ptt should stop transmitting on release")
	}
	node.Feed(constant(0.5, block))
	if m.IsTransmitting() {
		t.Fatal("loud audio must not open a released ptt gate")
	}
}

func TestPushToTalkIgnoredWhenStoppedOrOtherMode(t *testing.T) {
	m, _ := newTestManager(t, mapSource("ptt", nil))
	m.ConfigureFromDefaults()

	m.BeginPushToTalk()
	if m.IsTransmitting() {
		t.Fatal("ptt must not transmit while stopped")
	}
	m.EndPushToTalk()

	vad, _ := newTestManager(t, mapSource("vad", nil))
	vad.ConfigureFromDefaults()
	if err := vad.Start(); err != nil {
		t.Fatal(err)
	}
	vad.BeginPushToTalk()
	if vad.IsTransmitting() {
		t.Fatal("BeginPushToTalk must not gate in vad mode")
	}
}

func TestSwitchIntoPushToTalkWhileHeld(t *testing.T) {
	src := settings.Map{settings.KeyTransmitMethod: "vad"}
	m, _ := newTestManager(t, src)
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	m.BeginPushToTalk()
	src[settings.KeyTransmitMethod] = "ptt"
	m.RefreshTransmitMode()
	if !m.IsTransmitting() {
		t.Fatal("switching to ptt with the button held should transmit")
	}

	src[settings.KeyTransmitMethod] = "continuous"
	m.RefreshTransmitMode()
	m.EndPushToTalk()
	if !m.IsTransmitting() {
		t.Fatal("continuous ignores ptt release")
	}

	src[settings.KeyTransmitMethod] = "ptt"
	m.RefreshTransmitMode()
	if m.IsTransmitting() {
		t.Fatal("switching to ptt with the button up should stop transmitting")
	}
}

func TestNeverTransmittingWhileStopped(t *testing.T) {
	src := settings.Map{}
	m, node := newTestManager(t, src)
	rng := rand.New(rand.NewSource(1))
	modes := []string{"continuous", "ptt", "vad"}

	for i := 0; i < 2000; i++ {
		switch rng.Intn(7) {
		case 0:
			m.Start()
		case 1:
			m.Stop()
		case 2:
			m.BeginPushToTalk()
		case 3:
			m.EndPushToTalk()
		case 4:
			src[settings.KeyTransmitMethod] = modes[rng.Intn(len(modes))]
			m.RefreshTransmitMode()
		case 5:
			node.Feed(constant(float32(rng.Float64()), block))
		case 6:
			if rng.Intn(4) == 0 {
				node.FailNextInstall(audio.ExceptionGraphBusy, "reconfiguring")
			}
		}
		if m.IsTransmitting() && !m.IsRunning() {
			t.Fatalf("step %d: transmitting while stopped", i)
		}
		if m.TransmitMode() == Continuous && m.IsTransmitting() != m.IsRunning() {
			t.Fatalf("step %d: continuous transmitting=%v running=%v", i, m.IsTransmitting(), m.IsRunning())
		}
	}
}

func TestStartFailureStaysStopped(t *testing.T) {
	m, node := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()

	node.FailNextInstall(audio.ExceptionFormatMismatch, "input format has 0 channels")
	err := m.Start()
	if err == nil {
		t.Fatal("expected start failure")
	}
	var be *bridge.Error
	if !errors.As(err, &be) || be.Reason != "input format has 0 channels" {
		t.Fatalf("expected bridge error with reason, got %v", err)
	}
	if m.IsRunning() || m.IsTransmitting() {
		t.Fatal("failed start must leave the manager stopped")
	}

	if err := m.Start(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !m.IsRunning() {
		t.Fatal("retry should run")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m, node := newTestManager(t, mapSource("vad", nil))
	m.ConfigureFromDefaults()

	m.Stop()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	m.Stop()

	installs, removes := node.Counts()
	if installs != 1 || removes != 1 {
		t.Errorf("installs=%d removes=%d, want 1 and 1", installs, removes)
	}
}

func TestStopWithoutInstalledTap(t *testing.T) {
	m, node := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// The tap disappears behind the manager's back.
	if err := bridge.SafeRemoveTap(node, 0); err != nil {
		t.Fatal(err)
	}
	if err := bridge.SafeRemoveTap(node, 0); !errors.Is(err, bridge.ErrNoTap) {
		t.Fatalf("expected ErrNoTap, got %v", err)
	}

	m.Stop()
	if m.IsRunning() || m.IsTransmitting() {
		t.Fatal("stop must transition to stopped even without a tap")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
}

func TestStaleBuffersDropped(t *testing.T) {
	m, node := newTestManager(t, mapSource("vad", settings.Map{settings.KeyVADBelow: 0.3, settings.KeyVADAbove: 0.6}))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	var stale audio.TapFunc
	// Capture a tap of the current generation, then restart.
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	stale = m.newTap(gen, 1, nil)
	m.Stop()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	stale(&audio.Buffer{Format: audio.Format{SampleRate: testRate, Channels: 1}, Samples: constant(0.5, block)}, audio.Time{})
	if m.IsTransmitting() || m.MeterLevel() != 0 {
		t.Fatal("buffer from a removed tap must not change state")
	}
	node.Feed(constant(0.5, block))
	if !m.IsTransmitting() {
		t.Fatal("current tap should still gate")
	}
}

func TestRefreshEncoderPreferencesAppliesOnNextStart(t *testing.T) {
	src := settings.Map{settings.KeyQualityKind: "high"}
	m, node := newTestManager(t, src)
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if got := node.TapBufferSize(0); got != 480 {
		t.Fatalf("tap buffer = %d, want 480", got)
	}

	src[settings.KeyQualityKind] = "low"
	m.RefreshEncoderPreferences()
	if got := m.EncoderPreferences().Quality; got != QualityLow {
		t.Errorf("preferences quality = %q", got)
	}
	if got := node.TapBufferSize(0); got != 480 {
		t.Fatalf("running tap changed to %d", got)
	}

	m.Stop()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if got := node.TapBufferSize(0); got != 960 {
		t.Fatalf("tap buffer after restart = %d, want 960", got)
	}
}

func TestOversizedFramesStillMeter(t *testing.T) {
	m, node := newTestManager(t, mapSource("vad", settings.Map{
		settings.KeyQualityKind:   "custom",
		settings.KeyQualityFrames: 1000000,
	}))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if got := node.TapBufferSize(0); got != 4800 {
		t.Fatalf("tap buffer = %d, want 4800", got)
	}
	for i := 0; i < 5; i++ {
		node.Feed(constant(0.5, 4800))
	}
	m.Flush()
	if level := m.Snapshot().MeterLevel; level <= 0 {
		t.Errorf("meter level = %v after loud audio, want > 0", level)
	}
}

func TestRefreshVADThresholds(t *testing.T) {
	src := settings.Map{settings.KeyVADBelow: 0.9, settings.KeyVADAbove: 0.1, settings.KeyTransmitMethod: "ptt"}
	m, _ := newTestManager(t, src)
	m.RefreshVADThresholds()
	if th := m.VADThresholds(); th != (Thresholds{0.1, 0.9}) {
		t.Errorf("thresholds = %+v, want swapped", th)
	}
	if m.TransmitMode() != VoiceActivity {
		t.Error("refreshing thresholds must not touch the mode")
	}
	if m.VADMin() != 0.1 || m.VADMax() != 0.9 {
		t.Error("VADMin/VADMax disagree with VADThresholds")
	}
}

func TestConfigureFromDefaultsMissingValues(t *testing.T) {
	m, _ := newTestManager(t, settings.Map{})
	m.ConfigureFromDefaults()
	if m.TransmitMode() != VoiceActivity {
		t.Errorf("mode = %v", m.TransmitMode())
	}
	if th := m.VADThresholds(); th != (Thresholds{DefaultVADMin, DefaultVADMax}) {
		t.Errorf("thresholds = %+v", th)
	}
	if m.VADKind() != VADAmplitude {
		t.Errorf("kind = %v", m.VADKind())
	}
}

func TestSNRKindSelectsClassifier(t *testing.T) {
	m, _ := newTestManager(t, mapSource("vad", settings.Map{settings.KeyVADKind: "snr"}))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	gate := m.session.gateOnProb
	m.mu.Unlock()
	if !gate {
		t.Error("snr kind should gate on classifier probability")
	}
	m.Stop()

	off, _ := newTestManager(t, mapSource("vad", settings.Map{settings.KeyVADKind: "snr", settings.KeyPreprocessor: false}))
	off.ConfigureFromDefaults()
	if err := off.Start(); err != nil {
		t.Fatal(err)
	}
	off.mu.Lock()
	gate = off.session.gateOnProb
	off.mu.Unlock()
	if gate {
		t.Error("snr without preprocessor falls back to amplitude")
	}
}

func TestHandlerReplacement(t *testing.T) {
	m, node := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	var a, b atomic.Int32
	m.SetMeteringHandler(func(Snapshot) { a.Add(1) })
	for i := 0; i < 10; i++ {
		node.Feed(constant(0.1, block))
	}
	m.Flush()

	m.SetMeteringHandler(func(Snapshot) { b.Add(1) })
	before := a.Load()
	for i := 0; i < 10; i++ {
		node.Feed(constant(0.1, block))
	}
	m.Flush()

	if a.Load() != before {
		t.Fatalf("old handler called %d more times after replacement", a.Load()-before)
	}
	if b.Load() != 10 {
		t.Errorf("new handler calls = %d, want 10", b.Load())
	}

	m.SetMeteringHandler(nil)
	node.Feed(constant(0.1, block))
	m.Flush()
	if b.Load() != 10 {
		t.Error("nil handler should disable delivery")
	}
}

func TestHandlerClearsItself(t *testing.T) {
	m, node := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	m.SetMeteringHandler(func(Snapshot) {
		calls.Add(1)
		m.SetMeteringHandler(nil)
		m.Flush()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			node.Feed(constant(0.1, block))
		}
		m.Flush()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery hung after a handler replaced itself")
	}
	if calls.Load() != 1 {
		t.Errorf("one-shot handler calls = %d, want 1", calls.Load())
	}

	// Delivery still works for a handler registered afterwards.
	var next atomic.Int32
	m.SetMeteringHandler(func(Snapshot) { next.Add(1) })
	node.Feed(constant(0.1, block))
	m.Flush()
	if next.Load() != 1 {
		t.Errorf("handler registered after self-removal got %d calls, want 1", next.Load())
	}
}

func TestHandlerReplacementWaitsForDelivery(t *testing.T) {
	m, node := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var running atomic.Bool
	var once sync.Once
	m.SetMeteringHandler(func(Snapshot) {
		running.Store(true)
		once.Do(func() { close(entered) })
		<-release
		running.Store(false)
	})
	node.Feed(constant(0.1, block))
	<-entered

	replaced := make(chan struct{})
	go func() {
		m.SetMeteringHandler(nil)
		close(replaced)
	}()
	select {
	case <-replaced:
		t.Fatal("replacement returned while the old handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-replaced:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement never returned")
	}
	if running.Load() {
		t.Error("old handler still running after replacement returned")
	}
	m.Flush()
}

func TestTelemetryOrderedOnQueue(t *testing.T) {
	var inQueue atomic.Bool
	q := dispatch.New(1024, dispatch.WithExecutor(func(fn func()) {
		inQueue.Store(true)
		fn()
		inQueue.Store(false)
	}))
	t.Cleanup(q.Close)

	m, node := newTestManager(t, mapSource("vad", nil), WithQueue(q))
	m.ConfigureFromDefaults()

	var mu sync.Mutex
	var levels []float64
	offQueue := 0
	m.SetMeteringHandler(func(s Snapshot) {
		if !inQueue.Load() {
			offQueue++
		}
		mu.Lock()
		levels = append(levels, s.MeterLevel)
		mu.Unlock()
	})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 50; i++ {
		node.Feed(constant(float32(i)/100, block))
	}
	m.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 50 {
		t.Fatalf("delivered %d updates, want 50", len(levels))
	}
	for i := 1; i < len(levels); i++ {
		if levels[i] <= levels[i-1] {
			t.Fatalf("update %d out of order: %v after %v", i, levels[i], levels[i-1])
		}
	}
	if offQueue != 0 {
		t.Errorf("%d updates delivered outside the queue", offQueue)
	}
}

func TestStopPublishesZeroSnapshot(t *testing.T) {
	m, node := newTestManager(t, mapSource("continuous", nil))
	m.ConfigureFromDefaults()

	var last atomic.Pointer[Snapshot]
	m.SetMeteringHandler(func(s Snapshot) { last.Store(&s) })
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	node.Feed(constant(0.5, block))
	m.Stop()
	m.Flush()

	s := last.Load()
	if s == nil {
		t.Fatal("no telemetry delivered")
	}
	if *s != (Snapshot{}) {
		t.Errorf("final snapshot = %+v, want zero", *s)
	}
}

func TestPushToTalkPublishes(t *testing.T) {
	m, _ := newTestManager(t, mapSource("ptt", nil))
	m.ConfigureFromDefaults()
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	var got []bool
	var mu sync.Mutex
	m.SetMeteringHandler(func(s Snapshot) {
		mu.Lock()
		got = append(got, s.Transmitting)
		mu.Unlock()
	})
	m.BeginPushToTalk()
	m.EndPushToTalk()
	m.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("published gates = %v, want [true false]", got)
	}
}

// twoSources flips between two internally consistent configurations.
type twoSources struct {
	cur atomic.Pointer[settings.Map]
}

func (s *twoSources) src() settings.Map              { return *s.cur.Load() }
func (s *twoSources) String(k string) (string, bool) { return s.src().String(k) }
func (s *twoSources) Float(k string) (float64, bool) { return s.src().Float(k) }
func (s *twoSources) Int(k string) (int, bool)       { return s.src().Int(k) }
func (s *twoSources) Bool(k string) (bool, bool)     { return s.src().Bool(k) }

func TestConfigureConcurrentWithStart(t *testing.T) {
	a := settings.Map{settings.KeyTransmitMethod: "ptt", settings.KeyQualityKind: "low"}
	b := settings.Map{settings.KeyTransmitMethod: "continuous", settings.KeyQualityKind: "high"}
	src := &twoSources{}
	src.cur.Store(&a)

	m, node := newTestManager(t, src)
	m.ConfigureFromDefaults()

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if i%2 == 0 {
				src.cur.Store(&b)
			} else {
				src.cur.Store(&a)
			}
			m.ConfigureFromDefaults()
		}
	}()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := m.Start(); err != nil {
			t.Fatal(err)
		}
		m.mu.Lock()
		s := m.session
		m.mu.Unlock()
		size := node.TapBufferSize(0)
		switch s.mode {
		case PushToTalk:
			if s.prefs.Quality != QualityLow || size != 960 {
				t.Fatalf("ptt session started with %+v (tap %d)", s.prefs, size)
			}
		case Continuous:
			if s.prefs.Quality != QualityHigh || size != 480 {
				t.Fatalf("continuous session started with %+v (tap %d)", s.prefs, size)
			}
		default:
			t.Fatalf("unexpected mode %v", s.mode)
		}
		m.Stop()
	}
	close(done)
	wg.Wait()
}

func TestSharedAccessor(t *testing.T) {
	node := audio.NewFakeNode(audio.Format{SampleRate: testRate, Channels: 1})
	first := Init(node, settings.Defaults())
	second := Init(audio.NewFakeNode(audio.Format{SampleRate: 16000, Channels: 1}), settings.Map{})
	if first != second {
		t.Fatal("Init should construct the manager only once")
	}
	if Shared() != first {
		t.Fatal("Shared should return the Init instance")
	}
}

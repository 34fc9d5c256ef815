// Package capture owns the microphone transmit policy: which mode gates the
// captured audio, the VAD thresholds, the capture tap lifecycle and the
// telemetry published to the UI.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"micgate/audio"
	"micgate/bridge"
	"micgate/dispatch"
	"micgate/log"
	"micgate/observe"
	"micgate/settings"
)

// Snapshot is one telemetry update.
type Snapshot struct {
	MeterLevel        float64
	SpeechProbability float64
	Transmitting      bool
}

// MeteringHandler receives telemetry on the manager's dispatch queue.
type MeteringHandler func(Snapshot)

type Option func(*Manager)

// WithQueue delivers telemetry on q instead of a private queue.
func WithQueue(q *dispatch.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithEstimator replaces the configured speech estimator. The VAD gate then
// compares the estimator's probability against the thresholds.
func WithEstimator(e SpeechEstimator) Option {
	return func(m *Manager) { m.custom = e }
}

func WithBus(bus int) Option {
	return func(m *Manager) { m.bus = bus }
}

func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager is the capture policy state machine. Control methods may be called
// from any goroutine; the tap runs on the node's capture goroutine.
type Manager struct {
	node    audio.Node
	src     settings.Source
	bus     int
	queue   *dispatch.Queue
	custom  SpeechEstimator
	metrics *observe.Metrics

	// ctl serialises configuration and lifecycle. It is held across bridge
	// calls; mu is never.
	ctl sync.Mutex

	mu           sync.Mutex
	mode         TransmitMode
	thresholds   Thresholds
	vadKind      VADKind
	preprocessor bool
	prefs        EncoderPreferences
	running      bool
	transmitting bool
	pttHeld      bool
	level        float64
	probability  float64
	gen          uint64
	session      session
	txSince      time.Time
	txCount      int

	deliverMu  sync.Mutex
	delivered  *sync.Cond // on deliverMu
	delivering bool
	deliverSeq uint64
	handler    atomic.Pointer[MeteringHandler]
}

// session is what Start committed to for the current tap.
type session struct {
	mode       TransmitMode
	prefs      EncoderPreferences
	gateOnProb bool
}

// New creates a stopped manager reading settings from src. Call
// ConfigureFromDefaults before Start to apply them.
func New(node audio.Node, src settings.Source, opts ...Option) *Manager {
	m := &Manager{
		node:         node,
		src:          src,
		mode:         VoiceActivity,
		thresholds:   Thresholds{Min: 0, Max: 1},
		preprocessor: true,
		prefs:        DefaultEncoderPreferences(),
	}
	m.delivered = sync.NewCond(&m.deliverMu)
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = dispatch.New(dispatch.DefaultSize)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

var (
	shared     *Manager
	sharedOnce sync.Once
)

// Init constructs the process-wide manager on first call and returns it.
// Later calls ignore their arguments.
func Init(node audio.Node, src settings.Source, opts ...Option) *Manager {
	sharedOnce.Do(func() {
		shared = New(node, src, opts...)
	})
	return shared
}

// Shared returns the process-wide manager, or nil before Init.
func Shared() *Manager {
	return shared
}

// ConfigureFromDefaults applies transmit mode, thresholds and encoder
// preferences from the source as one change.
func (m *Manager) ConfigureFromDefaults() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	mode := m.readTransmitMode()
	th := m.readThresholds()
	kind, pre := m.readVADKind()
	prefs := EncoderPreferencesFrom(m.src)

	m.mu.Lock()
	m.thresholds = th
	m.vadKind, m.preprocessor = kind, pre
	m.prefs = prefs
	tr := m.setModeLocked(mode)
	m.mu.Unlock()

	m.after(tr)
	log.ConfigApplied(mode.String(), th.Min, th.Max, kind.String(), prefs.Codec, prefs.Bitrate, prefs.Frames)
}

func (m *Manager) RefreshTransmitMode() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	mode := m.readTransmitMode()
	m.mu.Lock()
	tr := m.setModeLocked(mode)
	m.mu.Unlock()
	m.after(tr)
}

func (m *Manager) RefreshVADThresholds() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	th := m.readThresholds()
	kind, pre := m.readVADKind()
	m.mu.Lock()
	m.thresholds = th
	m.vadKind, m.preprocessor = kind, pre
	m.mu.Unlock()
}

// RefreshEncoderPreferences reloads the encoder hints. A running tap keeps
// its parameters until the next Start.
func (m *Manager) RefreshEncoderPreferences() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	prefs := EncoderPreferencesFrom(m.src)
	m.mu.Lock()
	m.prefs = prefs
	m.mu.Unlock()
}

func (m *Manager) readTransmitMode() TransmitMode {
	s, _ := m.src.String(settings.KeyTransmitMethod)
	return ParseTransmitMode(s)
}

func (m *Manager) readThresholds() Thresholds {
	lo, ok := m.src.Float(settings.KeyVADBelow)
	if !ok {
		lo = DefaultVADMin
	}
	hi, ok := m.src.Float(settings.KeyVADAbove)
	if !ok {
		hi = DefaultVADMax
	}
	return NormalizeThresholds(lo, hi)
}

func (m *Manager) readVADKind() (VADKind, bool) {
	s, _ := m.src.String(settings.KeyVADKind)
	pre, ok := m.src.Bool(settings.KeyPreprocessor)
	if !ok {
		pre = true
	}
	return ParseVADKind(s), pre
}

// Start installs the capture tap. It is a no-op while running. On failure
// the manager stays stopped and the bridge error is returned.
func (m *Manager) Start() error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	s := session{mode: m.mode, prefs: m.prefs}
	kind, pre := m.vadKind, m.preprocessor
	m.mu.Unlock()

	est := m.custom
	s.gateOnProb = est != nil
	if est == nil && kind == VADSNR && pre {
		rate := int(m.nativeRate())
		e, err := NewWebRTCEstimator(rate)
		if err != nil {
			log.Warnf("capture: snr vad unavailable, using amplitude: %v", err)
		} else {
			est, s.gateOnProb = e, true
		}
	}

	tap := m.newTap(gen, s.prefs.MicBoost, est)
	if err := bridge.SafeInstallTap(m.node, m.bus, s.prefs.BufferSize(), nil, tap); err != nil {
		log.Errorf("capture: start failed: %v", err)
		return fmt.Errorf("capture: start: %w", err)
	}

	m.mu.Lock()
	m.running = true
	m.session = s
	m.level, m.probability = 0, 0
	var tr transition
	switch m.mode {
	case Continuous:
		tr = m.setTransmittingLocked(true)
	case PushToTalk:
		tr = m.setTransmittingLocked(m.pttHeld)
	}
	m.mu.Unlock()
	m.after(tr)

	m.metrics.CaptureRunning.Add(context.Background(), 1)
	log.SessionStart(audio.DeviceName(m.node), s.mode.String())
	return nil
}

// nativeRate asks the node for its format. A node that refuses is reported
// through the bridge and yields 0.
func (m *Manager) nativeRate() float64 {
	var f audio.Format
	if err := bridge.Try(func() { f = m.node.OutputFormat(m.bus) }); err != nil {
		return 0
	}
	return f.SampleRate
}

// Stop removes the capture tap and forces transmitting off. It is a no-op
// while stopped. A missing tap is logged and otherwise ignored; any other
// removal failure still leaves the manager stopped.
func (m *Manager) Stop() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.gen++
	tr := m.setTransmittingLocked(false)
	m.level, m.probability = 0, 0
	m.publishLocked()
	count := m.txCount
	m.mu.Unlock()
	m.after(tr)

	err := bridge.SafeRemoveTap(m.node, m.bus)
	switch {
	case errors.Is(err, bridge.ErrNoTap):
		log.Warnf("capture: stop: %v", err)
	case err != nil:
		log.Errorf("capture: stop: tap removal failed, continuing stopped: %v", err)
	}

	m.metrics.CaptureRunning.Add(context.Background(), -1)
	log.SessionEnd(count, m.queue.Dropped())
}

// BeginPushToTalk records the button as held. It opens the gate only in
// PushToTalk mode while running.
func (m *Manager) BeginPushToTalk() {
	m.setPTT(true)
}

func (m *Manager) EndPushToTalk() {
	m.setPTT(false)
}

func (m *Manager) setPTT(held bool) {
	m.mu.Lock()
	m.pttHeld = held
	var tr transition
	if m.mode == PushToTalk && m.running {
		tr = m.setTransmittingLocked(held)
		m.publishLocked()
	}
	m.mu.Unlock()
	m.after(tr)
}

// SetMeteringHandler replaces the telemetry handler; nil disables delivery.
// When it returns, the previous handler is not running and will not be
// called again. Called from inside a handler it returns without waiting for
// that handler to finish.
func (m *Manager) SetMeteringHandler(h MeteringHandler) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if h == nil {
		m.handler.Store(nil)
	} else {
		m.handler.Store(&h)
	}
	if !m.delivering || m.queue.Running() {
		return
	}
	seq := m.deliverSeq
	for m.delivering && m.deliverSeq == seq {
		m.delivered.Wait()
	}
}

// deliver runs on the queue. The handler is called without deliverMu held
// so it may replace itself.
func (m *Manager) deliver(s Snapshot) {
	m.deliverMu.Lock()
	h := m.handler.Load()
	if h == nil {
		m.deliverMu.Unlock()
		return
	}
	m.delivering = true
	m.deliverSeq++
	m.deliverMu.Unlock()

	defer func() {
		m.deliverMu.Lock()
		m.delivering = false
		m.delivered.Broadcast()
		m.deliverMu.Unlock()
	}()
	(*h)(s)
}

// publishLocked queues the current snapshot. Called with mu held so queue
// order matches state order.
func (m *Manager) publishLocked() {
	if m.handler.Load() == nil {
		return
	}
	s := Snapshot{MeterLevel: m.level, SpeechProbability: m.probability, Transmitting: m.transmitting}
	if !m.queue.Dispatch(func() { m.deliver(s) }) {
		m.metrics.TelemetryDropped.Add(context.Background(), 1)
	}
}

// newTap builds the realtime callback for one tap generation.
func (m *Manager) newTap(gen uint64, boost float64, est SpeechEstimator) audio.TapFunc {
	ctx := context.Background()
	return func(buf *audio.Buffer, _ audio.Time) {
		if buf == nil || len(buf.Samples) == 0 {
			return
		}
		begin := time.Now()

		level := MeterLevel(buf.Samples, boost)
		prob := -1.0
		if est != nil {
			prob = clamp01(est.Estimate(buf.Samples, buf.Format.SampleRate, level))
		}

		m.mu.Lock()
		if !m.running || gen != m.gen {
			m.mu.Unlock()
			return
		}
		if prob < 0 {
			prob = amplitudeProbability(level, m.thresholds)
		}
		m.level, m.probability = level, prob

		var tr transition
		switch m.mode {
		case VoiceActivity:
			v := level
			if m.session.gateOnProb {
				v = prob
			}
			tr = m.setTransmittingLocked(hysteresis(m.transmitting, v, m.thresholds))
		case Continuous:
			tr = m.setTransmittingLocked(true)
		}
		m.publishLocked()
		m.mu.Unlock()

		m.after(tr)
		m.metrics.RecordTapBuffer(ctx, time.Since(begin))
	}
}

// transition describes a gate change to report once mu is released.
type transition struct {
	changed bool
	on      bool
	mode    TransmitMode
	held    time.Duration
}

func (m *Manager) setTransmittingLocked(on bool) transition {
	if m.transmitting == on {
		return transition{}
	}
	m.transmitting = on
	tr := transition{changed: true, on: on, mode: m.mode}
	if on {
		m.txSince = time.Now()
		m.txCount++
	} else if !m.txSince.IsZero() {
		tr.held = time.Since(m.txSince)
		m.txSince = time.Time{}
	}
	return tr
}

// setModeLocked switches mode and re-gates a running capture.
// VoiceActivity keeps the current gate until the next buffer.
func (m *Manager) setModeLocked(mode TransmitMode) transition {
	m.mode = mode
	if !m.running {
		return transition{}
	}
	var tr transition
	switch mode {
	case Continuous:
		tr = m.setTransmittingLocked(true)
	case PushToTalk:
		tr = m.setTransmittingLocked(m.pttHeld)
	}
	if tr.changed {
		m.publishLocked()
	}
	return tr
}

func (m *Manager) after(tr transition) {
	if !tr.changed {
		return
	}
	ctx := context.Background()
	m.metrics.RecordTransmit(ctx, tr.mode.String(), tr.on)
	log.TransmitChange(tr.mode.String(), tr.on)
	if !tr.on && tr.held > 0 {
		m.metrics.TransmitDuration.Record(ctx, tr.held.Seconds())
		log.Transmission(tr.mode.String(), tr.held)
	}
}

func (m *Manager) TransmitMode() TransmitMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Manager) VADThresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

func (m *Manager) VADMin() float64 { return m.VADThresholds().Min }
func (m *Manager) VADMax() float64 { return m.VADThresholds().Max }

// VADKind reports the configured strategy; it takes effect at the next Start.
func (m *Manager) VADKind() VADKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vadKind
}

func (m *Manager) EncoderPreferences() EncoderPreferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

func (m *Manager) MeterLevel() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Manager) SpeechProbability() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probability
}

func (m *Manager) IsTransmitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transmitting
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Snapshot reads the telemetry values together.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{MeterLevel: m.level, SpeechProbability: m.probability, Transmitting: m.transmitting}
}

// Flush waits until all telemetry queued so far has been delivered. Called
// from inside a metering handler it returns immediately.
func (m *Manager) Flush() {
	m.queue.Flush()
}

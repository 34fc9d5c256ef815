package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"micgate/beep"
	"micgate/capture"
	"micgate/hotkey"
)

// TUI message types
type MeterMsg capture.Snapshot
type tickMsg time.Time

// meterSource is the part of the capture manager the meter reads and drives.
type meterSource interface {
	TransmitMode() capture.TransmitMode
	VADThresholds() capture.Thresholds
	IsRunning() bool
	Start() error
	Stop()
}

type tuiModel struct {
	src     meterSource
	device  string
	latch   bool
	snap    capture.Snapshot
	peak    float64
	mode    capture.TransmitMode
	th      capture.Thresholds
	running bool
	err     string
	width   int
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	txStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	levelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	speechStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	boldDimStyle = dimStyle.Bold(true)
)

func newTUIModel(src meterSource, device string, latch bool) tuiModel {
	return tuiModel{src: src, device: device, latch: latch}.refresh()
}

func NewTUIProgram(src meterSource, device string, latch bool) *tea.Program {
	return tea.NewProgram(newTUIModel(src, device, latch), tea.WithAltScreen())
}

// tuiSend forwards msg to the running program, if any.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh re-reads configuration that can change under a settings reload.
func (m tuiModel) refresh() tuiModel {
	m.mode = m.src.TransmitMode()
	m.th = m.src.VADThresholds()
	m.running = m.src.IsRunning()
	return m
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			m.err = ""
			if m.src.IsRunning() {
				m.src.Stop()
			} else if err := m.src.Start(); err != nil {
				m.err = err.Error()
				beep.Play(beep.Error)
			}
			m.peak = 0
			return m.refresh(), nil
		}

	case tickMsg:
		// Peak hold decays so a single loud buffer does not stick.
		m.peak *= 0.8
		return m.refresh(), tuiTick()

	case MeterMsg:
		m.snap = capture.Snapshot(msg)
		m.peak = max(m.peak, m.snap.MeterLevel)
	}
	return m, nil
}

func (m tuiModel) barWidth() int {
	w := m.width - 16
	if w > 50 {
		w = 50
	}
	if w < 10 {
		w = 10
	}
	return w
}

func (m tuiModel) View() string {
	var b strings.Builder
	w := m.barWidth()

	switch {
	case !m.running:
		b.WriteString(idleStyle.Render("■ STOPPED"))
	case m.snap.Transmitting:
		b.WriteString(txStyle.Render("● TRANSMITTING"))
	default:
		b.WriteString(idleStyle.Render("○ LISTENING"))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "level  %s %.2f\n", levelStyle.Render(renderBar(m.snap.MeterLevel, m.peak, w)), m.snap.MeterLevel)
	if m.mode == capture.VoiceActivity {
		fmt.Fprintf(&b, "speech %s %.2f\n", speechStyle.Render(renderBar(m.snap.SpeechProbability, -1, w, m.th.Min, m.th.Max)), m.snap.SpeechProbability)
	}
	b.WriteString("\n")

	mode := "mode: " + m.mode.String()
	if m.mode == capture.VoiceActivity {
		mode += fmt.Sprintf(" (close %.2f / open %.2f)", m.th.Min, m.th.Max)
	}
	if m.mode == capture.PushToTalk && m.latch {
		mode += " (latch)"
	}
	b.WriteString(infoStyle.Render(mode) + "\n")
	b.WriteString(idleStyle.Render("mic: "+m.device) + "\n")
	if m.err != "" {
		b.WriteString(warnStyle.Render("⚠ "+m.err) + "\n")
	}
	b.WriteString("\n")

	if m.mode == capture.PushToTalk {
		b.WriteString(boldDimStyle.Render(hotkey.Combo) + dimStyle.Render(" to talk · "))
	}
	b.WriteString(boldDimStyle.Render("s") + dimStyle.Render(" start/stop · ") + boldDimStyle.Render("q") + dimStyle.Render(" quit") + "\n")
	b.WriteString(dimStyle.Render("micgate " + version))
	return b.String()
}

// renderBar draws v in [0,1] as a bar width cells wide. A positive peak is
// drawn as a hold marker; marks are drawn as threshold ticks.
func renderBar(v, peak float64, width int, marks ...float64) string {
	cells := make([]rune, width)
	fill := int(clampUnit(v)*float64(width) + 0.5)
	for i := range cells {
		if i < fill {
			cells[i] = '█'
		} else {
			cells[i] = '░'
		}
	}
	if peak > 0 {
		if i := cellOf(peak, width); i >= fill {
			cells[i] = '▌'
		}
	}
	for _, mk := range marks {
		cells[cellOf(mk, width)] = '│'
	}
	return string(cells)
}

func cellOf(v float64, width int) int {
	i := int(clampUnit(v) * float64(width))
	if i >= width {
		i = width - 1
	}
	return i
}

func clampUnit(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

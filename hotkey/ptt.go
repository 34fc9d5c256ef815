package hotkey

import (
	"sync"
	"time"
)

// Talker is the side of the capture manager a push-to-talk key drives.
type Talker interface {
	BeginPushToTalk()
	EndPushToTalk()
}

// PTT turns hotkey presses into push-to-talk begin/end calls.
//
// In hold mode the key is held for as long as it is pressed. In latch mode a
// press shorter than longPress latches the key on until the next press is
// released; a longer press behaves like hold.
type PTT struct {
	hk        Hotkey
	talker    Talker
	latch     bool
	longPress time.Duration

	mu   sync.Mutex
	held bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewPTT(hk Hotkey, t Talker, latch bool, longPress time.Duration) *PTT {
	p := &PTT{
		hk:        hk,
		talker:    t,
		latch:     latch,
		longPress: longPress,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Held reports whether push-to-talk is currently engaged by the key.
func (p *PTT) Held() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// Close stops the controller. A held key is released.
func (p *PTT) Close() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		if p.Held() {
			p.end()
		}
	})
}

func (p *PTT) begin() {
	p.mu.Lock()
	p.held = true
	p.mu.Unlock()
	p.talker.BeginPushToTalk()
}

func (p *PTT) end() {
	p.mu.Lock()
	p.held = false
	p.mu.Unlock()
	p.talker.EndPushToTalk()
}

type pttState int

const (
	stIdle pttState = iota
	stLatched
)

func (p *PTT) run() {
	defer close(p.done)
	state := stIdle
	for {
		switch state {
		case stIdle:
			select {
			case <-p.stop:
				return
			case <-p.hk.Keydown():
			}
			p.begin()
			if !p.latch {
				select {
				case <-p.stop:
					return
				case <-p.hk.Keyup():
				}
				p.end()
				continue
			}
			timer := time.NewTimer(p.longPress)
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
				select {
				case <-p.stop:
					return
				case <-p.hk.Keyup():
				}
				p.end()
			case <-p.hk.Keyup():
				timer.Stop()
				state = stLatched
			}
		case stLatched:
			// The next press releases the latch on its keyup.
			select {
			case <-p.stop:
				return
			case <-p.hk.Keydown():
			}
			select {
			case <-p.stop:
				return
			case <-p.hk.Keyup():
			}
			p.end()
			state = stIdle
		}
	}
}

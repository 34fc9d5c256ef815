package settings

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"micgate/log"
)

// Watcher polls a settings file and swaps in its contents when they change.
// It is itself a Source reading the most recently loaded valid file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func()

	mu       sync.Mutex
	current  Map
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately and starts polling it. onChange runs on
// the polling goroutine after each successful reload.
func NewWatcher(path string, onChange func(), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	m, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("settings: watcher initial load: %w", err)
	}
	w.current = m
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

func (w *Watcher) Current() Map {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) String(key string) (string, bool) { return w.Current().String(key) }
func (w *Watcher) Float(key string) (float64, bool) { return w.Current().Float(key) }
func (w *Watcher) Int(key string) (int, bool)       { return w.Current().Int(key) }
func (w *Watcher) Bool(key string) (bool, bool)     { return w.Current().Bool(key) }

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		log.Warnf("settings watcher: cannot stat %s: %v", w.path, err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	m, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		log.Warnf("settings watcher: keeping previous settings: %v", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	w.current = m
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	log.Info("settings reloaded from " + w.path)

	if w.onChange != nil {
		w.onChange()
	}
}

func (w *Watcher) loadAndHash() (Map, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	data := buf.Bytes()

	m, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return m, sha256.Sum256(data), info.ModTime(), nil
}

//go:build linux

package dispatch

// MainThread returns nil on linux: neither the hotkey backend nor the
// terminal UI needs a particular OS thread, so the queue's own worker is the
// designated context.
func MainThread() func(func()) {
	return nil
}

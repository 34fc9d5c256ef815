package hotkey

// Hotkey is a global key combination that reports presses and releases.
type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Combo names the key combination the platform hotkey listens for.
const Combo = "Ctrl+Shift+Space"

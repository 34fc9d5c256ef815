//go:build !linux

package dispatch

import "golang.design/x/hotkey/mainthread"

// MainThread returns an executor that runs work on the process main thread.
// It requires main to have been started through mainthread.Init.
func MainThread() func(func()) {
	return mainthread.Call
}

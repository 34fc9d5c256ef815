//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

// The hotkey backend and metering delivery both need the process main thread.
func main() {
	mainthread.Init(run)
}

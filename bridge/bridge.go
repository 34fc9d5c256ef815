// Package bridge is the only place that mutates the native audio graph.
// Nodes signal invalid mutations by panicking; every function here recovers
// that panic on the caller's goroutine and returns it as an *Error.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"micgate/audio"
	"micgate/log"
	"micgate/observe"
)

// ErrNoTap matches an *Error raised because no tap was installed on the bus.
var ErrNoTap = errors.New("no tap installed")

const (
	opTry     = "try"
	opInstall = "install_tap"
	opRemove  = "remove_tap"
)

// Error describes a native failure intercepted at the bridge.
type Error struct {
	Op     string
	Name   string
	Reason string

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridge %s: %s: %s", e.Op, e.Name, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrNoTap && e.Name == audio.ExceptionNoTap
}

func (e *Error) Unwrap() error { return e.cause }

var metrics = observe.DefaultMetrics

// Try runs work synchronously and converts a panic raised inside it into an
// *Error. A nil work is a no-op.
func Try(work func()) error {
	return run(opTry, work)
}

// SafeRemoveTap removes the tap on bus. When none is installed the returned
// error matches ErrNoTap; callers usually treat that as benign.
func SafeRemoveTap(node audio.Node, bus int) error {
	err := run(opRemove, func() { node.RemoveTap(bus) })
	log.TapEvent(opRemove, bus, err)
	return err
}

// SafeInstallTap installs fn on bus. A nil format selects the node's native
// output format.
func SafeInstallTap(node audio.Node, bus int, bufferSize uint32, format *audio.Format, fn audio.TapFunc) error {
	err := run(opInstall, func() { node.InstallTap(bus, bufferSize, format, fn) })
	log.TapEvent(opInstall, bus, err)
	return err
}

func run(op string, work func()) (err error) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			e := toError(op, r)
			log.BridgeFailure(e.Name, e.Reason, debug.Stack())
			metrics().RecordBridgeFailure(ctx, op, e.Name)
			err = e
		}
		metrics().RecordBridgeCall(ctx, op, err)
	}()
	if work != nil {
		work()
	}
	return nil
}

func toError(op string, r any) *Error {
	switch v := r.(type) {
	case *audio.Exception:
		return &Error{Op: op, Name: v.Name, Reason: v.Reason, cause: v}
	case runtime.Error:
		return &Error{Op: op, Name: "RuntimeError", Reason: v.Error(), cause: v}
	case error:
		return &Error{Op: op, Name: "Error", Reason: v.Error(), cause: v}
	default:
		return &Error{Op: op, Name: "Panic", Reason: fmt.Sprint(v)}
	}
}

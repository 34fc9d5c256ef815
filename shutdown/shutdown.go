// Package shutdown maps the platform's termination signals onto channels and
// contexts.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

func Notify(ch chan<- os.Signal) {
	signal.Notify(ch, signals...)
}

// Context returns a copy of parent that is cancelled by the first
// termination signal. Call stop to release the signal registration.
func Context(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}

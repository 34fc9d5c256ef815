package doctor

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"micgate/shutdown"
)

// stdinState is the terminal mode doctor started with. The evdev reader and
// the raw device picker can leave stdin altered.
var stdinState *term.State

func saveTerminal() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	if st, err := term.GetState(fd); err == nil {
		stdinState = st
	}
}

func resetTerminal() {
	if stdinState != nil {
		term.Restore(int(os.Stdin.Fd()), stdinState)
	}
}

// exitOnInterrupt restores the terminal and exits on the first termination
// signal.
func exitOnInterrupt() {
	ch := make(chan os.Signal, 1)
	shutdown.Notify(ch)
	go func() {
		<-ch
		resetTerminal()
		fmt.Println("\nInterrupted")
		os.Exit(1)
	}()
}

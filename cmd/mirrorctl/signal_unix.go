//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// focusSignals delivers SIGUSR1, the CLI's stand-in for regained focus.
func focusSignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	return ch
}
